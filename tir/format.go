package tir

import (
	"fmt"
	"strconv"
	"strings"
)

// Format renders a node as compact, deterministic text. The output is
// meant for tests, debug logs and the demo tool, not for parsing back.
func Format(n Node) string {
	var b strings.Builder
	switch n := n.(type) {
	case PrimExpr:
		formatExpr(&b, n)
	case Stmt:
		formatStmt(&b, n, 0)
	}
	return b.String()
}

func formatExpr(b *strings.Builder, e PrimExpr) {
	switch e := e.(type) {
	case *IntImm:
		b.WriteString(strconv.FormatInt(e.Value, 10))
	case *FloatImm:
		fmt.Fprintf(b, "%gf", e.Value)
	case *StringImm:
		fmt.Fprintf(b, "%q", e.Value)
	case *Var:
		b.WriteString(e.Name)
	case *Cast:
		fmt.Fprintf(b, "%s(", strings.ToLower(e.Type.String()))
		formatExpr(b, e.Value)
		b.WriteByte(')')
	case *Add:
		formatBinary(b, e.A, "+", e.B)
	case *Sub:
		formatBinary(b, e.A, "-", e.B)
	case *Mul:
		formatBinary(b, e.A, "*", e.B)
	case *Div:
		formatBinary(b, e.A, "/", e.B)
	case *Mod:
		formatBinary(b, e.A, "%", e.B)
	case *Call:
		b.WriteString(e.Op)
		b.WriteByte('(')
		for i, arg := range e.Args {
			if i > 0 {
				b.WriteString(", ")
			}
			formatExpr(b, arg)
		}
		b.WriteByte(')')
	case *ProducerLoad:
		b.WriteString(e.Producer.Name())
		b.WriteByte('[')
		for i, idx := range e.Indices {
			if i > 0 {
				b.WriteString(", ")
			}
			formatExpr(b, idx)
		}
		b.WriteByte(']')
	case *Reduce:
		b.WriteString("reduce(")
		for i, src := range e.Source {
			if i > 0 {
				b.WriteString(", ")
			}
			formatExpr(b, src)
		}
		b.WriteString(", axis=[")
		for i, iv := range e.Axis {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(iv.Var.Name)
		}
		b.WriteString("])")
	case nil:
		b.WriteString("<nil>")
	default:
		fmt.Fprintf(b, "<%T>", e)
	}
}

func formatBinary(b *strings.Builder, a PrimExpr, op string, c PrimExpr) {
	b.WriteByte('(')
	formatExpr(b, a)
	b.WriteString(op)
	formatExpr(b, c)
	b.WriteByte(')')
}

func formatStmt(b *strings.Builder, s Stmt, depth int) {
	indent := strings.Repeat("  ", depth)
	switch s := s.(type) {
	case *AttrStmt:
		fmt.Fprintf(b, "%s// attr [%s] %s = ", indent, attrNodeName(s.Node), s.Key)
		formatExpr(b, s.Value)
		b.WriteByte('\n')
		formatStmt(b, s.Body, depth)
	case *ProducerRealize:
		fmt.Fprintf(b, "%srealize %s(", indent, s.Producer.Name())
		for i, r := range s.Bounds {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteByte('[')
			formatExpr(b, r.Min)
			b.WriteString(", ")
			formatExpr(b, r.Extent)
			b.WriteByte(']')
		}
		b.WriteString(") {\n")
		formatStmt(b, s.Body, depth+1)
		fmt.Fprintf(b, "%s}\n", indent)
	case *ProducerStore:
		fmt.Fprintf(b, "%s%s[", indent, s.Producer.Name())
		for i, idx := range s.Indices {
			if i > 0 {
				b.WriteString(", ")
			}
			formatExpr(b, idx)
		}
		b.WriteString("] = ")
		formatExpr(b, s.Value)
		b.WriteByte('\n')
	case *For:
		fmt.Fprintf(b, "%sfor (%s, ", indent, s.LoopVar.Name)
		formatExpr(b, s.Min)
		b.WriteString(", ")
		formatExpr(b, s.Extent)
		b.WriteString(") {\n")
		formatStmt(b, s.Body, depth+1)
		fmt.Fprintf(b, "%s}\n", indent)
	case *SeqStmt:
		for _, sub := range s.Stmts {
			formatStmt(b, sub, depth)
		}
	case *Evaluate:
		b.WriteString(indent)
		formatExpr(b, s.Value)
		b.WriteByte('\n')
	case nil:
		fmt.Fprintf(b, "%s<nil>\n", indent)
	default:
		fmt.Fprintf(b, "%s<%T>\n", indent, s)
	}
}

func attrNodeName(n any) string {
	switch n := n.(type) {
	case *IterVar:
		return n.Var.Name
	case DataProducer:
		return n.Name()
	case interface{ Name() string }:
		return n.Name()
	case *Var:
		return n.Name
	}
	return fmt.Sprintf("%T", n)
}

// CountNodes returns the number of IR nodes reachable from s.
func CountNodes(s Stmt) int {
	n := 0
	WalkStmt(s, func(Node) bool {
		n++
		return true
	})
	return n
}
