package tir

// WalkExpr traverses e depth-first in pre-order, calling pre on every
// node. If pre returns false the node's children are pruned.
func WalkExpr(e PrimExpr, pre func(Node) bool) {
	if e == nil || !pre(e) {
		return
	}
	switch e := e.(type) {
	case *Cast:
		WalkExpr(e.Value, pre)
	case *Add:
		WalkExpr(e.A, pre)
		WalkExpr(e.B, pre)
	case *Sub:
		WalkExpr(e.A, pre)
		WalkExpr(e.B, pre)
	case *Mul:
		WalkExpr(e.A, pre)
		WalkExpr(e.B, pre)
	case *Div:
		WalkExpr(e.A, pre)
		WalkExpr(e.B, pre)
	case *Mod:
		WalkExpr(e.A, pre)
		WalkExpr(e.B, pre)
	case *Call:
		for _, arg := range e.Args {
			WalkExpr(arg, pre)
		}
	case *ProducerLoad:
		for _, idx := range e.Indices {
			WalkExpr(idx, pre)
		}
	case *Reduce:
		for _, src := range e.Source {
			WalkExpr(src, pre)
		}
		WalkExpr(e.Condition, pre)
	}
}

// WalkStmt traverses s depth-first in pre-order, descending into both
// sub-statements and expressions. If pre returns false the node's
// children are pruned.
func WalkStmt(s Stmt, pre func(Node) bool) {
	if s == nil || !pre(s) {
		return
	}
	switch s := s.(type) {
	case *AttrStmt:
		WalkExpr(s.Value, pre)
		WalkStmt(s.Body, pre)
	case *ProducerRealize:
		for _, b := range s.Bounds {
			WalkExpr(b.Min, pre)
			WalkExpr(b.Extent, pre)
		}
		WalkExpr(s.Condition, pre)
		WalkStmt(s.Body, pre)
	case *ProducerStore:
		WalkExpr(s.Value, pre)
		for _, idx := range s.Indices {
			WalkExpr(idx, pre)
		}
	case *For:
		WalkExpr(s.Min, pre)
		WalkExpr(s.Extent, pre)
		WalkStmt(s.Body, pre)
	case *SeqStmt:
		for _, sub := range s.Stmts {
			WalkStmt(sub, pre)
		}
	case *Evaluate:
		WalkExpr(s.Value, pre)
	}
}

// RewriteExpr rebuilds e bottom-up: children are rewritten first, then f
// is applied to the node itself. Nodes whose children are unchanged are
// returned as-is, so untouched sub-trees keep their identity.
func RewriteExpr(e PrimExpr, f func(PrimExpr) PrimExpr) PrimExpr {
	if e == nil {
		return nil
	}
	switch n := e.(type) {
	case *Cast:
		if v := RewriteExpr(n.Value, f); v != n.Value {
			e = &Cast{Type: n.Type, Value: v}
		}
	case *Add:
		if a, b := RewriteExpr(n.A, f), RewriteExpr(n.B, f); a != n.A || b != n.B {
			e = &Add{A: a, B: b}
		}
	case *Sub:
		if a, b := RewriteExpr(n.A, f), RewriteExpr(n.B, f); a != n.A || b != n.B {
			e = &Sub{A: a, B: b}
		}
	case *Mul:
		if a, b := RewriteExpr(n.A, f), RewriteExpr(n.B, f); a != n.A || b != n.B {
			e = &Mul{A: a, B: b}
		}
	case *Div:
		if a, b := RewriteExpr(n.A, f), RewriteExpr(n.B, f); a != n.A || b != n.B {
			e = &Div{A: a, B: b}
		}
	case *Mod:
		if a, b := RewriteExpr(n.A, f), RewriteExpr(n.B, f); a != n.A || b != n.B {
			e = &Mod{A: a, B: b}
		}
	case *Call:
		args, changed := rewriteExprs(n.Args, f)
		if changed {
			e = &Call{Type: n.Type, Op: n.Op, Args: args}
		}
	case *ProducerLoad:
		indices, changed := rewriteExprs(n.Indices, f)
		if changed {
			e = &ProducerLoad{Producer: n.Producer, Indices: indices}
		}
	case *Reduce:
		source, srcChanged := rewriteExprs(n.Source, f)
		cond := RewriteExpr(n.Condition, f)
		if srcChanged || cond != n.Condition {
			e = &Reduce{
				Combiner:   n.Combiner,
				Source:     source,
				Axis:       n.Axis,
				Condition:  cond,
				ValueIndex: n.ValueIndex,
			}
		}
	}
	return f(e)
}

func rewriteExprs(es []PrimExpr, f func(PrimExpr) PrimExpr) ([]PrimExpr, bool) {
	changed := false
	out := es
	for i, e := range es {
		r := RewriteExpr(e, f)
		if r != e {
			if !changed {
				out = make([]PrimExpr, len(es))
				copy(out, es)
				changed = true
			}
			out[i] = r
		}
	}
	return out, changed
}
