package tir

// EqualExpr reports structural equality of two expressions. Vars and
// producers are compared by identity, so two trees are equal only when
// they reference the same variables and tensors.
func EqualExpr(a, b PrimExpr) bool {
	if a == nil || b == nil {
		return a == b
	}
	switch a := a.(type) {
	case *IntImm:
		b, ok := b.(*IntImm)
		return ok && a.Type == b.Type && a.Value == b.Value
	case *FloatImm:
		b, ok := b.(*FloatImm)
		return ok && a.Type == b.Type && a.Value == b.Value
	case *StringImm:
		b, ok := b.(*StringImm)
		return ok && a.Value == b.Value
	case *Var:
		return a == b
	case *Cast:
		b, ok := b.(*Cast)
		return ok && a.Type == b.Type && EqualExpr(a.Value, b.Value)
	case *Add:
		b, ok := b.(*Add)
		return ok && EqualExpr(a.A, b.A) && EqualExpr(a.B, b.B)
	case *Sub:
		b, ok := b.(*Sub)
		return ok && EqualExpr(a.A, b.A) && EqualExpr(a.B, b.B)
	case *Mul:
		b, ok := b.(*Mul)
		return ok && EqualExpr(a.A, b.A) && EqualExpr(a.B, b.B)
	case *Div:
		b, ok := b.(*Div)
		return ok && EqualExpr(a.A, b.A) && EqualExpr(a.B, b.B)
	case *Mod:
		b, ok := b.(*Mod)
		return ok && EqualExpr(a.A, b.A) && EqualExpr(a.B, b.B)
	case *Call:
		b, ok := b.(*Call)
		return ok && a.Type == b.Type && a.Op == b.Op && equalExprs(a.Args, b.Args)
	case *ProducerLoad:
		b, ok := b.(*ProducerLoad)
		return ok && a.Producer == b.Producer && equalExprs(a.Indices, b.Indices)
	case *Reduce:
		b, ok := b.(*Reduce)
		if !ok || a.ValueIndex != b.ValueIndex || len(a.Axis) != len(b.Axis) {
			return false
		}
		for i := range a.Axis {
			if a.Axis[i] != b.Axis[i] {
				return false
			}
		}
		return a.Combiner == b.Combiner &&
			equalExprs(a.Source, b.Source) &&
			EqualExpr(a.Condition, b.Condition)
	}
	return false
}

// EqualStmt reports structural equality of two statements, with the
// same identity rules as EqualExpr.
func EqualStmt(a, b Stmt) bool {
	if a == nil || b == nil {
		return a == b
	}
	switch a := a.(type) {
	case *AttrStmt:
		b, ok := b.(*AttrStmt)
		return ok && a.Node == b.Node && a.Key == b.Key &&
			EqualExpr(a.Value, b.Value) && EqualStmt(a.Body, b.Body)
	case *ProducerRealize:
		b, ok := b.(*ProducerRealize)
		if !ok || a.Producer != b.Producer || len(a.Bounds) != len(b.Bounds) {
			return false
		}
		for i := range a.Bounds {
			if !EqualExpr(a.Bounds[i].Min, b.Bounds[i].Min) ||
				!EqualExpr(a.Bounds[i].Extent, b.Bounds[i].Extent) {
				return false
			}
		}
		return EqualExpr(a.Condition, b.Condition) && EqualStmt(a.Body, b.Body)
	case *ProducerStore:
		b, ok := b.(*ProducerStore)
		return ok && a.Producer == b.Producer &&
			EqualExpr(a.Value, b.Value) && equalExprs(a.Indices, b.Indices)
	case *For:
		b, ok := b.(*For)
		return ok && a.LoopVar == b.LoopVar && a.Kind == b.Kind &&
			EqualExpr(a.Min, b.Min) && EqualExpr(a.Extent, b.Extent) &&
			EqualStmt(a.Body, b.Body)
	case *SeqStmt:
		b, ok := b.(*SeqStmt)
		if !ok || len(a.Stmts) != len(b.Stmts) {
			return false
		}
		for i := range a.Stmts {
			if !EqualStmt(a.Stmts[i], b.Stmts[i]) {
				return false
			}
		}
		return true
	case *Evaluate:
		b, ok := b.(*Evaluate)
		return ok && EqualExpr(a.Value, b.Value)
	}
	return false
}

func equalExprs(a, b []PrimExpr) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !EqualExpr(a[i], b[i]) {
			return false
		}
	}
	return true
}
