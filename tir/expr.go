package tir

import (
	"github.com/gomlx/gopjrt/dtypes"
)

// IntImm is an integer immediate.
type IntImm struct {
	Type  dtypes.DType
	Value int64
}

// FloatImm is a floating-point immediate. The value is held as float64
// regardless of Type; conversions narrow at fold time.
type FloatImm struct {
	Type  dtypes.DType
	Value float64
}

// StringImm is a string immediate, used for attribute values (storage
// scopes, thread tags) and intrinsic arguments.
type StringImm struct {
	Value string
}

// Var is a scalar variable. Vars are compared by pointer identity, never
// by name: two loops may reuse the name "i" with distinct *Var nodes.
type Var struct {
	Name string
	Type dtypes.DType
}

// Cast converts Value to Type.
type Cast struct {
	Type  dtypes.DType
	Value PrimExpr
}

// Add is A + B.
type Add struct {
	A, B PrimExpr
}

// Sub is A - B.
type Sub struct {
	A, B PrimExpr
}

// Mul is A * B.
type Mul struct {
	A, B PrimExpr
}

// Div is A / B (truncated for integers).
type Div struct {
	A, B PrimExpr
}

// Mod is A % B.
type Mod struct {
	A, B PrimExpr
}

// Call is an opaque call: either an intrinsic (Op one of the tvm_*
// constants) or an extern function dispatched through CallExtern.
type Call struct {
	Type dtypes.DType
	Op   string
	Args []PrimExpr
}

// ProducerLoad reads one element of a data producer at Indices.
type ProducerLoad struct {
	Producer DataProducer
	Indices  []PrimExpr
}

// Reduce applies Combiner over the reduction Axis. Source holds one
// expression per combiner lane; ValueIndex selects the lane this node
// evaluates to.
type Reduce struct {
	Combiner   *CommReducer
	Source     []PrimExpr
	Axis       []*IterVar
	Condition  PrimExpr
	ValueIndex int
}

func (*IntImm) node()       {}
func (*FloatImm) node()     {}
func (*StringImm) node()    {}
func (*Var) node()          {}
func (*Cast) node()         {}
func (*Add) node()          {}
func (*Sub) node()          {}
func (*Mul) node()          {}
func (*Div) node()          {}
func (*Mod) node()          {}
func (*Call) node()         {}
func (*ProducerLoad) node() {}
func (*Reduce) node()       {}

func (*IntImm) exprNode()       {}
func (*FloatImm) exprNode()     {}
func (*StringImm) exprNode()    {}
func (*Var) exprNode()          {}
func (*Cast) exprNode()         {}
func (*Add) exprNode()          {}
func (*Sub) exprNode()          {}
func (*Mul) exprNode()          {}
func (*Div) exprNode()          {}
func (*Mod) exprNode()          {}
func (*Call) exprNode()         {}
func (*ProducerLoad) exprNode() {}
func (*Reduce) exprNode()       {}

func (e *IntImm) DType() dtypes.DType   { return e.Type }
func (e *FloatImm) DType() dtypes.DType { return e.Type }

// DType of a StringImm is Handle: strings only appear in opaque positions.
func (e *StringImm) DType() dtypes.DType { return Handle }

func (e *Var) DType() dtypes.DType  { return e.Type }
func (e *Cast) DType() dtypes.DType { return e.Type }
func (e *Add) DType() dtypes.DType  { return e.A.DType() }
func (e *Sub) DType() dtypes.DType  { return e.A.DType() }
func (e *Mul) DType() dtypes.DType  { return e.A.DType() }
func (e *Div) DType() dtypes.DType  { return e.A.DType() }
func (e *Mod) DType() dtypes.DType  { return e.A.DType() }
func (e *Call) DType() dtypes.DType { return e.Type }

func (e *ProducerLoad) DType() dtypes.DType { return e.Producer.DType() }

func (e *Reduce) DType() dtypes.DType { return e.Source[e.ValueIndex].DType() }

// Int32Imm builds an Int32 immediate, the canonical index type.
func Int32Imm(v int64) *IntImm {
	return &IntImm{Type: dtypes.Int32, Value: v}
}

// NewVar builds an Int32 variable, the canonical loop/index variable.
func NewVar(name string) *Var {
	return &Var{Name: name, Type: dtypes.Int32}
}

// NewCall builds an intrinsic call.
func NewCall(dtype dtypes.DType, op string, args ...PrimExpr) *Call {
	return &Call{Type: dtype, Op: op, Args: args}
}

// SumReducer builds the single-lane additive CommReducer used by matmul
// reductions: result = lhs + rhs, identity 0 of the given dtype.
func SumReducer(dtype dtypes.DType) *CommReducer {
	lhs := &Var{Name: "x", Type: dtype}
	rhs := &Var{Name: "y", Type: dtype}
	var identity PrimExpr
	if dtype.IsFloat() {
		identity = &FloatImm{Type: dtype, Value: 0}
	} else {
		identity = &IntImm{Type: dtype, Value: 0}
	}
	return &CommReducer{
		Lhs:             []*Var{lhs},
		Rhs:             []*Var{rhs},
		Result:          []PrimExpr{&Add{A: lhs, B: rhs}},
		IdentityElement: []PrimExpr{identity},
	}
}
