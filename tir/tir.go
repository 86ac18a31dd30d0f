// Package tir defines the tensor-program intermediate representation (IR)
// consumed and produced by the schedule post-processing passes.
//
// The IR is a tree: statements (Stmt) contain other statements and
// expressions (PrimExpr), expressions contain only expressions. The node
// types mirror the vocabulary produced by schedule lowering -- attribute
// annotations, producer realize/store/load, loops, reductions and scalar
// arithmetic -- plus the opaque intrinsic calls emitted by the rewrite
// passes.
//
// Nodes are immutable by convention: passes never modify a node in place,
// they build replacement nodes and re-link parents. This keeps node
// pointers stable, so analysis tables can key on *ProducerStore,
// *ProducerLoad or *Var identity and remain valid until the final rewrite.
package tir

import (
	"github.com/gomlx/gopjrt/dtypes"
)

// Node is the common interface of every IR construct, expressions and
// statements alike.
type Node interface {
	// node prevents implementations outside this package, so a type switch
	// over node kinds can be exhaustive.
	node()
}

// PrimExpr is a scalar-valued expression node.
type PrimExpr interface {
	Node
	// DType returns the value type of the expression.
	DType() dtypes.DType
	exprNode()
}

// Stmt is a statement node.
type Stmt interface {
	Node
	stmtNode()
}

// DataProducer is the IR-side view of a tensor: something that produces
// values addressable by ProducerLoad/ProducerStore. The concrete type is
// te.Tensor; passes downcast when they need the producing operation.
type DataProducer interface {
	Name() string
	DType() dtypes.DType
}

// Range is a half-open interval [Min, Min+Extent).
type Range struct {
	Min    PrimExpr
	Extent PrimExpr
}

// RangeFromMinExtent builds a Range.
func RangeFromMinExtent(min, extent PrimExpr) Range {
	return Range{Min: min, Extent: extent}
}

// IterVarKind distinguishes the roles an iteration variable can play.
type IterVarKind int

const (
	// IterVarDataParallel is a spatial axis of a computation.
	IterVarDataParallel IterVarKind = iota

	// IterVarCommReduce is a commutative reduction axis.
	IterVarCommReduce

	// IterVarThreadIndex is an axis bound to a hardware thread index.
	IterVarThreadIndex
)

// IterVar is an iteration variable with its domain. Thread-bound axes carry
// the hardware thread tag (e.g. "threadIdx.x") in ThreadTag.
type IterVar struct {
	Var       *Var
	Dom       Range
	Kind      IterVarKind
	ThreadTag string
}

// CommReducer describes the combiner of a Reduce node: Result[i] combines
// Lhs[i] (the accumulated value) with Rhs[i] (the incoming value).
type CommReducer struct {
	Lhs             []*Var
	Rhs             []*Var
	Result          []PrimExpr
	IdentityElement []PrimExpr
}

// ForKind is the execution discipline of a For loop.
type ForKind int

const (
	ForSerial ForKind = iota
	ForParallel
	ForVectorized
	ForUnrolled
	ForThreadBinding
)
