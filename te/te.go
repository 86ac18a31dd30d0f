// Package te holds the tensor-expression layer the schedule passes
// operate against: tensors, the operations that produce them, the
// schedule that lists the outputs, and buffer descriptors.
//
// Only the surface consumed by schedule lowering and post-processing is
// modeled. Tensors and operations are compared by pointer identity.
package te

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/tensorcore/tir"
)

// Operation produces one or more tensors.
type Operation interface {
	// Name returns the operation's name hint, also used as the tensor
	// name for single-output operations.
	Name() string

	// NumOutputs returns how many tensors the operation produces.
	NumOutputs() int
}

// Tensor is one output of an Operation. It implements tir.DataProducer,
// so IR nodes can reference it without tir importing te.
type Tensor struct {
	Op         Operation
	ValueIndex int
	Type       dtypes.DType
	Shape      []tir.PrimExpr
}

// Name returns the producing operation's name hint.
func (t *Tensor) Name() string { return t.Op.Name() }

// DType returns the element type.
func (t *Tensor) DType() dtypes.DType { return t.Type }

// PlaceholderOp is an input tensor with no defining computation.
type PlaceholderOp struct {
	OpName string
	Shape  []tir.PrimExpr
	Type   dtypes.DType
}

func (op *PlaceholderOp) Name() string    { return op.OpName }
func (op *PlaceholderOp) NumOutputs() int { return 1 }

// Output returns the op's single output tensor.
func (op *PlaceholderOp) Output() *Tensor {
	return &Tensor{Op: op, Type: op.Type, Shape: op.Shape}
}

// ComputeOp defines a tensor element-wise: Body[i] gives output i at the
// point described by Axis, reducing over ReduceAxis.
type ComputeOp struct {
	OpName     string
	Axis       []*tir.IterVar
	ReduceAxis []*tir.IterVar
	Body       []tir.PrimExpr
}

func (op *ComputeOp) Name() string    { return op.OpName }
func (op *ComputeOp) NumOutputs() int { return len(op.Body) }

// Output returns output tensor i of the compute op. The shape is the
// extents of the spatial axes.
func (op *ComputeOp) Output(i int) *Tensor {
	if i < 0 || i >= len(op.Body) {
		exceptions.Panicf("te: compute op %q has %d outputs, requested %d", op.OpName, len(op.Body), i)
	}
	shape := make([]tir.PrimExpr, len(op.Axis))
	for j, iv := range op.Axis {
		shape[j] = iv.Dom.Extent
	}
	return &Tensor{Op: op, ValueIndex: i, Type: op.Body[i].DType(), Shape: shape}
}

// Schedule is the post-lowering view of a schedule: the output
// operations, in declaration order.
type Schedule struct {
	Outputs []Operation
}

// Buffer is a flat memory descriptor bound to a tensor region, either
// declared by the caller for extern inputs/outputs or synthesized for
// fragment views.
type Buffer struct {
	Data          *tir.Var
	BufName       string
	Scope         string
	Type          dtypes.DType
	Shape         []tir.PrimExpr
	Strides       []tir.PrimExpr
	ElemOffset    tir.PrimExpr
	DataAlignment int
	OffsetFactor  int
}

// Name returns the buffer's name.
func (b *Buffer) Name() string { return b.BufName }

// BufferBind pairs a buffer view with the tensor it aliases; it appears
// as the node of buffer_bind_scope attributes.
type BufferBind struct {
	Buffer *Buffer
	Tensor *Tensor
}

// Placeholder declares an input tensor.
func Placeholder(name string, dtype dtypes.DType, shape ...tir.PrimExpr) *Tensor {
	op := &PlaceholderOp{OpName: name, Shape: shape, Type: dtype}
	return op.Output()
}

// Compute declares a single-output computation over the given spatial
// axes.
func Compute(name string, axis []*tir.IterVar, reduceAxis []*tir.IterVar, body tir.PrimExpr) *Tensor {
	op := &ComputeOp{OpName: name, Axis: axis, ReduceAxis: reduceAxis, Body: []tir.PrimExpr{body}}
	return op.Output(0)
}

// DataAxis declares a spatial iteration axis [0, extent).
func DataAxis(name string, extent int64) *tir.IterVar {
	return &tir.IterVar{
		Var:  tir.NewVar(name),
		Dom:  tir.RangeFromMinExtent(tir.Int32Imm(0), tir.Int32Imm(extent)),
		Kind: tir.IterVarDataParallel,
	}
}

// ReduceAxis declares a reduction axis [0, extent).
func ReduceAxis(name string, extent int64) *tir.IterVar {
	return &tir.IterVar{
		Var:  tir.NewVar(name),
		Dom:  tir.RangeFromMinExtent(tir.Int32Imm(0), tir.Int32Imm(extent)),
		Kind: tir.IterVarCommReduce,
	}
}

// ThreadAxis declares an axis bound to the hardware thread index named
// by tag ("threadIdx.x", "threadIdx.y", ...).
func ThreadAxis(tag string, extent int64) *tir.IterVar {
	return &tir.IterVar{
		Var:       tir.NewVar(tag),
		Dom:       tir.RangeFromMinExtent(tir.Int32Imm(0), tir.Int32Imm(extent)),
		Kind:      tir.IterVarThreadIndex,
		ThreadTag: tag,
	}
}

// DeclBuffer declares an extern buffer covering the whole tensor, the
// shape a host compiler hands to the pass for kernel arguments.
func DeclBuffer(t *Tensor) *Buffer {
	return &Buffer{
		Data:    &tir.Var{Name: t.Name(), Type: tir.Handle},
		BufName: t.Name(),
		Scope:   "global",
		Type:    t.Type,
		Shape:   t.Shape,
	}
}

// CreateSchedule builds a schedule with the given output operations.
func CreateSchedule(outputs ...Operation) *Schedule {
	return &Schedule{Outputs: outputs}
}
