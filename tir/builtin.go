package tir

import (
	"github.com/gomlx/gopjrt/dtypes"
)

// Handle is the dtype of opaque values: intrinsic call results, buffer
// data pointers and string immediates. It intentionally reuses the
// invalid dtype, which never appears as a real element type.
const Handle = dtypes.InvalidDType

// Attribute keys recognized by the schedule post-processing passes.
const (
	// AttrPragmaTensorCore marks the sub-tree the tensor-core rewrite
	// may transform.
	AttrPragmaTensorCore = "pragma_tensor_core"

	// AttrRealizeScope carries the storage scope of a producer's
	// realize region as a StringImm.
	AttrRealizeScope = "realize_scope"

	// AttrThreadExtent binds an IterVar to a hardware thread index with
	// the given extent.
	AttrThreadExtent = "thread_extent"

	// AttrBufferDimAlign requests alignment of one buffer dimension:
	// value is tvm_tuple(dim, factor, offset).
	AttrBufferDimAlign = "buffer_dim_align"

	// AttrBufferBindScope binds a synthesized buffer view to a tensor
	// region: node is a *te.BufferBind, value is a tvm_tuple of
	// (min, extent) pairs.
	AttrBufferBindScope = "buffer_bind_scope"
)

// Intrinsic op names emitted by the tensor-core rewrite.
const (
	OpMMASync         = "tvm_mma_sync"
	OpBMMASync        = "tvm_bmma_sync"
	OpFillFragment    = "tvm_fill_fragment"
	OpLoadMatrixSync  = "tvm_load_matrix_sync"
	OpStoreMatrixSync = "tvm_store_matrix_sync"
	OpTuple           = "tvm_tuple"
	OpCallExtern      = "call_extern"
)

// IsFragmentOperandDType reports whether dtype is accepted as a
// multiplicand element type by the matrix-multiply-accumulate units:
// fp16 and the narrow integer types, with Bool standing for 1-bit
// integers on the bmma path.
func IsFragmentOperandDType(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Float16, dtypes.Int8, dtypes.Uint8, dtypes.S4, dtypes.U4, dtypes.Bool:
		return true
	}
	return false
}
