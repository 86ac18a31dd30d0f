package schedule

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/tensorcore/registry"
	"github.com/gomlx/tensorcore/target"
	"github.com/gomlx/tensorcore/te"
	"github.com/gomlx/tensorcore/tir"
	"github.com/gomlx/tensorcore/tir/arith"
)

func intImmValue(t *testing.T, e tir.PrimExpr) int64 {
	t.Helper()
	imm, ok := arith.New().Simplify(e).(*tir.IntImm)
	require.True(t, ok, "expected a constant, got %s", tir.Format(e))
	return imm.Value
}

func TestRewriteMatmulFP16(t *testing.T) {
	enableCUDA(t)
	sc := buildMatmul(matmulConfig{})
	out := RewriteForTensorCore(sc.stmt, sc.sched, sc.extern)
	require.NotSame(t, sc.stmt, out)

	syncs := findCalls(out, tir.OpMMASync)
	require.Len(t, syncs, 1)
	sync := syncs[0]
	require.Len(t, sync.Args, 8)
	assert.Same(t, sync.Args[0], sync.Args[6])
	assert.Equal(t, "C.local", sync.Args[0].(*tir.Var).Name)
	assert.Equal(t, "A.local", sync.Args[2].(*tir.Var).Name)
	assert.Equal(t, "B.local", sync.Args[4].(*tir.Var).Name)

	fills := findCalls(out, tir.OpFillFragment)
	require.Len(t, fills, 1)
	require.Len(t, fills[0].Args, 6)
	for _, arg := range fills[0].Args[1:4] {
		assert.Equal(t, int64(16), intImmValue(t, arg))
	}
	value, ok := fills[0].Args[5].(*tir.FloatImm)
	require.True(t, ok)
	assert.Zero(t, value.Value)

	assert.Len(t, findCalls(out, tir.OpLoadMatrixSync), 2)
	assert.Len(t, findCalls(out, tir.OpStoreMatrixSync), 1)
	assert.Len(t, findAttrs(out, tir.AttrBufferBindScope), 7)
	assert.Empty(t, findCalls(out, tir.OpBMMASync))
}

func TestRewriteWarpGeometries(t *testing.T) {
	enableCUDA(t)
	tests := []struct {
		name    string
		cfg     matmulConfig
		m, n, k int64
		op      string
	}{
		{"fp16_16x16x16", matmulConfig{}, 16, 16, 16, tir.OpMMASync},
		{"fp16_32x8x16", matmulConfig{threadX: 32, threadY: 1}, 32, 8, 16, tir.OpMMASync},
		{"fp16_8x32x16", matmulConfig{threadX: 8, threadY: 4}, 8, 32, 16, tir.OpMMASync},
		{"int8_8x8x32", matmulConfig{inputDType: dtypes.Int8, threadX: 8, threadY: 4, tileI: 2, reduceExtent: 32}, 8, 8, 32, tir.OpMMASync},
		{"int1_8x8x128", matmulConfig{inputDType: dtypes.Bool, threadX: 8, threadY: 4, tileI: 2, reduceExtent: 128}, 8, 8, 128, tir.OpBMMASync},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			sc := buildMatmul(test.cfg)
			out := RewriteForTensorCore(sc.stmt, sc.sched, sc.extern)
			require.NotSame(t, sc.stmt, out)
			require.Len(t, findCalls(out, test.op), 1)
			fills := findCalls(out, tir.OpFillFragment)
			require.Len(t, fills, 1)
			assert.Equal(t, test.m, intImmValue(t, fills[0].Args[1]))
			assert.Equal(t, test.n, intImmValue(t, fills[0].Args[2]))
			assert.Equal(t, test.k, intImmValue(t, fills[0].Args[3]))
		})
	}
}

func TestRewriteCanonicalizesOperands(t *testing.T) {
	enableCUDA(t)
	sc := buildMatmul(matmulConfig{swapOperands: true})
	out := RewriteForTensorCore(sc.stmt, sc.sched, sc.extern)
	require.NotSame(t, sc.stmt, out)

	syncs := findCalls(out, tir.OpMMASync)
	require.Len(t, syncs, 1)
	assert.Equal(t, "A.local", syncs[0].Args[2].(*tir.Var).Name)
	assert.Equal(t, "B.local", syncs[0].Args[4].(*tir.Var).Name)
}

func TestRewriteIdempotent(t *testing.T) {
	enableCUDA(t)
	sc := buildMatmul(matmulConfig{})
	once := RewriteForTensorCore(sc.stmt, sc.sched, sc.extern)
	require.NotSame(t, sc.stmt, once)
	twice := RewriteForTensorCore(once, sc.sched, sc.extern)
	assert.Same(t, once, twice)
}

func TestRewriteRequiresCUDATarget(t *testing.T) {
	prev := target.Current()
	target.Set(target.Target{Kind: target.LLVM})
	t.Cleanup(func() { target.Set(prev) })

	sc := buildMatmul(matmulConfig{})
	out := RewriteForTensorCore(sc.stmt, sc.sched, sc.extern)
	assert.Same(t, sc.stmt, out)
}

func TestRewriteRequiresDevice(t *testing.T) {
	prev := target.Current()
	target.Set(target.Target{Kind: target.CUDA})
	t.Cleanup(func() {
		target.Set(prev)
		target.RegisterDeviceAPI(target.CUDA, nil)
	})

	sc := buildMatmul(matmulConfig{})

	target.RegisterDeviceAPI(target.CUDA, nil)
	assert.Same(t, sc.stmt, RewriteForTensorCore(sc.stmt, sc.sched, sc.extern))

	target.RegisterDeviceAPI(target.CUDA, absentDevice{})
	assert.Same(t, sc.stmt, RewriteForTensorCore(sc.stmt, sc.sched, sc.extern))
}

func TestRewriteRequiresPragma(t *testing.T) {
	enableCUDA(t)
	sc := buildMatmul(matmulConfig{omitPragma: true})
	out := RewriteForTensorCore(sc.stmt, sc.sched, sc.extern)
	assert.Same(t, sc.stmt, out)
}

func TestRewriteRejectsUnsupportedTile(t *testing.T) {
	enableCUDA(t)
	// Warp tile works out to (16, 8, 16), which no instruction implements.
	sc := buildMatmul(matmulConfig{tileI: 4})
	out := RewriteForTensorCore(sc.stmt, sc.sched, sc.extern)
	assert.Same(t, sc.stmt, out)
}

func TestRewriteRejectsUnalignedShape(t *testing.T) {
	enableCUDA(t)
	sc := buildMatmul(matmulConfig{badLastDim: true})
	out := RewriteForTensorCore(sc.stmt, sc.sched, sc.extern)
	assert.Same(t, sc.stmt, out)
}

func TestRewriteRejectsOversizedThreadX(t *testing.T) {
	enableCUDA(t)
	sc := buildMatmul(matmulConfig{threadX: 64, threadY: 1})
	out := RewriteForTensorCore(sc.stmt, sc.sched, sc.extern)
	assert.Same(t, sc.stmt, out)
}

func TestRewriteRejectsShortThreadY(t *testing.T) {
	enableCUDA(t)
	// threadIdx.x of 8 needs 4 threads in y to fill a warp.
	sc := buildMatmul(matmulConfig{threadX: 8, threadY: 2})
	out := RewriteForTensorCore(sc.stmt, sc.sched, sc.extern)
	assert.Same(t, sc.stmt, out)
}

func TestPassRegistered(t *testing.T) {
	fn, err := registry.Lookup("schedule.SchedulePostProcRewriteForTensorCore")
	require.NoError(t, err)
	rewrite, ok := fn.(func(tir.Stmt, *te.Schedule, map[*te.Tensor]*te.Buffer) tir.Stmt)
	require.True(t, ok)
	require.NotNil(t, rewrite)
}
