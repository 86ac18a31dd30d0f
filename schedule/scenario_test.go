package schedule

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/tensorcore/target"
	"github.com/gomlx/tensorcore/te"
	"github.com/gomlx/tensorcore/tir"
)

// matmulConfig parameterizes buildMatmul. The zero value builds the
// canonical fp16 scenario whose warp tile works out to (16, 16, 16):
// 16 threads in x each holding one output column, 2 threads in y each
// holding 8 output rows.
type matmulConfig struct {
	inputDType   dtypes.DType
	tileI        int64
	reduceExtent int64
	threadX      int64
	threadY      int64

	// swapOperands emits cast(B)*cast(A) in the accumulation store, so
	// the operand triple needs canonicalization.
	swapOperands bool

	// badLastDim gives the first input a trailing dimension that is not
	// a multiple of 16.
	badLastDim bool

	// omitPragma leaves out the pragma_tensor_core annotation.
	omitPragma bool

	// skewAccum makes the accumulation read C from a different column
	// than the one being written.
	skewAccum bool
}

func (cfg *matmulConfig) fillDefaults() {
	if cfg.inputDType == dtypes.InvalidDType {
		cfg.inputDType = dtypes.Float16
	}
	if cfg.tileI == 0 {
		cfg.tileI = 8
	}
	if cfg.reduceExtent == 0 {
		cfg.reduceExtent = 16
	}
	if cfg.threadX == 0 {
		cfg.threadX = 16
	}
	if cfg.threadY == 0 {
		cfg.threadY = 2
	}
}

// matmulScenario is a lowered matmul tree in the shape the schedule
// lowering produces: cache stages in local scope, thread-extent
// annotations, an init loop, cache fill loops, the accumulation loop
// nest and the write-back loop.
type matmulScenario struct {
	stmt   tir.Stmt
	sched  *te.Schedule
	extern map[*te.Tensor]*te.Buffer

	a, b, c                *te.Tensor
	aLocal, bLocal, cLocal *te.Tensor
	tx, ty                 *tir.IterVar

	fill, loadA, loadB, mma, writeback *tir.ProducerStore
	loopVars                           map[string]*tir.Var
}

// buildMatmul lowers C[i, j] = sum_k cast(A[j, k]) * cast(B[i, k]) by
// hand: the j axis is split across threadIdx.x (one column per thread)
// and the i axis across threadIdx.y (tileI rows per thread).
func buildMatmul(cfg matmulConfig) *matmulScenario {
	cfg.fillDefaults()
	accum := dtypes.Float32
	if !cfg.inputDType.IsFloat() {
		accum = dtypes.Int32
	}
	kDim := cfg.reduceExtent
	aLast := kDim
	if cfg.badLastDim {
		aLast = kDim + 2
	}

	a := te.Placeholder("A", cfg.inputDType, tir.Int32Imm(128), tir.Int32Imm(aLast))
	b := te.Placeholder("B", cfg.inputDType, tir.Int32Imm(128), tir.Int32Imm(kDim))

	iAxis := te.DataAxis("i", 128)
	jAxis := te.DataAxis("j", 128)
	kAxis := te.ReduceAxis("k", kDim)
	body := &tir.Reduce{
		Combiner: tir.SumReducer(accum),
		Source: []tir.PrimExpr{&tir.Mul{
			A: &tir.Cast{Type: accum, Value: &tir.ProducerLoad{Producer: a, Indices: []tir.PrimExpr{jAxis.Var, kAxis.Var}}},
			B: &tir.Cast{Type: accum, Value: &tir.ProducerLoad{Producer: b, Indices: []tir.PrimExpr{iAxis.Var, kAxis.Var}}},
		}},
		Axis: []*tir.IterVar{kAxis},
	}
	c := te.Compute("C", []*tir.IterVar{iAxis, jAxis}, []*tir.IterVar{kAxis}, body)
	sched := te.CreateSchedule(c.Op)

	cLocal := te.Placeholder("C.local", accum, tir.Int32Imm(cfg.tileI), tir.Int32Imm(1))
	aLocal := te.Placeholder("A.local", cfg.inputDType, tir.Int32Imm(1), tir.Int32Imm(kDim))
	bLocal := te.Placeholder("B.local", cfg.inputDType, tir.Int32Imm(cfg.tileI), tir.Int32Imm(kDim))

	tx := te.ThreadAxis("threadIdx.x", cfg.threadX)
	ty := te.ThreadAxis("threadIdx.y", cfg.threadY)
	iBase := func() tir.PrimExpr { return &tir.Mul{A: ty.Var, B: tir.Int32Imm(cfg.tileI)} }

	cBounds := []tir.Range{
		tir.RangeFromMinExtent(iBase(), tir.Int32Imm(cfg.tileI)),
		tir.RangeFromMinExtent(tx.Var, tir.Int32Imm(1)),
	}
	aBounds := []tir.Range{
		tir.RangeFromMinExtent(tx.Var, tir.Int32Imm(1)),
		tir.RangeFromMinExtent(tir.Int32Imm(0), tir.Int32Imm(kDim)),
	}
	bBounds := []tir.Range{
		tir.RangeFromMinExtent(iBase(), tir.Int32Imm(cfg.tileI)),
		tir.RangeFromMinExtent(tir.Int32Imm(0), tir.Int32Imm(kDim)),
	}

	var zero tir.PrimExpr
	if accum.IsFloat() {
		zero = &tir.FloatImm{Type: accum}
	} else {
		zero = &tir.IntImm{Type: accum}
	}

	ii0 := tir.NewVar("c.init.i")
	fill := &tir.ProducerStore{
		Producer: cLocal,
		Value:    zero,
		Indices:  []tir.PrimExpr{&tir.Add{A: iBase(), B: ii0}, tx.Var},
	}
	fillLoop := &tir.For{LoopVar: ii0, Min: tir.Int32Imm(0), Extent: tir.Int32Imm(cfg.tileI), Body: fill}

	kkA := tir.NewVar("a.k")
	loadA := &tir.ProducerStore{
		Producer: aLocal,
		Value:    &tir.ProducerLoad{Producer: a, Indices: []tir.PrimExpr{tx.Var, kkA}},
		Indices:  []tir.PrimExpr{tx.Var, kkA},
	}
	loadALoop := &tir.For{LoopVar: kkA, Min: tir.Int32Imm(0), Extent: tir.Int32Imm(kDim), Body: loadA}

	iiB := tir.NewVar("b.i")
	kkB := tir.NewVar("b.k")
	loadB := &tir.ProducerStore{
		Producer: bLocal,
		Value:    &tir.ProducerLoad{Producer: b, Indices: []tir.PrimExpr{&tir.Add{A: iBase(), B: iiB}, kkB}},
		Indices:  []tir.PrimExpr{&tir.Add{A: iBase(), B: iiB}, kkB},
	}
	loadBLoop := &tir.For{
		LoopVar: iiB, Min: tir.Int32Imm(0), Extent: tir.Int32Imm(cfg.tileI),
		Body: &tir.For{LoopVar: kkB, Min: tir.Int32Imm(0), Extent: tir.Int32Imm(kDim), Body: loadB},
	}

	iiM := tir.NewVar("c.i")
	kM := tir.NewVar("c.k")
	accLoad := &tir.ProducerLoad{Producer: cLocal, Indices: []tir.PrimExpr{&tir.Add{A: iBase(), B: iiM}, tx.Var}}
	if cfg.skewAccum {
		accLoad = &tir.ProducerLoad{Producer: cLocal, Indices: []tir.PrimExpr{&tir.Add{A: iBase(), B: iiM}, tir.Int32Imm(0)}}
	}
	opA := &tir.Cast{Type: accum, Value: &tir.ProducerLoad{Producer: aLocal, Indices: []tir.PrimExpr{tx.Var, kM}}}
	opB := &tir.Cast{Type: accum, Value: &tir.ProducerLoad{Producer: bLocal, Indices: []tir.PrimExpr{&tir.Add{A: iBase(), B: iiM}, kM}}}
	mulAB := &tir.Mul{A: opA, B: opB}
	if cfg.swapOperands {
		mulAB = &tir.Mul{A: opB, B: opA}
	}
	mma := &tir.ProducerStore{
		Producer: cLocal,
		Value:    &tir.Add{A: accLoad, B: mulAB},
		Indices:  []tir.PrimExpr{&tir.Add{A: iBase(), B: iiM}, tx.Var},
	}
	mmaLoop := &tir.For{
		LoopVar: iiM, Min: tir.Int32Imm(0), Extent: tir.Int32Imm(cfg.tileI),
		Body: &tir.For{LoopVar: kM, Min: tir.Int32Imm(0), Extent: tir.Int32Imm(kDim), Body: mma},
	}

	iiW := tir.NewVar("out.i")
	writeback := &tir.ProducerStore{
		Producer: c,
		Value:    &tir.ProducerLoad{Producer: cLocal, Indices: []tir.PrimExpr{&tir.Add{A: iBase(), B: iiW}, tx.Var}},
		Indices:  []tir.PrimExpr{&tir.Add{A: iBase(), B: iiW}, tx.Var},
	}
	writebackLoop := &tir.For{LoopVar: iiW, Min: tir.Int32Imm(0), Extent: tir.Int32Imm(cfg.tileI), Body: writeback}

	bRegion := &tir.AttrStmt{
		Node: bLocal.Op, Key: tir.AttrRealizeScope, Value: &tir.StringImm{Value: "local"},
		Body: &tir.ProducerRealize{Producer: bLocal, Bounds: bBounds, Body: tir.SeqOf(loadBLoop, mmaLoop)},
	}
	aRegion := &tir.AttrStmt{
		Node: aLocal.Op, Key: tir.AttrRealizeScope, Value: &tir.StringImm{Value: "local"},
		Body: &tir.ProducerRealize{Producer: aLocal, Bounds: aBounds, Body: tir.SeqOf(loadALoop, bRegion)},
	}
	compute := tir.SeqOf(fillLoop, aRegion)
	core := compute
	if !cfg.omitPragma {
		core = &tir.AttrStmt{Node: cLocal.Op, Key: tir.AttrPragmaTensorCore, Value: tir.Int32Imm(1), Body: compute}
	}
	stmt := &tir.AttrStmt{
		Node: ty, Key: tir.AttrThreadExtent, Value: tir.Int32Imm(cfg.threadY),
		Body: &tir.AttrStmt{
			Node: tx, Key: tir.AttrThreadExtent, Value: tir.Int32Imm(cfg.threadX),
			Body: &tir.AttrStmt{
				Node: cLocal.Op, Key: tir.AttrRealizeScope, Value: &tir.StringImm{Value: "local"},
				Body: &tir.ProducerRealize{Producer: cLocal, Bounds: cBounds, Body: tir.SeqOf(core, writebackLoop)},
			},
		},
	}

	return &matmulScenario{
		stmt:  stmt,
		sched: sched,
		extern: map[*te.Tensor]*te.Buffer{
			a: te.DeclBuffer(a),
			b: te.DeclBuffer(b),
			c: te.DeclBuffer(c),
		},
		a: a, b: b, c: c,
		aLocal: aLocal, bLocal: bLocal, cLocal: cLocal,
		tx: tx, ty: ty,
		fill: fill, loadA: loadA, loadB: loadB, mma: mma, writeback: writeback,
		loopVars: map[string]*tir.Var{
			"c.init.i": ii0,
			"a.k":      kkA,
			"b.i":      iiB,
			"b.k":      kkB,
			"c.i":      iiM,
			"c.k":      kM,
			"out.i":    iiW,
		},
	}
}

type presentDevice struct{}

func (presentDevice) Exists(int) bool { return true }

type absentDevice struct{}

func (absentDevice) Exists(int) bool { return false }

// enableCUDA points the current target at cuda with a device present
// and restores the previous state when the test ends.
func enableCUDA(t *testing.T) {
	t.Helper()
	prev := target.Current()
	target.Set(target.Target{Kind: target.CUDA})
	target.RegisterDeviceAPI(target.CUDA, presentDevice{})
	t.Cleanup(func() {
		target.Set(prev)
		target.RegisterDeviceAPI(target.CUDA, nil)
	})
}

func findCalls(s tir.Stmt, op string) []*tir.Call {
	var calls []*tir.Call
	tir.WalkStmt(s, func(n tir.Node) bool {
		if call, ok := n.(*tir.Call); ok && call.Op == op {
			calls = append(calls, call)
		}
		return true
	})
	return calls
}

func findRealize(s tir.Stmt, name string) *tir.ProducerRealize {
	var found *tir.ProducerRealize
	tir.WalkStmt(s, func(n tir.Node) bool {
		if realize, ok := n.(*tir.ProducerRealize); ok && realize.Producer.Name() == name {
			found = realize
		}
		return true
	})
	return found
}

func findAttrs(s tir.Stmt, key string) []*tir.AttrStmt {
	var attrs []*tir.AttrStmt
	tir.WalkStmt(s, func(n tir.Node) bool {
		if attr, ok := n.(*tir.AttrStmt); ok && attr.Key == key {
			attrs = append(attrs, attr)
		}
		return true
	})
	return attrs
}

func findFor(s tir.Stmt, v *tir.Var) *tir.For {
	var found *tir.For
	tir.WalkStmt(s, func(n tir.Node) bool {
		if loop, ok := n.(*tir.For); ok && loop.LoopVar == v {
			found = loop
		}
		return true
	})
	return found
}
