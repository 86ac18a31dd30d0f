package schedule

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/tensorcore/te"
	"github.com/gomlx/tensorcore/tir"
	"github.com/gomlx/tensorcore/tir/arith"
)

// tensorCoreRewriter performs the final structural rewrite: shrinks
// fragment realize regions to the warp tile, renames their storage
// scopes, replaces the matched stores with fragment intrinsics and
// divides scaled loop extents.
type tensorCoreRewriter struct {
	roles    *matrixRoles
	analysis *bufferAnalysis
	fragReg  map[string]bool

	// bounds records the realize region of every tensor seen on the way
	// down, so fragment buffer views can reconstruct element offsets.
	bounds   map[*te.Tensor][]tir.Range
	analyzer *arith.Analyzer
}

func newTensorCoreRewriter(roles *matrixRoles, analysis *bufferAnalysis, match *mmaMatch) *tensorCoreRewriter {
	return &tensorCoreRewriter{
		roles:    roles,
		analysis: analysis,
		fragReg:  match.fragReg,
		bounds:   make(map[*te.Tensor][]tir.Range),
		analyzer: arith.New(),
	}
}

func (r *tensorCoreRewriter) rewrite(s tir.Stmt) tir.Stmt {
	return r.mutateStmt(s)
}

func (r *tensorCoreRewriter) mutateStmt(s tir.Stmt) tir.Stmt {
	switch s := s.(type) {
	case *tir.AttrStmt:
		return r.mutateAttr(s)
	case *tir.ProducerRealize:
		return r.mutateRealize(s)
	case *tir.ProducerStore:
		return r.mutateStore(s)
	case *tir.For:
		return r.mutateFor(s)
	case *tir.SeqStmt:
		stmts := s.Stmts
		changed := false
		for i, sub := range s.Stmts {
			m := r.mutateStmt(sub)
			if m != sub {
				if !changed {
					stmts = make([]tir.Stmt, len(s.Stmts))
					copy(stmts, s.Stmts)
					changed = true
				}
				stmts[i] = m
			}
		}
		if !changed {
			return s
		}
		return &tir.SeqStmt{Stmts: stmts}
	}
	return s
}

func (r *tensorCoreRewriter) mutateRealize(s *tir.ProducerRealize) tir.Stmt {
	key := s.Producer.(*te.Tensor)
	r.bounds[key] = s.Bounds
	body := r.mutateStmt(s.Body)
	if !r.fragReg[key.Name()] {
		if body == s.Body {
			return s
		}
		return &tir.ProducerRealize{Producer: s.Producer, Bounds: s.Bounds, Condition: s.Condition, Body: body}
	}

	if len(s.Bounds) < 2 {
		exceptions.Panicf("tensorcore: fewer than 2 realize dimensions for matrix %q", key.Name())
	}
	size0, size1 := r.tileSize(simplifyName(key.Name()))
	newBounds := make([]tir.Range, 0, len(s.Bounds))
	newBounds = append(newBounds, s.Bounds[:len(s.Bounds)-2]...)
	newBounds = append(newBounds,
		tir.RangeFromMinExtent(s.Bounds[len(s.Bounds)-2].Min, size0),
		tir.RangeFromMinExtent(s.Bounds[len(s.Bounds)-1].Min, size1))
	return &tir.ProducerRealize{Producer: s.Producer, Bounds: newBounds, Condition: s.Condition, Body: body}
}

func (r *tensorCoreRewriter) mutateAttr(s *tir.AttrStmt) tir.Stmt {
	body := r.mutateStmt(s.Body)
	if s.Key == tir.AttrRealizeScope {
		if op, ok := s.Node.(te.Operation); ok && r.fragReg[op.Name()] {
			abc, found := r.roles.abc[simplifyName(op.Name())]
			if !found {
				exceptions.Panicf("tensorcore: cannot find matrix info for %q", op.Name())
			}
			return &tir.AttrStmt{
				Node:  s.Node,
				Key:   s.Key,
				Value: &tir.StringImm{Value: "wmma." + abc},
				Body:  body,
			}
		}
	}
	if body == s.Body {
		return s
	}
	return &tir.AttrStmt{Node: s.Node, Key: s.Key, Value: s.Value, Body: body}
}

func (r *tensorCoreRewriter) mutateStore(s *tir.ProducerStore) tir.Stmt {
	if operands, found := r.roles.mmaSync[s]; found {
		return r.emitSync(operands)
	}
	if dst, found := r.analysis.fragLoad[s]; found {
		switch s.Value.(type) {
		case *tir.FloatImm, *tir.IntImm:
			return r.emitFill(dst, s.Value)
		}
		return r.emitLoadMatrix(s, dst)
	}
	if dst, found := r.analysis.fragStore[s]; found {
		return r.emitStoreMatrix(s, dst)
	}
	return s
}

func (r *tensorCoreRewriter) emitSync(operands [3]tir.PrimExpr) tir.Stmt {
	loadA := operands[0].(*tir.ProducerLoad)
	loadB := operands[1].(*tir.ProducerLoad)
	loadC := operands[2].(*tir.ProducerLoad)

	bufA, tupleA := r.fragmentBuffer(loadA)
	bufB, tupleB := r.fragmentBuffer(loadB)
	bufC, tupleC := r.fragmentBuffer(loadC)

	op := tir.OpMMASync
	if loadA.DType() == dtypes.Bool && loadB.DType() == dtypes.Bool {
		op = tir.OpBMMASync
	}
	call := tir.NewCall(tir.Handle, op,
		bufC.Data, bufC.ElemOffset,
		bufA.Data, bufA.ElemOffset,
		bufB.Data, bufB.ElemOffset,
		bufC.Data, bufC.ElemOffset)

	stmt := r.bindScope(loadA, bufA, tupleA, &tir.Evaluate{Value: call})
	stmt = r.bindScope(loadB, bufB, tupleB, stmt)
	return r.bindScope(loadC, bufC, tupleC, stmt)
}

func (r *tensorCoreRewriter) emitFill(dst *tir.ProducerLoad, value tir.PrimExpr) tir.Stmt {
	buf, tuple := r.fragmentBuffer(dst)
	m, n, k := r.warpTileImms()
	call := tir.NewCall(tir.Handle, tir.OpFillFragment,
		buf.Data, m, n, k, buf.ElemOffset, value)
	return r.bindScope(dst, buf, tuple, &tir.Evaluate{Value: call})
}

func (r *tensorCoreRewriter) emitLoadMatrix(s *tir.ProducerStore, dst *tir.ProducerLoad) tir.Stmt {
	src, ok := s.Value.(*tir.ProducerLoad)
	if !ok {
		exceptions.Panicf("tensorcore: can only load fragment %q from a buffer", dst.Producer.Name())
	}
	stride := r.strideOf(src.Producer.Name())

	srcPtr := &tir.Call{
		Type: src.DType(),
		Op:   tir.OpCallExtern,
		Args: []tir.PrimExpr{&tir.StringImm{Value: "&"}, r.collapseThreadIndex(s.Value)},
	}

	major, found := r.roles.major[simplifyName(dst.Producer.Name())]
	if !found {
		exceptions.Panicf("tensorcore: cannot determine matrix layout for %q", dst.Producer.Name())
	}
	if major != majorRow && major != majorCol {
		exceptions.Panicf("tensorcore: invalid matrix layout %q for %q", major, dst.Producer.Name())
	}

	buf, tuple := r.fragmentBuffer(dst)
	m, n, k := r.warpTileImms()
	call := tir.NewCall(tir.Handle, tir.OpLoadMatrixSync,
		buf.Data, m, n, k, buf.ElemOffset, srcPtr, stride, &tir.StringImm{Value: major})
	return r.bindScope(dst, buf, tuple, &tir.Evaluate{Value: call})
}

func (r *tensorCoreRewriter) emitStoreMatrix(s *tir.ProducerStore, dst *tir.ProducerLoad) tir.Stmt {
	stride := r.strideOf(s.Producer.Name())

	dstPtr := &tir.Call{
		Type: tir.Handle,
		Op:   tir.OpCallExtern,
		Args: []tir.PrimExpr{&tir.StringImm{Value: "&"}, r.collapseThreadIndex(dst)},
	}

	src, ok := s.Value.(*tir.ProducerLoad)
	if !ok {
		exceptions.Panicf("tensorcore: fragment store into %q must read a fragment buffer", s.Producer.Name())
	}

	buf, tuple := r.fragmentBuffer(src)
	m, n, k := r.warpTileImms()
	call := tir.NewCall(tir.Handle, tir.OpStoreMatrixSync,
		buf.Data, m, n, k, buf.ElemOffset, dstPtr, stride, &tir.StringImm{Value: majorCol})
	return r.bindScope(src, buf, tuple, &tir.Evaluate{Value: call})
}

func (r *tensorCoreRewriter) mutateFor(s *tir.For) tir.Stmt {
	body := r.mutateStmt(s.Body)
	factor, found := r.analysis.loopScaling[s.LoopVar]
	if !found {
		if body == s.Body {
			return s
		}
		return &tir.For{LoopVar: s.LoopVar, Min: s.Min, Extent: s.Extent, Kind: s.Kind, Body: body}
	}
	scaled := int64(1)
	if extent, ok := s.Extent.(*tir.IntImm); ok {
		scaled = extent.Value / int64(factor)
	}
	return &tir.For{
		LoopVar: s.LoopVar,
		Min:     s.Min,
		Extent:  &tir.IntImm{Type: s.Extent.DType(), Value: scaled},
		Kind:    s.Kind,
		Body:    body,
	}
}

// tileSize returns the realize extents of the last two dimensions of a
// fragment, per role and layout.
func (r *tensorCoreRewriter) tileSize(name string) (tir.PrimExpr, tir.PrimExpr) {
	abc, foundABC := r.roles.abc[name]
	major, foundMajor := r.roles.major[name]
	if !foundABC || !foundMajor {
		exceptions.Panicf("tensorcore: cannot find matrix info for %q", name)
	}
	wt := r.analysis.warpTile
	size0, size1 := int64(16), int64(16)
	switch {
	case abc == roleMatrixA && major == majorCol:
		size0, size1 = int64(wt.k), int64(wt.m)
	case abc == roleMatrixA && major == majorRow:
		size0, size1 = int64(wt.m), int64(wt.k)
	case abc == roleMatrixB && major == majorRow:
		size0, size1 = int64(wt.k), int64(wt.n)
	case abc == roleMatrixB && major == majorCol:
		size0, size1 = int64(wt.n), int64(wt.k)
	case abc == roleAccumulator:
		size0, size1 = int64(wt.n), int64(wt.m)
	}
	return tir.Int32Imm(size0), tir.Int32Imm(size1)
}

func (r *tensorCoreRewriter) warpTileImms() (m, n, k tir.PrimExpr) {
	wt := r.analysis.warpTile
	return tir.Int32Imm(int64(wt.m)), tir.Int32Imm(int64(wt.n)), tir.Int32Imm(int64(wt.k))
}

func (r *tensorCoreRewriter) strideOf(name string) tir.PrimExpr {
	strides, found := r.analysis.strides[name]
	if !found {
		exceptions.Panicf("tensorcore: cannot find stride for %q", name)
	}
	if len(strides) < 2 {
		exceptions.Panicf("tensorcore: buffer %q has fewer than 2 stride dimensions", name)
	}
	return strides[len(strides)-2]
}

// fragmentBuffer synthesizes the buffer view bound to a fragment
// access: warp-tile shape in the last two dimensions, packed strides
// and the element offset of the access relative to the realize region.
func (r *tensorCoreRewriter) fragmentBuffer(load *tir.ProducerLoad) (*te.Buffer, *tir.Call) {
	tensor := load.Producer.(*te.Tensor)
	bounds, found := r.bounds[tensor]
	if !found {
		exceptions.Panicf("tensorcore: no realize bounds recorded for %q", tensor.Name())
	}
	if len(bounds) < 2 {
		exceptions.Panicf("tensorcore: fewer than 2 realize dimensions for matrix %q", tensor.Name())
	}
	if len(load.Indices) != len(bounds) {
		exceptions.Panicf("tensorcore: %q accessed with %d indices, realized with %d bounds",
			tensor.Name(), len(load.Indices), len(bounds))
	}

	shape := make([]tir.PrimExpr, 0, len(bounds))
	for _, b := range bounds[:len(bounds)-2] {
		shape = append(shape, b.Extent)
	}
	size0, size1 := r.tileSize(simplifyName(tensor.Name()))
	shape = append(shape, size0, size1)

	strides := rawStrides(shape)

	var elemOffset tir.PrimExpr = tir.Int32Imm(0)
	for i := range bounds {
		elemOffset = &tir.Add{
			A: elemOffset,
			B: &tir.Mul{A: strides[i], B: &tir.Sub{A: load.Indices[i], B: bounds[i].Min}},
		}
	}

	abc, found := r.roles.abc[simplifyName(tensor.Name())]
	if !found {
		exceptions.Panicf("tensorcore: cannot find matrix info for %q", tensor.Name())
	}
	buf := &te.Buffer{
		Data:          &tir.Var{Name: tensor.Name(), Type: tir.Handle},
		BufName:       tensor.Name(),
		Scope:         "wmma." + abc,
		Type:          tensor.DType(),
		Shape:         shape,
		Strides:       strides,
		ElemOffset:    r.analyzer.Simplify(elemOffset),
		DataAlignment: 1,
		OffsetFactor:  1,
	}

	args := make([]tir.PrimExpr, 0, 2*len(load.Indices))
	for i := range load.Indices {
		args = append(args, load.Indices[i], shape[i])
	}
	tuple := tir.NewCall(tir.Handle, tir.OpTuple, args...)
	return buf, tuple
}

func (r *tensorCoreRewriter) bindScope(load *tir.ProducerLoad, buf *te.Buffer, tuple *tir.Call, body tir.Stmt) tir.Stmt {
	return &tir.AttrStmt{
		Node:  &te.BufferBind{Buffer: buf, Tensor: load.Producer.(*te.Tensor)},
		Key:   tir.AttrBufferBindScope,
		Value: tuple,
		Body:  body,
	}
}

// collapseThreadIndex rewrites addresses used by warp-level intrinsics:
// threadIdx.x becomes 0 and threadIdx.y is floored to the warp
// boundary, so all 32 lanes compute the same base pointer.
func (r *tensorCoreRewriter) collapseThreadIndex(e tir.PrimExpr) tir.PrimExpr {
	warpY := tir.Int32Imm(int64(r.analysis.warpThreadsY))
	return tir.RewriteExpr(e, func(e tir.PrimExpr) tir.PrimExpr {
		v, ok := e.(*tir.Var)
		if !ok {
			return e
		}
		switch v.Name {
		case "threadIdx.x":
			return tir.Int32Imm(0)
		case "threadIdx.y":
			return &tir.Mul{A: &tir.Div{A: v, B: warpY}, B: warpY}
		}
		return e
	})
}
