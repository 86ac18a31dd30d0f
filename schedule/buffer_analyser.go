package schedule

import (
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/gomlx/tensorcore/internal/xslices"
	"github.com/gomlx/tensorcore/te"
	"github.com/gomlx/tensorcore/tir"
	"github.com/gomlx/tensorcore/tir/arith"
)

// tile is an (m, n, k) matrix-multiply shape; -1 means unassigned.
type tile struct {
	m, n, k int
}

func newTile() tile { return tile{m: -1, n: -1, k: -1} }

// assignOrCheck sets *dst on first assignment and afterwards requires
// agreement.
func assignOrCheck(dst *int, src int) bool {
	if *dst <= 0 {
		*dst = src
		return true
	}
	return *dst == src
}

// supported reports whether the warp tile is one of the geometries the
// tensor-core instruction families implement.
func (t tile) supported() bool {
	switch t {
	case tile{16, 16, 16}, tile{8, 32, 16}, tile{32, 8, 16}, tile{8, 8, 32}, tile{8, 8, 128}:
		return true
	}
	return false
}

type dimAlignInfo struct {
	alignFactor int
	alignOffset int
}

// bufferInfo is the analyzer's per-tensor record.
type bufferInfo struct {
	name     string
	strides  []tir.PrimExpr
	shape    []tir.PrimExpr
	bounds   []tir.Range
	external bool
	released bool
}

// relIndex translates absolute access indices into indices relative to
// the realize bounds. External buffers have no bounds and use absolute
// indices.
func (bi *bufferInfo) relIndex(args []tir.PrimExpr) []tir.PrimExpr {
	if len(bi.bounds) == 0 {
		return args
	}
	if len(bi.bounds) != len(args) {
		exceptions.Panicf("tensorcore: buffer %q accessed with %d indices, realized with %d bounds",
			bi.name, len(args), len(bi.bounds))
	}
	rel := make([]tir.PrimExpr, len(args))
	for i, arg := range args {
		rel[i] = &tir.Sub{A: arg, B: bi.bounds[i].Min}
	}
	return rel
}

// indexVisitor records, per induction variable mentioned in a fragment
// access index, the extent of the fragment dimension it indexes. The
// factor later divides the variable's loop extent.
type indexVisitor struct {
	loopScaling   map[*tir.Var]int
	scalingFactor int
}

func (v *indexVisitor) visit(e tir.PrimExpr) {
	tir.WalkExpr(e, func(n tir.Node) bool {
		if varNode, ok := n.(*tir.Var); ok {
			if _, found := v.loopScaling[varNode]; !found {
				v.loopScaling[varNode] = v.scalingFactor
			}
		}
		return true
	})
}

// bufferAnalysis is the analyzer's result record.
type bufferAnalysis struct {
	strides      map[string][]tir.PrimExpr
	fragLoad     map[*tir.ProducerStore]*tir.ProducerLoad
	fragStore    map[*tir.ProducerStore]*tir.ProducerLoad
	loopScaling  map[*tir.Var]int
	warpTile     tile
	warpThreadsY int
}

// bufferAnalyser walks the IR collecting buffer shapes and strides,
// thread extents, fragment tile sizes and loop-scaling factors, then
// derives and validates the warp tile.
type bufferAnalyser struct {
	roles   *matrixRoles
	fragReg map[string]bool

	bufMap       map[*te.Tensor]*bufferInfo
	dimAlign     map[*te.Tensor][]dimAlignInfo
	threadExtent map[string]int

	result     *bufferAnalysis
	index      indexVisitor
	threadTile tile
	analyzer   *arith.Analyzer
	invalid    bool
}

// analyzeBuffers runs the analyzer; it returns nil when the program
// does not qualify for a tensor-core rewrite.
func analyzeBuffers(stmt tir.Stmt, externBuffer map[*te.Tensor]*te.Buffer, roles *matrixRoles, match *mmaMatch) *bufferAnalysis {
	b := &bufferAnalyser{
		roles:        roles,
		fragReg:      match.fragReg,
		bufMap:       make(map[*te.Tensor]*bufferInfo),
		dimAlign:     make(map[*te.Tensor][]dimAlignInfo),
		threadExtent: make(map[string]int),
		result: &bufferAnalysis{
			strides:     make(map[string][]tir.PrimExpr),
			fragLoad:    make(map[*tir.ProducerStore]*tir.ProducerLoad),
			fragStore:   make(map[*tir.ProducerStore]*tir.ProducerLoad),
			loopScaling: make(map[*tir.Var]int),
		},
		threadTile: newTile(),
		analyzer:   arith.New(),
	}
	b.index.loopScaling = b.result.loopScaling
	for tensor, buffer := range externBuffer {
		b.bufMap[tensor] = &bufferInfo{
			name:     buffer.Name(),
			strides:  buffer.Strides,
			shape:    buffer.Shape,
			external: true,
		}
	}
	b.visitStmt(stmt)
	if !b.qualified() {
		return nil
	}
	return b.result
}

func (b *bufferAnalyser) visitStmt(s tir.Stmt) {
	switch s := s.(type) {
	case *tir.AttrStmt:
		b.visitAttr(s)
	case *tir.ProducerRealize:
		b.visitRealize(s)
	case *tir.ProducerStore:
		b.visitExpr(s.Value)
		for _, idx := range s.Indices {
			b.visitExpr(idx)
		}
		b.visitStore(s)
	case *tir.For:
		b.visitExpr(s.Min)
		b.visitExpr(s.Extent)
		b.visitStmt(s.Body)
	case *tir.SeqStmt:
		for _, sub := range s.Stmts {
			b.visitStmt(sub)
		}
	case *tir.Evaluate:
		b.visitExpr(s.Value)
	}
}

func (b *bufferAnalyser) visitAttr(s *tir.AttrStmt) {
	switch s.Key {
	case tir.AttrThreadExtent:
		if extent, ok := s.Value.(*tir.IntImm); ok {
			iv := s.Node.(*tir.IterVar)
			if _, found := b.threadExtent[iv.Var.Name]; !found {
				b.threadExtent[iv.Var.Name] = int(extent.Value)
			}
		}
		b.visitStmt(s.Body)
	case tir.AttrBufferDimAlign:
		tensor := s.Node.(*te.Tensor)
		tuple, ok := s.Value.(*tir.Call)
		if !ok || tuple.Op != tir.OpTuple || len(tuple.Args) != 3 {
			exceptions.Panicf("tensorcore: buffer_dim_align for %q is not a tvm_tuple(dim, factor, offset)",
				tensor.Name())
		}
		dim := int(tuple.Args[0].(*tir.IntImm).Value)
		info := b.dimAlign[tensor]
		for len(info) <= dim {
			info = append(info, dimAlignInfo{})
		}
		info[dim] = dimAlignInfo{
			alignFactor: int(tuple.Args[1].(*tir.IntImm).Value),
			alignOffset: int(tuple.Args[2].(*tir.IntImm).Value),
		}
		b.dimAlign[tensor] = info
		b.visitStmt(s.Body)
	default:
		b.visitExpr(s.Value)
		b.visitStmt(s.Body)
	}
}

func (b *bufferAnalyser) visitRealize(s *tir.ProducerRealize) {
	key := s.Producer.(*te.Tensor)
	if bi, found := b.bufMap[key]; found {
		if !bi.external {
			exceptions.Panicf("tensorcore: tensor %q realized twice", key.Name())
		}
		b.visitStmt(s.Body)
		return
	}

	bi := &bufferInfo{
		name:   key.Name(),
		bounds: s.Bounds,
		shape:  xslices.Map(s.Bounds, func(r tir.Range) tir.PrimExpr { return r.Extent }),
	}
	if avec, found := b.dimAlign[key]; found && len(bi.shape) > 0 {
		bi.strides = b.alignedStrides(bi.shape, avec)
	}
	b.bufMap[key] = bi
	b.visitStmt(s.Body)
	bi.released = true
}

// alignedStrides computes strides right-to-left, rounding each stride
// up to the requested (factor, offset) congruence before moving to the
// next dimension.
func (b *bufferAnalyser) alignedStrides(shape []tir.PrimExpr, avec []dimAlignInfo) []tir.PrimExpr {
	rstrides := make([]tir.PrimExpr, 0, len(shape))
	var stride tir.PrimExpr = tir.Int32Imm(1)
	for dim := len(shape) - 1; dim >= 0; dim-- {
		if dim < len(avec) && avec[dim].alignFactor != 0 {
			factor := tir.Int32Imm(int64(avec[dim].alignFactor))
			offset := tir.Int32Imm(int64(avec[dim].alignOffset))
			pad := &tir.Mod{
				A: &tir.Sub{A: &tir.Add{A: factor, B: offset}, B: &tir.Mod{A: stride, B: factor}},
				B: factor,
			}
			stride = b.analyzer.Simplify(&tir.Add{A: stride, B: pad})
		}
		rstrides = append(rstrides, stride)
		stride = &tir.Mul{A: stride, B: shape[dim]}
	}
	return xslices.Reversed(rstrides)
}

// rawStrides is the unaligned packed layout: a right-to-left product
// chain over the shape.
func rawStrides(shape []tir.PrimExpr) []tir.PrimExpr {
	strides := make([]tir.PrimExpr, 0, len(shape))
	for i := 1; i < len(shape); i++ {
		var stride tir.PrimExpr = tir.Int32Imm(1)
		for j := len(shape) - 1; j >= i; j-- {
			stride = &tir.Mul{A: stride, B: shape[j]}
		}
		strides = append(strides, stride)
	}
	return append(strides, tir.Int32Imm(1))
}

func (b *bufferAnalyser) lookup(tensor *te.Tensor) *bufferInfo {
	bi, found := b.bufMap[tensor]
	if !found {
		exceptions.Panicf("tensorcore: cannot find allocated buffer for %q", tensor.Name())
	}
	if bi.released {
		exceptions.Panicf("tensorcore: buffer %q referenced after its realize scope closed", bi.name)
	}
	return bi
}

// checkFragmentShape requires the last two shape dimensions of a
// classified matrix to be constants divisible by 16.
func (b *bufferAnalyser) checkFragmentShape(bi *bufferInfo) bool {
	if len(bi.shape) < 2 {
		return false
	}
	for i := len(bi.shape) - 2; i < len(bi.shape); i++ {
		dim, ok := bi.shape[i].(*tir.IntImm)
		if !ok || dim.Value%16 != 0 {
			return false
		}
	}
	return true
}

func (b *bufferAnalyser) recordStrides(bi *bufferInfo) {
	strides := bi.strides
	if len(strides) == 0 {
		strides = rawStrides(bi.shape)
	}
	if _, found := b.result.strides[bi.name]; !found {
		b.result.strides[bi.name] = strides
	}
}

func (b *bufferAnalyser) visitStore(s *tir.ProducerStore) {
	key := s.Producer.(*te.Tensor)
	bi := b.lookup(key)

	if _, classified := b.roles.abc[key.Name()]; classified {
		if !b.checkFragmentShape(bi) {
			b.invalid = true
			return
		}
	}
	b.recordStrides(bi)

	if b.fragReg[bi.name] {
		b.result.fragLoad[s] = &tir.ProducerLoad{Producer: s.Producer, Indices: s.Indices}

		relIndex := bi.relIndex(s.Indices)
		if len(s.Indices) < 2 {
			b.invalid = true
			return
		}
		var tileSize [2]int
		for n, i := 0, len(s.Indices)-1; n < 2; n, i = n+1, i-1 {
			b.index.scalingFactor = 16
			dim, ok := bi.shape[i].(*tir.IntImm)
			if !ok {
				b.invalid = true
				return
			}
			tileSize[n] = int(dim.Value)
			b.index.scalingFactor = int(dim.Value)
			b.index.visit(b.analyzer.Simplify(relIndex[i]))
		}

		inputName := simplifyName(bi.name)
		abc, okABC := b.roles.abc[inputName]
		major, okMajor := b.roles.major[inputName]
		if okABC && okMajor {
			ok := true
			switch {
			case abc == roleMatrixA && major == majorCol:
				ok = assignOrCheck(&b.threadTile.m, tileSize[0]) &&
					assignOrCheck(&b.threadTile.k, tileSize[1])
			case abc == roleMatrixA && major == majorRow:
				ok = assignOrCheck(&b.threadTile.k, tileSize[0]) &&
					assignOrCheck(&b.threadTile.m, tileSize[1])
			case abc == roleMatrixB && major == majorCol:
				ok = assignOrCheck(&b.threadTile.k, tileSize[0]) &&
					assignOrCheck(&b.threadTile.n, tileSize[1])
			case abc == roleMatrixB && major == majorRow:
				ok = assignOrCheck(&b.threadTile.n, tileSize[0]) &&
					assignOrCheck(&b.threadTile.k, tileSize[1])
			case abc == roleAccumulator:
				ok = assignOrCheck(&b.threadTile.m, tileSize[0]) &&
					assignOrCheck(&b.threadTile.n, tileSize[1])
			}
			if !ok {
				b.invalid = true
				return
			}
		}
	}

	if load, ok := s.Value.(*tir.ProducerLoad); ok && b.fragReg[load.Producer.Name()] {
		b.result.fragStore[s] = &tir.ProducerLoad{Producer: s.Producer, Indices: s.Indices}
	}
}

func (b *bufferAnalyser) visitExpr(e tir.PrimExpr) {
	tir.WalkExpr(e, func(n tir.Node) bool {
		if load, ok := n.(*tir.ProducerLoad); ok {
			b.visitLoad(load)
		}
		return true
	})
}

func (b *bufferAnalyser) visitLoad(load *tir.ProducerLoad) {
	tensor := load.Producer.(*te.Tensor)
	bi := b.lookup(tensor)

	if _, classified := b.roles.abc[tensor.Name()]; classified {
		if !b.checkFragmentShape(bi) {
			b.invalid = true
			return
		}
	}
	b.recordStrides(bi)

	if !b.fragReg[bi.name] {
		return
	}
	relIndex := bi.relIndex(load.Indices)
	if len(load.Indices) < 2 {
		b.invalid = true
		return
	}
	for n, i := 0, len(load.Indices)-1; n < 2; n, i = n+1, i-1 {
		b.index.scalingFactor = 16
		if dim, ok := bi.shape[i].(*tir.IntImm); ok {
			b.index.scalingFactor = int(dim.Value)
		}
		b.index.visit(b.analyzer.Simplify(relIndex[i]))
	}
}

// qualified derives the warp tile from the thread tile and the thread
// extents and validates it.
func (b *bufferAnalyser) qualified() bool {
	if b.invalid {
		klog.V(2).Info("tensorcore: buffer analysis invalid, not rewriting")
		return false
	}
	tx, found := b.threadExtent["threadIdx.x"]
	if !found || tx <= 0 {
		klog.V(2).Info("tensorcore: no usable threadIdx.x extent")
		return false
	}
	b.result.warpTile.m = tx * b.threadTile.m
	warpThreadsY := 32 / tx
	if warpThreadsY == 0 {
		klog.V(2).Infof("tensorcore: threadIdx.x extent %d exceeds the warp size", tx)
		return false
	}
	ty, found := b.threadExtent["threadIdx.y"]
	if !found {
		klog.V(2).Info("tensorcore: no threadIdx.y extent")
		return false
	}
	if ty < warpThreadsY || ty%warpThreadsY != 0 {
		klog.V(2).Infof("tensorcore: threadIdx.y extent %d is not a positive multiple of %d", ty, warpThreadsY)
		return false
	}
	b.result.warpThreadsY = warpThreadsY
	b.result.warpTile.n = warpThreadsY * b.threadTile.n
	b.result.warpTile.k = b.threadTile.k
	if !b.result.warpTile.supported() {
		klog.V(2).Infof("tensorcore: warp tile (%d,%d,%d) not supported",
			b.result.warpTile.m, b.result.warpTile.n, b.result.warpTile.k)
		return false
	}
	return true
}
