// Package schedule implements the post-lowering rewrite that maps a
// matched matrix-multiply-accumulate sub-tree onto warp-level
// tensor-core intrinsics.
//
// The rewrite is a pipeline of four stages over one IR tree: a pattern
// matcher, a matrix-role analyzer over the schedule, a buffer/tile
// analyzer, and the final structural mutator. Each stage produces a
// read-only record consumed by the next; any stage may abort, in which
// case the driver returns the input tree unchanged.
package schedule

import (
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"k8s.io/klog/v2"

	"github.com/gomlx/tensorcore/te"
	"github.com/gomlx/tensorcore/tir"
)

// simplifyName strips the cache suffix: everything from the first "."
// on. "C.local" and "C" key the same matrix-role entries.
func simplifyName(name string) string {
	base, _, _ := strings.Cut(name, ".")
	return base
}

// unpackTypeCast strips a cast to targetType from e. Without a cast the
// expression is returned unchanged; a cast to a different dtype returns
// nil, which fails the caller's structural checks.
func unpackTypeCast(e tir.PrimExpr, targetType dtypes.DType) tir.PrimExpr {
	cast, ok := e.(*tir.Cast)
	if !ok {
		return e
	}
	if cast.Type == targetType {
		return cast.Value
	}
	return nil
}

// mmaBufferInfo is the matcher's view of a buffer: just enough to
// check scopes and dtypes.
type mmaBufferInfo struct {
	name     string
	dtype    dtypes.DType
	external bool
	released bool
}

func (bi *mmaBufferInfo) sameAs(other *mmaBufferInfo) bool {
	return bi.name == other.name && bi.dtype == other.dtype &&
		bi.external == other.external && bi.released == other.released
}

// mmaMatch is the matcher's result record.
type mmaMatch struct {
	// mmaSync maps each matched store to its operand triple
	// (load_a, load_b, load_c).
	mmaSync map[*tir.ProducerStore][3]tir.PrimExpr

	// bufName maps the operand loads back to their buffer names.
	bufName map[*tir.ProducerLoad]string

	// fragReg is the set of buffer names recognized as fragments.
	fragReg map[string]bool

	matched bool
}

// mmaMatcher recognizes the store pattern C = C + cast(A)*cast(B) where
// C is a local fp32/int32 buffer and A, B are local low-precision
// buffers, within the lexical scope of a pragma_tensor_core attribute.
type mmaMatcher struct {
	bufMap       map[*te.Tensor]*mmaBufferInfo
	storageScope map[te.Operation]string
	result       *mmaMatch
	tensorCoreOn bool
}

// matchMMA runs the matcher over stmt.
func matchMMA(stmt tir.Stmt, externBuffer map[*te.Tensor]*te.Buffer) *mmaMatch {
	m := &mmaMatcher{
		bufMap:       make(map[*te.Tensor]*mmaBufferInfo),
		storageScope: make(map[te.Operation]string),
		result: &mmaMatch{
			mmaSync: make(map[*tir.ProducerStore][3]tir.PrimExpr),
			bufName: make(map[*tir.ProducerLoad]string),
			fragReg: make(map[string]bool),
		},
	}
	for tensor, buffer := range externBuffer {
		m.bufMap[tensor] = &mmaBufferInfo{
			name:     buffer.Name(),
			dtype:    buffer.Type,
			external: true,
		}
	}
	m.visitStmt(stmt)
	return m.result
}

func (m *mmaMatcher) visitStmt(s tir.Stmt) {
	switch s := s.(type) {
	case *tir.AttrStmt:
		switch s.Key {
		case tir.AttrPragmaTensorCore:
			prev := m.tensorCoreOn
			m.tensorCoreOn = true
			m.visitStmt(s.Body)
			m.tensorCoreOn = prev
		case tir.AttrRealizeScope:
			if op, ok := s.Node.(te.Operation); ok {
				if scope, ok := s.Value.(*tir.StringImm); ok {
					m.storageScope[op] = scope.Value
				}
			}
			m.visitStmt(s.Body)
		default:
			m.visitStmt(s.Body)
		}
	case *tir.ProducerRealize:
		key := s.Producer.(*te.Tensor)
		if bi, found := m.bufMap[key]; found {
			if !bi.external {
				return
			}
			m.visitStmt(s.Body)
			return
		}
		m.bufMap[key] = &mmaBufferInfo{name: key.Name(), dtype: key.DType()}
		m.visitStmt(s.Body)
		m.bufMap[key].released = true
	case *tir.ProducerStore:
		bi, found := m.bufMap[s.Producer.(*te.Tensor)]
		if !found || bi.released {
			return
		}
		if m.tensorCoreOn && m.matchSync(s, bi) {
			m.result.matched = true
		}
	case *tir.For:
		m.visitStmt(s.Body)
	case *tir.SeqStmt:
		for _, sub := range s.Stmts {
			m.visitStmt(sub)
		}
	}
}

// localBuffer returns the buffer info of a load's tensor when the
// tensor is still live and its realize scope is "local".
func (m *mmaMatcher) localBuffer(load *tir.ProducerLoad) *mmaBufferInfo {
	if load == nil {
		return nil
	}
	tensor := load.Producer.(*te.Tensor)
	if m.storageScope[tensor.Op] != "local" {
		return nil
	}
	bi, found := m.bufMap[tensor]
	if !found || bi.released {
		return nil
	}
	return bi
}

func (m *mmaMatcher) matchSync(store *tir.ProducerStore, storeBuffer *mmaBufferInfo) bool {
	add, ok := store.Value.(*tir.Add)
	if !ok {
		return false
	}

	loadC, _ := add.A.(*tir.ProducerLoad)
	bufferC := m.localBuffer(loadC)
	if bufferC == nil || !bufferC.sameAs(storeBuffer) ||
		(bufferC.dtype != dtypes.Float32 && bufferC.dtype != dtypes.Int32) {
		return false
	}
	// The accumulator must be read back from the element being written.
	if len(loadC.Indices) != len(store.Indices) {
		return false
	}
	for i := range store.Indices {
		if !tir.EqualExpr(loadC.Indices[i], store.Indices[i]) {
			return false
		}
	}

	mul, ok := unpackTypeCast(add.B, bufferC.dtype).(*tir.Mul)
	if !ok {
		return false
	}

	loadAExpr := unpackTypeCast(mul.A, bufferC.dtype)
	loadA, _ := loadAExpr.(*tir.ProducerLoad)
	bufferA := m.localBuffer(loadA)
	if bufferA == nil || !tir.IsFragmentOperandDType(bufferA.dtype) {
		return false
	}

	loadBExpr := unpackTypeCast(mul.B, bufferC.dtype)
	loadB, _ := loadBExpr.(*tir.ProducerLoad)
	bufferB := m.localBuffer(loadB)
	if bufferB == nil || !tir.IsFragmentOperandDType(bufferB.dtype) {
		return false
	}

	m.result.fragReg[bufferC.name] = true
	m.result.fragReg[bufferA.name] = true
	m.result.fragReg[bufferB.name] = true
	m.result.bufName[loadA] = bufferA.name
	m.result.bufName[loadB] = bufferB.name
	m.result.mmaSync[store] = [3]tir.PrimExpr{loadAExpr, loadBExpr, add.A}
	klog.V(2).Infof("tensorcore: matched mma store into %s (a=%s, b=%s)",
		bufferC.name, bufferA.name, bufferB.name)
	return true
}
