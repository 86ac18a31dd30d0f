// Package arith provides the syntactic expression canonicalization used
// while rewriting schedule-lowered IR: constant folding and the additive
// and multiplicative identities. It performs no range analysis.
package arith

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"

	"github.com/gomlx/tensorcore/tir"
)

// Analyzer canonicalizes index expressions. The zero value is ready to
// use; the struct exists so callers can thread one analyzer through a
// pass the way other analysis state is threaded.
type Analyzer struct{}

// New returns a fresh Analyzer.
func New() *Analyzer {
	return &Analyzer{}
}

// Simplify rewrites e bottom-up, folding immediate operands and applying
// the unit and zero identities. Sub-trees that do not change keep their
// node identity.
func (a *Analyzer) Simplify(e tir.PrimExpr) tir.PrimExpr {
	return tir.RewriteExpr(e, simplifyNode)
}

func simplifyNode(e tir.PrimExpr) tir.PrimExpr {
	switch e := e.(type) {
	case *tir.Cast:
		return simplifyCast(e)
	case *tir.Add:
		if c := foldBinary(e.A, e.B, func(x, y int64) int64 { return x + y },
			func(x, y float64) float64 { return x + y }); c != nil {
			return c
		}
		if isZero(e.A) {
			return e.B
		}
		if isZero(e.B) {
			return e.A
		}
	case *tir.Sub:
		if c := foldBinary(e.A, e.B, func(x, y int64) int64 { return x - y },
			func(x, y float64) float64 { return x - y }); c != nil {
			return c
		}
		if isZero(e.B) {
			return e.A
		}
	case *tir.Mul:
		if c := foldBinary(e.A, e.B, func(x, y int64) int64 { return x * y },
			func(x, y float64) float64 { return x * y }); c != nil {
			return c
		}
		if isZero(e.A) {
			return e.A
		}
		if isZero(e.B) {
			return e.B
		}
		if isOne(e.A) {
			return e.B
		}
		if isOne(e.B) {
			return e.A
		}
	case *tir.Div:
		if bi, ok := e.B.(*tir.IntImm); ok && bi.Value != 0 {
			if ai, ok := e.A.(*tir.IntImm); ok {
				return &tir.IntImm{Type: ai.Type, Value: ai.Value / bi.Value}
			}
		}
		if isOne(e.B) {
			return e.A
		}
	case *tir.Mod:
		if bi, ok := e.B.(*tir.IntImm); ok && bi.Value != 0 {
			if ai, ok := e.A.(*tir.IntImm); ok {
				return &tir.IntImm{Type: ai.Type, Value: ai.Value % bi.Value}
			}
		}
		if isOne(e.B) {
			return &tir.IntImm{Type: e.A.DType(), Value: 0}
		}
	}
	return e
}

func simplifyCast(e *tir.Cast) tir.PrimExpr {
	switch v := e.Value.(type) {
	case *tir.IntImm:
		if e.Type.IsFloat() {
			return newFloatImm(e.Type, float64(v.Value))
		}
		if e.Type.IsInt() {
			return &tir.IntImm{Type: e.Type, Value: v.Value}
		}
	case *tir.FloatImm:
		if e.Type.IsFloat() {
			return newFloatImm(e.Type, v.Value)
		}
		if e.Type.IsInt() {
			return &tir.IntImm{Type: e.Type, Value: int64(v.Value)}
		}
	case *tir.Cast:
		// cast<T>(cast<T>(x)) collapses to one cast.
		if v.Type == e.Type {
			return v
		}
	}
	return e
}

// newFloatImm rounds the value through the target precision, so folded
// fp16 constants land on representable values.
func newFloatImm(dtype dtypes.DType, v float64) *tir.FloatImm {
	if dtype == dtypes.Float16 {
		v = float64(float16.Fromfloat32(float32(v)).Float32())
	}
	return &tir.FloatImm{Type: dtype, Value: v}
}

func foldBinary(a, b tir.PrimExpr, intOp func(x, y int64) int64, floatOp func(x, y float64) float64) tir.PrimExpr {
	if ai, ok := a.(*tir.IntImm); ok {
		if bi, ok := b.(*tir.IntImm); ok {
			return &tir.IntImm{Type: ai.Type, Value: intOp(ai.Value, bi.Value)}
		}
	}
	if af, ok := a.(*tir.FloatImm); ok {
		if bf, ok := b.(*tir.FloatImm); ok {
			return newFloatImm(af.Type, floatOp(af.Value, bf.Value))
		}
	}
	return nil
}

func isZero(e tir.PrimExpr) bool {
	switch e := e.(type) {
	case *tir.IntImm:
		return e.Value == 0
	case *tir.FloatImm:
		return e.Value == 0
	}
	return false
}

func isOne(e tir.PrimExpr) bool {
	switch e := e.(type) {
	case *tir.IntImm:
		return e.Value == 1
	case *tir.FloatImm:
		return e.Value == 1
	}
	return false
}
