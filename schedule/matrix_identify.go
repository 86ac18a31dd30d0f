package schedule

import (
	"github.com/gomlx/gopjrt/dtypes"
	"k8s.io/klog/v2"

	"github.com/gomlx/tensorcore/te"
	"github.com/gomlx/tensorcore/tir"
)

// Matrix roles and layouts, recorded per simplified buffer name.
const (
	roleMatrixA     = "matrix_a"
	roleMatrixB     = "matrix_b"
	roleAccumulator = "accumulator"

	majorRow = "row_major"
	majorCol = "col_major"
)

// matrixRoles is the schedule analyzer's result record: roles and
// layouts keyed by simplified name, plus the match table with operands
// canonicalized so that operand[0] is always matrix_a.
type matrixRoles struct {
	abc     map[string]string
	major   map[string]string
	mmaSync map[*tir.ProducerStore][3]tir.PrimExpr
}

// bodyVisitor inspects a compute op's reduction body. When the body is
// a single-combiner additive reduction over a multiplication, it
// records the index expressions of every tensor loaded underneath.
type bodyVisitor struct {
	args      map[string][]tir.PrimExpr
	candidate bool
}

func (v *bodyVisitor) visit(e tir.PrimExpr) {
	red, ok := e.(*tir.Reduce)
	if !ok {
		return
	}
	if len(red.Combiner.Result) > 1 {
		return
	}
	if _, ok := red.Combiner.Result[0].(*tir.Add); !ok {
		return
	}
	for _, source := range red.Source {
		_, mulF := unpackTypeCast(source, dtypes.Float32).(*tir.Mul)
		_, mulI := unpackTypeCast(source, dtypes.Int32).(*tir.Mul)
		if !mulF && !mulI {
			continue
		}
		v.candidate = true
		tir.WalkExpr(source, func(n tir.Node) bool {
			if load, ok := n.(*tir.ProducerLoad); ok {
				name := load.Producer.Name()
				if _, seen := v.args[name]; !seen {
					v.args[name] = load.Indices
				}
			}
			return true
		})
	}
}

// identifyMatrices classifies each tensor of the schedule's output
// matmul stages as matrix_a/matrix_b with its layout and the output as
// the accumulator, then reorders the match table so operand[0] is
// always matrix_a. A nil result aborts the pipeline.
func identifyMatrices(match *mmaMatch, sched *te.Schedule) *matrixRoles {
	roles := &matrixRoles{
		abc:     make(map[string]string),
		major:   make(map[string]string),
		mmaSync: make(map[*tir.ProducerStore][3]tir.PrimExpr, len(match.mmaSync)),
	}
	for store, operands := range match.mmaSync {
		roles.mmaSync[store] = operands
	}

	for _, output := range sched.Outputs {
		compute, ok := output.(*te.ComputeOp)
		if !ok {
			continue
		}
		if len(compute.Axis) < 2 || len(compute.ReduceAxis) != 1 {
			continue
		}
		axisX := compute.Axis[len(compute.Axis)-2].Var
		axisY := compute.Axis[len(compute.Axis)-1].Var
		reduceVar := compute.ReduceAxis[0].Var

		visitor := &bodyVisitor{args: make(map[string][]tir.PrimExpr)}
		for _, expr := range compute.Body {
			visitor.visit(expr)
		}
		if !visitor.candidate {
			continue
		}

		for name, indices := range visitor.args {
			if len(indices) < 2 {
				continue
			}
			var0, ok0 := indices[len(indices)-2].(*tir.Var)
			var1, ok1 := indices[len(indices)-1].(*tir.Var)
			if !ok0 || !ok1 {
				continue
			}
			var abc, major string
			switch {
			case var0 == reduceVar && var1 == axisY:
				abc, major = roleMatrixA, majorCol
			case var0 == reduceVar && var1 == axisX:
				abc, major = roleMatrixB, majorRow
			case var0 == axisY && var1 == reduceVar:
				abc, major = roleMatrixA, majorRow
			case var0 == axisX && var1 == reduceVar:
				abc, major = roleMatrixB, majorCol
			default:
				continue
			}
			setIfAbsent(roles.abc, name, abc)
			setIfAbsent(roles.major, name, major)
		}
		setIfAbsent(roles.abc, compute.Name(), roleAccumulator)
		setIfAbsent(roles.major, compute.Name(), majorCol)
	}

	// Canonicalize every matched store so operand[0] is matrix_a; any
	// pair that does not resolve to (a, b) or (b, a) aborts.
	for store, operands := range roles.mmaSync {
		loadA, okA := operands[0].(*tir.ProducerLoad)
		loadB, okB := operands[1].(*tir.ProducerLoad)
		if !okA || !okB {
			return nil
		}
		role0 := roles.abc[simplifyName(match.bufName[loadA])]
		role1 := roles.abc[simplifyName(match.bufName[loadB])]
		switch {
		case role0 == roleMatrixA && role1 == roleMatrixB:
			// Already canonical.
		case role0 == roleMatrixB && role1 == roleMatrixA:
			roles.mmaSync[store] = [3]tir.PrimExpr{operands[1], operands[0], operands[2]}
		default:
			klog.V(2).Infof("tensorcore: ambiguous matrix roles (%q, %q)", role0, role1)
			return nil
		}
	}
	return roles
}

func setIfAbsent(m map[string]string, key, value string) {
	if _, found := m[key]; !found {
		m[key] = value
	}
}
