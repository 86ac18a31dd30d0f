// tcrewrite lowers a tiled matrix multiply by hand, runs the
// tensor-core schedule rewrite over it and prints the rewritten program
// (and, with -show_input, the program before it), so the effect of thread geometry and dtype choices on the
// rewrite can be inspected without a GPU.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/tensorcore/schedule"
	"github.com/gomlx/tensorcore/target"
	"github.com/gomlx/tensorcore/te"
	"github.com/gomlx/tensorcore/tir"
)

var (
	flagDType = flag.String("dtype", "float16", "Input element type: float16, int8 or int1.")
	flagRows  = flag.Int64("rows", 8, "Output rows held by each thread in y.")
	flagK     = flag.Int64("k", 16, "Reduction extent.")
	flagTx    = flag.Int64("threads_x", 16, "threadIdx.x extent.")
	flagTy    = flag.Int64("threads_y", 2, "threadIdx.y extent.")
	flagInput = flag.Bool("show_input", false, "Also print the program before the rewrite.")
)

func parseDType(name string) (dtypes.DType, error) {
	switch name {
	case "float16":
		return dtypes.Float16, nil
	case "int8":
		return dtypes.Int8, nil
	case "int1":
		return dtypes.Bool, nil
	}
	return dtypes.InvalidDType, errors.Errorf("unknown dtype %q, want float16, int8 or int1", name)
}

// assumeDevice reports a cuda device as present: the tool is a
// dry-run explorer for the rewrite, not a runtime.
type assumeDevice struct{}

func (assumeDevice) Exists(int) bool { return true }

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if flag.NArg() != 0 {
		klog.Errorf("Unexpected arguments %v. See 'tcrewrite -help'.", flag.Args())
		os.Exit(1)
	}

	inputDType := must.M1(parseDType(*flagDType))
	target.Set(target.Target{Kind: target.CUDA})
	target.RegisterDeviceAPI(target.CUDA, assumeDevice{})

	stmt, sched, extern := buildProgram(inputDType, *flagRows, *flagK, *flagTx, *flagTy)
	if *flagInput {
		fmt.Println("== input ==")
		fmt.Print(tir.Format(stmt))
	}

	rewritten := schedule.RewriteForTensorCore(stmt, sched, extern)
	if rewritten == stmt {
		fmt.Println("== program does not qualify, left unchanged ==")
		fmt.Printf("nodes: %s\n", humanize.Comma(int64(tir.CountNodes(stmt))))
		return
	}

	fmt.Println("== rewritten ==")
	fmt.Print(tir.Format(rewritten))
	fmt.Printf("nodes: %s -> %s\n",
		humanize.Comma(int64(tir.CountNodes(stmt))),
		humanize.Comma(int64(tir.CountNodes(rewritten))))
}

// buildProgram lowers C[i, j] = sum_k cast(A[j, k]) * cast(B[i, k])
// with the j axis split across threadIdx.x (one column per thread) and
// the i axis across threadIdx.y (rows output rows per thread), cache
// stages in local scope and the tensor-core pragma set.
func buildProgram(inputDType dtypes.DType, rows, k, tx, ty int64) (tir.Stmt, *te.Schedule, map[*te.Tensor]*te.Buffer) {
	accum := dtypes.Float32
	if !inputDType.IsFloat() {
		accum = dtypes.Int32
	}

	a := te.Placeholder("A", inputDType, tir.Int32Imm(128), tir.Int32Imm(k))
	b := te.Placeholder("B", inputDType, tir.Int32Imm(128), tir.Int32Imm(k))

	iAxis := te.DataAxis("i", 128)
	jAxis := te.DataAxis("j", 128)
	kAxis := te.ReduceAxis("k", k)
	body := &tir.Reduce{
		Combiner: tir.SumReducer(accum),
		Source: []tir.PrimExpr{&tir.Mul{
			A: &tir.Cast{Type: accum, Value: &tir.ProducerLoad{Producer: a, Indices: []tir.PrimExpr{jAxis.Var, kAxis.Var}}},
			B: &tir.Cast{Type: accum, Value: &tir.ProducerLoad{Producer: b, Indices: []tir.PrimExpr{iAxis.Var, kAxis.Var}}},
		}},
		Axis: []*tir.IterVar{kAxis},
	}
	c := te.Compute("C", []*tir.IterVar{iAxis, jAxis}, []*tir.IterVar{kAxis}, body)

	cLocal := te.Placeholder("C.local", accum, tir.Int32Imm(rows), tir.Int32Imm(1))
	aLocal := te.Placeholder("A.local", inputDType, tir.Int32Imm(1), tir.Int32Imm(k))
	bLocal := te.Placeholder("B.local", inputDType, tir.Int32Imm(rows), tir.Int32Imm(k))

	txAxis := te.ThreadAxis("threadIdx.x", tx)
	tyAxis := te.ThreadAxis("threadIdx.y", ty)
	iBase := func() tir.PrimExpr { return &tir.Mul{A: tyAxis.Var, B: tir.Int32Imm(rows)} }

	var zero tir.PrimExpr
	if accum.IsFloat() {
		zero = &tir.FloatImm{Type: accum}
	} else {
		zero = &tir.IntImm{Type: accum}
	}

	ii0 := tir.NewVar("c.init.i")
	fillLoop := &tir.For{
		LoopVar: ii0, Min: tir.Int32Imm(0), Extent: tir.Int32Imm(rows),
		Body: &tir.ProducerStore{
			Producer: cLocal,
			Value:    zero,
			Indices:  []tir.PrimExpr{&tir.Add{A: iBase(), B: ii0}, txAxis.Var},
		},
	}

	kkA := tir.NewVar("a.k")
	loadALoop := &tir.For{
		LoopVar: kkA, Min: tir.Int32Imm(0), Extent: tir.Int32Imm(k),
		Body: &tir.ProducerStore{
			Producer: aLocal,
			Value:    &tir.ProducerLoad{Producer: a, Indices: []tir.PrimExpr{txAxis.Var, kkA}},
			Indices:  []tir.PrimExpr{txAxis.Var, kkA},
		},
	}

	iiB := tir.NewVar("b.i")
	kkB := tir.NewVar("b.k")
	loadBLoop := &tir.For{
		LoopVar: iiB, Min: tir.Int32Imm(0), Extent: tir.Int32Imm(rows),
		Body: &tir.For{
			LoopVar: kkB, Min: tir.Int32Imm(0), Extent: tir.Int32Imm(k),
			Body: &tir.ProducerStore{
				Producer: bLocal,
				Value:    &tir.ProducerLoad{Producer: b, Indices: []tir.PrimExpr{&tir.Add{A: iBase(), B: iiB}, kkB}},
				Indices:  []tir.PrimExpr{&tir.Add{A: iBase(), B: iiB}, kkB},
			},
		},
	}

	iiM := tir.NewVar("c.i")
	kM := tir.NewVar("c.k")
	mmaLoop := &tir.For{
		LoopVar: iiM, Min: tir.Int32Imm(0), Extent: tir.Int32Imm(rows),
		Body: &tir.For{
			LoopVar: kM, Min: tir.Int32Imm(0), Extent: tir.Int32Imm(k),
			Body: &tir.ProducerStore{
				Producer: cLocal,
				Value: &tir.Add{
					A: &tir.ProducerLoad{Producer: cLocal, Indices: []tir.PrimExpr{&tir.Add{A: iBase(), B: iiM}, txAxis.Var}},
					B: &tir.Mul{
						A: &tir.Cast{Type: accum, Value: &tir.ProducerLoad{Producer: aLocal, Indices: []tir.PrimExpr{txAxis.Var, kM}}},
						B: &tir.Cast{Type: accum, Value: &tir.ProducerLoad{Producer: bLocal, Indices: []tir.PrimExpr{&tir.Add{A: iBase(), B: iiM}, kM}}},
					},
				},
				Indices: []tir.PrimExpr{&tir.Add{A: iBase(), B: iiM}, txAxis.Var},
			},
		},
	}

	iiW := tir.NewVar("out.i")
	writebackLoop := &tir.For{
		LoopVar: iiW, Min: tir.Int32Imm(0), Extent: tir.Int32Imm(rows),
		Body: &tir.ProducerStore{
			Producer: c,
			Value:    &tir.ProducerLoad{Producer: cLocal, Indices: []tir.PrimExpr{&tir.Add{A: iBase(), B: iiW}, txAxis.Var}},
			Indices:  []tir.PrimExpr{&tir.Add{A: iBase(), B: iiW}, txAxis.Var},
		},
	}

	bRegion := &tir.AttrStmt{
		Node: bLocal.Op, Key: tir.AttrRealizeScope, Value: &tir.StringImm{Value: "local"},
		Body: &tir.ProducerRealize{
			Producer: bLocal,
			Bounds: []tir.Range{
				tir.RangeFromMinExtent(iBase(), tir.Int32Imm(rows)),
				tir.RangeFromMinExtent(tir.Int32Imm(0), tir.Int32Imm(k)),
			},
			Body: tir.SeqOf(loadBLoop, mmaLoop),
		},
	}
	aRegion := &tir.AttrStmt{
		Node: aLocal.Op, Key: tir.AttrRealizeScope, Value: &tir.StringImm{Value: "local"},
		Body: &tir.ProducerRealize{
			Producer: aLocal,
			Bounds: []tir.Range{
				tir.RangeFromMinExtent(txAxis.Var, tir.Int32Imm(1)),
				tir.RangeFromMinExtent(tir.Int32Imm(0), tir.Int32Imm(k)),
			},
			Body: tir.SeqOf(loadALoop, bRegion),
		},
	}
	core := &tir.AttrStmt{
		Node: cLocal.Op, Key: tir.AttrPragmaTensorCore, Value: tir.Int32Imm(1),
		Body: tir.SeqOf(fillLoop, aRegion),
	}
	stmt := &tir.AttrStmt{
		Node: tyAxis, Key: tir.AttrThreadExtent, Value: tir.Int32Imm(ty),
		Body: &tir.AttrStmt{
			Node: txAxis, Key: tir.AttrThreadExtent, Value: tir.Int32Imm(tx),
			Body: &tir.AttrStmt{
				Node: cLocal.Op, Key: tir.AttrRealizeScope, Value: &tir.StringImm{Value: "local"},
				Body: &tir.ProducerRealize{
					Producer: cLocal,
					Bounds: []tir.Range{
						tir.RangeFromMinExtent(iBase(), tir.Int32Imm(rows)),
						tir.RangeFromMinExtent(txAxis.Var, tir.Int32Imm(1)),
					},
					Body: tir.SeqOf(core, writebackLoop),
				},
			},
		},
	}

	extern := map[*te.Tensor]*te.Buffer{
		a: te.DeclBuffer(a),
		b: te.DeclBuffer(b),
		c: te.DeclBuffer(c),
	}
	return stmt, te.CreateSchedule(c.Op), extern
}
