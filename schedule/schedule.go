package schedule

import (
	"k8s.io/klog/v2"

	"github.com/gomlx/tensorcore/registry"
	"github.com/gomlx/tensorcore/target"
	"github.com/gomlx/tensorcore/te"
	"github.com/gomlx/tensorcore/tir"
)

// RewriteForTensorCore rewrites matched matrix-multiply-accumulate
// sub-trees of stmt into warp-level fragment intrinsics. The rewrite
// only runs for the CUDA target on a device that actually exists; when
// the target, the device, or any of the analysis stages disqualify the
// tree, stmt is returned unchanged.
func RewriteForTensorCore(stmt tir.Stmt, sched *te.Schedule, externBuffer map[*te.Tensor]*te.Buffer) tir.Stmt {
	if target.Current().Kind != target.CUDA {
		klog.V(2).Info("tensorcore: skipped, target is not cuda")
		return stmt
	}
	if api := target.GetDeviceAPI(target.CUDA); api == nil || !api.Exists(0) {
		klog.V(2).Info("tensorcore: skipped, no cuda device present")
		return stmt
	}

	match := matchMMA(stmt, externBuffer)
	if !match.matched {
		klog.V(2).Info("tensorcore: no mma pattern matched")
		return stmt
	}
	roles := identifyMatrices(match, sched)
	if roles == nil {
		klog.V(2).Info("tensorcore: matrix role analysis failed")
		return stmt
	}
	analysis := analyzeBuffers(stmt, externBuffer, roles, match)
	if analysis == nil {
		klog.V(2).Info("tensorcore: buffer analysis disqualified the schedule")
		return stmt
	}
	return newTensorCoreRewriter(roles, analysis, match).rewrite(stmt)
}

func init() {
	registry.MustRegister("schedule.SchedulePostProcRewriteForTensorCore", RewriteForTensorCore)
}
