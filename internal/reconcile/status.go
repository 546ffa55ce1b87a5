package reconcile

import (
	"context"

	"github.com/flo-mic/nvsync/internal/executor"
	"github.com/flo-mic/nvsync/internal/lxc"
	"github.com/flo-mic/nvsync/internal/probe"
)

// Report is one target's read-only probe result.
type Report struct {
	Target executor.Target
	State  lxc.State
	// Satisfied is nil when the target could not be probed (stopped or
	// absent container).
	Satisfied *bool
}

// Status probes every configured target without mutating anything.
func (r *Reconciler) Status(ctx context.Context) []Report {
	desired := r.cfg.DriverVersion

	hostOK := probe.DKMSInstalled(ctx, r.run, desired) ||
		probe.LibrarySatisfied(ctx, r.run, executor.Host, desired)
	reports := []Report{{Target: executor.Host, State: lxc.Running, Satisfied: &hostOK}}

	all := append(append([]int{}, r.cfg.RebootTargets...), r.cfg.StageTargets...)
	for _, vmid := range all {
		t := executor.Container(vmid)
		state, err := lxc.Status(ctx, r.run, vmid)
		if err != nil {
			reports = append(reports, Report{Target: t, State: lxc.Absent})
			continue
		}
		rep := Report{Target: t, State: state}
		if state == lxc.Running {
			ok := probe.LibrarySatisfied(ctx, r.run, t, desired)
			rep.Satisfied = &ok
		}
		reports = append(reports, rep)
	}
	return reports
}
