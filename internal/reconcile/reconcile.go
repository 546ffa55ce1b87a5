// Package reconcile sequences the per-target reconciliation: host first
// (with every managed container stopped so the kernel module can be
// swapped), then the must-reboot containers, then the stage-only ones.
// Execution is strictly sequential; correctness of the module reload
// depends on that ordering, not on any lock.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/flo-mic/nvsync/internal/config"
	"github.com/flo-mic/nvsync/internal/devices"
	"github.com/flo-mic/nvsync/internal/executor"
	"github.com/flo-mic/nvsync/internal/install"
	"github.com/flo-mic/nvsync/internal/lxc"
	"github.com/flo-mic/nvsync/internal/orphans"
	"github.com/flo-mic/nvsync/internal/osrelease"
	"github.com/flo-mic/nvsync/internal/probe"
	"github.com/flo-mic/nvsync/internal/repo"
)

// Outcome classifies how a target's reconciliation ended. Outcomes are
// computed fresh each run and never persisted.
type Outcome string

const (
	AlreadySatisfied     Outcome = "already-satisfied"
	Updated              Outcome = "updated"
	SkippedAbsent        Outcome = "skipped-absent"
	SkippedUnsupported   Outcome = "skipped-unsupported-os"
	SkippedIndeterminate Outcome = "skipped-indeterminate" // dry-run against a stopped target
	Failed               Outcome = "failed"
)

// Result is the outcome for a single target.
type Result struct {
	Target  executor.Target
	Outcome Outcome
	Err     error
}

// Reconciler drives a full run over the configured targets.
type Reconciler struct {
	cfg    *config.Config
	run    executor.Runner
	dryRun bool
	log    zerolog.Logger

	// geteuid is swappable for tests.
	geteuid func() int
}

// New returns a Reconciler over the given runner. dryRun only changes how
// stopped containers are treated; command suppression itself is the
// runner's job.
func New(cfg *config.Config, run executor.Runner, dryRun bool, log zerolog.Logger) *Reconciler {
	return &Reconciler{cfg: cfg, run: run, dryRun: dryRun, log: log, geteuid: os.Geteuid}
}

// Apply reconciles the host and all configured containers. It returns the
// per-target results gathered so far plus a non-nil error when a fatal
// failure aborted the run; skipped targets never abort.
func (r *Reconciler) Apply(ctx context.Context) ([]Result, error) {
	if !r.dryRun && r.geteuid() != 0 {
		return nil, errors.New("nvsync must run as root on the Proxmox host")
	}

	var results []Result
	record := func(res Result) error {
		results = append(results, res)
		if res.Outcome == Failed {
			return fmt.Errorf("reconciling %s: %w", res.Target, res.Err)
		}
		return nil
	}

	if err := record(r.host(ctx)); err != nil {
		return results, err
	}
	for _, vmid := range r.cfg.RebootTargets {
		if err := record(r.container(ctx, vmid, true)); err != nil {
			return results, err
		}
	}
	for _, vmid := range r.cfg.StageTargets {
		if err := record(r.container(ctx, vmid, false)); err != nil {
			return results, err
		}
	}
	return results, nil
}

// host reconciles the hypervisor itself. Every configured container is
// stopped first so no open device reference blocks the module reload.
func (r *Reconciler) host(ctx context.Context) Result {
	log := r.log.With().Str("target", "host").Logger()
	desired := r.cfg.DriverVersion

	if probe.DKMSInstalled(ctx, r.run, desired) || probe.LibrarySatisfied(ctx, r.run, executor.Host, desired) {
		log.Info().Str("version", desired).Msg("host already at desired version")
		// Device nodes can be missing even when the driver is current.
		devices.Ensure(ctx, r.run, log)
		return Result{Target: executor.Host, Outcome: AlreadySatisfied}
	}

	// The module reload below only works once nothing holds the device
	// open, so every managed container is stopped first.
	r.stopAllContainers(ctx)

	info, err := osrelease.Detect(ctx, r.run, executor.Host)
	if err != nil {
		return Result{Target: executor.Host, Outcome: Failed, Err: err}
	}
	descriptor, err := repo.Descriptor(info)
	if err != nil {
		log.Warn().Str("os", info.ID+" "+info.VersionID).Msg("host OS release unsupported, skipping host")
		return Result{Target: executor.Host, Outcome: SkippedUnsupported}
	}

	if _, err := repo.Ensure(ctx, r.run, executor.Host, descriptor, log); err != nil {
		return Result{Target: executor.Host, Outcome: Failed, Err: err}
	}
	orphans.Clean(ctx, r.run, executor.Host, desired, log)

	if err := install.HostKernelHeaders(ctx, r.run, log); err != nil {
		return Result{Target: executor.Host, Outcome: Failed, Err: err}
	}
	if err := install.Pinned(ctx, r.run, executor.Host, r.cfg.HostPackages, desired, log); err != nil {
		return Result{Target: executor.Host, Outcome: Failed, Err: err}
	}
	if err := install.ReloadHostModule(ctx, r.run, desired, log); err != nil {
		log.Warn().Err(err).Msg("kernel module reload failed; a host reboot may be required")
	}
	devices.Ensure(ctx, r.run, log)

	log.Info().Str("version", desired).Msg("host updated")
	return Result{Target: executor.Host, Outcome: Updated}
}

// container reconciles one container. With reboot set the container is
// stopped and started after the update; otherwise the new libraries only
// take effect on its next manual restart.
func (r *Reconciler) container(ctx context.Context, vmid int, reboot bool) Result {
	t := executor.Container(vmid)
	log := r.log.With().Str("target", t.String()).Logger()
	desired := r.cfg.DriverVersion

	state, err := lxc.Status(ctx, r.run, vmid)
	if err != nil {
		return Result{Target: t, Outcome: Failed, Err: err}
	}
	switch state {
	case lxc.Absent:
		log.Warn().Msg("container does not exist, skipping")
		return Result{Target: t, Outcome: SkippedAbsent}
	case lxc.Stopped:
		if r.dryRun {
			// Starting the container would mutate state, and without it
			// running nothing can be probed. Indeterminate, not guessed.
			log.Warn().Msg("container stopped; dry run cannot probe it")
			return Result{Target: t, Outcome: SkippedIndeterminate}
		}
		if err := lxc.Start(ctx, r.run, vmid, r.cfg.Settle()); err != nil {
			return Result{Target: t, Outcome: Failed, Err: err}
		}
	}

	info, err := osrelease.Detect(ctx, r.run, t)
	if err != nil {
		return Result{Target: t, Outcome: Failed, Err: err}
	}
	descriptor, err := repo.Descriptor(info)
	if err != nil {
		log.Warn().Str("os", info.ID+" "+info.VersionID).Msg("unsupported OS release, skipping")
		return Result{Target: t, Outcome: SkippedUnsupported}
	}

	if probe.LibrarySatisfied(ctx, r.run, t, desired) {
		log.Info().Str("version", desired).Msg("already at desired version")
		return Result{Target: t, Outcome: AlreadySatisfied}
	}

	if _, err := repo.Ensure(ctx, r.run, t, descriptor, log); err != nil {
		return Result{Target: t, Outcome: Failed, Err: err}
	}
	orphans.Clean(ctx, r.run, t, desired, log)

	pkgs := r.cfg.ContainerPackages(info.Family())
	if err := install.Pinned(ctx, r.run, t, pkgs, desired, log); err != nil {
		return Result{Target: t, Outcome: Failed, Err: err}
	}

	if reboot {
		if err := lxc.Restart(ctx, r.run, vmid, r.cfg.Settle()); err != nil {
			return Result{Target: t, Outcome: Failed, Err: err}
		}
		log.Info().Str("version", desired).Msg("updated and restarted")
	} else {
		log.Warn().Str("version", desired).Msg("updated; changes apply on next manual restart")
	}
	return Result{Target: t, Outcome: Updated}
}

// stopAllContainers stops every configured container that is currently
// running, releasing in-memory driver references before host work.
func (r *Reconciler) stopAllContainers(ctx context.Context) {
	all := append(append([]int{}, r.cfg.RebootTargets...), r.cfg.StageTargets...)
	for _, vmid := range all {
		state, err := lxc.Status(ctx, r.run, vmid)
		if err != nil || state != lxc.Running {
			continue
		}
		r.log.Info().Int("vmid", vmid).Msg("stopping container before host reconciliation")
		if err := lxc.Stop(ctx, r.run, vmid); err != nil {
			r.log.Warn().Err(err).Int("vmid", vmid).Msg("could not stop container")
		}
	}
}
