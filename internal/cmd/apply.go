// Package cmd implements the nvsync subcommands.
package cmd

import (
	"context"

	"github.com/flo-mic/nvsync/internal/config"
	"github.com/flo-mic/nvsync/internal/executor"
	"github.com/flo-mic/nvsync/internal/logging"
	"github.com/flo-mic/nvsync/internal/reconcile"
)

// Apply runs a full reconciliation over the host and configured containers.
func Apply(ctx context.Context, cfgPath string, dryRun bool) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	var run executor.Runner = &executor.Local{Log: logging.WithComponent("exec")}
	if dryRun {
		run = &executor.DryRun{Next: run, Log: logging.WithComponent("dry-run")}
	}

	log := logging.WithComponent("reconcile")
	log.Info().Str("version", cfg.DriverVersion).Bool("dry-run", dryRun).
		Ints("reboot_targets", cfg.RebootTargets).Ints("stage_targets", cfg.StageTargets).
		Msg("starting reconciliation")

	results, err := reconcile.New(cfg, run, dryRun, log).Apply(ctx)
	for _, res := range results {
		ev := log.Info()
		if res.Outcome == reconcile.Failed {
			ev = log.Error().Err(res.Err)
		}
		ev.Str("target", res.Target.String()).Str("outcome", string(res.Outcome)).Msg("result")
	}
	if err != nil {
		return err
	}
	log.Info().Msg("reconciliation complete")
	return nil
}
