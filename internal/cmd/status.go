package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/flo-mic/nvsync/internal/config"
	"github.com/flo-mic/nvsync/internal/executor"
	"github.com/flo-mic/nvsync/internal/logging"
	"github.com/flo-mic/nvsync/internal/reconcile"
)

// Status prints a read-only per-target satisfaction report. Nothing on any
// target is modified, including stopped containers, which are reported as
// unknown rather than started.
func Status(ctx context.Context, cfgPath string, out io.Writer) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	run := &executor.Local{Log: logging.WithComponent("exec")}
	reports := reconcile.New(cfg, run, true, logging.WithComponent("status")).Status(ctx)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "TARGET\tSTATE\tVERSION %s\n", cfg.DriverVersion)
	for _, rep := range reports {
		satisfied := "unknown"
		if rep.Satisfied != nil {
			if *rep.Satisfied {
				satisfied = "ok"
			} else {
				satisfied = "outdated"
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", rep.Target, rep.State, satisfied)
	}
	return w.Flush()
}
