// Package lxc drives managed containers through the Proxmox pct tool,
// routed via the executor so dry-run and tests see every call.
package lxc

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/flo-mic/nvsync/internal/executor"
)

// State is a container's lifecycle state as reported by pct status.
type State string

const (
	Running State = "running"
	Stopped State = "stopped"
	Absent  State = "absent"
)

// Status returns the container's state. A container unknown to pct is
// reported as Absent, not as an error.
func Status(ctx context.Context, run executor.Runner, vmid int) (State, error) {
	res, err := run.Query(ctx, executor.Host, "pct", "status", strconv.Itoa(vmid))
	if err != nil {
		var ee *executor.ExitError
		if errors.As(err, &ee) {
			// pct exits non-zero for unknown VMIDs.
			return Absent, nil
		}
		return "", fmt.Errorf("pct status %d: %w", vmid, err)
	}

	// Output is "status: running" / "status: stopped".
	_, value, ok := strings.Cut(strings.TrimSpace(res.Stdout), ":")
	if !ok {
		return "", fmt.Errorf("pct status %d: unexpected output %q", vmid, res.Stdout)
	}
	switch State(strings.TrimSpace(value)) {
	case Running:
		return Running, nil
	case Stopped:
		return Stopped, nil
	}
	return "", fmt.Errorf("pct status %d: unexpected state %q", vmid, value)
}

// Start starts the container and waits the settling delay before returning,
// giving the init system inside a moment to come up. There is no readiness
// probe; see the settle_seconds config knob.
func Start(ctx context.Context, run executor.Runner, vmid int, settle time.Duration) error {
	if _, err := run.Run(ctx, executor.Host, "pct", "start", strconv.Itoa(vmid)); err != nil {
		return fmt.Errorf("pct start %d: %w", vmid, err)
	}
	sleep(ctx, settle)
	return nil
}

// Stop stops the container.
func Stop(ctx context.Context, run executor.Runner, vmid int) error {
	if _, err := run.Run(ctx, executor.Host, "pct", "stop", strconv.Itoa(vmid)); err != nil {
		return fmt.Errorf("pct stop %d: %w", vmid, err)
	}
	return nil
}

// Restart stops and starts the container with a settling delay in between.
// A full stop is used rather than pct reboot so the container releases its
// device references before coming back.
func Restart(ctx context.Context, run executor.Runner, vmid int, settle time.Duration) error {
	if err := Stop(ctx, run, vmid); err != nil {
		return err
	}
	sleep(ctx, settle)
	return Start(ctx, run, vmid, settle)
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
