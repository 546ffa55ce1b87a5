// Package executor is the single seam through which every command in the
// reconciler reaches a target. Commands are structured argv lists, never
// interpolated shell strings; container commands are routed through
// "pct exec <vmid> --" on the hypervisor host.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"
)

// Target identifies where a command runs: the hypervisor host itself or an
// LXC container addressed by VMID.
type Target struct {
	VMID int // 0 means the host
}

// Host is the hypervisor host target.
var Host = Target{}

// Container returns the target for the container with the given VMID.
func Container(vmid int) Target { return Target{VMID: vmid} }

// IsHost reports whether the target is the hypervisor host.
func (t Target) IsHost() bool { return t.VMID == 0 }

func (t Target) String() string {
	if t.IsHost() {
		return "host"
	}
	return "ct/" + strconv.Itoa(t.VMID)
}

// Result holds the outcome of a finished command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ExitError is returned by Run/Query when the command itself ran but exited
// non-zero. Callers classify it per call site: fatal, skip, or best-effort.
type ExitError struct {
	Argv   []string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s: exit status %d: %s", e.Argv[0], e.Code, e.Stderr)
	}
	return fmt.Sprintf("%s: exit status %d", e.Argv[0], e.Code)
}

// Runner executes commands against a target. Run is for mutating commands
// and is suppressed in dry-run mode; Query is for read-only probes and
// always executes, so decisions in dry-run mode rest on real state.
type Runner interface {
	Run(ctx context.Context, t Target, argv ...string) (Result, error)
	Query(ctx context.Context, t Target, argv ...string) (Result, error)
	WriteFile(ctx context.Context, t Target, path string, data []byte, mode fs.FileMode) error
	FileExists(ctx context.Context, t Target, path string) bool
}

// Local runs commands on the machine nvsync itself runs on, which for
// container targets is the Proxmox host carrying the pct tool.
type Local struct {
	Log zerolog.Logger
}

// Run executes a mutating command on the target.
func (l *Local) Run(ctx context.Context, t Target, argv ...string) (Result, error) {
	return l.exec(ctx, t, argv)
}

// Query executes a read-only command on the target.
func (l *Local) Query(ctx context.Context, t Target, argv ...string) (Result, error) {
	return l.exec(ctx, t, argv)
}

func (l *Local) exec(ctx context.Context, t Target, argv []string) (Result, error) {
	if len(argv) == 0 {
		return Result{}, fmt.Errorf("empty command for %s", t)
	}
	full := commandFor(t, argv)
	l.Log.Debug().Str("target", t.String()).Strs("argv", argv).Msg("exec")

	cmd := exec.CommandContext(ctx, full[0], full[1:]...)
	cmd.Env = append(cmd.Environ(), "DEBIAN_FRONTEND=noninteractive")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			res.ExitCode = ee.ExitCode()
			return res, &ExitError{Argv: argv, Code: res.ExitCode, Stderr: trimmed(res.Stderr)}
		}
		return res, fmt.Errorf("running %s on %s: %w", argv[0], t, err)
	}
	return res, nil
}

// WriteFile places a file on the target. Host writes go straight to disk;
// container writes are staged locally and moved in with pct push.
func (l *Local) WriteFile(ctx context.Context, t Target, path string, data []byte, mode fs.FileMode) error {
	l.Log.Debug().Str("target", t.String()).Str("path", path).Msg("write file")
	if t.IsHost() {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
		}
		return os.WriteFile(path, data, mode)
	}

	tmp, err := os.CreateTemp("", "nvsync-push-*")
	if err != nil {
		return fmt.Errorf("staging file for %s: %w", t, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("staging file for %s: %w", t, err)
	}
	tmp.Close()

	perms := fmt.Sprintf("%04o", mode.Perm())
	_, err = l.exec(ctx, Host, []string{
		"pct", "push", strconv.Itoa(t.VMID), tmp.Name(), path, "--perms", perms,
	})
	if err != nil {
		return fmt.Errorf("pushing %s to %s: %w", path, t, err)
	}
	return nil
}

// FileExists reports whether path exists on the target.
func (l *Local) FileExists(ctx context.Context, t Target, path string) bool {
	if t.IsHost() {
		_, err := os.Stat(path)
		return err == nil
	}
	_, err := l.exec(ctx, t, []string{"test", "-e", path})
	return err == nil
}

// commandFor returns the argv actually spawned for a target. Container
// commands go through pct exec, with the noninteractive apt frontend set
// inside the container rather than hoping lxc-attach forwards the host
// environment.
func commandFor(t Target, argv []string) []string {
	if t.IsHost() {
		return argv
	}
	return append([]string{
		"pct", "exec", strconv.Itoa(t.VMID), "--",
		"env", "DEBIAN_FRONTEND=noninteractive",
	}, argv...)
}

func trimmed(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
