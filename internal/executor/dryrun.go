package executor

import (
	"context"
	"io/fs"

	"github.com/rs/zerolog"
)

// DryRun wraps a Runner so that mutating operations are logged verbatim and
// answered with a synthetic success, while read-only queries still hit the
// real system. Downstream logic therefore walks the same decision path it
// would take in a live run.
type DryRun struct {
	Next Runner
	Log  zerolog.Logger
}

// Run logs the command instead of executing it and reports success.
func (d *DryRun) Run(ctx context.Context, t Target, argv ...string) (Result, error) {
	d.Log.Info().Str("target", t.String()).Strs("argv", argv).Bool("dry-run", true).Msg("would run")
	return Result{ExitCode: 0}, nil
}

// Query delegates to the real runner; probes must see actual state.
func (d *DryRun) Query(ctx context.Context, t Target, argv ...string) (Result, error) {
	return d.Next.Query(ctx, t, argv...)
}

// WriteFile logs the intended write and reports success.
func (d *DryRun) WriteFile(ctx context.Context, t Target, path string, data []byte, mode fs.FileMode) error {
	d.Log.Info().Str("target", t.String()).Str("path", path).Int("bytes", len(data)).Bool("dry-run", true).Msg("would write file")
	return nil
}

// FileExists delegates to the real runner.
func (d *DryRun) FileExists(ctx context.Context, t Target, path string) bool {
	return d.Next.FileExists(ctx, t, path)
}
