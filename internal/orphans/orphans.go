// Package orphans removes versioned driver libraries left behind by
// earlier driver versions. The package database does not track these, and
// the dynamic linker may still prefer them, producing exactly the
// driver/library mismatch the reconciler exists to prevent. Everything here
// is best-effort: finding nothing to remove is a valid outcome.
package orphans

import (
	"context"
	"path"
	"strings"

	"github.com/rs/zerolog"

	"github.com/flo-mic/nvsync/internal/executor"
	"github.com/flo-mic/nvsync/internal/probe"
)

// patterns are the stale-artifact name globs searched under the library
// path prefixes. The list covers the driver's userspace surface: NVML,
// CUDA, GL and the rest of the libnvidia-* family.
var patterns = []string{
	"libnvidia-*.so.*",
	"libcuda.so.*",
	"libcudadebugger.so.*",
	"libnvcuvid.so.*",
	"libnvoptix.so.*",
}

// Clean removes versioned driver artifacts under the library prefixes whose
// version trailer does not satisfy the desired version, then refreshes the
// linker cache. Unversioned linker names (.so, .so.1) are never touched.
func Clean(ctx context.Context, run executor.Runner, t executor.Target, desired string, log zerolog.Logger) {
	removed := 0
	for _, dir := range probe.LibraryDirs {
		for _, pattern := range patterns {
			res, err := run.Query(ctx, t, "find", dir, "-maxdepth", "1", "-name", pattern)
			if err != nil {
				continue
			}
			for _, line := range strings.Split(res.Stdout, "\n") {
				file := strings.TrimSpace(line)
				if file == "" || !Stale(path.Base(file), desired) {
					continue
				}
				if _, err := run.Run(ctx, t, "rm", "-f", file); err != nil {
					log.Debug().Err(err).Str("file", file).Msg("could not remove orphan")
					continue
				}
				log.Info().Str("target", t.String()).Str("file", file).Msg("removed orphaned library")
				removed++
			}
		}
	}
	if removed > 0 {
		if _, err := run.Run(ctx, t, "ldconfig"); err != nil {
			log.Debug().Err(err).Msg("ldconfig failed after orphan cleanup")
		}
	}
}

// Stale reports whether a library filename is a versioned artifact from a
// version other than the desired one. Names without a parseable version
// trailer (libcuda.so.1, symlink names) are not stale.
func Stale(name, desired string) bool {
	suffix, ok := probe.VersionSuffix(name)
	if !ok {
		return false
	}
	return !probe.Satisfies(suffix, desired)
}
