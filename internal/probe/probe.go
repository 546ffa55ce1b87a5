// Package probe answers "is this target already on the desired driver
// version?" by inspecting ground truth on the target: the versioned NVML
// library on disk, the loaded kernel module, and dkms. Package metadata is
// deliberately not trusted, since a package can be "installed" while the
// library file is missing or belongs to another version.
package probe

import (
	"context"
	"path"
	"strings"

	goversion "github.com/hashicorp/go-version"

	"github.com/flo-mic/nvsync/internal/executor"
)

// libraryName is the canonical versioned shared library whose presence is
// governed by the driver/userspace version-matching contract.
const libraryName = "libnvidia-ml.so"

// LibraryDirs are the prefixes searched for versioned driver libraries.
// Debian ships them under nvidia/current, Ubuntu directly in the multiarch
// directory.
var LibraryDirs = []string{
	"/usr/lib/x86_64-linux-gnu",
	"/usr/lib/x86_64-linux-gnu/nvidia/current",
}

// LibrarySatisfied reports whether a libnvidia-ml.so.<version>* artifact for
// the desired major.minor version exists on the target. Directories that do
// not exist are skipped silently.
func LibrarySatisfied(ctx context.Context, run executor.Runner, t executor.Target, desired string) bool {
	for _, dir := range LibraryDirs {
		res, err := run.Query(ctx, t, "find", dir, "-maxdepth", "1", "-name", libraryName+".*")
		if err != nil {
			continue
		}
		for _, line := range strings.Split(res.Stdout, "\n") {
			if MatchesFile(path.Base(strings.TrimSpace(line)), desired) {
				return true
			}
		}
	}
	return false
}

// MatchesFile reports whether a library filename carries the desired
// version, tolerating a patch-level suffix: desired "590.48" matches
// "libnvidia-ml.so.590.48" and "libnvidia-ml.so.590.48.01" but neither
// "libnvidia-ml.so.590.480" nor "libnvidia-ml.so.590.47.09".
func MatchesFile(name, desired string) bool {
	suffix, ok := strings.CutPrefix(name, libraryName+".")
	if !ok {
		return false
	}
	return suffix == desired || strings.HasPrefix(suffix, desired+".")
}

// VersionSuffix extracts the version trailer of a library filename, e.g.
// "590.48.01" from "libnvidia-ml.so.590.48.01". The second return is false
// for unversioned linker names such as libnvidia-ml.so.1. A trailer only
// counts as a version when it has at least two dot-separated numeric
// components; go-version cannot make that call because it pads single
// segments ("1" parses as 1.0.0).
func VersionSuffix(name string) (string, bool) {
	dot := strings.Index(name, ".so.")
	if dot < 0 {
		return "", false
	}
	suffix := name[dot+len(".so."):]
	parts := strings.Split(suffix, ".")
	if len(parts) < 2 {
		return "", false
	}
	for _, p := range parts {
		if p == "" {
			return "", false
		}
		for _, r := range p {
			if r < '0' || r > '9' {
				return "", false
			}
		}
	}
	return suffix, true
}

// Satisfies reports whether an actual full version string (e.g. the loaded
// module's "590.48.01") satisfies the desired major.minor version.
func Satisfies(actual, desired string) bool {
	av, err := goversion.NewVersion(actual)
	if err != nil {
		return false
	}
	dv, err := goversion.NewVersion(desired)
	if err != nil {
		return false
	}
	as, ds := av.Segments(), dv.Segments()
	// go-version pads Segments to three entries; compare only the
	// major.minor the desired version pins.
	return len(as) >= 2 && as[0] == ds[0] && as[1] == ds[1]
}

// ActiveModuleVersion returns the version string of the loaded nvidia
// kernel module, or "" when the module is not loaded.
func ActiveModuleVersion(ctx context.Context, run executor.Runner) string {
	res, err := run.Query(ctx, executor.Host, "cat", "/sys/module/nvidia/version")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(res.Stdout)
}

// DKMSInstalled reports whether dkms has the nvidia module built and
// installed at the desired version on the host. Output lines look like
// "nvidia/590.48.01, 6.8.12-4-pve, x86_64: installed".
func DKMSInstalled(ctx context.Context, run executor.Runner, desired string) bool {
	res, err := run.Query(ctx, executor.Host, "dkms", "status")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		spec, status, ok := strings.Cut(line, ":")
		if !ok || !strings.Contains(status, "installed") {
			continue
		}
		module := strings.TrimSpace(strings.Split(spec, ",")[0])
		name, ver, ok := strings.Cut(module, "/")
		if !ok || name != "nvidia" {
			continue
		}
		if Satisfies(ver, desired) {
			return true
		}
	}
	return false
}
