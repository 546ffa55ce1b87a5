// Package repo ensures a target carries the NVIDIA CUDA package repository
// matching its OS release, with the vendor keyring installed and a pin file
// giving the repository priority over distribution packages.
package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/flo-mic/nvsync/internal/executor"
	"github.com/flo-mic/nvsync/internal/osrelease"
)

// ErrUnsupported marks an OS family/version combination outside the fixed
// support table. The orchestrator skips such targets instead of failing.
var ErrUnsupported = errors.New("unsupported OS release")

const (
	repoHost    = "developer.download.nvidia.com"
	repoBase    = "https://" + repoHost + "/compute/cuda/repos"
	keyringDeb  = "cuda-keyring_1.1-1_all.deb"
	keyringTmp  = "/tmp/" + keyringDeb
	pinFilePath = "/etc/apt/preferences.d/nvsync-cuda-pin"
)

// pinFile gives the vendor repository top priority so distribution packages
// of the same name never win.
const pinFile = `Package: *
Pin: origin ` + repoHost + `
Pin-Priority: 1001
`

// descriptors is the fixed support table mapping an OS release to its
// upstream repository path component.
var descriptors = map[string]string{
	"debian/12":    "debian12",
	"debian/13":    "debian13",
	"ubuntu/22.04": "ubuntu2204",
	"ubuntu/24.04": "ubuntu2404",
}

// Descriptor maps an OS release to its repository descriptor, or
// ErrUnsupported when the combination is not in the support table.
func Descriptor(info osrelease.Info) (string, error) {
	d, ok := descriptors[info.ID+"/"+info.VersionID]
	if !ok {
		return "", fmt.Errorf("%w: %s %s", ErrUnsupported, info.ID, info.VersionID)
	}
	return d, nil
}

// Status reports what Ensure found and did.
type Status string

const (
	AlreadyCorrect Status = "already-correct" // repo matched, nothing touched
	Replaced       Status = "replaced"        // repo was absent or wrong and has been set up
)

// Ensure makes the target's apt configuration carry exactly the repository
// for the given descriptor. A matching repository is left untouched; a
// missing or mismatched one (e.g. a stale repo for another OS release) is
// replaced: conflicting list fragments removed, the vendor keyring package
// installed, and the pin file written.
func Ensure(ctx context.Context, run executor.Runner, t executor.Target, descriptor string, log zerolog.Logger) (Status, error) {
	expected := repoBase + "/" + descriptor
	configured, matches, err := policyState(ctx, run, t, expected)
	if err != nil {
		return "", err
	}
	if matches {
		log.Debug().Str("target", t.String()).Str("repo", descriptor).Msg("repository already correct")
		return AlreadyCorrect, nil
	}
	if configured {
		log.Warn().Str("target", t.String()).Str("want", descriptor).Msg("replacing mismatched CUDA repository")
	} else {
		log.Info().Str("target", t.String()).Str("repo", descriptor).Msg("installing CUDA repository")
	}

	// Drop any repository fragments from a previous or mismatched setup.
	// find does the glob matching itself, so no shell is involved.
	if _, err := run.Run(ctx, t, "find", "/etc/apt/sources.list.d", "-maxdepth", "1", "-name", "cuda*.list", "-delete"); err != nil {
		log.Debug().Err(err).Msg("no stale repository fragments removed")
	}

	keyringURL := expected + "/x86_64/" + keyringDeb
	if _, err := run.Run(ctx, t, "wget", "-qO", keyringTmp, keyringURL); err != nil {
		return "", fmt.Errorf("fetching %s on %s: %w", keyringURL, t, err)
	}
	// Remove the fetched artifact whether or not installation succeeds.
	defer run.Run(ctx, t, "rm", "-f", keyringTmp)

	if _, err := run.Run(ctx, t, "dpkg", "-i", keyringTmp); err != nil {
		return "", fmt.Errorf("installing keyring on %s: %w", t, err)
	}

	if err := run.WriteFile(ctx, t, pinFilePath, []byte(pinFile), 0644); err != nil {
		return "", fmt.Errorf("writing pin file on %s: %w", t, err)
	}
	return Replaced, nil
}

// policyState inspects apt-cache policy output and reports whether any
// CUDA repository is configured at all, and whether one matches the
// expected descriptor URL.
func policyState(ctx context.Context, run executor.Runner, t executor.Target, expected string) (configured, matches bool, err error) {
	res, err := run.Query(ctx, t, "apt-cache", "policy")
	if err != nil {
		return false, false, fmt.Errorf("apt-cache policy on %s: %w", t, err)
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		for _, field := range strings.Fields(line) {
			if !strings.HasPrefix(field, "http://") && !strings.HasPrefix(field, "https://") {
				continue
			}
			if strings.Contains(field, repoHost+"/compute/cuda/repos/") {
				configured = true
			}
			if strings.HasPrefix(field, expected+"/") || strings.TrimRight(field, "/") == expected {
				matches = true
			}
		}
	}
	return configured, matches, nil
}
