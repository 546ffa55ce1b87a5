// Package install performs the pinned, forced-reinstall package step and
// manages apt version holds around it. Reinstalling even when apt believes
// the packages are present repairs partial or corrupt installs that a plain
// install would skip.
package install

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/flo-mic/nvsync/internal/executor"
	"github.com/flo-mic/nvsync/internal/probe"
)

// Pinned installs every package in pkgs at the desired version and locks
// the set against drift: unhold, refresh index, forced reinstall pinned to
// "name=<version>*", re-hold. Container targets get relaxed flags so a held
// package can be replaced without pulling in recommended packages.
func Pinned(ctx context.Context, run executor.Runner, t executor.Target, pkgs []string, desired string, log zerolog.Logger) error {
	if len(pkgs) == 0 {
		return fmt.Errorf("empty package set for %s", t)
	}

	Unhold(ctx, run, t, pkgs, log)

	if _, err := run.Run(ctx, t, "apt-get", "update", "-qq"); err != nil {
		return fmt.Errorf("refreshing package index on %s: %w", t, err)
	}

	argv := []string{"apt-get", "install", "-y", "--reinstall"}
	if !t.IsHost() {
		argv = append(argv, "--allow-change-held-packages", "--no-install-recommends")
	}
	for _, pkg := range pkgs {
		argv = append(argv, pkg+"="+desired+"*")
	}
	if _, err := run.Run(ctx, t, argv...); err != nil {
		return fmt.Errorf("installing driver packages on %s: %w", t, err)
	}

	if err := Hold(ctx, run, t, pkgs); err != nil {
		return err
	}
	log.Info().Str("target", t.String()).Str("version", desired).Strs("packages", pkgs).Msg("packages installed and held")
	return nil
}

// Unhold releases version holds on the given packages. "not currently held"
// is an expected answer, so failures are ignored.
func Unhold(ctx context.Context, run executor.Runner, t executor.Target, pkgs []string, log zerolog.Logger) {
	argv := append([]string{"apt-mark", "unhold"}, pkgs...)
	if _, err := run.Run(ctx, t, argv...); err != nil {
		log.Debug().Err(err).Str("target", t.String()).Msg("unhold reported nothing to release")
	}
}

// Hold re-applies version holds on exactly the given package set.
func Hold(ctx context.Context, run executor.Runner, t executor.Target, pkgs []string) error {
	argv := append([]string{"apt-mark", "hold"}, pkgs...)
	if _, err := run.Run(ctx, t, argv...); err != nil {
		return fmt.Errorf("holding packages on %s: %w", t, err)
	}
	return nil
}

// HostKernelHeaders installs the headers package for the running kernel,
// unpinned. dkms needs it to build the module during the driver install.
func HostKernelHeaders(ctx context.Context, run executor.Runner, log zerolog.Logger) error {
	res, err := run.Query(ctx, executor.Host, "uname", "-r")
	if err != nil {
		return fmt.Errorf("determining kernel release: %w", err)
	}
	headers := "pve-headers-" + strings.TrimSpace(res.Stdout)
	log.Info().Str("package", headers).Msg("installing kernel headers")
	if _, err := run.Run(ctx, executor.Host, "apt-get", "install", "-y", headers); err != nil {
		return fmt.Errorf("installing %s: %w", headers, err)
	}
	return nil
}

// ReloadHostModule reloads the nvidia kernel module when the loaded version
// does not reflect the desired one. Unload failures are tolerated (the
// module may simply not be loaded); a failed load is returned so the
// orchestrator can surface it. With all containers stopped this usually
// means the host needs a reboot to pick up the new module.
func ReloadHostModule(ctx context.Context, run executor.Runner, desired string, log zerolog.Logger) error {
	active := probe.ActiveModuleVersion(ctx, run)
	if active != "" && probe.Satisfies(active, desired) {
		log.Debug().Str("active", active).Msg("kernel module already at desired version")
		return nil
	}

	// Stop the persistence daemon first so it does not hold the device open.
	run.Run(ctx, executor.Host, "systemctl", "stop", "nvidia-persistenced")
	for _, mod := range []string{"nvidia_uvm", "nvidia_drm", "nvidia_modeset", "nvidia"} {
		run.Run(ctx, executor.Host, "modprobe", "-r", mod)
	}

	if _, err := run.Run(ctx, executor.Host, "modprobe", "nvidia"); err != nil {
		return fmt.Errorf("loading nvidia module: %w", err)
	}
	log.Info().Str("was", active).Str("want", desired).Msg("kernel module reloaded")
	return nil
}
