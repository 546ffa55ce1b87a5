// Package devices keeps the host's kernel-module configuration and
// /dev/nvidia* special files in line with the installed driver. Headless
// hypervisors never run a display session, so nothing else creates these
// nodes, and LXC GPU passthrough depends on them existing. Every step is
// independently idempotent; a node that stays missing after remediation is
// a warning for the operator, not a failure.
package devices

import (
	"context"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/flo-mic/nvsync/internal/executor"
)

const (
	blacklistPath = "/etc/modprobe.d/blacklist-nouveau.conf"
	unitPath      = "/etc/systemd/system/nvidia-modprobe.service"
	primaryNode   = "/dev/nvidia0"
)

const blacklistConf = `blacklist nouveau
options nouveau modeset=0
`

// bootUnit invokes the vendor helper at boot so device nodes exist before
// any container starts.
const bootUnit = `[Unit]
Description=Create NVIDIA device nodes
After=systemd-modules-load.service

[Service]
Type=oneshot
ExecStart=/usr/bin/nvidia-modprobe -c0 -u -m

[Install]
WantedBy=multi-user.target
`

// Ensure runs every device/module reconciliation step on the host and
// returns whether the primary device node exists afterwards.
func Ensure(ctx context.Context, run executor.Runner, log zerolog.Logger) bool {
	ensureNouveauBlacklist(ctx, run, log)
	ensureBootUnit(ctx, run, log)
	ensurePersistenced(ctx, run, log)
	ensureDeviceNodes(ctx, run, log)

	if run.FileExists(ctx, executor.Host, primaryNode) {
		log.Debug().Msg("device nodes present")
		return true
	}
	log.Warn().Str("node", primaryNode).Msg("device node still missing after remediation; GPU passthrough will not work until it exists")
	return false
}

// ensureNouveauBlacklist writes the nouveau blacklist once. An existing
// file is left alone.
func ensureNouveauBlacklist(ctx context.Context, run executor.Runner, log zerolog.Logger) {
	if run.FileExists(ctx, executor.Host, blacklistPath) {
		return
	}
	if err := run.WriteFile(ctx, executor.Host, blacklistPath, []byte(blacklistConf), 0644); err != nil {
		log.Warn().Err(err).Msg("could not write nouveau blacklist")
		return
	}
	log.Info().Str("file", blacklistPath).Msg("blacklisted nouveau")
	// Unload it if it is currently loaded; tolerated to fail when it is not.
	run.Run(ctx, executor.Host, "modprobe", "-r", "nouveau")
	run.Run(ctx, executor.Host, "update-initramfs", "-u")
}

// ensureBootUnit installs and enables the boot-time node-creation unit,
// created only if absent.
func ensureBootUnit(ctx context.Context, run executor.Runner, log zerolog.Logger) {
	if run.FileExists(ctx, executor.Host, unitPath) {
		return
	}
	if err := run.WriteFile(ctx, executor.Host, unitPath, []byte(bootUnit), 0644); err != nil {
		log.Warn().Err(err).Msg("could not write nvidia-modprobe unit")
		return
	}
	run.Run(ctx, executor.Host, "systemctl", "daemon-reload")
	if _, err := run.Run(ctx, executor.Host, "systemctl", "enable", "nvidia-modprobe.service"); err != nil {
		log.Warn().Err(err).Msg("could not enable nvidia-modprobe unit")
		return
	}
	log.Info().Str("unit", unitPath).Msg("installed boot-time device node unit")
}

// ensurePersistenced enables the persistence daemon when the driver
// shipped it. Absence of the service is not an error.
func ensurePersistenced(ctx context.Context, run executor.Runner, log zerolog.Logger) {
	if _, err := run.Query(ctx, executor.Host, "dpkg", "-s", "nvidia-persistenced"); err != nil {
		return
	}
	if _, err := run.Query(ctx, executor.Host, "systemctl", "is-enabled", "nvidia-persistenced"); err == nil {
		return
	}
	if _, err := run.Run(ctx, executor.Host, "systemctl", "enable", "--now", "nvidia-persistenced"); err != nil {
		log.Debug().Err(err).Msg("could not enable nvidia-persistenced")
	}
}

// ensureDeviceNodes creates the device special files when the primary node
// is missing: first via the vendor helper, then by mknod with the char
// majors queried from /proc/devices.
func ensureDeviceNodes(ctx context.Context, run executor.Runner, log zerolog.Logger) {
	if run.FileExists(ctx, executor.Host, primaryNode) {
		return
	}
	log.Info().Str("node", primaryNode).Msg("device node missing, creating")

	run.Run(ctx, executor.Host, "nvidia-modprobe", "-c0", "-u", "-m")
	if run.FileExists(ctx, executor.Host, primaryNode) {
		return
	}

	// Fallback: create the nodes by hand. The frontend devices live on the
	// nvidia major (195 by convention, still verified against /proc/devices).
	majors := charMajors(ctx, run)
	frontend, ok := majors["nvidia-frontend"]
	if !ok {
		if frontend, ok = majors["nvidia"]; !ok {
			frontend = 195
		}
	}
	mknod(ctx, run, log, primaryNode, frontend, 0)
	mknod(ctx, run, log, "/dev/nvidiactl", frontend, 255)
	mknod(ctx, run, log, "/dev/nvidia-modeset", frontend, 254)

	if caps, ok := majors["nvidia-caps"]; ok {
		run.Run(ctx, executor.Host, "mkdir", "-p", "/dev/nvidia-caps")
		mknod(ctx, run, log, "/dev/nvidia-caps/nvidia-cap1", caps, 1)
		mknod(ctx, run, log, "/dev/nvidia-caps/nvidia-cap2", caps, 2)
	}

	if uvm, ok := majors["nvidia-uvm"]; ok {
		mknod(ctx, run, log, "/dev/nvidia-uvm", uvm, 0)
		mknod(ctx, run, log, "/dev/nvidia-uvm-tools", uvm, 1)
	}
}

func mknod(ctx context.Context, run executor.Runner, log zerolog.Logger, path string, major, minor int) {
	if run.FileExists(ctx, executor.Host, path) {
		return
	}
	if _, err := run.Run(ctx, executor.Host, "mknod", "-m", "666", path, "c", strconv.Itoa(major), strconv.Itoa(minor)); err != nil {
		log.Warn().Err(err).Str("node", path).Msg("mknod failed")
		return
	}
	log.Info().Str("node", path).Int("major", major).Int("minor", minor).Msg("created device node")
}

// charMajors parses the character-device section of /proc/devices into a
// name → major map.
func charMajors(ctx context.Context, run executor.Runner) map[string]int {
	majors := make(map[string]int)
	res, err := run.Query(ctx, executor.Host, "cat", "/proc/devices")
	if err != nil {
		return majors
	}
	inChar := false
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "Character devices:":
			inChar = true
			continue
		case line == "Block devices:":
			inChar = false
			continue
		case line == "" || !inChar:
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		major, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		majors[fields[1]] = major
	}
	return majors
}
