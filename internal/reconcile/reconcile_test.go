package reconcile

import (
	"context"
	"strconv"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flo-mic/nvsync/internal/config"
	"github.com/flo-mic/nvsync/internal/executor"
	"github.com/flo-mic/nvsync/internal/executor/executortest"
)

const (
	ubuntuRelease = "ID=ubuntu\nVERSION_ID=\"22.04\"\n"
	debianRelease = "ID=debian\nVERSION_ID=\"12\"\n"
	oldLibs       = "/usr/lib/x86_64-linux-gnu/libnvidia-ml.so.1\n/usr/lib/x86_64-linux-gnu/libnvidia-ml.so.575.64.03\n"
	currentLibs   = "/usr/lib/x86_64-linux-gnu/libnvidia-ml.so.1\n/usr/lib/x86_64-linux-gnu/libnvidia-ml.so.590.48.01\n"
)

func testConfig() *config.Config {
	return &config.Config{
		DriverVersion:           "590.48",
		RebootTargets:           []int{101},
		StageTargets:            []int{103},
		HostPackages:            []string{"nvidia-driver", "nvidia-smi"},
		ContainerPackagesUbuntu: []string{"nvidia-utils", "libnvidia-compute"},
		ContainerPackagesDebian: []string{"nvidia-driver-libs", "nvidia-smi"},
	}
}

func newReconciler(cfg *config.Config, run executor.Runner, dryRun bool) *Reconciler {
	r := New(cfg, run, dryRun, zerolog.Nop())
	r.geteuid = func() int { return 0 }
	return r
}

// satisfiedHost scripts a host that is already on the desired version with
// all device plumbing in place.
func satisfiedHost(fake *executortest.Fake) {
	fake.Stdout(executor.Host, "dkms status", "nvidia/590.48.01, 6.8.12-4-pve, x86_64: installed\n")
	fake.SetFile(executor.Host, "/etc/modprobe.d/blacklist-nouveau.conf")
	fake.SetFile(executor.Host, "/etc/systemd/system/nvidia-modprobe.service")
	fake.SetFile(executor.Host, "/dev/nvidia0")
}

func mutationsFor(fake *executortest.Fake, t executor.Target) []executortest.Call {
	var out []executortest.Call
	for _, c := range fake.Mutations() {
		if c.Target == t {
			out = append(out, c)
		}
		// Container lifecycle commands run on the host but name the VMID.
		if t != executor.Host && c.Target == executor.Host && len(c.Argv) >= 3 && c.Argv[0] == "pct" {
			out = append(out, c)
		}
	}
	return out
}

func TestEndToEndScenario(t *testing.T) {
	fake := executortest.New()
	satisfiedHost(fake)

	// Container 101: ubuntu, running, on an old driver version.
	fake.Stdout(executor.Host, "pct status 101", "status: running\n")
	fake.Stdout(executor.Container(101), "cat /etc/os-release", ubuntuRelease)
	fake.Stdout(executor.Container(101), "find /usr/lib/x86_64-linux-gnu -maxdepth 1 -name libnvidia-ml.so.*", oldLibs)
	fake.Stdout(executor.Container(101), "apt-cache policy", "500 http://archive.ubuntu.com/ubuntu jammy/main amd64 Packages\n")

	// Container 103: debian, running, on an old driver version, stage-only.
	fake.Stdout(executor.Host, "pct status 103", "status: running\n")
	fake.Stdout(executor.Container(103), "cat /etc/os-release", debianRelease)
	fake.Stdout(executor.Container(103), "find /usr/lib/x86_64-linux-gnu -maxdepth 1 -name libnvidia-ml.so.*", oldLibs)
	fake.Stdout(executor.Container(103), "apt-cache policy", "500 http://deb.debian.org/debian bookworm/main amd64 Packages\n")

	results, err := newReconciler(testConfig(), fake, false).Apply(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, AlreadySatisfied, results[0].Outcome)
	assert.Equal(t, Updated, results[1].Outcome)
	assert.Equal(t, Updated, results[2].Outcome)

	// Satisfied host: no package operations at all.
	for _, c := range mutationsFor(fake, executor.Host) {
		if c.Op == "run" {
			assert.NotEqual(t, "apt-get", c.Argv[0], "host must see no package operations")
		}
	}

	// Container 101: full cycle with forced reinstall pinned to 590.48*,
	// hold applied, then stop+start (must-reboot group).
	var sawInstall, sawHold, sawStop, sawStart bool
	for _, c := range mutationsFor(fake, executor.Container(101)) {
		if c.Op != "run" {
			continue
		}
		joined := strings.Join(c.Argv, " ")
		switch {
		case strings.HasPrefix(joined, "apt-get install"):
			sawInstall = true
			assert.Contains(t, c.Argv, "--reinstall")
			assert.Contains(t, c.Argv, "--allow-change-held-packages")
			assert.Contains(t, c.Argv, "nvidia-utils=590.48*")
		case strings.HasPrefix(joined, "apt-mark hold"):
			sawHold = true
		case joined == "pct stop 101":
			sawStop = true
		case joined == "pct start 101":
			sawStart = true
		}
	}
	assert.True(t, sawInstall)
	assert.True(t, sawHold)
	assert.True(t, sawStop)
	assert.True(t, sawStart)

	// Container 103: updated with the debian catalog but never restarted.
	var sawDebianInstall bool
	for _, c := range mutationsFor(fake, executor.Container(103)) {
		if c.Op != "run" {
			continue
		}
		joined := strings.Join(c.Argv, " ")
		assert.NotEqual(t, "pct stop 103", joined, "stage-only target must not be restarted")
		if strings.HasPrefix(joined, "apt-get install") {
			sawDebianInstall = true
			assert.Contains(t, c.Argv, "nvidia-driver-libs=590.48*")
		}
	}
	assert.True(t, sawDebianInstall)
}

func TestIdempotentSecondRun(t *testing.T) {
	fake := executortest.New()
	satisfiedHost(fake)
	for _, vmid := range []int{101, 103} {
		ct := executor.Container(vmid)
		fake.Stdout(executor.Host, "pct status "+strconv.Itoa(vmid), "status: running\n")
		fake.Stdout(ct, "cat /etc/os-release", debianRelease)
		fake.Stdout(ct, "find /usr/lib/x86_64-linux-gnu -maxdepth 1 -name libnvidia-ml.so.*", currentLibs)
	}

	results, err := newReconciler(testConfig(), fake, false).Apply(context.Background())
	require.NoError(t, err)
	for _, res := range results {
		assert.Equal(t, AlreadySatisfied, res.Outcome)
	}
	assert.Empty(t, fake.Mutations(), "an already converged fleet must see zero mutating operations")
}

func TestUnsupportedOSSkipsWithoutMutations(t *testing.T) {
	fake := executortest.New()
	satisfiedHost(fake)
	fake.Stdout(executor.Host, "pct status 101", "status: running\n")
	fake.Stdout(executor.Container(101), "cat /etc/os-release", "ID=ubuntu\nVERSION_ID=\"99\"\n")
	fake.Stdout(executor.Host, "pct status 103", "status: running\n")
	fake.Stdout(executor.Container(103), "cat /etc/os-release", "ID=debian\nVERSION_ID=\"99\"\n")

	results, err := newReconciler(testConfig(), fake, false).Apply(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SkippedUnsupported, results[1].Outcome)
	assert.Equal(t, SkippedUnsupported, results[2].Outcome)
	assert.Empty(t, fake.Mutations(), "unsupported targets must not be mutated")
}

func TestAbsentContainerSkipped(t *testing.T) {
	fake := executortest.New()
	satisfiedHost(fake)
	fake.Fail(executor.Host, "pct status 101", 2, "Configuration file does not exist")
	fake.Stdout(executor.Host, "pct status 103", "status: running\n")
	fake.Stdout(executor.Container(103), "cat /etc/os-release", debianRelease)
	fake.Stdout(executor.Container(103), "find /usr/lib/x86_64-linux-gnu -maxdepth 1 -name libnvidia-ml.so.*", currentLibs)

	results, err := newReconciler(testConfig(), fake, false).Apply(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SkippedAbsent, results[1].Outcome)
	assert.Equal(t, AlreadySatisfied, results[2].Outcome)
}

func TestDryRunNeverMutates(t *testing.T) {
	fake := executortest.New()
	satisfiedHost(fake)
	// 101 running on an old version would normally get the full cycle.
	fake.Stdout(executor.Host, "pct status 101", "status: running\n")
	fake.Stdout(executor.Container(101), "cat /etc/os-release", ubuntuRelease)
	fake.Stdout(executor.Container(101), "find /usr/lib/x86_64-linux-gnu -maxdepth 1 -name libnvidia-ml.so.*", oldLibs)
	// 103 is stopped; a dry run must not start it.
	fake.Stdout(executor.Host, "pct status 103", "status: stopped\n")

	dry := &executor.DryRun{Next: fake, Log: zerolog.Nop()}
	results, err := newReconciler(testConfig(), dry, true).Apply(context.Background())
	require.NoError(t, err)

	assert.Equal(t, AlreadySatisfied, results[0].Outcome)
	assert.Equal(t, Updated, results[1].Outcome)
	assert.Equal(t, SkippedIndeterminate, results[2].Outcome)
	assert.Empty(t, fake.Mutations(), "dry run must not change any state")
}

func TestFatalFailureAbortsRun(t *testing.T) {
	fake := executortest.New()
	satisfiedHost(fake)
	fake.Stdout(executor.Host, "pct status 101", "status: running\n")
	fake.Stdout(executor.Container(101), "cat /etc/os-release", ubuntuRelease)
	fake.Stdout(executor.Container(101), "find /usr/lib/x86_64-linux-gnu -maxdepth 1 -name libnvidia-ml.so.*", oldLibs)
	fake.Stdout(executor.Container(101), "apt-cache policy", "500 http://archive.ubuntu.com/ubuntu jammy/main amd64 Packages\n")
	fake.Fail(executor.Container(101), "apt-get update", 100, "Could not resolve host")

	results, err := newReconciler(testConfig(), fake, false).Apply(context.Background())
	require.Error(t, err)
	require.Len(t, results, 2, "later targets are never attempted after a fatal failure")
	assert.Equal(t, Failed, results[1].Outcome)

	for _, c := range fake.Calls {
		assert.NotEqual(t, executor.Container(103), c.Target, "container 103 must not be touched")
	}
}

func TestHostUpdateStopsContainersFirst(t *testing.T) {
	fake := executortest.New()
	// Host on an old version, debian 12, repo already correct.
	fake.Stdout(executor.Host, "dkms status", "nvidia/575.64.03, 6.8.12-4-pve, x86_64: installed\n")
	fake.Stdout(executor.Host, "find /usr/lib/x86_64-linux-gnu -maxdepth 1 -name libnvidia-ml.so.*", oldLibs)
	fake.Stdout(executor.Host, "cat /etc/os-release", debianRelease)
	fake.Stdout(executor.Host, "apt-cache policy",
		"500 https://developer.download.nvidia.com/compute/cuda/repos/debian12/x86_64  Packages\n")
	fake.Stdout(executor.Host, "uname -r", "6.8.12-4-pve\n")
	fake.Stdout(executor.Host, "cat /sys/module/nvidia/version", "575.64.03\n")
	fake.SetFile(executor.Host, "/etc/modprobe.d/blacklist-nouveau.conf")
	fake.SetFile(executor.Host, "/etc/systemd/system/nvidia-modprobe.service")
	fake.SetFile(executor.Host, "/dev/nvidia0")

	fake.Stdout(executor.Host, "pct status 101", "status: running\n")
	fake.Stdout(executor.Container(101), "find /usr/lib/x86_64-linux-gnu -maxdepth 1 -name libnvidia-ml.so.*", currentLibs)
	fake.Stdout(executor.Host, "pct status 103", "status: stopped\n")

	cfg := testConfig()
	results, err := newReconciler(cfg, fake, false).Apply(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Updated, results[0].Outcome)

	// The running container was stopped before any host package operation.
	var stopIdx, installIdx = -1, -1
	for i, c := range fake.Mutations() {
		joined := strings.Join(c.Argv, " ")
		if joined == "pct stop 101" && stopIdx == -1 {
			stopIdx = i
		}
		if c.Target == executor.Host && strings.HasPrefix(joined, "apt-get install") && installIdx == -1 {
			installIdx = i
		}
	}
	require.NotEqual(t, -1, stopIdx)
	require.NotEqual(t, -1, installIdx)
	assert.Less(t, stopIdx, installIdx)
}
