package probe

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flo-mic/nvsync/internal/executor"
	"github.com/flo-mic/nvsync/internal/executor/executortest"
)

func TestMatchesFile(t *testing.T) {
	cases := []struct {
		name    string
		desired string
		want    bool
	}{
		{"libnvidia-ml.so.590.48", "590.48", true},
		{"libnvidia-ml.so.590.48.01", "590.48", true},
		{"libnvidia-ml.so.590.47.09", "590.48", false},
		// No accidental prefix collision beyond the intended wildcard.
		{"libnvidia-ml.so.590.480", "590.48", false},
		{"libnvidia-ml.so.1", "590.48", false},
		{"libcuda.so.590.48.01", "590.48", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MatchesFile(tc.name, tc.desired), "%s vs %s", tc.name, tc.desired)
	}
}

func TestSatisfies(t *testing.T) {
	assert.True(t, Satisfies("590.48.01", "590.48"))
	assert.True(t, Satisfies("590.48", "590.48"))
	assert.False(t, Satisfies("590.480", "590.48"))
	assert.False(t, Satisfies("590.47.09", "590.48"))
	assert.False(t, Satisfies("not-a-version", "590.48"))
}

func TestVersionSuffix(t *testing.T) {
	v, ok := VersionSuffix("libnvidia-ml.so.590.48.01")
	assert.True(t, ok)
	assert.Equal(t, "590.48.01", v)

	v, ok = VersionSuffix("libcuda.so.575.64")
	assert.True(t, ok)
	assert.Equal(t, "575.64", v)

	// Unversioned linker names: a lone numeric trailer is an soname, not a
	// driver version, even though go-version would happily parse it.
	for _, name := range []string{
		"libnvidia-ml.so.1",
		"libcuda.so.1",
		"libnvidia-ml.so.590",
		"libnvidia-ml.so",
		"libnvidia-ml.so.590.48.x",
		"libnvidia-ml.so.590..48",
	} {
		_, ok := VersionSuffix(name)
		assert.False(t, ok, name)
	}
}

func TestLibrarySatisfied(t *testing.T) {
	fake := executortest.New()
	fake.Stdout(executor.Host, "find /usr/lib/x86_64-linux-gnu -maxdepth 1 -name libnvidia-ml.so.*",
		"/usr/lib/x86_64-linux-gnu/libnvidia-ml.so.1\n/usr/lib/x86_64-linux-gnu/libnvidia-ml.so.590.48.01\n")

	assert.True(t, LibrarySatisfied(context.Background(), fake, executor.Host, "590.48"))
	assert.False(t, LibrarySatisfied(context.Background(), fake, executor.Host, "590.49"))
}

func TestLibrarySatisfiedMissingDirectory(t *testing.T) {
	fake := executortest.New()
	fake.Fail(executor.Host, "find /usr/lib/x86_64-linux-gnu -maxdepth 1", 1, "No such file or directory")
	fake.Fail(executor.Host, "find /usr/lib/x86_64-linux-gnu/nvidia/current -maxdepth 1", 1, "No such file or directory")

	assert.False(t, LibrarySatisfied(context.Background(), fake, executor.Container(101), "590.48"))
}

func TestDKMSInstalled(t *testing.T) {
	fake := executortest.New()
	fake.Stdout(executor.Host, "dkms status",
		"nvidia/590.48.01, 6.8.12-4-pve, x86_64: installed\nzfs/2.2.4, 6.8.12-4-pve, x86_64: installed\n")

	assert.True(t, DKMSInstalled(context.Background(), fake, "590.48"))
	assert.False(t, DKMSInstalled(context.Background(), fake, "590.47"))
}

func TestDKMSInstalledIgnoresBuiltOnly(t *testing.T) {
	fake := executortest.New()
	fake.Stdout(executor.Host, "dkms status", "nvidia/590.48.01, 6.8.12-4-pve, x86_64: built\n")

	assert.False(t, DKMSInstalled(context.Background(), fake, "590.48"))
}

func TestActiveModuleVersion(t *testing.T) {
	fake := executortest.New()
	fake.Stdout(executor.Host, "cat /sys/module/nvidia/version", "590.48.01\n")
	assert.Equal(t, "590.48.01", ActiveModuleVersion(context.Background(), fake))

	empty := executortest.New()
	empty.Fail(executor.Host, "cat /sys/module/nvidia/version", 1, "No such file or directory")
	assert.Equal(t, "", ActiveModuleVersion(context.Background(), empty))
}
