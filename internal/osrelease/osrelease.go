// Package osrelease reads and parses /etc/os-release on a target into typed
// fields, so OS checks compare structured values instead of grepping
// command output.
package osrelease

import (
	"context"
	"fmt"
	"strings"

	"github.com/flo-mic/nvsync/internal/executor"
)

// Family is the distribution family of a target.
type Family string

const (
	Ubuntu Family = "ubuntu"
	Debian Family = "debian"
)

// Info holds the fields of /etc/os-release the reconciler cares about.
type Info struct {
	ID         string // e.g. "debian", "ubuntu"
	VersionID  string // e.g. "12", "24.04"
	PrettyName string
}

// Family returns the distribution family, or "" when the ID is neither
// debian nor ubuntu.
func (i Info) Family() Family {
	switch i.ID {
	case "debian":
		return Debian
	case "ubuntu":
		return Ubuntu
	}
	return ""
}

// Detect reads /etc/os-release on the target.
func Detect(ctx context.Context, run executor.Runner, t executor.Target) (Info, error) {
	res, err := run.Query(ctx, t, "cat", "/etc/os-release")
	if err != nil {
		return Info{}, fmt.Errorf("reading /etc/os-release on %s: %w", t, err)
	}
	return Parse(res.Stdout), nil
}

// Parse parses os-release key=value content. Values may be quoted; unknown
// keys are ignored.
func Parse(content string) Info {
	var info Info
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"'`)
		switch key {
		case "ID":
			info.ID = value
		case "VERSION_ID":
			info.VersionID = value
		case "PRETTY_NAME":
			info.PrettyName = value
		}
	}
	return info
}
