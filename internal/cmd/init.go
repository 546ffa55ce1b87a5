package cmd

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/flo-mic/nvsync/internal/config"
)

var initVersionRe = regexp.MustCompile(`^[0-9]+\.[0-9]+$`)

// Init interactively generates the nvsync configuration file. An existing
// file is only overwritten after confirmation.
func Init(cfgPath string, stdout io.Writer) error {
	if _, err := os.Stat(cfgPath); err == nil {
		overwrite := false
		if err := huh.NewForm(huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("%s already exists. Overwrite?", cfgPath)).
				Value(&overwrite),
		)).Run(); err != nil {
			return err
		}
		if !overwrite {
			fmt.Fprintln(stdout, "Keeping existing configuration.")
			return nil
		}
	}

	var (
		version   string
		rebootStr string
		stageStr  string
		settleStr = "5"
	)
	if err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("NVIDIA driver version (major.minor)").
				Placeholder("590.48").
				Value(&version).
				Validate(func(s string) error {
					if !initVersionRe.MatchString(strings.TrimSpace(s)) {
						return fmt.Errorf("must look like 590.48")
					}
					return nil
				}),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Containers to restart after updating (VMIDs, comma-separated)").
				Placeholder("101,102").
				Value(&rebootStr).
				Validate(validateVMIDList),
			huh.NewInput().
				Title("Containers to update without restarting (VMIDs, comma-separated)").
				Description("These keep running on the old driver until you restart them.").
				Value(&stageStr).
				Validate(validateVMIDList),
			huh.NewInput().
				Title("Settling delay after container start (seconds)").
				Value(&settleStr).
				Validate(func(s string) error {
					_, err := strconv.Atoi(strings.TrimSpace(s))
					return err
				}),
		),
	).Run(); err != nil {
		return err
	}

	settle, _ := strconv.Atoi(strings.TrimSpace(settleStr))
	cfg := &config.Config{
		DriverVersion: strings.TrimSpace(version),
		RebootTargets: parseVMIDList(rebootStr),
		StageTargets:  parseVMIDList(stageStr),
		SettleSeconds: settle,
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.Save(cfgPath); err != nil {
		return fmt.Errorf("writing %s: %w", cfgPath, err)
	}
	fmt.Fprintf(stdout, "Wrote %s\n", cfgPath)
	return nil
}

func validateVMIDList(s string) error {
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil || id <= 0 {
			return fmt.Errorf("%q is not a valid VMID", part)
		}
	}
	return nil
}

func parseVMIDList(s string) []int {
	var ids []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if id, err := strconv.Atoi(part); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}
