package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flo-mic/nvsync/internal/cmd"
	"github.com/flo-mic/nvsync/internal/config"
	"github.com/flo-mic/nvsync/internal/logging"
)

var version = "dev" // set via ldflags

var (
	flagConfig   string
	flagDryRun   bool
	flagLogLevel string
	flagNoColor  bool
)

var rootCmd = &cobra.Command{
	Use:   "nvsync",
	Short: "Keep NVIDIA driver versions in sync between a Proxmox host and its LXC containers",
	Long: `nvsync reconciles the NVIDIA driver and userspace-library versions across
a Proxmox VE host and a set of managed LXC containers. The kernel driver
and the userspace libraries must match exactly; nvsync converges every
target to one pinned version and is safe to re-run at any time.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(c *cobra.Command, args []string) {
		logging.Init(flagLogLevel, flagNoColor)
	},
}

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Reconcile the host and all configured containers",
	RunE: func(c *cobra.Command, args []string) error {
		return cmd.Apply(c.Context(), flagConfig, flagDryRun)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report per-target driver versions without changing anything",
	RunE: func(c *cobra.Command, args []string) error {
		return cmd.Status(c.Context(), flagConfig, os.Stdout)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Interactively create the nvsync configuration file",
	RunE: func(c *cobra.Command, args []string) error {
		return cmd.Init(flagConfig, os.Stdout)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", config.DefaultPath, "path to the configuration file")
	rootCmd.PersistentFlags().BoolVar(&flagDryRun, "dry-run", false, "log mutating commands instead of executing them")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&flagNoColor, "no-color", false, "disable colored log output")
	rootCmd.AddCommand(applyCmd, statusCmd, initCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
