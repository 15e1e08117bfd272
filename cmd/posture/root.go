package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yairfalse/posture/internal/config"
	"github.com/yairfalse/posture/internal/telemetry"
)

var (
	version = "0.1.0"

	configPath string
	regions    []string
	profile    string
	logLevel   string
	logFormat  string

	cfg *config.Config

	rootCmd = &cobra.Command{
		Use:   "posture",
		Short: "Cloud security posture checker",
		Long: `Posture - cloud security posture checker

Posture fetches the resources of an AWS account once per check, normalizes
them into typed snapshots, and evaluates security rules against those
snapshots without calling the provider again.`,
		Version:           version,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`Posture {{.Version}} - cloud security posture checker
`)

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	flags.StringSliceVarP(&regions, "region", "r", nil, "AWS regions to check (overrides config)")
	flags.StringVar(&profile, "profile", "", "AWS shared config profile (overrides config)")
	flags.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.StringVar(&logFormat, "log-format", "", "Log format: console, json")
}

func setup(cmd *cobra.Command, _ []string) error {
	c, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	applyOverrides(c)
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := telemetry.SetupLogger(c.Log, cmd.ErrOrStderr()); err != nil {
		return err
	}
	cfg = c
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// applyOverrides lets flags win over file values.
func applyOverrides(c *config.Config) {
	if len(regions) > 0 {
		c.AWS.Regions = regions
	}
	if profile != "" {
		c.AWS.Profile = profile
	}
	if logLevel != "" {
		c.Log.Level = logLevel
	}
	if logFormat != "" {
		c.Log.Format = logFormat
	}
}
