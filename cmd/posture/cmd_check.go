package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yairfalse/posture/internal/emitter"
	"github.com/yairfalse/posture/internal/telemetry"
)

var (
	checkTypes          []string
	checkIDs            []string
	checkOutput         string
	checkFailOnFindings bool
)

var errFindings = errors.New("failing findings")

// checkCmd represents the check command
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run every check once and print the findings",
	Example: `  posture check                                  # All resource types, default region
  posture check --region us-west-2 --type ecs_task_definition
  posture check --type ecs_task_definition --id web --id worker
  posture check --output json --fail-on-findings`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)

	checkCmd.Flags().StringSliceVarP(&checkTypes, "type", "t", nil, "Resource types to check (default: all)")
	checkCmd.Flags().StringSliceVar(&checkIDs, "id", nil, "Restrict checks to these resource ids")
	checkCmd.Flags().StringVarP(&checkOutput, "output", "o", "log", "Output format: log, json")
	checkCmd.Flags().BoolVar(&checkFailOnFindings, "fail-on-findings", false, "Exit non-zero when any rule fails")
}

func runCheck(cmd *cobra.Command, _ []string) error {
	var emit emitter.Emitter
	switch checkOutput {
	case "log":
		emit = emitter.NewLogEmitter()
	case "json":
		emit = emitter.NewJSONEmitter(cmd.OutOrStdout(), true)
	default:
		return fmt.Errorf("invalid output format: %s (must be one of: log, json)", checkOutput)
	}
	defer func() { _ = emit.Close() }()

	if len(checkTypes) > 0 {
		cfg.Scan.IncludeTypes = checkTypes
	}

	ctx, cancel := withScanTimeout(cmd.Context(), cfg.Scan.Timeout)
	defer cancel()

	provider, err := telemetry.NewProvider(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	accounts, err := loadAccounts(ctx, cfg, provider.Metrics())
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, accounts, provider.Metrics(), checkIDs)
	if err != nil {
		return err
	}

	report := a.pass(ctx)
	if err := emit.Emit(ctx, report); err != nil {
		return err
	}

	if checkFailOnFindings && report.Failed() > 0 {
		return fmt.Errorf("%w: %d", errFindings, report.Failed())
	}
	return nil
}
