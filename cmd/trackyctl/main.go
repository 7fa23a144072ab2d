// Command trackyctl is the CLI counterpart to trackyd's /import endpoint:
// given a normalized plan payload on disk, it runs the same Validate ->
// Execute pipeline without going through HTTP, for use from CI pipelines
// and planner tooling. Exit codes: 0 ok, 1 validation failed, 2 internal
// error, matching the contract a shell script can branch on.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tracky-pm/engine/internal/config"
	"github.com/tracky-pm/engine/internal/logging"
	"github.com/tracky-pm/engine/internal/merge"
	"github.com/tracky-pm/engine/internal/store"
	"github.com/tracky-pm/engine/internal/store/memory"
	"github.com/tracky-pm/engine/internal/store/postgres"
)

const (
	exitOK               = 0
	exitValidationFailed = 1
	exitInternalError    = 2
)

var (
	filePath             string
	dryRun               bool
	performGhostCheck    bool
	triggerRecalculation bool
	saveBaselineVersion  bool
	changedBy            string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Validate and execute a normalized plan import against the configured store",
	RunE:  runImport,
}

var rootCmd = &cobra.Command{
	Use:   "trackyctl",
	Short: "CLI import tool for the engine's Smart Merge pipeline",
}

func init() {
	importCmd.Flags().StringVarP(&filePath, "file", "f", "", "path to a normalized plan JSON payload (required)")
	importCmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate and preview without writing")
	importCmd.Flags().BoolVar(&performGhostCheck, "ghost-check", true, "soft-delete work items missing from the plan")
	importCmd.Flags().BoolVar(&triggerRecalculation, "recalculate", true, "recompute dates for touched items after import")
	importCmd.Flags().BoolVar(&saveBaselineVersion, "save-baseline", false, "snapshot a new baseline version on success")
	importCmd.Flags().StringVar(&changedBy, "changed-by", "trackyctl", "resource id or identifier recorded as the change source")
	importCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(importCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitInternalError)
	}
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	log := logging.New(cfg)

	raw, err := os.ReadFile(filePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading %s: %v\n", filePath, err)
		cmd.SilenceUsage = true
		os.Exit(exitInternalError)
	}

	var input merge.ImportInput
	if err := json.Unmarshal(raw, &input); err != nil {
		fmt.Fprintf(os.Stderr, "parsing %s: not a recognized normalized-plan payload: %v\n", filePath, err)
		cmd.SilenceUsage = true
		os.Exit(exitInternalError)
	}

	report := merge.Validate(input)
	if !report.OK() {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(map[string]interface{}{
			"status":   "validation_failed",
			"errors":   report.Errors,
			"warnings": report.Warnings,
		})
		cmd.SilenceUsage = true
		os.Exit(exitValidationFailed)
	}

	ctx := context.Background()
	var st store.Store
	if pg, err := postgres.New(ctx, cfg.StoreURL, log); err == nil {
		defer pg.Close()
		st = pg
	} else {
		log.Warn().Err(err).Msg("postgres store unavailable for trackyctl — falling back to in-memory store")
		st = memory.New()
	}

	engine := merge.New(st, log)
	summary, err := engine.Execute(ctx, input, merge.Options{
		DryRun:               dryRun,
		PerformGhostCheck:    performGhostCheck,
		TriggerRecalculation: triggerRecalculation,
		SaveBaselineVersion:  saveBaselineVersion,
		FileName:             filePath,
		ChangedBy:            changedBy,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "import failed: %v\n", err)
		cmd.SilenceUsage = true
		os.Exit(exitInternalError)
	}

	status := "success"
	if len(report.Warnings) > 0 {
		status = "partial_success"
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(map[string]interface{}{
		"status":   status,
		"summary":  summary,
		"warnings": report.Warnings,
	})
	os.Exit(exitOK)
	return nil
}
