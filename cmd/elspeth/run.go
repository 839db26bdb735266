package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tachyon-beep/elspeth/internal/engine/canon"
	"github.com/tachyon-beep/elspeth/internal/landscape"
	"github.com/tachyon-beep/elspeth/internal/landscape/sqlite"
	"github.com/tachyon-beep/elspeth/internal/settings"
)

const canonicalVersion = "elspeth/1"

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <settings_file>",
		Short: "Start a new run from a settings file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd, args[0])
		},
	}
}

// resumeCmd accepts a run_id for forward compatibility with the engine's
// checkpoint-based resume semantics (spec §5); the orchestrator does not
// yet implement row-cursor replay, so today this starts a fresh run against
// the same settings file and reports the prior run_id for cross-reference
// in the Landscape. Full resume (skipping rows below the checkpoint cursor)
// is tracked as follow-up work, not faked here.
func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <run_id> <settings_file>",
		Short: "Start a fresh run from a settings file, reporting the prior run_id; no rows are replayed from a checkpoint",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.PrintErrf("elspeth: resume from run %s is not yet checkpoint-aware; starting a fresh run\n", args[0])
			return execute(cmd, args[1])
		},
	}
}

func execute(cmd *cobra.Command, settingsPath string) error {
	ctx := context.Background()

	cfg, err := settings.Load(settingsPath)
	if err != nil {
		return err
	}

	store, err := sqlite.Open(cfg.LandscapePath)
	if err != nil {
		return fmt.Errorf("elspeth: open landscape: %w", err)
	}
	defer store.Close()

	raw, err := os.ReadFile(settingsPath)
	if err != nil {
		return fmt.Errorf("elspeth: read settings: %w", err)
	}

	configHash, err := canon.Hash(string(raw))
	if err != nil {
		return fmt.Errorf("elspeth: hash settings: %w", err)
	}

	orch, err := settings.Build(cfg, nil, store, configHash, canonicalVersion)
	if err != nil {
		return err
	}

	if orch.Telemetry != nil {
		defer orch.Telemetry.Close(ctx)
	}

	result, err := orch.Run(ctx)
	if err != nil {
		return fmt.Errorf("elspeth: run failed: %w", err)
	}

	cmd.Printf("run %s finished with status %s\n", result.RunID, result.Status)

	if result.Status != landscape.RunCompleted {
		return fmt.Errorf("elspeth: run %s ended with status %s", result.RunID, result.Status)
	}

	return nil
}
