package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tachyon-beep/elspeth/internal/engine/canon"
	"github.com/tachyon-beep/elspeth/internal/landscape/sqlite"
	"github.com/tachyon-beep/elspeth/internal/schedule"
	"github.com/tachyon-beep/elspeth/internal/settings"
)

func scheduleCmd() *cobra.Command {
	var cronExpr string

	cmd := &cobra.Command{
		Use:   "schedule <settings_file>",
		Short: "Run a settings file repeatedly on a cron schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchedule(cmd, args[0], cronExpr)
		},
	}

	cmd.Flags().StringVar(&cronExpr, "cron", "@hourly", "standard 5-field cron expression")

	return cmd
}

func runSchedule(cmd *cobra.Command, settingsPath, cronExpr string) error {
	settingsPathCopy := settingsPath

	sched := schedule.New(nil)

	_, err := sched.Add(cronExpr, settingsPathCopy, func(ctx context.Context) error {
		cfg, err := settings.Load(settingsPathCopy)
		if err != nil {
			return err
		}

		store, err := sqlite.Open(cfg.LandscapePath)
		if err != nil {
			return fmt.Errorf("elspeth: open landscape: %w", err)
		}
		defer store.Close()

		raw, err := os.ReadFile(settingsPathCopy)
		if err != nil {
			return err
		}

		configHash, err := canon.Hash(string(raw))
		if err != nil {
			return err
		}

		orch, err := settings.Build(cfg, nil, store, configHash, canonicalVersion)
		if err != nil {
			return err
		}

		if orch.Telemetry != nil {
			defer orch.Telemetry.Close(ctx)
		}

		_, err = orch.Run(ctx)

		return err
	})
	if err != nil {
		return err
	}

	sched.Start()
	cmd.Printf("scheduled %s on %q; press ctrl-c to stop\n", settingsPath, cronExpr)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	<-sched.Stop().Done()

	return nil
}
