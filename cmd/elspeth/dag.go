package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tachyon-beep/elspeth/internal/landscape"
	"github.com/tachyon-beep/elspeth/internal/landscape/sqlite"
)

func dagCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "dag <run_id> <landscape_path>",
		Short: "Render a run's persisted execution graph",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDag(cmd, args[0], args[1], format)
		},
	}

	cmd.Flags().StringVar(&format, "format", "mermaid", "output format: mermaid or ascii")

	return cmd
}

func runDag(cmd *cobra.Command, runID, landscapePath, format string) error {
	ctx := context.Background()

	store, err := sqlite.Open(landscapePath)
	if err != nil {
		return fmt.Errorf("elspeth: open landscape: %w", err)
	}
	defer store.Close()

	g, err := store.Graph(ctx, runID)
	if err != nil {
		return fmt.Errorf("elspeth: graph: %w", err)
	}

	switch format {
	case "ascii":
		cmd.Println(landscape.RenderASCII(g))
	default:
		cmd.Println(landscape.RenderMermaid(g))
	}

	return nil
}
