package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tachyon-beep/elspeth/internal/landscape"
	"github.com/tachyon-beep/elspeth/internal/landscape/sqlite"
)

func explainCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "explain <run_id> <row_id|token_id> <landscape_path>",
		Short: "Print the recorded lineage of a row or token",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExplain(cmd, args[0], args[1], args[2], format)
		},
	}

	cmd.Flags().StringVar(&format, "format", "json", "output format: json or text")

	return cmd
}

func runExplain(cmd *cobra.Command, runID, subjectID, landscapePath, format string) error {
	ctx := context.Background()

	store, err := sqlite.Open(landscapePath)
	if err != nil {
		return fmt.Errorf("elspeth: open landscape: %w", err)
	}
	defer store.Close()

	lineage, err := store.Explain(ctx, runID, subjectID)
	if err != nil {
		return fmt.Errorf("elspeth: explain: %w", err)
	}

	if format == "text" {
		printLineageText(cmd, lineage)
		return nil
	}

	encoded, err := json.MarshalIndent(lineage, "", "  ")
	if err != nil {
		return fmt.Errorf("elspeth: encode lineage: %w", err)
	}

	cmd.Println(string(encoded))

	return nil
}

func printLineageText(cmd *cobra.Command, lineage *landscape.Lineage) {
	if lineage.Row != nil {
		cmd.Printf("row %s (source %s, index %d)\n", lineage.Row.RowID, lineage.Row.SourceNodeID, lineage.Row.RowIndex)
	}

	for _, tok := range lineage.Tokens {
		parent := "<root>"
		if tok.ParentTokenID != nil {
			parent = *tok.ParentTokenID
		}

		cmd.Printf("  token %s (parent %s)\n", tok.TokenID, parent)
	}

	for _, ns := range lineage.NodeStates {
		cmd.Printf("  node_state %s: node=%s step=%d status=%s\n", ns.StateID, ns.NodeID, ns.StepIndex, ns.Status)
	}

	for _, re := range lineage.RoutingEvents {
		cmd.Printf("  routing: state=%s edge=%s mode=%s\n", re.StateID, re.EdgeID, re.Mode)
	}

	for _, call := range lineage.Calls {
		cmd.Printf("  call #%d: status=%s latency_ms=%d\n", call.CallIndex, call.Status, call.LatencyMs)
	}

	for _, o := range lineage.Outcomes {
		cmd.Printf("  outcome: token=%s outcome=%s\n", o.TokenID, o.Outcome)
	}

	for _, ve := range lineage.ValidationErrs {
		cmd.Printf("  validation_error: row=%s node=%s detail=%s\n", ve.RowID, ve.NodeID, ve.Error)
	}

	for _, te := range lineage.TransformErrs {
		cmd.Printf("  transform_error: transform=%s detail=%s\n", te.TransformID, te.ErrorDetailsJSON)
	}

	for _, art := range lineage.Artifacts {
		cmd.Printf("  artifact: sink=%s uri=%s hash=%s\n", art.SinkName, art.PathOrURI, art.ContentHash)
	}
}
