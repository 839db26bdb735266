// Command elspeth is the ELSPETH pipeline engine CLI (spec §6.5): start a
// run, resume one, or schedule runs from the settings file the orchestrator
// consumes; explain a row or token's recorded lineage, or render a run's
// execution graph, from a run_id and the Landscape file it was recorded in.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "elspeth",
		Short: "ELSPETH row-oriented pipeline engine",
		Long:  "ELSPETH runs row-oriented data pipelines against a legally-credible audit trail, the Landscape.",
	}

	rootCmd.AddCommand(
		runCmd(),
		resumeCmd(),
		explainCmd(),
		dagCmd(),
		scheduleCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "elspeth:", err)
		os.Exit(1)
	}
}
