package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/fieldsight/pattern-cli/internal/engine"
	"github.com/fieldsight/pattern-cli/internal/model"
)

var analyzeIncremental bool

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run pattern detection over the report corpus",
	Long:  "Loads qualifying reports, runs the detectors, merges results into the persisted pattern set, and records an audit row. Only one run may be in flight at a time.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.patterns.Migrate(ctx); err != nil {
			return err
		}

		params, err := detectParams()
		if err != nil {
			return err
		}

		runType := model.RunFull
		if analyzeIncremental {
			runType = model.RunIncremental
		}

		orch := engine.New(env.patterns, env.reports, params)
		run, err := orch.Run(ctx, runType)
		if err != nil {
			return eris.Wrap(err, "analyze")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

func init() {
	analyzeCmd.Flags().BoolVar(&analyzeIncremental, "incremental", false, "run only the recent-window detectors")
	rootCmd.AddCommand(analyzeCmd)
}
