package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/fieldsight/pattern-cli/internal/insight"
)

var insightCmd = &cobra.Command{
	Use:   "insight <pattern-id>",
	Short: "Show the narrative insight for a pattern, generating it on miss",
	Args:  cobra.ExactArgs(1),
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

		svc := insight.NewService(env.patterns, initGenerator(), cfg.Insight)
		ins, err := svc.GetOrGenerate(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "insight")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(ins)
	},
}

func init() {
	rootCmd.AddCommand(insightCmd)
}
