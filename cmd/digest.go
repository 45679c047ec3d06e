package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/fieldsight/pattern-cli/internal/insight"
)

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Show the weekly pattern digest, generating it on miss",
	RunE: func(cmd *cobra.Command, _ []string) error {
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
		digest, err := svc.GetOrGenerateDigest(ctx)
		if err != nil {
			return eris.Wrap(err, "digest")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(digest)
	},
}

func init() {
	rootCmd.AddCommand(digestCmd)
}
