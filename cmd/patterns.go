package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/fieldsight/pattern-cli/internal/model"
)

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Inspect detected patterns",
}

var patternsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List patterns by lifecycle status",
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

		statusFlag, _ := cmd.Flags().GetString("status")
		statuses := []model.PatternStatus{model.StatusActive, model.StatusEmerging}
		if statusFlag == "all" {
			statuses = []model.PatternStatus{
				model.StatusEmerging, model.StatusActive,
				model.StatusDeclining, model.StatusHistorical,
			}
		} else if statusFlag != "" {
			st := model.PatternStatus(statusFlag)
			if !st.Valid() {
				return eris.Errorf("invalid status %q", statusFlag)
			}
			statuses = []model.PatternStatus{st}
		}

		patterns, err := env.patterns.ListByStatus(ctx, statuses...)
		if err != nil {
			return eris.Wrap(err, "patterns list")
		}
		if len(patterns) == 0 {
			fmt.Fprintln(os.Stderr, "No patterns found.")
			return nil
		}

		formatPatternsList(os.Stdout, patterns)
		return nil
	},
}

var patternsShowCmd = &cobra.Command{
	Use:   "show <pattern-id>",
	Short: "Show full details of a pattern",
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

		p, err := env.patterns.GetPattern(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "patterns show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	},
}

var patternsNearbyCmd = &cobra.Command{
	Use:   "nearby",
	Short: "List patterns near a point",
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

		lat, _ := cmd.Flags().GetFloat64("lat")
		lng, _ := cmd.Flags().GetFloat64("lng")
		radius, _ := cmd.Flags().GetFloat64("radius-km")
		limit, _ := cmd.Flags().GetInt("limit")

		near, err := env.patterns.Nearby(ctx, lat, lng, radius, limit, nil)
		if err != nil {
			return eris.Wrap(err, "patterns nearby")
		}
		if len(near) == 0 {
			fmt.Fprintln(os.Stderr, "No patterns within range.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "ID\tTYPE\tDISTANCE_KM\tREPORTS\tSIGNIFICANCE")
		for _, n := range near {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%.1f\t%d\t%.2f\n",
				truncateID(n.PatternID), n.Type, n.DistanceKm, n.ReportCount, n.Significance)
		}
		return w.Flush()
	},
}

func init() {
	patternsListCmd.Flags().String("status", "", "filter by status (emerging, active, declining, historical, all)")

	patternsNearbyCmd.Flags().Float64("lat", 0, "query latitude (required)")
	patternsNearbyCmd.Flags().Float64("lng", 0, "query longitude (required)")
	patternsNearbyCmd.Flags().Float64("radius-km", 100, "search radius in km")
	patternsNearbyCmd.Flags().Int("limit", 20, "max patterns to display")
	_ = patternsNearbyCmd.MarkFlagRequired("lat")
	_ = patternsNearbyCmd.MarkFlagRequired("lng")

	patternsCmd.AddCommand(patternsListCmd)
	patternsCmd.AddCommand(patternsShowCmd)
	patternsCmd.AddCommand(patternsNearbyCmd)
	rootCmd.AddCommand(patternsCmd)
}

// formatPatternsList writes a tabular pattern listing to w.
func formatPatternsList(out io.Writer, patterns []model.DetectedPattern) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tREPORTS\tSIGNIFICANCE\tTITLE")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t-------\t------------\t-----")

	for _, p := range patterns {
		title := p.Title
		if title == "" {
			title = strings.Join(p.Categories, ", ")
		}
		if len(title) > 40 {
			title = title[:37] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.2f\t%s\n",
			truncateID(p.ID), p.Type, p.Status, p.ReportCount, p.SignificanceScore, title)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
