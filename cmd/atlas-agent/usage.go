package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/billing"
	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/types"
)

const dateLayout = "2006-01-02"

func init() {
	f := usageSummaryCmd.Flags()
	f.String("org", "", "organization id (all organizations when empty)")
	f.String("from", "", "first day, YYYY-MM-DD (default: start of this month)")
	f.String("to", "", "last day inclusive, YYYY-MM-DD (default: today)")
	f.Bool("json", false, "print JSON")
	usageCmd.AddCommand(usageSummaryCmd)
	rootCmd.AddCommand(usageCmd)
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Inspect metered generation usage",
}

// usageRange turns the inclusive day flags into a half-open UTC interval.
func usageRange(from, to string, now time.Time) (time.Time, time.Time, error) {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	var err error
	if from != "" {
		if start, err = time.Parse(dateLayout, from); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("--from: %w", err)
		}
	}
	if to != "" {
		if end, err = time.Parse(dateLayout, to); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("--to: %w", err)
		}
	}
	end = end.AddDate(0, 0, 1)
	if !start.Before(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("--from must not be after --to")
	}
	return start, end, nil
}

var usageSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Summarize tokens and cost per model",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		org, _ := f.GetString("org")
		from, _ := f.GetString("from")
		to, _ := f.GetString("to")
		asJSON, _ := f.GetBool("json")

		start, end, err := usageRange(from, to, time.Now())
		if err != nil {
			return err
		}

		cfg := loadConfig()
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		records, err := store.ListUsage(cmd.Context(), types.OrganizationID(org), start, end)
		if err != nil {
			return err
		}
		summary := billing.Summarize(records)

		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "MODEL\tCALLS\tPROMPT\tCOMPLETION\tCOST_USD")
		for _, m := range summary.ByModel {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\n", m.Model, m.Records, m.PromptTokens, m.CompletionTokens, m.CostUSD.StringFixed(6))
		}
		t := summary.Total
		fmt.Fprintf(w, "TOTAL\t%d\t%d\t%d\t%s\n", t.Records, t.PromptTokens, t.CompletionTokens, t.CostUSD.StringFixed(6))
		return w.Flush()
	},
}
