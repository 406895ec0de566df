package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/testrig/testrig/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		dbPath  string
		verdict string
		since   time.Duration
		limit   int
		prune   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "history [cycle-id]",
		Short: "Show recorded test results",
		Long: `Show test results recorded by a station with the result store enabled.

Without arguments the most recent cycles are listed with a yield summary.
With a cycle ID the cycle is shown with its test steps.`,
		Example: `  # Last 20 cycles of the configured station
  testrig history -c station.yaml

  # Failed cycles of the last hour
  testrig history --verdict failed --since 1h

  # One cycle with its steps
  testrig history 0b5c0b0e-3f3c-4c58-9a57-8f1d4f7e1a2b

  # Delete cycles older than 30 days
  testrig history --prune 720h`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			storeCfg := cfg.ToStoreConfig()
			if dbPath != "" {
				storeCfg.Path = dbPath
			}
			if _, err := os.Stat(storeCfg.Path); err != nil {
				return fmt.Errorf("result store %s: %w", storeCfg.Path, err)
			}

			ctx := cmd.Context()
			store, err := stores.Open(ctx, storeCfg)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()

			if prune > 0 {
				n, err := store.DeleteCyclesBefore(ctx, time.Now().Add(-prune))
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Deleted %d cycles\n", n)
				return nil
			}

			if len(args) == 1 {
				rec, err := store.GetCycle(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(out, rec)
				}
				printCycle(out, rec)
				return nil
			}

			filter := stores.CycleFilter{Station: &cfg.Station.Name, Limit: limit}
			if verdict != "" {
				filter.Verdict = &verdict
			}
			if since > 0 {
				t := time.Now().Add(-since)
				filter.Since = &t
			}
			cycles, err := store.ListCycles(ctx, filter)
			if err != nil {
				return err
			}
			sum, err := store.Summary(ctx, cfg.Station.Name)
			if err != nil {
				return err
			}

			if jsonOutput {
				return writeJSON(out, map[string]interface{}{
					"summary": sum,
					"cycles":  cycles,
				})
			}
			printCycles(out, cycles)
			fmt.Fprintf(out, "\n%s: %d cycles, %d passed, %d failed, %d custom, %d terminated, yield %.1f%%\n",
				sum.Station, sum.Total, sum.Passed, sum.Failed, sum.Custom, sum.Terminated, sum.Yield()*100)
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "result store path (overrides store.path)")
	cmd.Flags().StringVar(&verdict, "verdict", "", "only show cycles with this verdict (passed, failed, custom)")
	cmd.Flags().DurationVar(&since, "since", 0, "only show cycles started within this duration")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of cycles to list")
	cmd.Flags().DurationVar(&prune, "prune", 0, "delete cycles older than this duration instead of listing")

	return cmd
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printCycles(w io.Writer, cycles []*stores.CycleRecord) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tCYCLE\tVERDICT\tDURATION\tREASON")
	for _, c := range cycles {
		verdict := c.Verdict
		if c.Terminated {
			verdict += " (terminated)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			c.StartedAt.Local().Format(time.DateTime), c.ID, verdict, c.Duration, c.Reason)
	}
	_ = tw.Flush()
}

func printCycle(w io.Writer, c *stores.CycleRecord) {
	fmt.Fprintf(w, "Cycle:    %s\n", c.ID)
	fmt.Fprintf(w, "Station:  %s\n", c.Station)
	fmt.Fprintf(w, "Verdict:  %s\n", c.Verdict)
	if c.Reason != "" {
		fmt.Fprintf(w, "Reason:   %s\n", c.Reason)
	}
	fmt.Fprintf(w, "Started:  %s\n", c.StartedAt.Local().Format(time.DateTime))
	fmt.Fprintf(w, "Duration: %s\n", c.Duration)
	if c.UUT != nil {
		fmt.Fprintf(w, "UUT:      %s\n", *c.UUT)
	}
	if len(c.Steps) == 0 {
		return
	}

	fmt.Fprintln(w, "\nSteps:")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, s := range c.Steps {
		indent := strings.Repeat("  ", strings.Count(s.Path, "/"))
		result := ""
		if s.Result != nil {
			result = *s.Result
		}
		fmt.Fprintf(tw, "  %s%s\t%s\t%s\t%s\n", indent, s.Name, s.Status, s.Duration, firstNonEmpty(s.Reason, result))
	}
	_ = tw.Flush()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
