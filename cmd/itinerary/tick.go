package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/aretw0/itinerary/internal/cli"
	"github.com/aretw0/itinerary/internal/presentation/tui"
	"github.com/aretw0/itinerary/pkg/scheduler"
)

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one scheduler batch",
	Long: `Selects due prospects and executes one step for each: send, wait,
evaluate or exit. With --dry-run nothing is sent or written and the command
reports what would happen.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		req := scheduler.TickRequest{}
		req.JourneyID, _ = cmd.Flags().GetString("journey")
		req.DryRun, _ = cmd.Flags().GetBool("dry-run")
		req.Limit, _ = cmd.Flags().GetInt("limit")
		if at, _ := cmd.Flags().GetString("now"); at != "" {
			t, err := time.Parse(time.RFC3339, at)
			if err != nil {
				return fmt.Errorf("--now: %w", err)
			}
			req.Now = t
		}
		asJSON, _ := cmd.Flags().GetBool("json")

		return withRuntime(cmd, func(rt *cli.Runtime) error {
			if req.JourneyID != "" {
				if _, err := rt.Engine.Journey(cmd.Context(), req.JourneyID); err != nil {
					return err
				}
			}
			report, err := rt.Engine.Tick(cmd.Context(), req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			tui.TickSummary(out, report, profileFor(out))
			return nil
		})
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Tick continuously until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(rt *cli.Runtime) error {
			interval := rt.Config.TickInterval
			if cmd.Flags().Changed("interval") {
				interval, _ = cmd.Flags().GetDuration("interval")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return rt.Engine.Run(ctx, interval)
		})
	},
}

func init() {
	rootCmd.AddCommand(tickCmd, runCmd)

	tickCmd.Flags().Bool("dry-run", false, "Preview without sending or writing")
	tickCmd.Flags().String("journey", "", "Limit to one journey")
	tickCmd.Flags().String("now", "", "Evaluate as of this RFC 3339 instant")
	tickCmd.Flags().Int("limit", 0, "Maximum prospects to process (default: batch size)")
	tickCmd.Flags().Bool("json", false, "Print the tick report as JSON")

	runCmd.Flags().Duration("interval", time.Minute, "Time between ticks (env ITINERARY_TICK_INTERVAL)")
}

// profileFor colours output only for terminals.
func profileFor(w io.Writer) termenv.Profile {
	if tui.IsTerminal(w) {
		return termenv.ColorProfile()
	}
	return termenv.Ascii
}
