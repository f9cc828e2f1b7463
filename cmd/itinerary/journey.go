package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aretw0/itinerary"
	"github.com/aretw0/itinerary/internal/cli"
	"github.com/aretw0/itinerary/pkg/domain"
	"github.com/aretw0/itinerary/pkg/graph"
)

var validateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check a journey graph document",
	Long:  `Parses a YAML or JSON graph document and reports the first structural violation (missing exit, dangling edge, cycle, unreachable node...).`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		_, g, err := graph.ParseDocument(raw)
		if err != nil {
			return err
		}
		if err := graph.Validate(g.Nodes, g.Edges).Err(); err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Graph is valid! ✅ (%d nodes, %d edges)\n", len(g.Nodes), len(g.Edges))
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Store a graph document as a draft journey",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		id, _ := cmd.Flags().GetString("id")
		if id == "" {
			id = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
		}
		return withRuntime(cmd, func(rt *cli.Runtime) error {
			j, err := rt.Engine.Import(cmd.Context(), id, raw)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %s (%s, %d nodes)\n", j.ID, j.Status, len(j.Graph.Nodes))
			return nil
		})
	},
}

var publishCmd = &cobra.Command{
	Use:   "publish <journey-id>",
	Short: "Validate, enroll the recipients and activate a journey",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return enrollWith(cmd, args[0], func(rt *cli.Runtime, contacts []domain.Contact) (*itinerary.EnrollResult, error) {
			return rt.Engine.Publish(cmd.Context(), args[0], contacts)
		})
	},
}

var enrollCmd = &cobra.Command{
	Use:   "enroll <journey-id>",
	Short: "Add prospects to a published journey",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return enrollWith(cmd, args[0], func(rt *cli.Runtime, contacts []domain.Contact) (*itinerary.EnrollResult, error) {
			return rt.Engine.AddProspects(cmd.Context(), args[0], contacts)
		})
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause <journey-id>",
	Short: "Stop scheduling a journey's prospects",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(rt *cli.Runtime) error {
			if err := rt.Engine.Pause(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s paused\n", args[0])
			return nil
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <journey-id>",
	Short: "Resume a paused journey",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(rt *cli.Runtime) error {
			if err := rt.Engine.Resume(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s resumed\n", args[0])
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List journeys",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(rt *cli.Runtime) error {
			journeys, err := rt.Engine.Journeys(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(journeys) == 0 {
				fmt.Fprintln(out, "No journeys found.")
				return nil
			}
			for _, j := range journeys {
				fmt.Fprintf(out, "%-24s %-10s sent=%-6d completed=%-6d %s\n",
					j.ID, j.Status, j.Stats.Sent, j.Stats.Completed, j.Title)
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(validateCmd, importCmd, publishCmd, enrollCmd, pauseCmd, resumeCmd, listCmd)

	importCmd.Flags().String("id", "", "Journey ID (default: file name without extension)")
	for _, c := range []*cobra.Command{publishCmd, enrollCmd} {
		c.Flags().StringSlice("contacts", nil, "CSV, YAML or JSON contact file (repeatable)")
		c.Flags().StringSlice("email", nil, "Contact email address (repeatable)")
	}
}

func enrollWith(cmd *cobra.Command, journeyID string, fn func(*cli.Runtime, []domain.Contact) (*itinerary.EnrollResult, error)) error {
	files, _ := cmd.Flags().GetStringSlice("contacts")
	emails, _ := cmd.Flags().GetStringSlice("email")
	contacts, err := gatherContacts(files, emails)
	if err != nil {
		return err
	}
	return withRuntime(cmd, func(rt *cli.Runtime) error {
		res, err := fn(rt, contacts)
		if err != nil {
			return err
		}
		printEnroll(cmd.OutOrStdout(), journeyID, res)
		return nil
	})
}

func printEnroll(w io.Writer, journeyID string, res *itinerary.EnrollResult) {
	fmt.Fprintf(w, "%s: added %d, duplicates %d, rejected %d\n",
		journeyID, res.Added, res.Duplicates, len(res.Rejected))
	for _, r := range res.Rejected {
		fmt.Fprintf(w, "  ✗ %s: %s\n", r.Email, r.Reason)
	}
}
