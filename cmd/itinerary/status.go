package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aretw0/itinerary/internal/cli"
	"github.com/aretw0/itinerary/internal/presentation/graph"
	"github.com/aretw0/itinerary/internal/presentation/tui"
)

var statusCmd = &cobra.Command{
	Use:   "status <journey-id>",
	Short: "Summarize a journey's progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		return withRuntime(cmd, func(rt *cli.Runtime) error {
			st, err := rt.Engine.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			j, err := rt.Engine.Journey(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return tui.WriteMarkdown(out, tui.StatusMarkdown(st, j.Graph))
		})
	},
}

// graphCmd represents the graph command
var graphCmd = &cobra.Command{
	Use:   "graph <journey-id>",
	Short: "Export the journey graph visualization",
	Long:  `Outputs a Mermaid diagram (graph TD) of the journey, highlighting the nodes where prospects currently wait.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(rt *cli.Runtime) error {
			j, err := rt.Engine.Journey(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			st, err := rt.Engine.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), graph.GenerateMermaid(j.Graph, &graph.Overlay{AtNode: st.AtNode}))
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(statusCmd, graphCmd)
	statusCmd.Flags().Bool("json", false, "Print the status as JSON")
}
