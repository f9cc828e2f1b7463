package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aretw0/itinerary"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of itinerary",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "itinerary version %s\n", strings.TrimSpace(itinerary.Version))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
