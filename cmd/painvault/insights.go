package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forest6511/painvault/pkg/engine"
)

var insightsJSON bool

func init() {
	rootCmd.AddCommand(insightsCmd)
	insightsCmd.Flags().BoolVar(&insightsJSON, "json", false, "Print insights as JSON")
}

// insightsCmd computes and prints insights
var insightsCmd = &cobra.Command{
	Use:   "insights",
	Short: "Shows trends and patterns in your entries",
	Args:  cobra.NoArgs,
	RunE: withEngine(func(ctx context.Context, e *engine.Engine) error {
		if err := ensureUnlocked(ctx, e); err != nil {
			return err
		}
		defer e.Lock()

		list, err := e.Insights(ctx)
		if err != nil {
			return err
		}
		if insightsJSON {
			return printJSON(list)
		}
		if len(list) == 0 {
			fmt.Println("Not enough entries yet for insights")
			return nil
		}
		for _, in := range list {
			fmt.Printf("%s %s\n", bold("%s", in.Type), dim("(confidence %d%%, %d entries)", in.Confidence, in.SourceCount))
			fmt.Printf("  %s\n", in.Summary)
			for _, r := range in.Recommendations {
				fmt.Printf("  - %s\n", r)
			}
		}
		return nil
	}),
}
