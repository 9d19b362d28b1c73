package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <document-uuid>",
	Short: "cancel an in-flight document",
	Long: `Marks the document cancelled and flags its pending tasks. Workers
observe the cancellation at their next checkpoint and stop without side
effects; completed stage outputs are kept.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	RootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.coord.CancelDocument(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("cancelled: %s\n", args[0])
	return nil
}
