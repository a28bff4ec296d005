package cli

import (
	"context"

	"github.com/spf13/cobra"
)

// NewStoreCommand creates the store command group.
func NewStoreCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Local store maintenance",
	}

	var yes bool
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Delete all local data, keeping the schema",
		Long: `Delete sessions, cached users, queued actions and routes. The schema and
its migration ledger are kept. Unsynced route changes are lost.

Example:
  fieldops store reset --yes`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return NewExitError(ExitCommandError, "CONFIRMATION_REQUIRED", "refusing to reset without --yes")
			}
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App) error {
				if err := app.Store.Reset(ctx); err != nil {
					return WrapExitError(ExitCommandError, "STORE", "failed to reset store", err)
				}
				return app.Out.Success(messageView{Message: "local store reset"})
			})
		},
	}
	reset.Flags().BoolVar(&yes, "yes", false, "confirm deletion")

	cmd.AddCommand(reset)
	return cmd
}
