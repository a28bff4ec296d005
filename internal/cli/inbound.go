package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/engine"
	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/remote"
)

// CountView reports an inbound count.
type CountView struct {
	Doc    string `json:"doc"`
	SKU    string `json:"sku"`
	Count  int    `json:"count"`
	Unsent int    `json:"unsent"`
}

func (v CountView) String() string {
	s := fmt.Sprintf("%s %s: %d", v.Doc, v.SKU, v.Count)
	if v.Unsent != 0 {
		s += fmt.Sprintf(" (%d not confirmed)", v.Unsent)
	}
	return s + "\n"
}

// NewInboundCommand creates the inbound command group.
func NewInboundCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inbound",
		Short: "Inbound conference counting",
	}

	var delta int
	count := &cobra.Command{
		Use:   "count <doc> <sku>",
		Short: "Add scans to an inbound item and print the confirmed count",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App) error {
				id, res, err := app.identity(ctx)
				if err != nil {
					return err
				}
				if res.State == engine.NoSession {
					return NewExitError(ExitFailure, "NO_SESSION", "not logged in")
				}

				n, err := app.Tally.Add(ctx, id, args[0], args[1], delta)
				view := CountView{Doc: args[0], SKU: args[1], Count: n, Unsent: app.Tally.Unsent(args[0], args[1])}
				if err != nil {
					if remote.StatusCode(err) != 0 {
						return WrapExitError(ExitFailure, "REJECTED", "count rejected by server", err)
					}
					return WrapExitError(ExitUnavailable, "OFFLINE",
						fmt.Sprintf("server unreachable; local count %d not confirmed", view.Count), err)
				}
				return app.Out.Success(view)
			})
		},
	}
	count.Flags().IntVar(&delta, "delta", 1, "number of scans to add (negative to correct)")

	cmd.AddCommand(count)
	return cmd
}
