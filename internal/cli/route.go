package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/model"
	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/routesync"
	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/store"
)

// RouteView renders a route aggregate.
type RouteView struct {
	*model.Route
}

func (v RouteView) String() string {
	r := v.Route
	var b strings.Builder
	fmt.Fprintf(&b, "route %s  %s  %s  (driver %s)\n", r.ID, r.Name, r.Date, r.DriverID)
	if r.Load != nil {
		fmt.Fprintf(&b, "load %s\n", r.Load.Code)
		for _, it := range r.Load.Items {
			fmt.Fprintf(&b, "  [%d/%d] %s %s\n", it.Scanned, it.Expected, it.ID, it.Description)
		}
	}
	for _, c := range r.Customers {
		fmt.Fprintf(&b, "%d. %s %s [%s]\n", c.Sequence, c.ID, c.Name, c.Status)
		for _, o := range c.Orders {
			fmt.Fprintf(&b, "   %s %s\n", o.Kind, o.Number)
			for _, p := range o.Parcels {
				line := fmt.Sprintf("     %s %s %s", p.ID, p.Barcode, p.Status)
				if p.Reason != "" {
					line += " (" + p.Reason + ")"
				}
				b.WriteString(line + "\n")
			}
		}
	}
	pending, delivered, missing := r.ParcelCounts()
	fmt.Fprintf(&b, "parcels: %d pending, %d delivered, %d missing\n", pending, delivered, missing)
	return b.String()
}

// RouteListView lists locally held routes.
type RouteListView []store.RouteSummary

func (v RouteListView) String() string {
	if len(v) == 0 {
		return "no routes held locally\n"
	}
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROUTE\tDRIVER\tNAME\tSYNCED\tUNSYNCED")
	for _, s := range v {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", s.ID, s.DriverID, s.Name, s.SyncedAt.Format(time.RFC3339), s.PendingMutations)
	}
	tw.Flush()
	return b.String()
}

// SyncUpView reports an accepted sync-up.
type SyncUpView struct {
	RouteID        string `json:"route_id"`
	IdempotencyKey string `json:"idempotency_key"`
	Mutations      int    `json:"mutations"`
}

func (v SyncUpView) String() string {
	return fmt.Sprintf("route %s synced up: %d change(s), key %s\n", v.RouteID, v.Mutations, v.IdempotencyKey)
}

type messageView struct {
	Message string `json:"message"`
}

func (v messageView) String() string { return v.Message + "\n" }

// NewRouteCommand creates the route command group.
func NewRouteCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Sync and work a delivery route offline",
		Long: `Sync a route down, work it offline, and sync it up once.

A sync-down is refused while the route has unsynced changes; run
"route sync-up" or "route discard" first.

Examples:
  fieldops route sync-down drv-7
  fieldops route deliver r-1 p-1
  fieldops route missing r-1 p-2 --reason "cliente ausente"
  fieldops route sync-up r-1`,
	}

	cmd.AddCommand(
		newRouteSyncDownCommand(rootOpts),
		newRouteSyncUpCommand(rootOpts),
		newRouteShowCommand(rootOpts),
		newRouteListCommand(rootOpts),
		newRouteDiscardCommand(rootOpts),
		newRouteMutationCommand(rootOpts, "scan <route> <item>", "Record one scan of a load item",
			func(ctx context.Context, e *routesync.Engine, args []string) (*model.Route, error) {
				return e.ScanLoadItem(ctx, args[0], args[1])
			}),
		newRouteMutationCommand(rootOpts, "start <route> <customer>", "Start a customer stop",
			func(ctx context.Context, e *routesync.Engine, args []string) (*model.Route, error) {
				return e.StartCustomer(ctx, args[0], args[1])
			}),
		newRouteMutationCommand(rootOpts, "finish <route> <customer>", "Finish a customer stop",
			func(ctx context.Context, e *routesync.Engine, args []string) (*model.Route, error) {
				return e.FinishCustomer(ctx, args[0], args[1])
			}),
		newRouteMutationCommand(rootOpts, "deliver <route> <parcel>", "Mark a parcel delivered",
			func(ctx context.Context, e *routesync.Engine, args []string) (*model.Route, error) {
				return e.MarkDelivered(ctx, args[0], args[1])
			}),
		newRouteMissingCommand(rootOpts),
	)

	return cmd
}

func newRouteSyncDownCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-down [driver]",
		Short: "Pull the route assigned to a driver (default: driver_id from config)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App) error {
				driverID := app.Config.DriverID
				if len(args) == 1 {
					driverID = args[0]
				}
				if driverID == "" {
					return NewExitError(ExitCommandError, "INVALID_ARGS", "no driver given and driver_id is not configured")
				}
				id, _, err := app.identity(ctx)
				if err != nil {
					return err
				}
				r, err := app.Routes.SyncDown(ctx, id, driverID)
				if err != nil {
					return routeError(err)
				}
				return app.Out.Success(RouteView{r})
			})
		},
	}
}

func newRouteSyncUpCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-up <route>",
		Short: "Push local changes once and archive the route",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App) error {
				id, _, err := app.identity(ctx)
				if err != nil {
					return err
				}
				result, err := app.Routes.SyncUp(ctx, id, args[0])
				if err != nil {
					return routeError(err)
				}
				return app.Out.Success(SyncUpView{
					RouteID:        result.RouteID,
					IdempotencyKey: result.IdempotencyKey,
					Mutations:      len(result.Mutations),
				})
			})
		},
	}
}

func newRouteShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <route>",
		Short: "Show a locally held route",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App) error {
				r, err := app.Routes.Snapshot(ctx, args[0])
				if err != nil {
					return routeError(err)
				}
				return app.Out.Success(RouteView{r})
			})
		},
	}
}

func newRouteListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List locally held routes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App) error {
				routes, err := app.Routes.Routes(ctx)
				if err != nil {
					return routeError(err)
				}
				if routes == nil {
					routes = []store.RouteSummary{}
				}
				return app.Out.Success(RouteListView(routes))
			})
		},
	}
}

func newRouteDiscardCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <route>",
		Short: "Drop a route and its unsynced changes without sending them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App) error {
				if err := app.Routes.Discard(ctx, args[0]); err != nil {
					return routeError(err)
				}
				return app.Out.Success(messageView{Message: "route " + args[0] + " discarded"})
			})
		},
	}
}

func newRouteMissingCommand(rootOpts *RootOptions) *cobra.Command {
	var reason string
	cmd := newRouteMutationCommand(rootOpts, "missing <route> <parcel>", "Mark a parcel missing",
		func(ctx context.Context, e *routesync.Engine, args []string) (*model.Route, error) {
			return e.MarkMissing(ctx, args[0], args[1], reason)
		})
	cmd.Flags().StringVar(&reason, "reason", "", "why the parcel is missing (required)")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

type routeMutation func(ctx context.Context, e *routesync.Engine, args []string) (*model.Route, error)

func newRouteMutationCommand(rootOpts *RootOptions, use, short string, apply routeMutation) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App) error {
				r, err := apply(ctx, app.Routes, args)
				if err != nil {
					return routeError(err)
				}
				return app.Out.Success(RouteView{r})
			})
		},
	}
}

// routeError maps route sync errors to exit errors.
func routeError(err error) error {
	switch {
	case routesync.IsConflict(err):
		return WrapExitError(ExitFailure, "CONFLICT",
			"route has unsynced changes; run route sync-up or route discard first", err)
	case routesync.IsOverlap(err):
		return WrapExitError(ExitFailure, "OVERLAP",
			"route reuses ids of another local route; sync up or discard that route first", err)
	case routesync.IsNotFound(err):
		return WrapExitError(ExitFailure, "NOT_FOUND", "not found", err)
	case routesync.IsInvalid(err):
		return WrapExitError(ExitFailure, "INVALID", "change rejected", err)
	case routesync.IsNoSession(err):
		return WrapExitError(ExitFailure, "NO_SESSION", "not logged in", err)
	case routesync.IsRemote(err):
		return WrapExitError(ExitUnavailable, "OFFLINE", "server call failed; local route kept", err)
	}
	return WrapExitError(ExitCommandError, "STORE", "local store failed", err)
}
