package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/engine"
	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/model"
)

// QueueView lists the retry queue.
type QueueView struct {
	Stats model.QueueStats `json:"stats"`
	Items []QueueRow       `json:"items"`
}

// QueueRow is a queue item without its payload; payloads hold credentials.
type QueueRow struct {
	ID         int64             `json:"id"`
	Kind       model.ActionKind  `json:"kind"`
	Subject    string            `json:"subject,omitempty"`
	Status     model.QueueStatus `json:"status"`
	RetryCount int               `json:"retry_count"`
	LastError  string            `json:"last_error,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

func newQueueRows(items []model.QueueItem) []QueueRow {
	rows := make([]QueueRow, 0, len(items))
	for _, it := range items {
		var p struct {
			Subject string `json:"subject"`
		}
		_ = json.Unmarshal(it.Payload, &p)
		rows = append(rows, QueueRow{
			ID:         it.ID,
			Kind:       it.Kind,
			Subject:    p.Subject,
			Status:     it.Status,
			RetryCount: it.RetryCount,
			LastError:  it.LastError,
			CreatedAt:  it.CreatedAt,
		})
	}
	return rows
}

func (v QueueView) String() string {
	if len(v.Items) == 0 {
		return "queue is empty\n"
	}
	var b strings.Builder
	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSUBJECT\tSTATUS\tRETRIES\tLAST ERROR")
	for _, it := range v.Items {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n", it.ID, it.Kind, it.Subject, it.Status, it.RetryCount, it.LastError)
	}
	tw.Flush()
	return b.String()
}

// DrainView is the printable outcome of a drain.
type DrainView engine.DrainReport

func (v DrainView) String() string {
	return fmt.Sprintf("attempted %d, completed %d, failed %d, reset %d, purged %d\n",
		v.Attempted, v.Completed, v.Failed, v.Reset, v.Purged)
}

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and drain deferred session actions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List queued actions, including ones that exhausted their retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App) error {
				items, err := app.Store.QueueItems(ctx)
				if err != nil {
					return WrapExitError(ExitCommandError, "STORE", "failed to read queue", err)
				}
				stats, err := app.Store.QueueStats(ctx)
				if err != nil {
					return WrapExitError(ExitCommandError, "STORE", "failed to read queue", err)
				}
				return app.Out.Success(QueueView{Stats: stats, Items: newQueueRows(items)})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "drain",
		Short: "Send queued actions now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(rootOpts, cmd, func(ctx context.Context, app *App) error {
				report, err := app.Sessions.Drain(ctx)
				if err != nil {
					return sessionError(err)
				}
				return app.Out.Success(DrainView(report))
			})
		},
	})

	return cmd
}
