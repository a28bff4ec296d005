package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/model"
)

// DrainReport summarizes one pass over the retry queue.
type DrainReport struct {
	Reset     int64 `json:"reset"`
	Attempted int   `json:"attempted"`
	Completed int   `json:"completed"`
	Failed    int   `json:"failed"`
	Purged    int64 `json:"purged"`
}

// drain executes the retry queue to completion.
//
// Eligible FAILED items are reset first, then every PENDING item runs once,
// strictly one at a time in creation order. A failed item is marked and the
// drain moves on; only a store failure stops it. COMPLETED items are purged
// at the end.
func (e *Engine) drain(ctx context.Context) (DrainReport, error) {
	var report DrainReport

	reset, err := e.store.ResetRetryable(ctx)
	if err != nil {
		return report, fmt.Errorf("drain: %w", err)
	}
	report.Reset = reset

	items, err := e.store.Drainable(ctx)
	if err != nil {
		return report, fmt.Errorf("drain: %w", err)
	}

	for _, item := range items {
		report.Attempted++
		if execErr := e.execute(ctx, item); execErr != nil {
			report.Failed++
			e.logger.Warn("queued action failed",
				"id", item.ID,
				"kind", item.Kind,
				"attempt", item.RetryCount+1,
				"error", execErr)
			if err := e.store.MarkFailed(ctx, item.ID, execErr.Error()); err != nil {
				return report, fmt.Errorf("drain: %w", err)
			}
			continue
		}
		report.Completed++
		if err := e.store.MarkDone(ctx, item.ID); err != nil {
			return report, fmt.Errorf("drain: %w", err)
		}
	}

	purged, err := e.store.PurgeCompleted(ctx)
	if err != nil {
		return report, fmt.Errorf("drain: %w", err)
	}
	report.Purged = purged

	if report.Attempted > 0 {
		e.logger.Info("queue drained",
			"attempted", report.Attempted,
			"completed", report.Completed,
			"failed", report.Failed)
	}
	return report, nil
}

// execute performs the remote call a queue item stands for.
func (e *Engine) execute(ctx context.Context, item model.QueueItem) error {
	switch item.Kind {
	case model.ActionEndSession:
		var p model.EndSessionPayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		if p.Token == "" {
			return errors.New("payload carries no token")
		}
		return e.authority.EndSession(ctx, model.Identity{Subject: p.Subject, Token: p.Token})

	case model.ActionEndAllSessions:
		var p model.EndAllSessionsPayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		if p.Subject == "" {
			return errors.New("payload carries no subject")
		}
		result, err := e.authority.EndAllSessions(ctx, model.Identity{Subject: p.Subject, Token: p.Token}, p.Subject)
		if err != nil {
			return err
		}
		if !result.Success {
			return errors.New("server did not confirm revocation")
		}
		return nil

	default:
		return fmt.Errorf("unknown action kind %q", item.Kind)
	}
}
