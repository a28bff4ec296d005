package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/model"
	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/probe"
	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/remote"
	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/store"
)

// State is the identity mode the device is running in.
type State string

const (
	// NoSession means no identity may be acted as.
	NoSession State = "NoSession"

	// TrustedOffline means a stored, unexpired session is trusted without
	// server confirmation.
	TrustedOffline State = "TrustedOffline"

	// VerifiedOnline means the server confirmed the stored session.
	VerifiedOnline State = "VerifiedOnline"
)

// Authority is the remote side of reconciliation.
// Implemented by *remote.Client.
type Authority interface {
	Login(ctx context.Context, subject, secret string) (model.Session, error)
	Validate(ctx context.Context, id model.Identity) (bool, error)
	EndSession(ctx context.Context, id model.Identity) error
	EndAllSessions(ctx context.Context, id model.Identity, subject string) (remote.LogoutAllResult, error)
}

// Result is the outcome of an entry point.
type Result struct {
	State   State          `json:"state"`
	Session *model.Session `json:"session,omitempty"`
	Online  bool           `json:"online"`
	Drain   DrainReport    `json:"drain"`
}

// Engine reconciles the local session against the remote authority.
//
// Thread-safety: every exported method takes the engine mutex, so entry
// points never interleave.
type Engine struct {
	mu        sync.Mutex
	store     *store.Store
	authority Authority
	prober    probe.Prober
	clock     Clock
	logger    *slog.Logger

	state    State
	identity model.Identity
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithClock sets the clock used for local expiry checks.
//
// Default: SystemClock
func WithClock(c Clock) EngineOption {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithLogger sets the structured logger.
//
// Default: slog.Default()
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// New creates an Engine in the NoSession state. Call OnResume to derive the
// real state from the store.
func New(s *store.Store, authority Authority, prober probe.Prober, opts ...EngineOption) *Engine {
	e := &Engine{
		store:     s,
		authority: authority,
		prober:    prober,
		clock:     SystemClock{},
		logger:    slog.Default(),
		state:     NoSession,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the state reached by the last entry point.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Identity returns the identity outbound requests should carry. It is
// anonymous unless the engine is in TrustedOffline or VerifiedOnline.
func (e *Engine) Identity() model.Identity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.identity
}

// OnResume runs the full reconciliation sequence. Call it when the
// application starts or returns to the foreground.
//
// Storage failures are logged and yield NoSession together with an error
// for which IsStorage reports true.
func (e *Engine) OnResume(ctx context.Context) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	online, report := e.begin(ctx, "resume")
	res, err := e.reconcile(ctx, online)
	res.Drain = report
	return res, err
}

// OnLogin authenticates subject against the authority.
//
// The queue is drained first, so a pending end-all-sessions lands before
// the new login is evaluated. If one for subject is still due after the
// drain, the login is refused with an error satisfying IsNotConfirmed and
// local state is left untouched; otherwise the retry would revoke the new
// session. When the authority is unreachable the result is a
// *remote.LoginError of kind LoginUnreachable, again without local changes.
// Otherwise the local session is hard-cleared before the remote login; a
// rejected login leaves the device in NoSession.
func (e *Engine) OnLogin(ctx context.Context, subject, secret string) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	online, report := e.begin(ctx, "login")
	if !online {
		return Result{State: e.state, Drain: report},
			&remote.LoginError{Kind: remote.LoginUnreachable, Message: "remote authority unreachable"}
	}

	normalized := model.NormalizeSubject(subject)
	due, err := e.dueRevocations(ctx, normalized)
	if err != nil {
		e.logger.Error("read queue failed", "op", "login", "error", err)
		return Result{State: e.state, Online: true, Drain: report}, storageError("login", err)
	}
	if len(due) > 0 {
		e.logger.Warn("login refused, revocation still queued", "subject", normalized, "queued", len(due))
		return Result{State: e.state, Online: true, Drain: report}, &ReconcileError{
			Code:    ErrCodeNotConfirmed,
			Op:      "login",
			Message: fmt.Sprintf("queued revocation for %q has not reached the server", normalized),
		}
	}
	res := Result{State: NoSession, Online: true, Drain: report}

	prev, err := e.store.ActiveSession(ctx)
	if err != nil {
		e.logger.Error("read active session failed", "op", "login", "error", err)
	}
	if prev != nil {
		if err := e.endSession(ctx, prev.Identity(), true); err != nil {
			e.logger.Error("release previous session failed", "subject", prev.Subject, "error", err)
		}
	}
	if err := e.store.ClearSessions(ctx); err != nil {
		e.setNoSession()
		return res, storageError("login", err)
	}
	e.setNoSession()

	sess, err := e.authority.Login(ctx, subject, secret)
	if err != nil {
		e.logger.Info("login rejected",
			"subject", normalized,
			"kind", remote.LoginErrorKindOf(err),
			"error", err)
		return res, err
	}

	if err := e.store.SaveSession(ctx, sess); err != nil {
		e.logger.Error("persist session failed", "subject", sess.Subject, "error", err)
		return res, storageError("login", err)
	}

	e.set(VerifiedOnline, &sess)
	e.logger.Info("login verified", "subject", sess.Subject, "expires_at", sess.ExpiresAt)
	res.State = VerifiedOnline
	res.Session = &sess
	return res, nil
}

// OnLogout ends the current session.
//
// The local session is always hard-cleared. The remote end-session call is
// made when online; when it fails or the device is offline it is enqueued
// with the same credential for a later drain.
func (e *Engine) OnLogout(ctx context.Context) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	online, report := e.begin(ctx, "logout")
	res := Result{State: NoSession, Online: online, Drain: report}

	var firstErr error
	sess, err := e.store.ActiveSession(ctx)
	if err != nil {
		e.logger.Error("read active session failed", "op", "logout", "error", err)
		firstErr = storageError("logout", err)
	}
	if sess != nil {
		if err := e.endSession(ctx, sess.Identity(), online); err != nil && firstErr == nil {
			firstErr = storageError("logout", err)
		}
	}

	if err := e.store.ClearSessions(ctx); err != nil {
		e.logger.Error("clear sessions failed", "op", "logout", "error", err)
		if firstErr == nil {
			firstErr = storageError("logout", err)
		}
	}
	e.setNoSession()
	if sess != nil {
		e.logger.Info("logged out", "subject", sess.Subject, "online", online)
	}
	return res, firstErr
}

// OnLogoutAll asks the authority to end every session of subject and
// reports whether it did.
//
// Unlike OnLogout the outcome matters to the caller: a force-login flow must
// know the conflicting session is gone. When the device is offline or the
// call fails, the request is enqueued and the returned error satisfies
// IsNotConfirmed. A local session of the same subject is cleared in both
// cases, since the revocation will invalidate it.
func (e *Engine) OnLogoutAll(ctx context.Context, subject string) (remote.LogoutAllResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	subject = model.NormalizeSubject(subject)
	online, _ := e.begin(ctx, "logout-all")

	sess, err := e.store.ActiveSession(ctx)
	if err != nil {
		e.logger.Error("read active session failed", "op", "logout-all", "error", err)
	}
	id := model.Identity{Subject: subject}
	sameSubject := sess != nil && sess.Subject == subject
	if sameSubject {
		id = sess.Identity()
	}

	var cause error
	reason := "remote authority unreachable"
	if online {
		result, err := e.authority.EndAllSessions(ctx, id, subject)
		switch {
		case err == nil && result.Success:
			e.supersedeRevocations(ctx, subject)
			if sameSubject {
				e.clearLocal(ctx, "logout-all")
			}
			e.logger.Info("all sessions ended", "subject", subject, "invalidated", result.SessionsInvalidated)
			return result, nil
		case err == nil:
			return result, notConfirmedError(subject, "server refused", nil)
		}
		cause = err
		reason = "remote call failed"
	}

	payload := model.EndAllSessionsPayload{Subject: subject, Token: id.Token}
	if err := e.enqueue(ctx, model.ActionEndAllSessions, payload); err != nil {
		cause = err
	}
	if sameSubject {
		e.clearLocal(ctx, "logout-all")
	}
	e.logger.Warn("logout-all not confirmed", "subject", subject, "reason", reason, "error", cause)
	return remote.LogoutAllResult{}, notConfirmedError(subject, reason, cause)
}

// ForceLogin resolves a session conflict: it ends every session of subject
// and then logs in. The login is not attempted unless the authority
// confirmed the revocation.
func (e *Engine) ForceLogin(ctx context.Context, subject, secret string) (Result, error) {
	if _, err := e.OnLogoutAll(ctx, subject); err != nil {
		return Result{State: e.State()}, fmt.Errorf("force login: %w", err)
	}
	return e.OnLogin(ctx, subject, secret)
}

// Drain runs the retry queue now. It returns an error satisfying IsOffline
// when the authority is unreachable.
func (e *Engine) Drain(ctx context.Context) (DrainReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.prober.Reachable(ctx) {
		return DrainReport{}, offlineError("drain")
	}
	report, err := e.drain(ctx)
	if err != nil {
		return report, storageError("drain", err)
	}
	return report, nil
}

// begin runs the probe and, when online, the drain shared by every entry
// point. Drain failures are logged and never abort the entry point.
func (e *Engine) begin(ctx context.Context, op string) (bool, DrainReport) {
	online := e.prober.Reachable(ctx)
	e.logger.Debug("connectivity probed", "op", op, "online", online)
	if !online {
		return false, DrainReport{}
	}

	report, err := e.drain(ctx)
	if err != nil {
		e.logger.Error("queue drain failed", "op", op, "error", err)
	}
	return true, report
}

// reconcile runs steps 3 to 5 of the sequence.
func (e *Engine) reconcile(ctx context.Context, online bool) (Result, error) {
	res := Result{State: NoSession, Online: online}

	sess, err := e.store.ActiveSession(ctx)
	if err != nil {
		e.logger.Error("read active session failed", "op", "resume", "error", err)
		e.setNoSession()
		return res, storageError("resume", err)
	}
	if sess == nil {
		e.setNoSession()
		return res, nil
	}

	if online {
		valid, err := e.authority.Validate(ctx, sess.Identity())
		switch {
		case err != nil:
			e.logger.Warn("session validation failed, using local expiry",
				"subject", sess.Subject, "error", err)
		case valid:
			e.set(VerifiedOnline, sess)
			res.State = VerifiedOnline
			res.Session = sess
			return res, nil
		default:
			e.logger.Info("session invalidated by server", "subject", sess.Subject)
			return res, e.purge(ctx, "resume")
		}
	}

	if sess.Expired(e.clock.Now()) {
		e.logger.Info("session expired", "subject", sess.Subject, "expires_at", sess.ExpiresAt)
		return res, e.purge(ctx, "resume")
	}

	e.set(TrustedOffline, sess)
	res.State = TrustedOffline
	res.Session = sess
	return res, nil
}

// endSession revokes id remotely when online, and enqueues the revocation
// otherwise. It only fails when the enqueue itself fails.
func (e *Engine) endSession(ctx context.Context, id model.Identity, online bool) error {
	if online {
		err := e.authority.EndSession(ctx, id)
		if err == nil {
			return nil
		}
		e.logger.Warn("end session failed, queueing", "subject", id.Subject, "error", err)
	}
	return e.enqueue(ctx, model.ActionEndSession, model.EndSessionPayload{Subject: id.Subject, Token: id.Token})
}

// dueRevocations returns the END_ALL_SESSIONS items for subject that a
// later drain would still send.
func (e *Engine) dueRevocations(ctx context.Context, subject string) ([]model.QueueItem, error) {
	items, err := e.store.QueueItems(ctx)
	if err != nil {
		return nil, err
	}
	var due []model.QueueItem
	for _, item := range items {
		if item.Kind != model.ActionEndAllSessions {
			continue
		}
		if item.Status != model.QueueStatusPending && !item.Retryable() {
			continue
		}
		var p model.EndAllSessionsPayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			continue
		}
		if model.NormalizeSubject(p.Subject) == subject {
			due = append(due, item)
		}
	}
	return due, nil
}

// supersedeRevocations completes queued END_ALL_SESSIONS items for subject
// once the server has confirmed a newer one.
func (e *Engine) supersedeRevocations(ctx context.Context, subject string) {
	due, err := e.dueRevocations(ctx, subject)
	if err != nil {
		e.logger.Error("read queue failed", "op", "logout-all", "error", err)
		return
	}
	for _, item := range due {
		if err := e.store.MarkDone(ctx, item.ID); err != nil {
			e.logger.Error("supersede queued revocation failed", "id", item.ID, "error", err)
			continue
		}
		e.logger.Info("queued revocation superseded", "id", item.ID, "subject", subject)
	}
}

func (e *Engine) enqueue(ctx context.Context, kind model.ActionKind, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", kind, err)
	}
	id, err := e.store.Enqueue(ctx, kind, body)
	if err != nil {
		return err
	}
	e.logger.Info("action queued", "id", id, "kind", kind)
	return nil
}

func (e *Engine) purge(ctx context.Context, op string) error {
	e.setNoSession()
	if err := e.store.ClearSessions(ctx); err != nil {
		e.logger.Error("clear sessions failed", "op", op, "error", err)
		return storageError(op, err)
	}
	return nil
}

// clearLocal purges local sessions; failures are already logged by purge.
func (e *Engine) clearLocal(ctx context.Context, op string) {
	_ = e.purge(ctx, op)
}

func (e *Engine) set(state State, sess *model.Session) {
	e.state = state
	e.identity = sess.Identity()
}

func (e *Engine) setNoSession() {
	e.state = NoSession
	e.identity = model.Identity{}
}
