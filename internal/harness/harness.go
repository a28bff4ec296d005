package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/engine"
	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/probe"
	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/remote"
	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/store"
	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/testutil"
)

// DefaultStart is the manual clock's initial instant when a scenario sets none.
var DefaultStart = time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)

// Harness is the scenario execution environment.
// It wires a real store, remote client and probe against an in-process
// authority, all driven by one manual clock.
type Harness struct {
	store   *store.Store
	backend *testutil.Backend
	clock   *testutil.ManualClock
	engine  *engine.Engine
	logger  *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh database file and a fresh authority.
// Execution flow:
// 1. Seed the authority and wire the engine
// 2. Execute setup steps; any error aborts the run
// 3. Execute flow steps, tracing each and checking expect clauses
// 4. Evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "fieldops-harness-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario dir: %w", err)
	}
	defer os.RemoveAll(dir)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // Suppress logs in scenarios

	start := scenario.Start
	if start.IsZero() {
		start = DefaultStart
	}
	clock := testutil.NewManualClock(start)

	backend := testutil.NewBackend(clock.Now)
	if scenario.TokenTTL != "" {
		ttl, err := time.ParseDuration(scenario.TokenTTL)
		if err != nil {
			return nil, fmt.Errorf("token_ttl: %w", err)
		}
		backend.SetTokenTTL(ttl)
	}
	for _, u := range scenario.Users {
		backend.AddUser(testutil.BackendUser{Subject: u.Subject, Password: u.Password, Name: u.Name, Roles: u.Roles})
	}
	srv := httptest.NewServer(backend.Handler())
	defer srv.Close()

	st, err := store.Open(filepath.Join(dir, "fieldops.db"), store.WithClock(clock.Now), store.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	client := remote.New(srv.URL,
		remote.WithClock(clock.Now),
		remote.WithIDGenerator(testutil.NewSequenceGenerator("req")),
		remote.WithTimeout(2*time.Second),
		remote.WithLogger(logger))
	prober := probe.NewHTTP(srv.URL, probe.WithTimeout(time.Second), probe.WithLogger(logger))

	h := &Harness{
		store:   st,
		backend: backend,
		clock:   clock,
		engine:  engine.New(st, client, prober, engine.WithClock(clock), engine.WithLogger(logger)),
		logger:  logger,
	}

	ctx := context.Background()
	result := NewResult()

	for i, step := range scenario.Setup {
		ev := h.execute(ctx, step)
		if ev.Error != "" {
			return nil, fmt.Errorf("setup step %d (%s): %s", i, step.Do, ev.Error)
		}
	}

	for i, step := range scenario.Flow {
		ev := h.execute(ctx, step)
		ev.Seq = i + 1
		result.Trace = append(result.Trace, ev)
		for _, msg := range checkExpect(i, step, ev) {
			result.AddError(msg)
		}
		h.logger.Info("flow step completed", "step", i, "do", step.Do, "state", ev.State, "error", ev.Error)
	}

	actx := &AssertionContext{
		Store:   st,
		Backend: backend,
		Engine:  h.engine,
		Ctx:     ctx,
	}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}

	return result, nil
}

// execute runs one step and records its outcome.
func (h *Harness) execute(ctx context.Context, step Step) TraceEvent {
	ev := TraceEvent{Step: step.Do, Args: traceArgs(step.Args)}
	before := len(h.backend.Calls())

	var err error
	switch step.Do {
	case StepLogin:
		var res engine.Result
		res, err = h.engine.OnLogin(ctx, step.Args["user"], step.Args["password"])
		ev.Online = online(res.Online)
	case StepForceLogin:
		var res engine.Result
		res, err = h.engine.ForceLogin(ctx, step.Args["user"], step.Args["password"])
		ev.Online = online(res.Online)
	case StepLogout:
		var res engine.Result
		res, err = h.engine.OnLogout(ctx)
		ev.Online = online(res.Online)
	case StepResume:
		var res engine.Result
		res, err = h.engine.OnResume(ctx)
		ev.Online = online(res.Online)
	case StepLogoutAll:
		_, err = h.engine.OnLogoutAll(ctx, step.Args["subject"])
	case StepDrain:
		_, err = h.engine.Drain(ctx)
	case StepOffline:
		h.backend.SetOffline(true)
	case StepOnline:
		h.backend.SetOffline(false)
	case StepAdvance:
		d, _ := time.ParseDuration(step.Args["by"])
		h.clock.Advance(d)
	case StepRevoke:
		h.backend.Revoke(step.Args["subject"])
	case StepFailNext:
		status, _ := strconv.Atoi(step.Args["status"])
		h.backend.FailNext(step.Args["path"], status)
	case StepOtherDevice:
		h.backend.IssueSession(step.Args["subject"])
	default:
		err = fmt.Errorf("unknown step %q", step.Do)
	}

	ev.State = string(h.engine.State())
	ev.Error = errorCode(err)
	for _, c := range h.backend.Calls()[before:] {
		ev.Calls = append(ev.Calls, c.String())
	}
	return ev
}

// checkExpect compares a step outcome against its expect clause.
func checkExpect(index int, step Step, ev TraceEvent) []string {
	if step.Expect == nil {
		return nil
	}
	var errs []string
	exp := step.Expect
	if exp.State != "" && exp.State != ev.State {
		errs = append(errs, fmt.Sprintf("flow[%d] %s: expected state %s, got %s", index, step.Do, exp.State, ev.State))
	}
	if exp.Error != ev.Error {
		errs = append(errs, fmt.Sprintf("flow[%d] %s: expected error %q, got %q", index, step.Do, exp.Error, ev.Error))
	}
	if exp.Online != nil && (ev.Online == nil || *exp.Online != *ev.Online) {
		errs = append(errs, fmt.Sprintf("flow[%d] %s: expected online=%t", index, step.Do, *exp.Online))
	}
	return errs
}

// errorCode classifies an engine or remote error into a stable code.
func errorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case engine.IsNotConfirmed(err):
		return "NOT_CONFIRMED"
	case remote.IsBadCredentials(err):
		return "BAD_CREDENTIALS"
	case remote.IsSessionConflict(err):
		return "SESSION_CONFLICT"
	case remote.IsUnreachable(err):
		return "UNREACHABLE"
	case engine.IsOffline(err):
		return "OFFLINE"
	case engine.IsStorage(err):
		return "STORAGE"
	}
	return "ERROR"
}

func traceArgs(args map[string]string) map[string]string {
	if len(args) == 0 {
		return nil
	}
	out := make(map[string]string, len(args))
	for k, v := range args {
		if k == "password" {
			continue
		}
		out[k] = v
	}
	return out
}

func online(v bool) *bool { return &v }
