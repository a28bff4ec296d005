package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/engine"
	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/store"
	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/testutil"
)

// AssertionContext carries what state assertions inspect.
type AssertionContext struct {
	Store   *store.Store
	Backend *testutil.Backend
	Engine  *engine.Engine
	Ctx     context.Context
}

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s -> %s", ev.Seq, ev.Step, ev.State)
			if ev.Error != "" {
				fmt.Fprintf(&buf, " (%s)", ev.Error)
			}
			if len(ev.Calls) > 0 {
				fmt.Fprintf(&buf, " %v", ev.Calls)
			}
			buf.WriteString("\n")
		}
	}

	return buf.String()
}

// EvaluateAssertions runs every assertion and returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %s", i, err.Error()))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertCallOrder:
		return assertCallOrder(result, a)
	case AssertCallCount:
		return assertCallCount(result, a)
	}

	if actx == nil {
		return fmt.Errorf("%s requires an assertion context", a.Type)
	}
	switch a.Type {
	case AssertFinalState:
		return assertFinalState(result, a, actx)
	case AssertQueue:
		return assertQueue(result, a, actx)
	case AssertActiveSessions:
		return assertActiveSessions(result, a, actx)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

// matchCall reports whether call ("METHOD /path status") matches pattern,
// which is either the full call or its "METHOD /path" prefix.
func matchCall(call, pattern string) bool {
	return call == pattern || strings.HasPrefix(call, pattern+" ")
}

// assertCallOrder checks that the patterns match calls in order.
// Calls don't need to be consecutive (intervening calls are allowed).
func assertCallOrder(result *Result, a Assertion) error {
	calls := result.Calls()
	next := 0
	for _, call := range calls {
		if next < len(a.Calls) && matchCall(call, a.Calls[next]) {
			next++
		}
	}
	if next == len(a.Calls) {
		return nil
	}
	return &AssertionError{
		Type:     AssertCallOrder,
		Expected: fmt.Sprintf("calls in order: %v", a.Calls),
		Actual:   fmt.Sprintf("no match for %q after %v in %v", a.Calls[next], a.Calls[:next], calls),
		Trace:    result.Trace,
	}
}

// assertCallCount checks the pattern matches exactly Count calls.
func assertCallCount(result *Result, a Assertion) error {
	count := 0
	for _, call := range result.Calls() {
		if matchCall(call, a.Call) {
			count++
		}
	}
	if count == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertCallCount,
		Expected: fmt.Sprintf("%q called %d times", a.Call, a.Count),
		Actual:   fmt.Sprintf("called %d times", count),
		Trace:    result.Trace,
	}
}

// assertFinalState checks the engine state and stored session presence.
func assertFinalState(result *Result, a Assertion, actx *AssertionContext) error {
	if a.State != "" {
		if got := string(actx.Engine.State()); got != a.State {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: "state " + a.State,
				Actual:   "state " + got,
				Trace:    result.Trace,
			}
		}
	}
	if a.Session != nil {
		sess, err := actx.Store.ActiveSession(actx.Ctx)
		if err != nil {
			return fmt.Errorf("final_state: read session: %w", err)
		}
		if present := sess != nil; present != *a.Session {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("stored session present=%t", *a.Session),
				Actual:   fmt.Sprintf("present=%t", present),
				Trace:    result.Trace,
			}
		}
	}
	return nil
}

// assertQueue checks retry queue counts per status.
func assertQueue(result *Result, a Assertion, actx *AssertionContext) error {
	stats, err := actx.Store.QueueStats(actx.Ctx)
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	want := *a.Queue
	if stats.Pending == want.Pending && stats.Completed == want.Completed && stats.Failed == want.Failed {
		return nil
	}
	return &AssertionError{
		Type:     AssertQueue,
		Expected: fmt.Sprintf("pending=%d completed=%d failed=%d", want.Pending, want.Completed, want.Failed),
		Actual:   fmt.Sprintf("pending=%d completed=%d failed=%d", stats.Pending, stats.Completed, stats.Failed),
		Trace:    result.Trace,
	}
}

// assertActiveSessions checks how many sessions the authority holds for a subject.
func assertActiveSessions(result *Result, a Assertion, actx *AssertionContext) error {
	got := actx.Backend.ActiveSessions(a.Subject)
	if got == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertActiveSessions,
		Expected: fmt.Sprintf("%d active sessions for %s", a.Count, a.Subject),
		Actual:   fmt.Sprintf("%d", got),
		Trace:    result.Trace,
	}
}
