package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func traceWithCalls(calls ...[]string) *Result {
	r := NewResult()
	for i, c := range calls {
		r.Trace = append(r.Trace, TraceEvent{Seq: i + 1, Step: "resume", State: "NoSession", Calls: c})
	}
	return r
}

func TestMatchCall(t *testing.T) {
	assert.True(t, matchCall("POST /auth/logout 200", "POST /auth/logout"))
	assert.True(t, matchCall("POST /auth/logout 200", "POST /auth/logout 200"))
	assert.False(t, matchCall("POST /auth/logout-all 200", "POST /auth/logout"))
	assert.False(t, matchCall("POST /auth/logout 401", "POST /auth/logout 200"))
}

func TestAssertCallOrder(t *testing.T) {
	result := traceWithCalls(
		[]string{"GET /health 200", "POST /auth/logout-all 200"},
		[]string{"GET /health 200", "POST /auth/login 200"},
	)

	t.Run("in order across steps", func(t *testing.T) {
		err := assertCallOrder(result, Assertion{Calls: []string{"POST /auth/logout-all", "POST /auth/login 200"}})
		assert.NoError(t, err)
	})

	t.Run("wrong order", func(t *testing.T) {
		err := assertCallOrder(result, Assertion{Calls: []string{"POST /auth/login", "POST /auth/logout-all"}})
		require.Error(t, err)
		var aerr *AssertionError
		require.ErrorAs(t, err, &aerr)
		assert.Equal(t, AssertCallOrder, aerr.Type)
		assert.Contains(t, aerr.Actual, `no match for "POST /auth/logout-all"`)
	})

	t.Run("missing call", func(t *testing.T) {
		err := assertCallOrder(result, Assertion{Calls: []string{"POST /auth/validate"}})
		assert.Error(t, err)
	})
}

func TestAssertCallCount(t *testing.T) {
	result := traceWithCalls(
		[]string{"GET /health 200", "POST /auth/validate 502"},
		[]string{"GET /health 200", "POST /auth/validate 200"},
	)

	assert.NoError(t, assertCallCount(result, Assertion{Call: "POST /auth/validate", Count: 2}))
	assert.NoError(t, assertCallCount(result, Assertion{Call: "POST /auth/validate 502", Count: 1}))
	assert.NoError(t, assertCallCount(result, Assertion{Call: "POST /auth/login", Count: 0}))

	err := assertCallCount(result, Assertion{Call: "GET /health", Count: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "called 2 times")
}

func TestEvaluateAssertions_StateNeedsContext(t *testing.T) {
	errs := EvaluateAssertions(NewResult(), []Assertion{
		{Type: AssertCallCount, Call: "GET /health", Count: 0},
		{Type: AssertFinalState, State: "NoSession"},
	}, nil)

	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "assertions[1]: final_state requires an assertion context")
}

func TestAssertionError_Format(t *testing.T) {
	err := &AssertionError{
		Type:     AssertFinalState,
		Expected: "state VerifiedOnline",
		Actual:   "state NoSession",
		Trace: []TraceEvent{
			{Seq: 1, Step: "login", State: "NoSession", Error: "BAD_CREDENTIALS", Calls: []string{"POST /auth/login 401"}},
		},
	}

	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: final_state")
	assert.Contains(t, msg, "Expected: state VerifiedOnline")
	assert.Contains(t, msg, "Actual: state NoSession")
	assert.Contains(t, msg, "[1] login -> NoSession (BAD_CREDENTIALS) [POST /auth/login 401]")
}

func TestResult_AddError(t *testing.T) {
	r := NewResult()
	assert.True(t, r.Pass)

	r.AddError("boom")
	assert.False(t, r.Pass)
	assert.Equal(t, []string{"boom"}, r.Errors)
}
