package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jose() []User {
	return []User{{Subject: "jose", Password: "s3cret", Name: "José", Roles: []string{"driver"}}}
}

func boolPtr(v bool) *bool { return &v }

func TestRun_LoginTrace(t *testing.T) {
	scenario := &Scenario{
		Name:        "login",
		Description: "Plain login",
		Users:       jose(),
		Flow: []Step{
			{Do: StepLogin, Args: map[string]string{"user": "jose", "password": "s3cret"},
				Expect: &ExpectClause{State: "VerifiedOnline", Online: boolPtr(true)}},
		},
		Assertions: []Assertion{
			{Type: AssertFinalState, State: "VerifiedOnline", Session: boolPtr(true)},
			{Type: AssertActiveSessions, Subject: "jose", Count: 1},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	require.Len(t, result.Trace, 1)
	ev := result.Trace[0]
	assert.Equal(t, 1, ev.Seq)
	assert.Equal(t, map[string]string{"user": "jose"}, ev.Args, "password is not traced")
	assert.Equal(t, []string{"GET /health 200", "POST /auth/login 200"}, ev.Calls)
}

func TestRun_ExpectMismatchFails(t *testing.T) {
	scenario := &Scenario{
		Name:        "mismatch",
		Description: "Wrong expectations",
		Users:       jose(),
		Flow: []Step{
			{Do: StepLogin, Args: map[string]string{"user": "jose", "password": "wrong"},
				Expect: &ExpectClause{State: "VerifiedOnline", Online: boolPtr(false)}},
		},
		Assertions: []Assertion{{Type: AssertFinalState, State: "NoSession"}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 3)
	assert.Contains(t, result.Errors[0], "expected state VerifiedOnline, got NoSession")
	assert.Contains(t, result.Errors[1], `expected error "", got "BAD_CREDENTIALS"`)
	assert.Contains(t, result.Errors[2], "expected online=false")
}

func TestRun_SetupIsNotTraced(t *testing.T) {
	scenario := &Scenario{
		Name:        "setup",
		Description: "Login in setup, then go offline",
		Users:       jose(),
		Setup: []Step{
			{Do: StepLogin, Args: map[string]string{"user": "jose", "password": "s3cret"}},
		},
		Flow: []Step{
			{Do: StepOffline},
			{Do: StepResume, Expect: &ExpectClause{State: "TrustedOffline", Online: boolPtr(false)}},
		},
		Assertions: []Assertion{{Type: AssertCallCount, Call: "POST /auth/login", Count: 0}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Len(t, result.Trace, 2)
	assert.Empty(t, result.Calls())
}

func TestRun_SetupFailureAborts(t *testing.T) {
	scenario := &Scenario{
		Name:        "bad_setup",
		Description: "Setup login with the wrong password",
		Users:       jose(),
		Setup:       []Step{{Do: StepLogin, Args: map[string]string{"user": "jose", "password": "nope"}}},
		Flow:        []Step{{Do: StepResume}},
		Assertions:  []Assertion{{Type: AssertFinalState, State: "NoSession"}},
	}

	_, err := Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "setup step 0 (login): BAD_CREDENTIALS")
}

func TestRun_TokenTTL(t *testing.T) {
	scenario := &Scenario{
		Name:        "short_ttl",
		Description: "A one hour token expires offline after an hour",
		TokenTTL:    "1h",
		Users:       jose(),
		Flow: []Step{
			{Do: StepLogin, Args: map[string]string{"user": "jose", "password": "s3cret"}},
			{Do: StepOffline},
			{Do: StepAdvance, Args: map[string]string{"by": "59m"}},
			{Do: StepResume, Expect: &ExpectClause{State: "TrustedOffline", Online: boolPtr(false)}},
			{Do: StepAdvance, Args: map[string]string{"by": "1m"}},
			{Do: StepResume, Expect: &ExpectClause{State: "NoSession", Online: boolPtr(false)}},
		},
		Assertions: []Assertion{{Type: AssertFinalState, State: "NoSession", Session: boolPtr(false)}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_DrainOffline(t *testing.T) {
	scenario := &Scenario{
		Name:        "drain_offline",
		Description: "Draining while offline is refused",
		Flow: []Step{
			{Do: StepOffline},
			{Do: StepDrain, Expect: &ExpectClause{Error: "OFFLINE"}},
		},
		Assertions: []Assertion{{Type: AssertQueue, Queue: &QueueExpect{}}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_ScenarioFiles(t *testing.T) {
	scenarios, err := LoadDir("testdata/scenarios")
	require.NoError(t, err)
	require.NotEmpty(t, scenarios)

	for _, s := range scenarios {
		t.Run(s.Name, func(t *testing.T) {
			result, err := Run(s)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}
