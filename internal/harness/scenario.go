package harness

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario defines a reconciliation scenario.
// A scenario seeds the fake authority with accounts, drives the session
// engine through a flow of steps and asserts on the resulting trace,
// backend calls and final state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Start is the initial instant of the manual clock.
	// Defaults to DefaultStart.
	Start time.Time `yaml:"start,omitempty"`

	// TokenTTL is the lifetime of tokens issued by the authority, as a Go
	// duration string. Defaults to the backend's 8h.
	TokenTTL string `yaml:"token_ttl,omitempty"`

	// Users are the accounts the authority knows.
	Users []User `yaml:"users"`

	// Setup steps run before the flow. They are not traced and must not
	// carry expect clauses.
	Setup []Step `yaml:"setup,omitempty"`

	// Flow contains the traced steps.
	Flow []Step `yaml:"flow"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// User is an account seeded into the authority.
type User struct {
	Subject  string   `yaml:"subject"`
	Password string   `yaml:"password"`
	Name     string   `yaml:"name,omitempty"`
	Roles    []string `yaml:"roles,omitempty"`
}

// Step is one action against the engine, the backend or the clock.
type Step struct {
	// Do names the step kind, e.g. "login" or "advance".
	Do string `yaml:"do"`

	// Args holds the step arguments.
	Args map[string]string `yaml:"args,omitempty"`

	// Expect validates the step outcome. If nil, any outcome is accepted.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected outcome of a step.
type ExpectClause struct {
	// State is the expected engine state after the step, if set.
	State string `yaml:"state,omitempty"`

	// Error is the expected error code. Empty means the step must succeed.
	Error string `yaml:"error,omitempty"`

	// Online is the expected probe outcome, if set.
	Online *bool `yaml:"online,omitempty"`
}

// QueueExpect holds expected retry queue counts.
type QueueExpect struct {
	Pending   int `yaml:"pending"`
	Completed int `yaml:"completed"`
	Failed    int `yaml:"failed"`
}

// Assertion validates the trace or the final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "final_state": engine state and, optionally, stored session presence
	// - "queue": retry queue counts per status
	// - "call_order": backend calls appear in this relative order
	// - "call_count": a backend call appears exactly Count times
	// - "active_sessions": the authority holds Count sessions for Subject
	Type string `yaml:"type"`

	// State is the expected engine state (final_state).
	State string `yaml:"state,omitempty"`

	// Session requires a stored session to be present or absent (final_state).
	Session *bool `yaml:"session,omitempty"`

	// Queue holds expected queue counts (queue).
	Queue *QueueExpect `yaml:"queue,omitempty"`

	// Calls lists call patterns in expected order (call_order).
	Calls []string `yaml:"calls,omitempty"`

	// Call is the call pattern to count (call_count). A pattern is
	// "METHOD /path" or "METHOD /path status".
	Call string `yaml:"call,omitempty"`

	// Subject is the account whose sessions are counted (active_sessions).
	Subject string `yaml:"subject,omitempty"`

	// Count is the expected number (call_count, active_sessions).
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertFinalState     = "final_state"
	AssertQueue          = "queue"
	AssertCallOrder      = "call_order"
	AssertCallCount      = "call_count"
	AssertActiveSessions = "active_sessions"
)

// Step kind constants.
const (
	StepLogin       = "login"        // args: user, password
	StepForceLogin  = "force_login"  // args: user, password
	StepLogout      = "logout"       //
	StepLogoutAll   = "logout_all"   // args: subject
	StepResume      = "resume"       //
	StepDrain       = "drain"        //
	StepOffline     = "offline"      //
	StepOnline      = "online"       //
	StepAdvance     = "advance"      // args: by
	StepRevoke      = "revoke"       // args: subject
	StepFailNext    = "fail_next"    // args: path, status
	StepOtherDevice = "other_device" // args: subject
)

// requiredArgs lists the arguments each step kind needs.
var requiredArgs = map[string][]string{
	StepLogin:       {"user", "password"},
	StepForceLogin:  {"user", "password"},
	StepLogout:      nil,
	StepLogoutAll:   {"subject"},
	StepResume:      nil,
	StepDrain:       nil,
	StepOffline:     nil,
	StepOnline:      nil,
	StepAdvance:     {"by"},
	StepRevoke:      {"subject"},
	StepFailNext:    {"path", "status"},
	StepOtherDevice: {"subject"},
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	if s.TokenTTL != "" {
		if d, err := time.ParseDuration(s.TokenTTL); err != nil || d <= 0 {
			return fmt.Errorf("token_ttl: invalid duration %q", s.TokenTTL)
		}
	}

	for i, u := range s.Users {
		if u.Subject == "" || u.Password == "" {
			return fmt.Errorf("users[%d]: subject and password are required", i)
		}
	}

	for i, step := range s.Setup {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
		if step.Expect != nil {
			return fmt.Errorf("setup[%d]: expect is not allowed in setup", i)
		}
	}

	for i, step := range s.Flow {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

func validateStep(step Step) error {
	if step.Do == "" {
		return fmt.Errorf("do is required")
	}
	required, ok := requiredArgs[step.Do]
	if !ok {
		return fmt.Errorf("unknown step %q", step.Do)
	}
	for _, name := range required {
		if step.Args[name] == "" {
			return fmt.Errorf("%s: arg %q is required", step.Do, name)
		}
	}

	switch step.Do {
	case StepAdvance:
		if _, err := time.ParseDuration(step.Args["by"]); err != nil {
			return fmt.Errorf("advance: invalid duration %q", step.Args["by"])
		}
	case StepFailNext:
		if code, err := strconv.Atoi(step.Args["status"]); err != nil || code < 100 || code > 599 {
			return fmt.Errorf("fail_next: invalid status %q", step.Args["status"])
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertFinalState:
		if a.State == "" && a.Session == nil {
			return fmt.Errorf("assertions[%d]: state or session is required for final_state", index)
		}
	case AssertQueue:
		if a.Queue == nil {
			return fmt.Errorf("assertions[%d]: queue is required for queue", index)
		}
	case AssertCallOrder:
		if len(a.Calls) == 0 {
			return fmt.Errorf("assertions[%d]: calls list is required for call_order", index)
		}
	case AssertCallCount:
		if a.Call == "" {
			return fmt.Errorf("assertions[%d]: call is required for call_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for call_count", index)
		}
	case AssertActiveSessions:
		if a.Subject == "" {
			return fmt.Errorf("assertions[%d]: subject is required for active_sessions", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
