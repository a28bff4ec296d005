// Package harness runs session reconciliation scenarios end to end.
//
// A scenario drives the real session engine, store, remote client and
// connectivity probe against an in-process authority served over HTTP,
// with every instant taken from one manual clock. Each flow step is traced
// with the engine state it left behind and the backend calls it caused.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: offline_logout_drains
//	description: "What this scenario validates"
//	token_ttl: 8h
//	users:
//	  - subject: jose
//	    password: s3cret
//	flow:
//	  - do: login
//	    args: { user: jose, password: s3cret }
//	    expect: { state: VerifiedOnline, online: true }
//	  - do: offline
//	  - do: advance
//	    args: { by: 7h59m }
//	assertions:
//	  - type: queue
//	    queue: { pending: 1, completed: 0, failed: 0 }
//	  - type: call_order
//	    calls: ["POST /auth/logout-all", "POST /auth/login 200"]
//
// # Steps
//
//   - login, force_login: authenticate (user, password)
//   - logout, resume, drain: the matching engine entry points
//   - logout_all: end every session of a subject (subject)
//   - offline, online: make the authority drop or serve connections
//   - advance: move the manual clock (by, a Go duration)
//   - revoke: invalidate a subject's sessions out of band (subject)
//   - fail_next: make the next request to a path answer a status (path, status)
//   - other_device: open a session for a subject elsewhere (subject)
//
// An expect clause checks the state after the step, the probe outcome and
// the error code. Error codes are BAD_CREDENTIALS, SESSION_CONFLICT,
// UNREACHABLE, NOT_CONFIRMED, OFFLINE, STORAGE and ERROR; an expect clause
// without error requires success.
//
// # Assertion Types
//
//   - final_state: engine state and stored session presence
//   - queue: retry queue counts per status
//   - call_order: backend calls appear in the given relative order
//   - call_count: a backend call appears exactly N times
//   - active_sessions: sessions the authority holds for a subject
//
// # Golden Traces
//
// RunWithGolden compares the trace against testdata/golden/{name}.golden.
// Tokens and request IDs never appear in traces, so they are identical
// across runs.
package harness
