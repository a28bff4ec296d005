// Package engine implements session reconciliation for the offline-first
// client.
//
// The engine decides, at a small set of named entry points, which identity
// the device may act as: none, a locally trusted one, or one the server has
// just confirmed.
//
// ARCHITECTURE:
//
// Entry Points:
// OnResume, OnLogin, OnLogout, OnLogoutAll and ForceLogin are called by
// whatever presentation layer exists. The engine has no event loop and no
// UI dependency.
//
// Reconciliation Sequence (every entry point):
// 1. Probe connectivity with a bounded timeout (fail-closed)
// 2. If online, drain the retry queue completely, in creation order
// 3. Load the local active session; none means NoSession
// 4. If online, validate remotely: valid means VerifiedOnline, invalid
// purges local sessions, a failed call falls through to step 5
// 5. Offline or unvalidated: an expired session is purged, otherwise the
// device runs TrustedOffline
//
// CRITICAL PATTERNS:
//
// Serialized Entry Points:
// A mutex serializes every entry point. Queue items are executed one at a
// time so a queued end-all-sessions reaches the server before a following
// login is attempted.
//
// Local Logout Never Blocks:
// Logout hard-clears the local session regardless of the remote outcome. A
// remote call that cannot be made now is enqueued with the same credential.
//
// Explicit Identity:
// The engine holds the current identity and passes it to every remote call.
// It changes only on login, resume and logout transitions.
package engine
