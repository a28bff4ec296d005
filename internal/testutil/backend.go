package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/model"
)

// BackendUser is an account known to the fake authority.
type BackendUser struct {
	Subject     string
	Password    string
	Name        string
	Email       string
	Roles       []string
	Permissions []string
}

// Call is one request that reached the fake authority.
type Call struct {
	Method    string `json:"method" yaml:"method"`
	Path      string `json:"path" yaml:"path"`
	Status    int    `json:"status" yaml:"status"`
	Subject   string `json:"subject,omitempty" yaml:"subject,omitempty"`
	RequestID bool   `json:"-" yaml:"-"`
}

// String renders the call as "METHOD /path status".
func (c Call) String() string {
	return fmt.Sprintf("%s %s %d", c.Method, c.Path, c.Status)
}

// Backend is an in-memory remote authority served over real HTTP.
//
// It enforces one active session per subject (a second login answers 409),
// issues HS256 JWTs whose exp claim follows the configured TTL, and records
// every call for trace assertions. SetOffline makes it drop connections
// without answering, which clients see as a transport error.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Backend struct {
	mu            sync.Mutex
	now           func() time.Time
	secret        []byte
	offline       bool
	tokenTTL      time.Duration
	omitExpiresIn bool
	seq           int
	users         map[string]BackendUser
	sessions      map[string]string // token -> subject
	routes        map[string]*model.Route
	pushes        map[string]model.RouteResult // idempotency key -> result
	pushOrder     []string
	counts        map[string]int
	failures      map[string][]int

	// callsMu guards calls alone; handlers write responses under mu.
	callsMu sync.Mutex
	calls   []Call
}

// NewBackend creates an empty authority whose token instants come from now.
func NewBackend(now func() time.Time) *Backend {
	if now == nil {
		now = time.Now
	}
	return &Backend{
		now:      now,
		secret:   []byte("fieldops-test-secret-0123456789abcdef"),
		tokenTTL: 8 * time.Hour,
		users:    make(map[string]BackendUser),
		sessions: make(map[string]string),
		routes:   make(map[string]*model.Route),
		pushes:   make(map[string]model.RouteResult),
		counts:   make(map[string]int),
		failures: make(map[string][]int),
	}
}

// Serve starts an httptest server for the backend and returns its URL.
// The server is closed when the test ends.
func (b *Backend) Serve(t testing.TB) string {
	t.Helper()
	srv := httptest.NewServer(b.Handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

// AddUser registers an account.
func (b *Backend) AddUser(u BackendUser) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users[u.Subject] = u
}

// SetOffline toggles connection dropping.
func (b *Backend) SetOffline(offline bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offline = offline
}

// SetTokenTTL sets the lifetime of newly issued tokens.
func (b *Backend) SetTokenTTL(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokenTTL = d
}

// OmitExpiresIn makes login answers leave out expires_in, so clients must
// read the expiry from the token itself.
func (b *Backend) OmitExpiresIn(omit bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.omitExpiresIn = omit
}

// IssueSession creates a session for subject as if another device logged in,
// and returns its token.
func (b *Backend) IssueSession(subject string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.issueLocked(subject)
}

// Revoke invalidates every session of subject out of band and returns how
// many were removed.
func (b *Backend) Revoke(subject string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.revokeLocked(subject)
}

// ActiveSessions counts valid tokens held by subject.
func (b *Backend) ActiveSessions(subject string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.sessions {
		if s == subject {
			n++
		}
	}
	return n
}

// SetRoute publishes the route assigned to driverID.
func (b *Backend) SetRoute(driverID string, r *model.Route) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routes[driverID] = r
}

// Pushes returns accepted sync-up results in arrival order.
func (b *Backend) Pushes() []model.RouteResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.RouteResult, 0, len(b.pushOrder))
	for _, key := range b.pushOrder {
		out = append(out, b.pushes[key])
	}
	return out
}

// InboundCount returns the authoritative count of sku in doc.
func (b *Backend) InboundCount(doc, sku string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[doc+"/"+sku]
}

// FailNext makes the next request to path answer status without running
// its handler. Calls stack in FIFO order.
func (b *Backend) FailNext(path string, status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[path] = append(b.failures[path], status)
}

// Calls returns every recorded call in arrival order.
func (b *Backend) Calls() []Call {
	b.callsMu.Lock()
	defer b.callsMu.Unlock()
	out := make([]Call, len(b.calls))
	copy(out, b.calls)
	return out
}

// CallCount counts recorded calls matching method and path.
func (b *Backend) CallCount(method, path string) int {
	b.callsMu.Lock()
	defer b.callsMu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c.Method == method && c.Path == path {
			n++
		}
	}
	return n
}

// ResetCalls clears the call log.
func (b *Backend) ResetCalls() {
	b.callsMu.Lock()
	defer b.callsMu.Unlock()
	b.calls = nil
}

// Handler returns the chi router serving the authority's endpoints.
func (b *Backend) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(b.dropWhenOffline)
	r.Use(b.record)
	r.Use(b.injectFailures)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", b.handleLogin)
		r.Post("/validate", b.handleValidate)
		r.Post("/logout", b.handleLogout)
		r.Post("/logout-all", b.handleLogoutAll)
	})

	r.Group(func(r chi.Router) {
		r.Use(b.requireBearer)
		r.Get("/routes/driver/{driverID}", b.handleFetchRoute)
		r.Post("/routes/{routeID}/sync", b.handlePushRoute)
		r.Post("/inbound/{doc}/items/{sku}/count", b.handleCount)
	})

	return r
}

func (b *Backend) dropWhenOffline(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		offline := b.offline
		b.mu.Unlock()
		if offline {
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					conn.Close()
					return
				}
			}
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// record logs each call as soon as its status is written, before the client
// can observe the response.
func (b *Backend) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := Call{
			Method:    r.Method,
			Path:      r.URL.Path,
			Subject:   r.Header.Get("X-Subject"),
			RequestID: r.Header.Get("X-Request-ID") != "",
		}
		rw := &recordingWriter{ResponseWriter: w, onStatus: func(status int) {
			call.Status = status
			b.callsMu.Lock()
			b.calls = append(b.calls, call)
			b.callsMu.Unlock()
		}}
		next.ServeHTTP(rw, r)
		rw.status(http.StatusOK)
	})
}

type recordingWriter struct {
	http.ResponseWriter
	once     sync.Once
	onStatus func(int)
}

func (w *recordingWriter) status(code int) {
	w.once.Do(func() { w.onStatus(code) })
}

func (w *recordingWriter) WriteHeader(code int) {
	w.status(code)
	w.ResponseWriter.WriteHeader(code)
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	w.status(http.StatusOK)
	return w.ResponseWriter.Write(p)
}

func (b *Backend) injectFailures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		queued := b.failures[r.URL.Path]
		status := 0
		if len(queued) > 0 {
			status = queued[0]
			b.failures[r.URL.Path] = queued[1:]
		}
		b.mu.Unlock()
		if status != 0 {
			writeJSON(w, status, map[string]string{"error": "injected failure"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (b *Backend) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := b.subjectOf(bearer(r)); !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (b *Backend) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request"})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	u, ok := b.users[req.Username]
	if !ok || u.Password != req.Password {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_credentials", "message": "invalid username or password"})
		return
	}
	for _, s := range b.sessions {
		if s == u.Subject {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "session_conflict", "message": "user has an active session on another device"})
			return
		}
	}

	token := b.issueLocked(u.Subject)
	resp := map[string]any{
		"user_id":     u.Subject,
		"token":       token,
		"roles":       nonNilStrings(u.Roles),
		"permissions": nonNilStrings(u.Permissions),
		"name":        u.Name,
		"email":       u.Email,
	}
	if !b.omitExpiresIn {
		resp["expires_in"] = int64(b.tokenTTL / time.Second)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (b *Backend) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request"})
		return
	}
	_, ok := b.subjectOf(req.Token)
	writeJSON(w, http.StatusOK, map[string]bool{"valid": ok})
}

func (b *Backend) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := bearer(r)

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sessions[token]; !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unknown token"})
		return
	}
	delete(b.sessions, token)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (b *Backend) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id required"})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.users[req.UserID]; !ok {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "sessions_invalidated": 0})
		return
	}
	n := b.revokeLocked(req.UserID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "sessions_invalidated": n})
}

func (b *Backend) handleFetchRoute(w http.ResponseWriter, r *http.Request) {
	driverID := pathParam(r, "driverID")

	b.mu.Lock()
	route, ok := b.routes[driverID]
	b.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no route for driver"})
		return
	}
	writeJSON(w, http.StatusOK, route)
}

func (b *Backend) handlePushRoute(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Idempotency-Key required"})
		return
	}
	var result model.RouteResult
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request"})
		return
	}
	if result.RouteID != pathParam(r, "routeID") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "route id mismatch"})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, seen := b.pushes[key]; !seen {
		b.pushes[key] = result
		b.pushOrder = append(b.pushOrder, key)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": true})
}

func (b *Backend) handleCount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Delta int `json:"delta"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request"})
		return
	}
	key := pathParam(r, "doc") + "/" + pathParam(r, "sku")

	b.mu.Lock()
	b.counts[key] += req.Delta
	count := b.counts[key]
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (b *Backend) issueLocked(subject string) string {
	b.seq++
	now := b.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ID:        fmt.Sprintf("sess-%d", b.seq),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(b.tokenTTL)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.secret)
	if err != nil {
		panic(fmt.Sprintf("sign token: %v", err))
	}
	b.sessions[token] = subject
	return token
}

func (b *Backend) revokeLocked(subject string) int {
	var tokens []string
	for token, s := range b.sessions {
		if s == subject {
			tokens = append(tokens, token)
		}
	}
	for _, token := range tokens {
		delete(b.sessions, token)
	}
	return len(tokens)
}

func (b *Backend) subjectOf(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[token]
	return s, ok
}

// pathParam returns a decoded URL parameter. chi matches on the raw path
// when it carries escapes, so parameters may still be percent-encoded.
func pathParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func nonNilStrings(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}
