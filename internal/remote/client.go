// Package remote is the HTTP client for the remote authority.
//
// Identity is always an explicit argument. The client holds no notion of a
// current user, so whoever builds a request decides which credential it
// carries.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/model"
)

// DefaultTimeout bounds every remote call.
const DefaultTimeout = 10 * time.Second

const (
	headerRequestID      = "X-Request-ID"
	headerSubject        = "X-Subject"
	headerIdempotencyKey = "Idempotency-Key"
)

// Client talks to the remote authority over JSON/HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	ids     model.IDGenerator
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.http = h
	}
}

// WithTimeout sets the per-call timeout on the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http = &http.Client{Timeout: d}
		}
	}
}

// WithIDGenerator sets the generator for X-Request-ID values.
func WithIDGenerator(g model.IDGenerator) Option {
	return func(c *Client) {
		c.ids = g
	}
}

// WithClock sets the clock used to stamp issued sessions.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// WithLogger sets the logger for request outcomes.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// New creates a client for the authority rooted at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
		ids:     model.UUIDv7Generator{},
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Login exchanges subject and secret for a session.
//
// Failures are always *LoginError. When the response omits expires_in, the
// expiry is taken from the token's exp claim if the token is a JWT.
func (c *Client) Login(ctx context.Context, subject, secret string) (model.Session, error) {
	body := loginRequest{Username: model.NormalizeSubject(subject), Password: secret}

	resp, err := c.do(ctx, http.MethodPost, "/auth/login", model.Identity{}, body, nil)
	if err != nil {
		return model.Session{}, &LoginError{Kind: LoginUnreachable, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := errorMessage(resp.Body)
		kind := LoginRejected
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			kind = LoginBadCredentials
		case http.StatusConflict:
			kind = LoginSessionConflict
		}
		return model.Session{}, &LoginError{Kind: kind, Status: resp.StatusCode, Message: msg}
	}

	var out loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return model.Session{}, &LoginError{Kind: LoginRejected, Status: resp.StatusCode, Message: "malformed response", Err: err}
	}
	if out.Token == "" {
		return model.Session{}, &LoginError{Kind: LoginRejected, Status: resp.StatusCode, Message: "response carries no token"}
	}

	issued := c.now().UTC()
	sess := model.Session{
		Subject:     model.NormalizeSubject(out.UserID),
		Token:       out.Token,
		DisplayName: out.Name,
		Email:       out.Email,
		IssuedAt:    issued,
		Roles:       nonNil(out.Roles),
		Permissions: nonNil(out.Permissions),
	}
	if sess.Subject == "" {
		sess.Subject = body.Username
	}
	if out.ExpiresIn > 0 {
		exp := issued.Add(time.Duration(out.ExpiresIn) * time.Second)
		sess.ExpiresAt = &exp
	} else {
		sess.ExpiresAt = tokenExpiry(out.Token)
	}
	return sess, nil
}

// Validate asks whether id's credential is still valid server-side.
// A transport failure or non-2xx answer is an error, distinct from a
// definitive "invalid".
func (c *Client) Validate(ctx context.Context, id model.Identity) (bool, error) {
	var out validateResponse
	if err := c.call(ctx, "validate", http.MethodPost, "/auth/validate", id, validateRequest{Token: id.Token}, nil, &out); err != nil {
		return false, err
	}
	return out.Valid, nil
}

// EndSession revokes id's credential. 401 and 404 mean the server no longer
// knows the credential, which is the outcome asked for, so they count as
// success.
func (c *Client) EndSession(ctx context.Context, id model.Identity) error {
	err := c.call(ctx, "end session", http.MethodPost, "/auth/logout", id, nil, nil, nil)
	switch StatusCode(err) {
	case http.StatusUnauthorized, http.StatusNotFound:
		c.logger.Debug("end session already acknowledged", "subject", id.Subject)
		return nil
	}
	return err
}

// EndAllSessions revokes every session of subject. id may be anonymous.
func (c *Client) EndAllSessions(ctx context.Context, id model.Identity, subject string) (LogoutAllResult, error) {
	var out LogoutAllResult
	err := c.call(ctx, "end all sessions", http.MethodPost, "/auth/logout-all", id,
		logoutAllRequest{UserID: model.NormalizeSubject(subject)}, nil, &out)
	if err != nil {
		return LogoutAllResult{}, err
	}
	return out, nil
}

// FetchRoute downloads the full route aggregate assigned to driverID.
func (c *Client) FetchRoute(ctx context.Context, id model.Identity, driverID string) (*model.Route, error) {
	var out model.Route
	path := "/routes/driver/" + url.PathEscape(driverID)
	if err := c.call(ctx, "fetch route", http.MethodGet, path, id, nil, nil, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, fmt.Errorf("fetch route: response carries no route id")
	}
	return &out, nil
}

// PushRoute uploads the accumulated offline result of a route. key is sent
// as Idempotency-Key so a retried upload is applied once.
func (c *Client) PushRoute(ctx context.Context, id model.Identity, key string, result model.RouteResult) error {
	path := "/routes/" + url.PathEscape(result.RouteID) + "/sync"
	headers := map[string]string{headerIdempotencyKey: key}
	return c.call(ctx, "push route", http.MethodPost, path, id, result, headers, nil)
}

// CountInbound adds delta to the conference count of sku in an inbound
// document and returns the server's total.
func (c *Client) CountInbound(ctx context.Context, id model.Identity, doc, sku string, delta int) (int, error) {
	var out countResponse
	path := "/inbound/" + url.PathEscape(doc) + "/items/" + url.PathEscape(sku) + "/count"
	if err := c.call(ctx, "count inbound", http.MethodPost, path, id, countRequest{Delta: delta}, nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// call performs a JSON request and decodes a 2xx body into out when non-nil.
func (c *Client) call(ctx context.Context, op, method, path string, id model.Identity, in any, headers map[string]string, out any) error {
	resp, err := c.do(ctx, method, path, id, in, headers)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: readLimitedBody(resp.Body)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, id model.Identity, in any, headers map[string]string) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	requestID := c.ids.Generate()
	req.Header.Set(headerRequestID, requestID)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if !id.Anonymous() {
		req.Header.Set("Authorization", "Bearer "+id.Token)
	}
	if id.Subject != "" {
		req.Header.Set(headerSubject, id.Subject)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("remote call failed",
			"method", method, "path", path, "request_id", requestID, "error", err)
		return nil, err
	}
	c.logger.Debug("remote call",
		"method", method, "path", path, "request_id", requestID,
		"status", resp.StatusCode, "elapsed", time.Since(start))
	return resp, nil
}

// tokenExpiry reads the exp claim of a JWT without verifying its signature.
// The device cannot verify it and only uses the instant to bound offline
// trust; the server still validates the token online.
func tokenExpiry(token string) *time.Time {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil
	}
	if claims.ExpiresAt == nil {
		return nil
	}
	exp := claims.ExpiresAt.Time.UTC()
	return &exp
}

func errorMessage(r io.Reader) string {
	raw := readLimitedBody(r)
	var er errorResponse
	if err := json.Unmarshal([]byte(raw), &er); err == nil {
		if er.Message != "" {
			return er.Message
		}
		if er.Error != "" {
			return er.Error
		}
	}
	return raw
}

func readLimitedBody(r io.Reader) string {
	const limit = 512
	buf := make([]byte, limit)
	n, err := io.ReadFull(r, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return ""
	}
	return strings.TrimSpace(string(buf[:n]))
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}
