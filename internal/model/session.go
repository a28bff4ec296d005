package model

import (
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Session is the single locally trusted authenticated identity record.
type Session struct {
	Subject     string     `json:"subject"`
	Token       string     `json:"token"`
	DisplayName string     `json:"display_name,omitempty"` // cached, non-authoritative
	Email       string     `json:"email,omitempty"`        // cached, non-authoritative
	IssuedAt    time.Time  `json:"issued_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"` // nil = no local expiry
	Roles       []string   `json:"roles"`
	Permissions []string   `json:"permissions"`
}

// Expired reports whether the session has a stored expiry at or before now.
// A session without expiry never expires locally.
func (s *Session) Expired(now time.Time) bool {
	if s == nil || s.ExpiresAt == nil {
		return false
	}
	return !now.Before(*s.ExpiresAt)
}

// HasPermission reports whether name is in the cached permission set.
// The cache is advisory; the server remains the authority.
func (s *Session) HasPermission(name string) bool {
	if s == nil {
		return false
	}
	for _, p := range s.Permissions {
		if p == name {
			return true
		}
	}
	return false
}

// Identity returns the explicit identity value used to tag outbound requests.
func (s *Session) Identity() Identity {
	if s == nil {
		return Identity{}
	}
	return Identity{Subject: s.Subject, Token: s.Token}
}

// User is the denormalized display record cached per subject.
type User struct {
	Subject     string    `json:"subject"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Identity is the subject and bearer credential threaded explicitly through
// every request-building call. The zero value is anonymous.
type Identity struct {
	Subject string `json:"subject"`
	Token   string `json:"-"`
}

// Anonymous reports whether the identity carries no credential.
func (i Identity) Anonymous() bool {
	return i.Token == ""
}

// NormalizeSubject trims and NFC-normalizes a subject identifier so the same
// login typed on different keyboards maps to one cache row.
func NormalizeSubject(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// NormalizeText NFC-normalizes free text such as a missing-parcel reason.
func NormalizeText(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
