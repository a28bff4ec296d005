package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_Expired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := []struct {
		name    string
		expires *time.Time
		want    bool
	}{
		{"no expiry never expires", nil, false},
		{"past expiry", &past, true},
		{"exact expiry counts as expired", &now, true},
		{"future expiry", &future, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := &Session{Subject: "u1", ExpiresAt: tc.expires}
			assert.Equal(t, tc.want, s.Expired(now))
		})
	}
}

func TestSession_NilSafe(t *testing.T) {
	var s *Session
	assert.False(t, s.Expired(time.Now()))
	assert.False(t, s.HasPermission("route.read"))
	assert.True(t, s.Identity().Anonymous())
}

func TestSession_HasPermission(t *testing.T) {
	s := &Session{Permissions: []string{"route.read", "route.write"}}
	assert.True(t, s.HasPermission("route.write"))
	assert.False(t, s.HasPermission("inbound.write"))
}

func TestNormalizeSubject(t *testing.T) {
	decomposed := "  jose\u0301 "
	assert.Equal(t, "jos\u00e9", NormalizeSubject(decomposed))
}

func TestQueueItem_Retryable(t *testing.T) {
	assert.True(t, QueueItem{Status: QueueStatusFailed, RetryCount: 2}.Retryable())
	assert.False(t, QueueItem{Status: QueueStatusFailed, RetryCount: 3}.Retryable())
	assert.False(t, QueueItem{Status: QueueStatusPending, RetryCount: 0}.Retryable())
}

func TestFixedGenerator(t *testing.T) {
	gen := NewFixedGenerator("a", "b")
	assert.Equal(t, "a", gen.Generate())
	assert.Equal(t, "b", gen.Generate())
	assert.Panics(t, func() { gen.Generate() })
}

func TestUUIDv7Generator_Sortable(t *testing.T) {
	gen := UUIDv7Generator{}
	first := gen.Generate()
	second := gen.Generate()
	require.Len(t, first, 36)
	assert.NotEqual(t, first, second)
}

func TestRoute_ParcelCounts(t *testing.T) {
	r := &Route{Customers: []Customer{
		{Orders: []Order{{Parcels: []Parcel{
			{Status: ParcelPending}, {Status: ParcelDelivered}, {Status: ParcelMissing, Reason: "damaged"},
		}}}},
		{Orders: []Order{{Parcels: []Parcel{{Status: ParcelDelivered}}}}},
	}}
	pending, delivered, missing := r.ParcelCounts()
	assert.Equal(t, 1, pending)
	assert.Equal(t, 2, delivered)
	assert.Equal(t, 1, missing)
}
