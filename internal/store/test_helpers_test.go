package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/joaopxt/ze-do-bip-mobile-sub000/internal/model"
)

// testNow is a fixed, millisecond-aligned instant so round-trips compare equal.
var testNow = time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestSession creates a session with minimal required fields.
func createTestSession(subject, token string, issuedAt time.Time) model.Session {
	return model.Session{
		Subject:     subject,
		Token:       token,
		DisplayName: "Driver " + subject,
		Email:       subject + "@example.com",
		IssuedAt:    issuedAt,
		Roles:       []string{"driver"},
		Permissions: []string{"route.read", "route.write"},
	}
}

// createTestRoute builds a two-stop route aggregate.
func createTestRoute(id string) *model.Route {
	return &model.Route{
		ID:       id,
		DriverID: "drv-1",
		Name:     "Rota Norte",
		Date:     "2026-03-02",
		SyncedAt: testNow,
		Load: &model.Load{
			ID:   id + "-load",
			Code: "L-100",
			Items: []model.LoadItem{
				{ID: id + "-li-1", Barcode: "789000000001", Description: "Caixa A", Expected: 2},
				{ID: id + "-li-2", Barcode: "789000000002", Description: "Caixa B", Expected: 1},
			},
		},
		Customers: []model.Customer{
			{
				ID: id + "-c-1", Sequence: 1, Name: "Mercado Sol", Address: "Rua A, 1",
				Orders: []model.Order{
					{ID: id + "-o-1", Number: "NF-1", Kind: model.OrderKindDescarga, Parcels: []model.Parcel{
						{ID: id + "-p-1", Barcode: "P1"},
						{ID: id + "-p-2", Barcode: "P2"},
					}},
				},
			},
			{
				ID: id + "-c-2", Sequence: 2, Name: "Padaria Lua", Address: "Rua B, 2",
				Orders: []model.Order{
					{ID: id + "-o-2", Number: "NF-2", Kind: model.OrderKindColeta, Parcels: []model.Parcel{
						{ID: id + "-p-3", Barcode: "P3"},
					}},
				},
			},
		},
	}
}

func testMutation(id, routeID string, kind model.MutationKind, target string) model.Mutation {
	return model.Mutation{
		ID:        id,
		RouteID:   routeID,
		Kind:      kind,
		TargetID:  target,
		CreatedAt: testNow,
	}
}
