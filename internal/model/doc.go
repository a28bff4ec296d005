// Package model provides the domain types shared by the local store, the
// reconciliation engine and the route snapshot sync engine.
//
// This package contains type definitions and small value helpers only. All
// other internal packages import model; model imports nothing internal.
//
// Key design constraints:
//   - Role and permission sets are ordered []string values, never raw text
//   - Optional instants are *time.Time (nil = absent), never zero values
//   - All JSON tags use snake_case
//   - Free text entered by a person is NFC-normalized at construction
package model
