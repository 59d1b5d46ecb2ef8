// Package model provides the record types shared by every envsync component.
//
// This package contains type definitions and their pure helpers only. All other
// internal packages import model; model imports nothing internal. This keeps the
// data model the foundational layer with no circular dependencies.
//
// Key design constraints:
//   - An Environment's identity (name, role, parent, creation time) never changes
//     after it is recorded; only its Status moves.
//   - RefreshRun and TaskChainRun are immutable once terminated; they are audit history.
//   - ColumnClassification is never persisted; it is recomputed from catalog metadata.
//   - All JSON tags use snake_case.
package model
