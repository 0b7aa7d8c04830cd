// Package prefs is the cross-project preference store. Facts learned during
// sessions are keyed per account, survive across projects, and are applied
// to new sessions through snapshots.
package prefs

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no fact exists for a key.
var ErrNotFound = errors.New("prefs: fact not found")

// Fact is one learned preference.
type Fact struct {
	UserID        string    `json:"user_id"`
	Key           string    `json:"key"`
	Value         string    `json:"value"`
	Confidence    float64   `json:"confidence"`
	SourceSession string    `json:"source_session"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SnapshotEntry is a fact as applied to a project at session start.
type SnapshotEntry struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`

	// NeedsConfirmation marks facts below the auto-apply threshold.
	// They are surfaced to the user instead of silently applied.
	NeedsConfirmation bool `json:"needs_confirmation,omitempty"`
}

// Snapshot is the fact set captured for one project at one point in time.
type Snapshot struct {
	UserID    string                   `json:"user_id"`
	Project   string                   `json:"project"`
	SessionID string                   `json:"session_id"`
	TakenAt   time.Time                `json:"taken_at"`
	Facts     map[string]SnapshotEntry `json:"facts"`
}

// Store is the preference store contract.
type Store interface {
	// Upsert records a fact. Writes resolve last-writer-wins on
	// UpdatedAt, with SourceSession as a deterministic tiebreak; the
	// losing write is still kept in history. Reports whether the write
	// became the current value.
	Upsert(ctx context.Context, f Fact) (applied bool, err error)

	// Get returns the current fact for a key, or ErrNotFound.
	Get(ctx context.Context, userID, key string) (*Fact, error)

	// List returns all current facts for an account, ordered by key.
	List(ctx context.Context, userID string) ([]Fact, error)

	// History returns past values for a key, newest first.
	History(ctx context.Context, userID, key string, limit int) ([]Fact, error)

	// SnapshotForProject captures the account's current facts for a new
	// session and persists the snapshot for audit.
	SnapshotForProject(ctx context.Context, userID, project, sessionID string) (*Snapshot, error)

	Close() error
}
