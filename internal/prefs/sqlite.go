package prefs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store on a local sqlite database.
type SQLiteStore struct {
	db        *sql.DB
	path      string
	threshold float64
}

var _ Store = (*SQLiteStore)(nil)

// Open creates or opens the preference database under dataDir. Facts with
// confidence below threshold are marked needs-confirmation in snapshots.
func Open(dataDir string, threshold float64) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "prefs.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLiteStore{db: db, path: dbPath, threshold: threshold}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS facts (
		user_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		confidence REAL NOT NULL,
		source_session TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (user_id, key)
	);

	CREATE TABLE IF NOT EXISTS fact_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		confidence REAL NOT NULL,
		source_session TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		applied INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_key ON fact_history(user_id, key, updated_at DESC);

	CREATE TABLE IF NOT EXISTS snapshots (
		user_id TEXT NOT NULL,
		project TEXT NOT NULL,
		session_id TEXT NOT NULL,
		taken_at TEXT NOT NULL,
		facts_json TEXT NOT NULL,
		PRIMARY KEY (user_id, project, session_id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const timeLayout = time.RFC3339Nano

// Upsert applies last-writer-wins inside one transaction: the stored fact
// only changes when the incoming write is newer, or equally new with a
// greater source session id. Every write lands in history either way.
func (s *SQLiteStore) Upsert(ctx context.Context, f Fact) (bool, error) {
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var curUpdated, curSession string
	err = tx.QueryRowContext(ctx, `
		SELECT updated_at, source_session FROM facts WHERE user_id = ? AND key = ?
	`, f.UserID, f.Key).Scan(&curUpdated, &curSession)

	applied := true
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return false, err
	default:
		cur, perr := time.Parse(timeLayout, curUpdated)
		if perr != nil {
			return false, fmt.Errorf("corrupt updated_at %q: %w", curUpdated, perr)
		}
		if f.UpdatedAt.Before(cur) {
			applied = false
		} else if f.UpdatedAt.Equal(cur) && f.SourceSession <= curSession {
			applied = false
		}
	}

	if applied {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO facts (user_id, key, value, confidence, source_session, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id, key) DO UPDATE SET
				value = excluded.value,
				confidence = excluded.confidence,
				source_session = excluded.source_session,
				updated_at = excluded.updated_at
		`, f.UserID, f.Key, f.Value, f.Confidence, f.SourceSession, f.UpdatedAt.Format(timeLayout))
		if err != nil {
			return false, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO fact_history (user_id, key, value, confidence, source_session, updated_at, applied)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, f.UserID, f.Key, f.Value, f.Confidence, f.SourceSession, f.UpdatedAt.Format(timeLayout), boolInt(applied))
	if err != nil {
		return false, err
	}

	return applied, tx.Commit()
}

func (s *SQLiteStore) Get(ctx context.Context, userID, key string) (*Fact, error) {
	var f Fact
	var updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, key, value, confidence, source_session, updated_at
		FROM facts WHERE user_id = ? AND key = ?
	`, userID, key).Scan(&f.UserID, &f.Key, &f.Value, &f.Confidence, &f.SourceSession, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	f.UpdatedAt, err = time.Parse(timeLayout, updated)
	return &f, err
}

func (s *SQLiteStore) List(ctx context.Context, userID string) ([]Fact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, key, value, confidence, source_session, updated_at
		FROM facts WHERE user_id = ? ORDER BY key ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFacts(rows)
}

func (s *SQLiteStore) History(ctx context.Context, userID, key string, limit int) ([]Fact, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, key, value, confidence, source_session, updated_at
		FROM fact_history WHERE user_id = ? AND key = ?
		ORDER BY id DESC LIMIT ?
	`, userID, key, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFacts(rows)
}

func (s *SQLiteStore) SnapshotForProject(ctx context.Context, userID, project, sessionID string) (*Snapshot, error) {
	facts, err := s.List(ctx, userID)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		UserID:    userID,
		Project:   project,
		SessionID: sessionID,
		TakenAt:   time.Now().UTC(),
		Facts:     make(map[string]SnapshotEntry, len(facts)),
	}
	for _, f := range facts {
		snap.Facts[f.Key] = SnapshotEntry{
			Value:             f.Value,
			Confidence:        f.Confidence,
			NeedsConfirmation: f.Confidence < s.threshold,
		}
	}

	factsJSON, err := json.Marshal(snap.Facts)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (user_id, project, session_id, taken_at, facts_json)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, project, session_id) DO UPDATE SET
			taken_at = excluded.taken_at,
			facts_json = excluded.facts_json
	`, userID, project, sessionID, snap.TakenAt.Format(timeLayout), string(factsJSON))
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func scanFacts(rows *sql.Rows) ([]Fact, error) {
	var facts []Fact
	for rows.Next() {
		var f Fact
		var updated string
		if err := rows.Scan(&f.UserID, &f.Key, &f.Value, &f.Confidence, &f.SourceSession, &updated); err != nil {
			return nil, err
		}
		t, err := time.Parse(timeLayout, updated)
		if err != nil {
			return nil, err
		}
		f.UpdatedAt = t
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
