// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ledger implements the durable, crash-safe run ledger (C1).
// Storage is modernc.org/sqlite, the CGo-free driver the teacher uses
// for its own workspace store, with the same WAL connection-string
// idiom.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/orchestrator/internal/domain"
	orcherrors "github.com/tombee/orchestrator/pkg/errors"
)

// ErrNotFound is returned by GetSnapshot for an unknown runId.
var ErrNotFound = orcherrors.New("ledger: run not found")

// TransitionError reports a rejected compare-and-set transition: the
// entry's actual state did not match one of the allowed predecessors.
type TransitionError struct {
	RunID   string
	From    domain.RunState
	Allowed []domain.RunState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("ledger: run %s in state %s, expected one of %v", e.RunID, e.From, e.Allowed)
}

// Ledger is the durable source of truth for run state.
type Ledger struct {
	db *sql.DB
}

// Config configures the sqlite-backed ledger store.
type Config struct {
	// Path is the sqlite database file path. ":memory:" is accepted for
	// tests, matching the teacher's workspace store conventions, though
	// WAL mode is then a no-op.
	Path string
}

const schema = `
CREATE TABLE IF NOT EXISTS run_ledger (
	run_id       TEXT PRIMARY KEY,
	task_id      TEXT NOT NULL,
	state        TEXT NOT NULL,
	summary      TEXT NOT NULL DEFAULT '',
	payload_json TEXT NOT NULL DEFAULT '',
	request_json TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	started_at   TEXT,
	ended_at     TEXT,
	updated_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_ledger_state ON run_ledger(state);
`

// Open opens (creating if necessary) the sqlite-backed ledger at
// cfg.Path, applying WAL mode and a busy timeout the way the teacher's
// SQLiteStorage does.
func Open(cfg Config) (*Ledger, error) {
	connStr := cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, orcherrors.Wrap(err, "ledger: open database")
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, orcherrors.Wrap(err, "ledger: migrate schema")
	}

	return &Ledger{db: db}, nil
}

// Close releases the underlying database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// UpsertQueued creates or resets an entry to Queued, persisting the
// request. Calling it twice with the same request yields the same row
// with an updated updatedAt (idempotent, no regression from a terminal
// state is enforced by callers always dispatching a fresh runId).
func (l *Ledger) UpsertQueued(ctx context.Context, req *domain.RunRequest) error {
	requestJSON, err := json.Marshal(req)
	if err != nil {
		return orcherrors.Wrap(err, "ledger: marshal request")
	}
	now := time.Now().UTC()

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO run_ledger (run_id, task_id, state, summary, request_json, created_at, updated_at)
		VALUES (?, ?, ?, '', ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			task_id=excluded.task_id,
			state=excluded.state,
			summary='',
			request_json=excluded.request_json,
			started_at=NULL,
			ended_at=NULL,
			updated_at=excluded.updated_at
	`, req.RunID, req.TaskID, string(domain.RunQueued), string(requestJSON), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return orcherrors.Wrap(err, "ledger: upsert queued")
	}
	return nil
}

// MarkRunning transitions runId from Queued to Running, stamping
// startedAt once. Returns *TransitionError if the predecessor state
// does not match.
func (l *Ledger) MarkRunning(ctx context.Context, runID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := l.db.ExecContext(ctx, `
		UPDATE run_ledger SET state=?, started_at=?, updated_at=?
		WHERE run_id=? AND state=?
	`, string(domain.RunRunning), now, now, runID, string(domain.RunQueued))
	if err != nil {
		return orcherrors.Wrap(err, "ledger: mark running")
	}
	return l.requireAffected(ctx, res, runID, domain.RunQueued)
}

// MarkCompleted transitions runId to a terminal state, stamping
// endedAt. The allowed predecessor is Running, except for Cancelled
// which may also transition directly from Queued (cancellation before
// dispatch).
func (l *Ledger) MarkCompleted(ctx context.Context, runID string, state domain.RunState, summary, payloadJSON string) error {
	switch state {
	case domain.RunSucceeded, domain.RunFailed, domain.RunCancelled, domain.RunObsolete:
	default:
		return fmt.Errorf("ledger: %s is not a terminal state", state)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	allowed := []domain.RunState{domain.RunRunning}
	if state == domain.RunCancelled {
		allowed = append(allowed, domain.RunQueued)
	}

	res, err := l.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE run_ledger SET state=?, summary=?, payload_json=?, ended_at=?, updated_at=?
		WHERE run_id=? AND state IN (%s)
	`, placeholders(len(allowed))), append([]any{string(state), summary, payloadJSON, now, now, runID}, statesToAny(allowed)...)...)
	if err != nil {
		return orcherrors.Wrap(err, "ledger: mark completed")
	}
	return l.requireAffected(ctx, res, runID, allowed...)
}

func (l *Ledger) requireAffected(ctx context.Context, res sql.Result, runID string, allowed ...domain.RunState) error {
	n, err := res.RowsAffected()
	if err != nil {
		return orcherrors.Wrap(err, "ledger: check rows affected")
	}
	if n == 1 {
		return nil
	}
	snap, getErr := l.GetSnapshot(ctx, runID)
	if getErr != nil {
		return &TransitionError{RunID: runID, Allowed: allowed}
	}
	return &TransitionError{RunID: runID, From: snap.State, Allowed: allowed}
}

// GetSnapshot returns a deep copy of runId's current ledger entry.
func (l *Ledger) GetSnapshot(ctx context.Context, runID string) (*domain.RunLedgerEntry, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT run_id, task_id, state, summary, payload_json, request_json, created_at, started_at, ended_at, updated_at
		FROM run_ledger WHERE run_id=?`, runID)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, orcherrors.Wrap(err, "ledger: get snapshot")
	}
	return entry, nil
}

// ListQueuedRequests returns every RunRequest currently Queued, ordered
// by creation time, for startup re-dispatch.
func (l *Ledger) ListQueuedRequests(ctx context.Context) ([]*domain.RunRequest, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT request_json FROM run_ledger WHERE state=? ORDER BY created_at ASC`, string(domain.RunQueued))
	if err != nil {
		return nil, orcherrors.Wrap(err, "ledger: list queued")
	}
	defer rows.Close()

	var out []*domain.RunRequest
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, orcherrors.Wrap(err, "ledger: scan queued request")
		}
		var req domain.RunRequest
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			return nil, orcherrors.Wrap(err, "ledger: unmarshal queued request")
		}
		out = append(out, &req)
	}
	return out, rows.Err()
}

// ListRunningIDs returns every runId currently Running.
func (l *Ledger) ListRunningIDs(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT run_id FROM run_ledger WHERE state=?`, string(domain.RunRunning))
	if err != nil {
		return nil, orcherrors.Wrap(err, "ledger: list running")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, orcherrors.Wrap(err, "ledger: scan running id")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// RecoverStaleRunning sweeps every entry still Running at startup to
// Failed, since no process could have been supervising it. Returns the
// runIds that were swept.
func (l *Ledger) RecoverStaleRunning(ctx context.Context) ([]string, error) {
	ids, err := l.ListRunningIDs(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	const summary = "task runtime restarted before completion"
	for _, id := range ids {
		if _, err := l.db.ExecContext(ctx, `
			UPDATE run_ledger SET state=?, summary=?, ended_at=?, updated_at=?
			WHERE run_id=? AND state=?
		`, string(domain.RunFailed), summary, now, now, id, string(domain.RunRunning)); err != nil {
			return nil, orcherrors.Wrapf(err, "ledger: recover stale running %s", id)
		}
	}
	return ids, nil
}

// Stats returns the number of ledger entries per state, for the
// worker's /healthz surface.
func (l *Ledger) Stats(ctx context.Context) (map[domain.RunState]int, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM run_ledger GROUP BY state`)
	if err != nil {
		return nil, orcherrors.Wrap(err, "ledger: stats")
	}
	defer rows.Close()

	out := make(map[domain.RunState]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, orcherrors.Wrap(err, "ledger: scan stats row")
		}
		out[domain.RunState(state)] = count
	}
	return out, rows.Err()
}

func scanEntry(row *sql.Row) (*domain.RunLedgerEntry, error) {
	var e domain.RunLedgerEntry
	var state, createdAt, updatedAt string
	var startedAt, endedAt sql.NullString
	if err := row.Scan(&e.RunID, &e.TaskID, &state, &e.Summary, &e.PayloadJSON, &e.RequestJSON, &createdAt, &startedAt, &endedAt, &updatedAt); err != nil {
		return nil, err
	}
	e.State = domain.RunState(state)
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, startedAt.String)
		e.StartedAt = &t
	}
	if endedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, endedAt.String)
		e.EndedAt = &t
	}
	return &e, nil
}

func placeholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			s += ","
		}
		s += "?"
	}
	return s
}

func statesToAny(states []domain.RunState) []any {
	out := make([]any, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
