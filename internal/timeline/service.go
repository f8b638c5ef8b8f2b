// Package timeline persists relay bookkeeping in SQLite: dedupe keys,
// per-request outcomes and supervisor history.
package timeline

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type TimelineService struct {
	db *sql.DB
}

func NewTimelineService(dbPath string) (*TimelineService, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create timeline dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open timeline db: %w", err)
	}

	// Apply schema
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &TimelineService{db: db}, nil
}

func (s *TimelineService) DB() *sql.DB { return s.db }

func (s *TimelineService) Close() error {
	return s.db.Close()
}

// SeenKey marks key as seen at now and reports whether it had already been
// seen within ttl. Check and mark are a single statement, so concurrent
// callers with the same key get exactly one false.
func (s *TimelineService) SeenKey(key string, now time.Time, ttl time.Duration) (bool, error) {
	cutoff := now.Add(-ttl).UnixMilli()
	res, err := s.db.Exec(`
		INSERT INTO seen_keys (key, seen_at) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET seen_at = excluded.seen_at
		WHERE seen_keys.seen_at < ?
	`, key, now.UnixMilli(), cutoff)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	// Best-effort pruning of expired keys.
	_, _ = s.db.Exec(`DELETE FROM seen_keys WHERE seen_at < ?`, cutoff)
	return n == 0, nil
}

// RecordRequest appends a request outcome.
func (s *TimelineService) RecordRequest(rec *RequestRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	res, err := s.db.Exec(`
	INSERT INTO requests (trace_id, event_id, chat_id, stage, outcome, error_text, duration_ms, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.TraceID,
		rec.EventID,
		rec.ChatID,
		rec.Stage,
		rec.Outcome,
		rec.Error,
		rec.Duration,
		rec.CreatedAt.UTC(),
	)
	if err != nil {
		return err
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

// RecentRequests returns the newest request records first.
func (s *TimelineService) RecentRequests(limit int) ([]RequestRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, trace_id, COALESCE(event_id,''), COALESCE(chat_id,''), stage, outcome, COALESCE(error_text,''), duration_ms, created_at
		FROM requests ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RequestRecord
	for rows.Next() {
		var r RequestRecord
		if err := rows.Scan(&r.ID, &r.TraceID, &r.EventID, &r.ChatID, &r.Stage, &r.Outcome, &r.Error, &r.Duration, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// OutcomeCounts counts request outcomes recorded at or after since.
func (s *TimelineService) OutcomeCounts(since time.Time) (map[string]int, error) {
	rows, err := s.db.Query(`SELECT outcome, COUNT(*) FROM requests WHERE created_at >= ? GROUP BY outcome`, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		counts[outcome] = n
	}
	return counts, rows.Err()
}

// RecordSupervisorEvent appends a supervisor event. Only the latest alive
// observation per process is kept.
func (s *TimelineService) RecordSupervisorEvent(evt *SupervisorEvent) error {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	if evt.Kind == KindAlive {
		if _, err := s.db.Exec(`DELETE FROM supervisor_events WHERE name = ? AND kind = ?`, evt.Name, KindAlive); err != nil {
			return err
		}
	}
	res, err := s.db.Exec(`
	INSERT INTO supervisor_events (name, pid, restart_count, kind, detail, at)
	VALUES (?, ?, ?, ?, ?, ?)
	`, evt.Name, evt.PID, evt.RestartCount, evt.Kind, evt.Detail, evt.At.UTC())
	if err != nil {
		return err
	}
	evt.ID, _ = res.LastInsertId()
	return nil
}

// RecentSupervisorEvents returns the newest supervisor events first,
// skipping routine liveness checks unless includeAlive is set.
func (s *TimelineService) RecentSupervisorEvents(limit int, includeAlive bool) ([]SupervisorEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, name, pid, restart_count, kind, COALESCE(detail,''), at FROM supervisor_events`
	args := []interface{}{}
	if !includeAlive {
		query += " WHERE kind != ?"
		args = append(args, KindAlive)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SupervisorEvent
	for rows.Next() {
		var e SupervisorEvent
		if err := rows.Scan(&e.ID, &e.Name, &e.PID, &e.RestartCount, &e.Kind, &e.Detail, &e.At); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
