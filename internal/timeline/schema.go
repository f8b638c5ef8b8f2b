package timeline

import (
	"time"
)

// Relay request outcomes.
const (
	OutcomeSent     = "sent"
	OutcomeFallback = "fallback"
	OutcomeDropped  = "dropped"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Supervisor event kinds.
const (
	KindStart        = "start"
	KindRestart      = "restart"
	KindAlive        = "alive"
	KindLaunchFailed = "launch_failed"
	KindStop         = "stop"
)

// RequestRecord is the outcome of one webhook delivery. It never carries
// message text.
type RequestRecord struct {
	ID        int64     `json:"id"`
	TraceID   string    `json:"trace_id"`
	EventID   string    `json:"event_id"`
	ChatID    string    `json:"chat_id"`
	Stage     string    `json:"stage"`    // last pipeline stage reached
	Outcome   string    `json:"outcome"`  // sent, fallback, dropped, rejected, failed
	Error     string    `json:"error"`    // empty on success
	Duration  int64     `json:"duration_ms"`
	CreatedAt time.Time `json:"created_at"`
}

// SupervisorEvent is one observation or action of the process supervisor.
type SupervisorEvent struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	PID          int       `json:"pid"`
	RestartCount int       `json:"restart_count"`
	Kind         string    `json:"kind"`
	Detail       string    `json:"detail"`
	At           time.Time `json:"at"`
}

const Schema = `
CREATE TABLE IF NOT EXISTS seen_keys (
	key TEXT PRIMARY KEY,
	seen_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_seen_keys_seen_at ON seen_keys(seen_at);

CREATE TABLE IF NOT EXISTS requests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	trace_id TEXT NOT NULL,
	event_id TEXT,
	chat_id TEXT,
	stage TEXT NOT NULL,
	outcome TEXT NOT NULL,
	error_text TEXT,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_requests_created ON requests(created_at);
CREATE INDEX IF NOT EXISTS idx_requests_trace ON requests(trace_id);

CREATE TABLE IF NOT EXISTS supervisor_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	pid INTEGER NOT NULL DEFAULT 0,
	restart_count INTEGER NOT NULL DEFAULT 0,
	kind TEXT NOT NULL,
	detail TEXT,
	at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_supervisor_events_at ON supervisor_events(at);
`
