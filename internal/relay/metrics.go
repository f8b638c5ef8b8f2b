package relay

import (
	"sync"
	"time"
)

type metrics struct {
	mu sync.RWMutex

	Received     int64
	Rejected     int64
	Deduped      int64
	Dropped      int64
	Forwarded    int64
	Fallbacks    int64
	Sent         int64
	SendFailures int64
	LastError    string
	LastErrorAt  string
}

func (m *metrics) add(field *int64) {
	m.mu.Lock()
	*field++
	m.mu.Unlock()
}

func (m *metrics) noteError(err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	m.LastError = err.Error()
	m.LastErrorAt = time.Now().UTC().Format(time.RFC3339)
	m.mu.Unlock()
}

func (m *metrics) snapshot() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]any{
		"received":      m.Received,
		"rejected":      m.Rejected,
		"deduped":       m.Deduped,
		"dropped":       m.Dropped,
		"forwarded":     m.Forwarded,
		"fallbacks":     m.Fallbacks,
		"sent":          m.Sent,
		"send_failures": m.SendFailures,
		"last_error":    m.LastError,
		"last_error_at": m.LastErrorAt,
	}
}
