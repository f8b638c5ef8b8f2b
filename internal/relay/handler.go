package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/KafClaw/feishurelay/internal/feishu"
	"github.com/KafClaw/feishurelay/internal/timeline"
	"github.com/google/uuid"
)

const maxBodyBytes = 1 << 20

// Handler returns the relay's HTTP routes.
func (r *Relay) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/feishu/callback", r.handleCallback)
	mux.HandleFunc("/health", r.handleHealth)
	mux.HandleFunc("/test/send", r.handleTestSend)
	mux.HandleFunc("/stats", r.handleStats)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ack(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{"code": 0, "msg": "success"})
}

func (r *Relay) handleCallback(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	traceID := uuid.NewString()
	log := slog.With("trace", traceID)

	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}

	ts := req.Header.Get(feishu.HeaderTimestamp)
	nonce := req.Header.Get(feishu.HeaderNonce)
	sig := req.Header.Get(feishu.HeaderSignature)
	signed := ts != "" && nonce != "" && sig != ""
	if r.opts.EncryptKey != "" && signed {
		if !feishu.Verify(body, ts, nonce, sig, r.opts.EncryptKey, r.now(), r.opts.SignatureTolerance) {
			r.reject(w, log, traceID, "", "invalid signature")
			return
		}
	}

	evt, err := feishu.ParseEnvelope(body, r.opts.EncryptKey)
	if err != nil {
		log.Warn("malformed callback", "error", err)
		http.Error(w, "invalid event", http.StatusBadRequest)
		return
	}
	evt.Timestamp, evt.Nonce, evt.Signature = ts, nonce, sig

	if r.opts.EncryptKey != "" && !signed && !evt.IsChallenge() {
		r.reject(w, log, traceID, evt.EventID, "missing signature")
		return
	}
	if !feishu.VerifyToken(evt.Token, r.opts.VerificationToken) {
		r.reject(w, log, traceID, evt.EventID, "invalid verification token")
		return
	}

	if evt.IsChallenge() {
		log.Info("url verification")
		writeJSON(w, http.StatusOK, map[string]string{"challenge": evt.Challenge})
		return
	}
	if evt.EventType != feishu.EventMessageReceive {
		log.Debug("ignoring event", "type", evt.EventType)
		ack(w)
		return
	}

	me, err := feishu.ParseMessageEvent(evt.Event)
	if err != nil {
		// Unparseable message events are acked and dropped.
		log.Warn("dropping unusable message event", "event", evt.EventID, "error", err)
		r.metrics.add(&r.metrics.Dropped)
		r.metrics.noteError(err)
		r.record(&timeline.RequestRecord{
			TraceID: traceID,
			EventID: evt.EventID,
			Stage:   string(StageParsed),
			Outcome: timeline.OutcomeDropped,
			Error:   err.Error(),
		})
		ack(w)
		return
	}
	if me.Sender.SenderType == "app" {
		ack(w)
		return
	}

	now := r.now()
	if evt.EventID != "" && r.dedupe.Seen("event:"+evt.EventID, now) {
		log.Info("duplicate event", "event", evt.EventID)
		r.metrics.add(&r.metrics.Deduped)
		ack(w)
		return
	}
	created := me.CreatedAt()
	if r.opts.MaxMessageAge > 0 && !created.IsZero() && now.Sub(created) > r.opts.MaxMessageAge {
		log.Info("dropping stale message", "message", me.Message.MessageID, "age", now.Sub(created).Round(time.Second).String())
		r.metrics.add(&r.metrics.Dropped)
		r.record(&timeline.RequestRecord{
			TraceID: traceID,
			EventID: evt.EventID,
			ChatID:  me.Message.ChatID,
			Stage:   string(StageParsed),
			Outcome: timeline.OutcomeDropped,
			Error:   "stale message",
		})
		ack(w)
		return
	}
	if me.Message.MessageID != "" && r.dedupe.Seen("message:"+me.Message.MessageID, now) {
		log.Info("duplicate message", "message", me.Message.MessageID)
		r.metrics.add(&r.metrics.Deduped)
		ack(w)
		return
	}

	msg := &RelayMessage{
		TraceID:     traceID,
		EventID:     evt.EventID,
		MessageID:   me.Message.MessageID,
		MessageType: me.Message.MessageType,
		ChatID:      me.Message.ChatID,
		UserID:      me.SenderID(),
		CreatedAt:   created,
	}
	switch msg.MessageType {
	case "text":
		msg.Text = me.Text()
	case "file":
		msg.FileName = me.ContentField("file_name")
	}
	r.metrics.add(&r.metrics.Received)
	log.Info("message received", "chat", msg.ChatID, "user", msg.UserID, "type", msg.MessageType)

	r.Dispatch(msg)
	ack(w)
}

func (r *Relay) reject(w http.ResponseWriter, log *slog.Logger, traceID, eventID, reason string) {
	err := fmt.Errorf("%w: %s", feishu.ErrAuth, reason)
	log.Warn("callback rejected", "reason", reason)
	r.metrics.add(&r.metrics.Rejected)
	r.metrics.noteError(err)
	r.record(&timeline.RequestRecord{
		TraceID: traceID,
		EventID: eventID,
		Stage:   string(StageRejected),
		Outcome: timeline.OutcomeRejected,
		Error:   err.Error(),
	})
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func (r *Relay) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cached := false
	if r.opts.Tokens != nil {
		cached = r.opts.Tokens.Status().Cached
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"service":      "feishurelay",
		"timestamp":    r.now().Unix(),
		"token_cached": cached,
	})
}

func (r *Relay) handleTestSend(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		ChatID  string `json:"chat_id"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(req.Body, maxBodyBytes)).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": "invalid json"})
		return
	}
	payload.ChatID = strings.TrimSpace(payload.ChatID)
	if payload.ChatID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": "chat_id is required"})
		return
	}
	if strings.TrimSpace(payload.Message) == "" {
		payload.Message = "test message from feishurelay"
	}
	ctx, cancel := context.WithTimeout(req.Context(), 30*time.Second)
	defer cancel()
	if err := r.opts.Messenger.SendText(ctx, payload.ChatID, payload.Message, ""); err != nil {
		slog.Error("test send failed", "chat", payload.ChatID, "error", err)
		r.metrics.add(&r.metrics.SendFailures)
		r.metrics.noteError(err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"status": "error", "message": err.Error()})
		return
	}
	r.metrics.add(&r.metrics.Sent)
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (r *Relay) handleStats(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":                   true,
		"metrics":              r.metrics.snapshot(),
		"inbound_dedupe_cache": r.dedupe.size(),
		"workers_available":    r.sem.Available(),
		"workers":              r.sem.Cap(),
	})
}
