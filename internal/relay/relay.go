// Package relay carries a Feishu chat message to the agent and the agent's
// answer back to the chat.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/KafClaw/feishurelay/internal/agent"
	"github.com/KafClaw/feishurelay/internal/feishu"
	"github.com/KafClaw/feishurelay/internal/timeline"
	"github.com/google/uuid"
)

// Stage is a step of the per-request state machine.
type Stage string

const (
	StageReceived  Stage = "received"
	StageVerified  Stage = "verified"
	StageParsed    Stage = "parsed"
	StageForwarded Stage = "forwarded"
	StageReplied   Stage = "replied"
	StageSent      Stage = "sent"
	StageRejected  Stage = "rejected"
	StageFailed    Stage = "failed"
)

// Fixed replies that never reach the agent.
const (
	DefaultFallbackReply = "service unavailable, please retry"
	RefusalReply         = "Sorry, you are not allowed to use this bot. Please ask an administrator for access."
	ImageNotice          = "I received your image, but image analysis is not supported yet. Please describe your question in text."
	AudioNotice          = "I received your audio, but speech recognition is not supported yet. Please type your question."
)

// Agent answers a chat message.
type Agent interface {
	Chat(ctx context.Context, req agent.Request) (string, error)
}

// Messenger delivers text back to Feishu.
type Messenger interface {
	SendText(ctx context.Context, chatID, text, dedupeKey string) error
	ReplyText(ctx context.Context, messageID, text string) error
}

// HistorySource returns the recent messages of a chat.
type HistorySource interface {
	ChatHistory(ctx context.Context, chatID string, limit int) ([]feishu.HistoryMessage, error)
}

// Enricher may rewrite the message text before it is forwarded.
type Enricher interface {
	Apply(ctx context.Context, text string) string
}

// Store persists dedupe keys and request outcomes.
type Store interface {
	SeenKey(key string, now time.Time, ttl time.Duration) (bool, error)
	RecordRequest(rec *timeline.RequestRecord) error
}

// TokenStatus reports whether an access credential is cached.
type TokenStatus interface {
	Status() feishu.TokenStatus
}

// Options configures a Relay. Agent and Messenger are required.
type Options struct {
	VerificationToken  string
	EncryptKey         string
	SignatureTolerance time.Duration

	Agent         Agent
	Messenger     Messenger
	History       HistorySource
	HistoryLimit  int
	Enricher      Enricher
	Store         Store
	Tokens        TokenStatus
	FallbackReply string

	AllowedUsers  []string
	MaxMessageAge time.Duration
	DedupeTTL     time.Duration
	MaxConcurrent int
	ReplyInThread bool

	Now func() time.Time
}

// RelayMessage is one chat message on its way through the pipeline.
type RelayMessage struct {
	TraceID     string
	EventID     string
	MessageID   string
	MessageType string
	ChatID      string
	UserID      string
	Text        string
	ReplyText   string
	FileName    string
	CreatedAt   time.Time
}

// Relay is the message pipeline plus its HTTP surface.
type Relay struct {
	opts    Options
	allowed map[string]struct{}
	dedupe  *dedupe
	sem     *semaphore
	metrics metrics
	now     func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Relay.
func New(opts Options) (*Relay, error) {
	if opts.Agent == nil {
		return nil, errors.New("relay: agent is required")
	}
	if opts.Messenger == nil {
		return nil, errors.New("relay: messenger is required")
	}
	if strings.TrimSpace(opts.FallbackReply) == "" {
		opts.FallbackReply = DefaultFallbackReply
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	var allowed map[string]struct{}
	if len(opts.AllowedUsers) > 0 {
		allowed = make(map[string]struct{}, len(opts.AllowedUsers))
		for _, u := range opts.AllowedUsers {
			if u = strings.TrimSpace(u); u != "" {
				allowed[u] = struct{}{}
			}
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		opts:    opts,
		allowed: allowed,
		dedupe:  newDedupe(opts.DedupeTTL, opts.Store),
		sem:     newSemaphore(opts.MaxConcurrent),
		now:     now,
		baseCtx: ctx,
		cancel:  cancel,
	}, nil
}

// Dispatch processes msg in the background. It waits for a worker slot
// rather than dropping the message.
func (r *Relay) Dispatch(msg *RelayMessage) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.sem.Acquire(r.baseCtx); err != nil {
			slog.Warn("relay abandoned before start", "trace", msg.TraceID, "error", err)
			return
		}
		defer r.sem.Release()
		_ = r.Process(r.baseCtx, msg)
	}()
}

// Drain waits for in-flight messages until ctx is done, then cancels
// whatever is still running.
func (r *Relay) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	defer r.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("relay drain: %w", ctx.Err())
	}
}

// Process runs the Parsed → Sent part of the pipeline synchronously and
// records the outcome. The returned error is the delivery error, if any.
func (r *Relay) Process(ctx context.Context, msg *RelayMessage) error {
	if msg.TraceID == "" {
		msg.TraceID = uuid.NewString()
	}
	start := r.now()
	log := slog.With("trace", msg.TraceID, "chat", msg.ChatID, "message", msg.MessageID)

	rec := &timeline.RequestRecord{
		TraceID: msg.TraceID,
		EventID: msg.EventID,
		ChatID:  msg.ChatID,
		Stage:   string(StageParsed),
	}
	defer func() {
		rec.Duration = r.now().Sub(start).Milliseconds()
		r.record(rec)
	}()

	if !r.isAllowed(msg.UserID) {
		log.Info("sender not on allow list", "user", msg.UserID)
		r.metrics.add(&r.metrics.Rejected)
		msg.ReplyText = RefusalReply
		rec.Outcome = timeline.OutcomeRejected
		return r.finish(ctx, log, msg, rec)
	}

	if notice, ok := nonTextNotice(msg); ok {
		log.Info("non-text message", "type", msg.MessageType)
		msg.ReplyText = notice
		rec.Outcome = timeline.OutcomeDropped
		return r.finish(ctx, log, msg, rec)
	}

	if strings.TrimSpace(msg.Text) == "" {
		log.Debug("empty text, nothing to relay")
		rec.Outcome = timeline.OutcomeDropped
		r.metrics.add(&r.metrics.Dropped)
		return nil
	}

	history := r.history(ctx, log, msg)
	text := msg.Text
	if r.opts.Enricher != nil {
		text = r.opts.Enricher.Apply(ctx, text)
	}

	rec.Stage = string(StageForwarded)
	r.metrics.add(&r.metrics.Forwarded)
	reply, err := r.opts.Agent.Chat(ctx, agent.Request{
		Message: text,
		UserID:  msg.UserID,
		ChatID:  msg.ChatID,
		History: history,
		Context: map[string]string{"platform": "feishu", "source": "feishurelay"},
	})
	rec.Stage = string(StageReplied)
	if err != nil {
		log.Warn("agent failed, using fallback reply", "error", err)
		r.metrics.add(&r.metrics.Fallbacks)
		r.metrics.noteError(err)
		rec.Outcome = timeline.OutcomeFallback
		rec.Error = err.Error()
		reply = r.opts.FallbackReply
	} else {
		rec.Outcome = timeline.OutcomeSent
		log.Debug("agent replied", "reply", reply)
	}
	msg.ReplyText = FormatReply(reply)
	if msg.ReplyText == "" {
		msg.ReplyText = r.opts.FallbackReply
	}
	return r.finish(ctx, log, msg, rec)
}

// finish delivers msg.ReplyText and updates rec with the delivery result.
func (r *Relay) finish(ctx context.Context, log *slog.Logger, msg *RelayMessage, rec *timeline.RequestRecord) error {
	if err := r.deliver(ctx, msg); err != nil {
		log.Error("send failed", "error", err)
		r.metrics.add(&r.metrics.SendFailures)
		r.metrics.noteError(err)
		rec.Stage = string(StageFailed)
		rec.Outcome = timeline.OutcomeFailed
		rec.Error = err.Error()
		return err
	}
	r.metrics.add(&r.metrics.Sent)
	rec.Stage = string(StageSent)
	log.Info("reply sent", "outcome", rec.Outcome)
	return nil
}

func (r *Relay) deliver(ctx context.Context, msg *RelayMessage) error {
	if r.opts.ReplyInThread && msg.MessageID != "" {
		return r.opts.Messenger.ReplyText(ctx, msg.MessageID, msg.ReplyText)
	}
	return r.opts.Messenger.SendText(ctx, msg.ChatID, msg.ReplyText, msg.MessageID)
}

func (r *Relay) history(ctx context.Context, log *slog.Logger, msg *RelayMessage) []agent.HistoryMessage {
	if r.opts.History == nil || r.opts.HistoryLimit <= 0 {
		return nil
	}
	items, err := r.opts.History.ChatHistory(ctx, msg.ChatID, r.opts.HistoryLimit)
	if err != nil {
		log.Warn("chat history unavailable", "error", err)
		return nil
	}
	// The message being answered is usually the newest history entry.
	if n := len(items); n > 0 && items[n-1].Role == "user" && strings.TrimSpace(items[n-1].Content) == msg.Text {
		items = items[:n-1]
	}
	out := make([]agent.HistoryMessage, 0, len(items))
	for _, it := range items {
		out = append(out, agent.HistoryMessage{Role: it.Role, Content: it.Content})
	}
	return out
}

func (r *Relay) isAllowed(userID string) bool {
	if r.allowed == nil {
		return true
	}
	_, ok := r.allowed[userID]
	return ok
}

func (r *Relay) record(rec *timeline.RequestRecord) {
	if r.opts.Store == nil {
		return
	}
	rec.CreatedAt = r.now()
	if err := r.opts.Store.RecordRequest(rec); err != nil {
		slog.Warn("record request failed", "trace", rec.TraceID, "error", err)
	}
}

func nonTextNotice(msg *RelayMessage) (string, bool) {
	switch msg.MessageType {
	case "", "text":
		return "", false
	case "image":
		return ImageNotice, true
	case "audio":
		return AudioNotice, true
	case "file":
		name := msg.FileName
		if name == "" {
			name = "file"
		}
		return fmt.Sprintf("I received your file %q, but file analysis is not supported yet.", name), true
	default:
		return fmt.Sprintf("I received a %s message, but only text messages are supported. Please write to me in text.", msg.MessageType), true
	}
}
