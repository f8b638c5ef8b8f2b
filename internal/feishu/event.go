package feishu

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Event types the relay understands.
const (
	EventURLVerification = "url_verification"
	EventMessageReceive  = "im.message.receive_v1"
)

// ErrMalformed marks a request body that is not a usable event envelope.
var ErrMalformed = errors.New("feishu: malformed event")

// InboundEvent is one webhook delivery, decoded but not yet trusted.
type InboundEvent struct {
	EventID   string
	EventType string
	Schema    string
	Token     string
	Challenge string
	Encrypted bool
	RawBody   []byte
	Timestamp string
	Nonce     string
	Signature string
	Event     json.RawMessage
}

// IsChallenge reports whether the event is the endpoint URL check.
func (e InboundEvent) IsChallenge() bool {
	return e.EventType == EventURLVerification
}

// HasSignature reports whether all three signature headers were supplied.
func (e InboundEvent) HasSignature() bool {
	return e.Timestamp != "" && e.Nonce != "" && e.Signature != ""
}

type envelope struct {
	Encrypt   string `json:"encrypt"`
	Schema    string `json:"schema"`
	Type      string `json:"type"`
	Token     string `json:"token"`
	Challenge string `json:"challenge"`
	UUID      string `json:"uuid"`
	Header    struct {
		EventID   string `json:"event_id"`
		EventType string `json:"event_type"`
		Token     string `json:"token"`
	} `json:"header"`
	Event json.RawMessage `json:"event"`
}

// ParseEnvelope decodes a webhook body, decrypting it first when it is an
// encrypted envelope. Both the 2.0 header schema and the 1.0 flat schema are
// accepted.
func ParseEnvelope(body []byte, encryptKey string) (InboundEvent, error) {
	ev := InboundEvent{RawBody: body}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Encrypt != "" {
		plain, err := Decrypt(env.Encrypt, encryptKey)
		if err != nil {
			return ev, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		env = envelope{}
		if err := json.Unmarshal(plain, &env); err != nil {
			return ev, fmt.Errorf("%w: decrypted body: %v", ErrMalformed, err)
		}
		ev.Encrypted = true
	}

	ev.Schema = env.Schema
	ev.Challenge = env.Challenge
	ev.Event = env.Event
	ev.Token = firstNonEmpty(env.Header.Token, env.Token)
	ev.EventID = firstNonEmpty(env.Header.EventID, env.UUID)

	switch {
	case env.Header.EventType != "":
		ev.EventType = env.Header.EventType
	case env.Type == EventURLVerification:
		ev.EventType = EventURLVerification
	default:
		// 1.0 callbacks carry the event kind inside the event object.
		var inner struct {
			Type string `json:"type"`
		}
		if len(env.Event) > 0 && json.Unmarshal(env.Event, &inner) == nil && inner.Type != "" {
			ev.EventType = inner.Type
		} else {
			ev.EventType = env.Type
		}
	}
	if ev.Schema == "" {
		ev.Schema = "1.0"
	}
	return ev, nil
}

// UserID identifies a Feishu user in the three id namespaces.
type UserID struct {
	OpenID  string `json:"open_id"`
	UserID  string `json:"user_id"`
	UnionID string `json:"union_id"`
}

// MessageEvent is the payload of im.message.receive_v1.
type MessageEvent struct {
	Sender struct {
		SenderID   UserID `json:"sender_id"`
		SenderType string `json:"sender_type"`
	} `json:"sender"`
	Message struct {
		MessageID   string `json:"message_id"`
		RootID      string `json:"root_id"`
		ParentID    string `json:"parent_id"`
		CreateTime  string `json:"create_time"`
		ChatID      string `json:"chat_id"`
		ChatType    string `json:"chat_type"`
		MessageType string `json:"message_type"`
		Content     string `json:"content"`
	} `json:"message"`
}

// ParseMessageEvent decodes the event object of a message receive callback.
func ParseMessageEvent(raw json.RawMessage) (MessageEvent, error) {
	var m MessageEvent
	if len(raw) == 0 {
		return m, fmt.Errorf("%w: empty event", ErrMalformed)
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.Message.ChatID == "" {
		return m, fmt.Errorf("%w: missing chat_id", ErrMalformed)
	}
	return m, nil
}

// SenderID prefers open_id, then user_id, then the chat id.
func (m MessageEvent) SenderID() string {
	return firstNonEmpty(m.Sender.SenderID.OpenID, m.Sender.SenderID.UserID, m.Message.ChatID)
}

var mentionPlaceholder = regexp.MustCompile(`@_user_\d+`)

// Text returns the text of a text message with mention placeholders removed.
func (m MessageEvent) Text() string {
	text := m.ContentField("text")
	text = mentionPlaceholder.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

// ContentField returns a string field of the JSON-encoded message content.
func (m MessageEvent) ContentField(key string) string {
	if m.Message.Content == "" {
		return ""
	}
	var content map[string]any
	if err := json.Unmarshal([]byte(m.Message.Content), &content); err != nil {
		return ""
	}
	s, _ := content[key].(string)
	return s
}

// CreatedAt returns the message creation time, or the zero time when absent.
func (m MessageEvent) CreatedAt() time.Time {
	ms, err := strconv.ParseInt(strings.TrimSpace(m.Message.CreateTime), 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
