package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidChannel    = errors.New("invalid channel name")
	ErrInvalidID         = errors.New("invalid message id")
	ErrInvalidDate       = errors.New("invalid message date")
	ErrInvalidSubchannel = errors.New("invalid message subchannel")
	ErrInvalidContent    = errors.New("invalid message content")
)

// Channel names are lower case URI-safe tokens, at least two characters.
var channelRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_.~-]+$`)

// Message is the unit flowing through both the inbox and the outbox.
// Content is the raw JSON object supplied by the sender; Date and Expiry
// are epoch milliseconds. Expiry 0 means "never expires", which on the
// outbound path doubles as "do not retry past the first failure".
type Message struct {
	ID           string          `json:"id" db:"id"`
	Channel      string          `json:"channel" db:"channel"`
	Subchannel   string          `json:"subchannel" db:"subchannel"`
	Content      json.RawMessage `json:"content" db:"content"`
	Date         int64           `json:"date" db:"date"`
	Expiry       int64           `json:"expiry" db:"expiry"`
	Notification string          `json:"notification" db:"notification"`
	Provider     string          `json:"provider" db:"provider"`
}

// New creates an outbound message with a fresh id, the current timestamp
// and no expiry.
func New(channel, subchannel string, content json.RawMessage) *Message {
	if len(content) == 0 {
		content = json.RawMessage(`{}`)
	}
	return &Message{
		ID:         uuid.NewString(),
		Channel:    channel,
		Subchannel: subchannel,
		Content:    content,
		Date:       time.Now().UnixMilli(),
	}
}

// Decode parses a message from its wire JSON form. Missing content,
// notification and provider fields default to empty values; a missing id
// gets a fresh one so providers can re-inject locally built messages.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if len(m.Content) == 0 {
		m.Content = json.RawMessage(`{}`)
	}
	return &m, nil
}

// Encode renders the wire JSON form used by every transport.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Expired reports whether the message's expiry has passed. Expiry 0 never
// expires, however old Date is. Evaluated fresh on every call.
func (m *Message) Expired() bool {
	if m.Expiry == 0 {
		return false
	}
	return time.Now().UnixMilli() >= m.Expiry
}

// SingleAttempt reports whether a transient send failure should drop the
// message instead of leaving it queued for retry.
func (m *Message) SingleAttempt() bool {
	return m.Expiry == 0
}

// ValidateChannel rejects names that are not lower case URI-safe tokens.
func ValidateChannel(channel string) error {
	if !channelRe.MatchString(channel) {
		return fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}
	return nil
}

// Validate checks the invariants required before a message may be persisted.
func (m *Message) Validate() error {
	if err := ValidateChannel(m.Channel); err != nil {
		return err
	}
	if m.ID == "" {
		return ErrInvalidID
	}
	if m.Date <= 0 {
		return ErrInvalidDate
	}
	if m.Subchannel == "" {
		return ErrInvalidSubchannel
	}
	if len(m.Content) == 0 {
		return ErrInvalidContent
	}
	return nil
}

// Transport is the optional content.transport sub-object consulted by the
// REST and cloud-backend transports when building their requests.
type Transport struct {
	Type        string            `json:"type"`
	Method      string            `json:"httpMethod"`
	API         string            `json:"api"`
	URL         string            `json:"url"`
	ContentType string            `json:"contentType"`
	Headers     map[string]string `json:"headers"`
	Params      map[string]string `json:"params"`
	Data        json.RawMessage   `json:"data"`
}

// TransportSpec extracts content.transport, reporting false when the content
// is not an object or carries no transport section.
func (m *Message) TransportSpec() (*Transport, bool) {
	var envelope struct {
		Transport *Transport `json:"transport"`
	}
	if err := json.Unmarshal(m.Content, &envelope); err != nil || envelope.Transport == nil {
		return nil, false
	}
	return envelope.Transport, true
}
