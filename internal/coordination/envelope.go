// Package coordination exchanges envelopes between orchestrators through a
// websocket relay. Envelopes addressed to this orchestrator are turned into
// messages for the instance they name.
package coordination

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"veda/internal/stream"
)

const (
	TypeRequestChange = "RequestChange"
	TypeAcknowledge   = "Acknowledge"
	TypeQuestion      = "Question"
	TypeTaskUpdate    = "TaskUpdate"
)

var ErrNoIdentity = errors.New("envelope names no instance or session")

// Envelope is the unit exchanged over the relay. An empty To is a
// broadcast.
type Envelope struct {
	ID             string `cbor:"id"`
	From           string `cbor:"from"`
	To             string `cbor:"to,omitempty"`
	MessageType    string `cbor:"message_type"`
	Summary        string `cbor:"summary"`
	Content        string `cbor:"content"`
	TaskID         string `cbor:"task_id,omitempty"`
	Timestamp      int64  `cbor:"timestamp"`
	ReplyTo        string `cbor:"reply_to,omitempty"`
	SessionContext string `cbor:"session_context,omitempty"`
	InstanceID     string `cbor:"instance_id,omitempty"`
	SessionID      string `cbor:"session_id,omitempty"`
}

func (e Envelope) IsBroadcast() bool {
	return strings.TrimSpace(e.To) == ""
}

// RelevantTo reports whether an orchestrator called name should act on e:
// addressed to it or broadcast, and not its own echo.
func (e Envelope) RelevantTo(name string) bool {
	if e.From == name {
		return false
	}
	return e.IsBroadcast() || e.To == name
}

func (e Envelope) SentAt() time.Time {
	return time.Unix(e.Timestamp, 0).UTC()
}

// Message converts the envelope into a routable message carrying the
// identity the envelope declares.
func (e Envelope) Message(receivedAt time.Time) (stream.Message, error) {
	if e.InstanceID == "" && e.SessionID == "" {
		return stream.Message{}, ErrNoIdentity
	}
	return stream.Message{
		InstanceID: e.InstanceID,
		SessionID:  e.SessionID,
		Source:     stream.SourceCoordination,
		ReceivedAt: receivedAt,
		Payload:    stream.TextDelta{Text: e.Text()},
	}, nil
}

// Text renders the envelope for display in an instance log.
func (e Envelope) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s from %s] %s", e.MessageType, e.From, e.Summary)
	if e.TaskID != "" {
		fmt.Fprintf(&b, " (task %s)", e.TaskID)
	}
	if e.Content != "" {
		b.WriteString("\n")
		b.WriteString(e.Content)
	}
	return b.String()
}
