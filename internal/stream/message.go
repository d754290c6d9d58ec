package stream

import (
	"encoding/json"
	"time"
)

// Source identifies the producer that submitted a message.
type Source string

const (
	SourceStdout       Source = "stdout"
	SourceStderr       Source = "stderr"
	SourceSpawner      Source = "spawner"
	SourceCoordination Source = "coordination"
	SourceUser         Source = "user"
	SourceSystem       Source = "system"
)

// Message is one unit flowing from a producer to an instance log.
// InstanceID and SessionID are optional; Seq is assigned by the pipeline on
// arrival and orders every message across all producers.
type Message struct {
	InstanceID string
	SessionID  string
	Seq        uint64
	Source     Source
	ReceivedAt time.Time
	Payload    Payload
	Raw        json.RawMessage
}

func (m Message) Type() string {
	if m.Payload == nil {
		return "unknown"
	}
	return m.Payload.Kind()
}

// Payload is implemented only by the types in this package.
type Payload interface {
	Kind() string
	payload()
}

const (
	KindSessionStarted = "session_started"
	KindTextDelta      = "text_delta"
	KindToolUse        = "tool_use"
	KindError          = "error"
	KindLifecycle      = "lifecycle"
)

type SessionStarted struct {
	SessionID string
	Model     string
	Cwd       string
}

type TextDelta struct {
	Text string
}

type ToolUse struct {
	ID     string
	Name   string
	Input  map[string]any
	Denied bool
}

type ErrorNotice struct {
	Message string
}

type LifecycleKind string

const (
	LifecycleStreamStart LifecycleKind = "stream_start"
	LifecycleStreamEnd   LifecycleKind = "stream_end"
	LifecycleExited      LifecycleKind = "exited"
	LifecycleNotice      LifecycleKind = "notice"
)

type Lifecycle struct {
	Stage    LifecycleKind
	ExitCode int
	Detail   string
}

func (SessionStarted) Kind() string { return KindSessionStarted }
func (TextDelta) Kind() string      { return KindTextDelta }
func (ToolUse) Kind() string        { return KindToolUse }
func (ErrorNotice) Kind() string    { return KindError }
func (Lifecycle) Kind() string      { return KindLifecycle }

func (SessionStarted) payload() {}
func (TextDelta) payload()      {}
func (ToolUse) payload()        {}
func (ErrorNotice) payload()    {}
func (Lifecycle) payload()      {}

// StringInput returns a string field of the tool input, or "".
func (t ToolUse) StringInput(key string) string {
	value, _ := t.Input[key].(string)
	return value
}

// IntInput returns a numeric field of the tool input, or fallback.
func (t ToolUse) IntInput(key string, fallback int) int {
	switch value := t.Input[key].(type) {
	case float64:
		return int(value)
	case int:
		return value
	case json.Number:
		if parsed, err := value.Int64(); err == nil {
			return int(parsed)
		}
	}
	return fallback
}
