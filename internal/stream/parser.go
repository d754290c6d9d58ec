package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyLine   = errors.New("empty line")
	ErrUnknownType = errors.New("unknown event type")
	ErrNoSession   = errors.New("session start without session id")
)

const (
	deniedPrefix = "Claude requested permissions to use "
	deniedSuffix = ", but you haven't granted it yet"
)

// envelope holds the union of fields used by both accepted dialects: the
// compact form emitted by veda-aware tools and Claude Code stream-json.
type envelope struct {
	Type       string          `json:"type"`
	Subtype    string          `json:"subtype"`
	InstanceID string          `json:"instance_id"`
	SessionID  string          `json:"session_id"`
	Model      string          `json:"model"`
	Cwd        string          `json:"cwd"`
	Text       string          `json:"text"`
	ID         string          `json:"id"`
	ToolName   string          `json:"tool_name"`
	Name       string          `json:"name"`
	Input      map[string]any  `json:"input"`
	Denied     bool            `json:"denied"`
	Kind       string          `json:"kind"`
	ExitCode   int             `json:"exit_code"`
	Detail     string          `json:"detail"`
	IsError    bool            `json:"is_error"`
	Result     *string         `json:"result"`
	Message    json.RawMessage `json:"message"`
	Error      json.RawMessage `json:"error"`
}

type claudeMessage struct {
	Content []claudeContent `json:"content"`
}

type claudeContent struct {
	Type    string          `json:"type"`
	Text    string          `json:"text"`
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Input   map[string]any  `json:"input"`
	IsError bool            `json:"is_error"`
	Content json.RawMessage `json:"content"`
}

// ParseLine decodes one NDJSON line into zero or more messages. A single
// assistant event can carry several content blocks and yields one message
// per block. Returned messages carry the identity found on the line; Seq and
// Source are left for the caller.
func ParseLine(line []byte) ([]Message, error) {
	line = bytes.TrimSpace(bytes.TrimSuffix(line, []byte("\r")))
	if len(line) == 0 {
		return nil, ErrEmptyLine
	}
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("decode stream line: %w", err)
	}
	raw := json.RawMessage(append([]byte(nil), line...))

	wrap := func(payloads ...Payload) []Message {
		messages := make([]Message, 0, len(payloads))
		for _, payload := range payloads {
			messages = append(messages, Message{
				InstanceID: env.InstanceID,
				SessionID:  env.SessionID,
				Payload:    payload,
				Raw:        raw,
			})
		}
		return messages
	}

	switch env.Type {
	case KindSessionStarted:
		if env.SessionID == "" {
			return nil, ErrNoSession
		}
		return wrap(SessionStarted{SessionID: env.SessionID, Model: env.Model, Cwd: env.Cwd}), nil
	case KindTextDelta:
		return wrap(TextDelta{Text: env.Text}), nil
	case KindToolUse:
		name := env.ToolName
		if name == "" {
			name = env.Name
		}
		return wrap(ToolUse{ID: env.ID, Name: name, Input: env.Input, Denied: env.Denied}), nil
	case KindLifecycle:
		kind := LifecycleKind(env.Kind)
		switch kind {
		case LifecycleStreamStart, LifecycleStreamEnd, LifecycleExited, LifecycleNotice:
		default:
			return nil, fmt.Errorf("%w: lifecycle kind %q", ErrUnknownType, env.Kind)
		}
		return wrap(Lifecycle{Stage: kind, ExitCode: env.ExitCode, Detail: env.Detail}), nil
	case KindError:
		return wrap(ErrorNotice{Message: errorText(env)}), nil
	case "system":
		if env.Subtype != "init" {
			return nil, fmt.Errorf("%w: system/%s", ErrUnknownType, env.Subtype)
		}
		if env.SessionID == "" {
			return nil, ErrNoSession
		}
		return wrap(SessionStarted{SessionID: env.SessionID, Model: env.Model, Cwd: env.Cwd}), nil
	case "assistant":
		var message claudeMessage
		if err := json.Unmarshal(env.Message, &message); err != nil {
			return nil, fmt.Errorf("decode assistant message: %w", err)
		}
		var payloads []Payload
		for _, content := range message.Content {
			switch content.Type {
			case "text":
				payloads = append(payloads, TextDelta{Text: content.Text})
			case "tool_use":
				payloads = append(payloads, ToolUse{ID: content.ID, Name: content.Name, Input: content.Input})
			}
		}
		return wrap(payloads...), nil
	case "user":
		tool, ok := deniedTool(env.Message)
		if !ok {
			return nil, nil
		}
		return wrap(ToolUse{Name: tool, Denied: true}), nil
	case "result":
		if !env.IsError {
			return wrap(Lifecycle{Stage: LifecycleStreamEnd}), nil
		}
		if env.Result == nil {
			return nil, nil
		}
		return wrap(ErrorNotice{Message: *env.Result}), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func errorText(env envelope) string {
	if len(env.Error) > 0 {
		var nested struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(env.Error, &nested); err == nil && nested.Message != "" {
			return nested.Message
		}
		var plain string
		if err := json.Unmarshal(env.Error, &plain); err == nil {
			return plain
		}
	}
	var plain string
	if err := json.Unmarshal(env.Message, &plain); err == nil {
		return plain
	}
	return ""
}

func deniedTool(raw json.RawMessage) (string, bool) {
	var message claudeMessage
	if len(raw) == 0 || json.Unmarshal(raw, &message) != nil {
		return "", false
	}
	for _, content := range message.Content {
		if !content.IsError {
			continue
		}
		text := contentText(content.Content)
		start := strings.Index(text, deniedPrefix)
		if start < 0 {
			continue
		}
		rest := text[start+len(deniedPrefix):]
		end := strings.Index(rest, deniedSuffix)
		if end <= 0 {
			continue
		}
		return rest[:end], true
	}
	return "", false
}

// contentText accepts tool_result content as a plain string or as a list of
// text blocks.
func contentText(raw json.RawMessage) string {
	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain
	}
	var blocks []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	parts := make([]string, 0, len(blocks))
	for _, block := range blocks {
		parts = append(parts, block.Text)
	}
	return strings.Join(parts, "\n")
}

// IsStderrError reports whether a stderr line should surface as an error.
func IsStderrError(line string) bool {
	return strings.Contains(strings.ToLower(line), "error")
}
