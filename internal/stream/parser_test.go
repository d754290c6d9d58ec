package stream

import (
	"errors"
	"testing"
)

func TestParseLineCompactDialect(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Payload
	}{
		{
			name: "session started",
			line: `{"type":"session_started","instance_id":"i1","session_id":"s1"}`,
			want: SessionStarted{SessionID: "s1"},
		},
		{
			name: "text delta",
			line: `{"type":"text_delta","session_id":"s1","text":"hello"}`,
			want: TextDelta{Text: "hello"},
		},
		{
			name: "error",
			line: `{"type":"error","instance_id":"i1","message":"boom"}`,
			want: ErrorNotice{Message: "boom"},
		},
		{
			name: "lifecycle exit",
			line: `{"type":"lifecycle","kind":"exited","exit_code":2}`,
			want: Lifecycle{Stage: LifecycleExited, ExitCode: 2},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			messages, err := ParseLine([]byte(tt.line))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if len(messages) != 1 {
				t.Fatalf("expected 1 message, got %d", len(messages))
			}
			if messages[0].Payload != tt.want {
				t.Fatalf("expected %#v, got %#v", tt.want, messages[0].Payload)
			}
		})
	}
}

func TestParseLineCarriesIdentity(t *testing.T) {
	messages, err := ParseLine([]byte(`{"type":"text_delta","instance_id":"i1","session_id":"s1","text":"x"}` + "\r"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if messages[0].InstanceID != "i1" || messages[0].SessionID != "s1" {
		t.Fatalf("unexpected identity %q/%q", messages[0].InstanceID, messages[0].SessionID)
	}
	if len(messages[0].Raw) == 0 {
		t.Fatal("expected raw line to be kept")
	}
}

func TestParseLineCompactToolUse(t *testing.T) {
	messages, err := ParseLine([]byte(`{"type":"tool_use","session_id":"s1","tool_name":"Bash","input":{"command":"ls"},"denied":true}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	tool, ok := messages[0].Payload.(ToolUse)
	if !ok {
		t.Fatalf("expected tool use, got %#v", messages[0].Payload)
	}
	if tool.Name != "Bash" || !tool.Denied || tool.StringInput("command") != "ls" {
		t.Fatalf("unexpected tool use %#v", tool)
	}
}

func TestParseLineClaudeSystemInit(t *testing.T) {
	messages, err := ParseLine([]byte(`{"type":"system","subtype":"init","session_id":"abc","model":"m","cwd":"/tmp"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	started, ok := messages[0].Payload.(SessionStarted)
	if !ok || started.SessionID != "abc" || started.Cwd != "/tmp" {
		t.Fatalf("unexpected payload %#v", messages[0].Payload)
	}
	if messages[0].SessionID != "abc" {
		t.Fatalf("expected message session abc, got %q", messages[0].SessionID)
	}
}

func TestParseLineClaudeAssistantBlocks(t *testing.T) {
	line := `{"type":"assistant","session_id":"abc","message":{"id":"m1","content":[` +
		`{"type":"text","text":"working"},` +
		`{"type":"tool_use","id":"t1","name":"veda_spawn_instances","input":{"task_description":"split","num_instances":3}}]}}`
	messages, err := ParseLine([]byte(line))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if text, ok := messages[0].Payload.(TextDelta); !ok || text.Text != "working" {
		t.Fatalf("unexpected first payload %#v", messages[0].Payload)
	}
	tool, ok := messages[1].Payload.(ToolUse)
	if !ok {
		t.Fatalf("unexpected second payload %#v", messages[1].Payload)
	}
	if tool.IntInput("num_instances", 2) != 3 || tool.StringInput("task_description") != "split" {
		t.Fatalf("unexpected tool input %#v", tool.Input)
	}
	if tool.IntInput("missing", 2) != 2 {
		t.Fatal("expected fallback for missing input")
	}
}

func TestParseLineClaudePermissionDenied(t *testing.T) {
	line := `{"type":"user","session_id":"abc","message":{"content":[{"type":"tool_result","is_error":true,` +
		`"content":"Claude requested permissions to use Bash, but you haven't granted it yet."}]}}`
	messages, err := ParseLine([]byte(line))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	tool, ok := messages[0].Payload.(ToolUse)
	if !ok || tool.Name != "Bash" || !tool.Denied {
		t.Fatalf("unexpected payload %#v", messages[0].Payload)
	}

	plain := `{"type":"user","session_id":"abc","message":{"content":[{"type":"tool_result","content":"ok"}]}}`
	messages, err = ParseLine([]byte(plain))
	if err != nil || len(messages) != 0 {
		t.Fatalf("expected no messages, got %d (%v)", len(messages), err)
	}
}

func TestParseLineClaudeResult(t *testing.T) {
	messages, err := ParseLine([]byte(`{"type":"result","subtype":"success","is_error":false,"result":"done","session_id":"abc"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if messages[0].Payload != (Lifecycle{Stage: LifecycleStreamEnd}) {
		t.Fatalf("unexpected payload %#v", messages[0].Payload)
	}

	messages, err = ParseLine([]byte(`{"type":"result","subtype":"error","is_error":true,"result":"limit","session_id":"abc"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if messages[0].Payload != (ErrorNotice{Message: "limit"}) {
		t.Fatalf("unexpected payload %#v", messages[0].Payload)
	}
}

func TestParseLineClaudeError(t *testing.T) {
	messages, err := ParseLine([]byte(`{"type":"error","error":{"message":"overloaded"}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if messages[0].Payload != (ErrorNotice{Message: "overloaded"}) {
		t.Fatalf("unexpected payload %#v", messages[0].Payload)
	}
}

func TestParseLineFailures(t *testing.T) {
	if _, err := ParseLine([]byte("   ")); !errors.Is(err, ErrEmptyLine) {
		t.Fatalf("expected ErrEmptyLine, got %v", err)
	}
	if _, err := ParseLine([]byte(`{"type":"mystery"}`)); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
	if _, err := ParseLine([]byte(`{"type":"system","subtype":"init"}`)); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	if _, err := ParseLine([]byte(`{not json`)); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestIsStderrError(t *testing.T) {
	if !IsStderrError("Error: auth failed") || !IsStderrError("fatal error") {
		t.Fatal("expected error lines to match")
	}
	if IsStderrError("loading config") {
		t.Fatal("expected plain line not to match")
	}
}

func TestPayloadKinds(t *testing.T) {
	tests := []struct {
		payload Payload
		want    string
	}{
		{SessionStarted{SessionID: "s1"}, KindSessionStarted},
		{TextDelta{Text: "x"}, KindTextDelta},
		{ToolUse{Name: "Bash"}, KindToolUse},
		{ErrorNotice{Message: "boom"}, KindError},
		{Lifecycle{Stage: LifecycleExited, ExitCode: 1}, KindLifecycle},
	}
	for _, tt := range tests {
		if got := (Message{Payload: tt.payload}).Type(); got != tt.want {
			t.Fatalf("expected %s, got %s", tt.want, got)
		}
	}
	if got := (Message{}).Type(); got != "unknown" {
		t.Fatalf("expected unknown for empty payload, got %s", got)
	}
}
