package identity

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"veda/internal/stream"
)

func newTestRegistry(max int) *Registry {
	next := 0
	return NewRegistry(Options{
		MaxInstances: max,
		LogCapacity:  16,
		NewID: func() string {
			next++
			return fmt.Sprintf("inst-%d", next)
		},
	})
}

func TestCreateAssignsDistinctIDs(t *testing.T) {
	registry := NewRegistry(Options{})
	first, err := registry.Create("", "/tmp")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := registry.Create("", "/tmp")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first == second {
		t.Fatalf("expected distinct ids, got %q twice", first)
	}
	inst, ok := registry.Get(first)
	if !ok {
		t.Fatal("expected instance")
	}
	if inst.State != StateCreated || inst.DisplayName != "Instance 1" {
		t.Fatalf("unexpected snapshot %#v", inst)
	}
}

func TestCreateEnforcesLimit(t *testing.T) {
	registry := newTestRegistry(2)
	for i := 0; i < 2; i++ {
		if _, err := registry.Create("", ""); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if _, err := registry.Create("", ""); !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}
	if _, err := registry.Remove("inst-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := registry.Create("", ""); err != nil {
		t.Fatalf("expected room after remove, got %v", err)
	}
}

func TestBindSessionIsUniqueAndStable(t *testing.T) {
	registry := newTestRegistry(4)
	a, _ := registry.Create("A", "")
	b, _ := registry.Create("B", "")

	if err := registry.BindSession(a, "s1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := registry.BindSession(a, "s1"); err != nil {
		t.Fatalf("expected idempotent bind, got %v", err)
	}
	if err := registry.BindSession(b, "s1"); !errors.Is(err, ErrAlreadyBound) {
		t.Fatalf("expected ErrAlreadyBound for foreign session, got %v", err)
	}
	if err := registry.BindSession(a, "s2"); !errors.Is(err, ErrAlreadyBound) {
		t.Fatalf("expected ErrAlreadyBound for second session, got %v", err)
	}
	owner, ok := registry.SessionOwner("s1")
	if !ok || owner != a {
		t.Fatalf("expected s1 owned by %s, got %q", a, owner)
	}
	if _, ok := registry.SessionOwner("s2"); ok {
		t.Fatal("expected rejected session to stay unbound")
	}
	if err := registry.BindSession("missing", "s3"); !errors.Is(err, ErrUnknownInstance) {
		t.Fatalf("expected ErrUnknownInstance, got %v", err)
	}
}

func TestRebindSessionForResume(t *testing.T) {
	registry := newTestRegistry(4)
	a, _ := registry.Create("A", "")
	b, _ := registry.Create("B", "")
	_ = registry.BindSession(a, "s1")
	_ = registry.BindSession(b, "s2")

	if err := registry.RebindSessionForResume(a, "s2"); !errors.Is(err, ErrAlreadyBound) {
		t.Fatalf("expected ErrAlreadyBound, got %v", err)
	}
	if err := registry.RebindSessionForResume(a, "s9"); !errors.Is(err, ErrSessionNotInHistory) {
		t.Fatalf("expected ErrSessionNotInHistory, got %v", err)
	}

	if err := registry.ClearSession(a); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := registry.BindSession(a, "s3"); err != nil {
		t.Fatalf("bind after clear: %v", err)
	}
	if err := registry.RebindSessionForResume(a, "s1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	inst, _ := registry.Get(a)
	if inst.SessionID != "s1" {
		t.Fatalf("expected current session s1, got %q", inst.SessionID)
	}
	if len(inst.Sessions) != 2 {
		t.Fatalf("expected two sessions in history, got %v", inst.Sessions)
	}
	for _, sid := range []string{"s1", "s3"} {
		if owner, _ := registry.SessionOwner(sid); owner != a {
			t.Fatalf("expected %s owned by %s, got %q", sid, a, owner)
		}
	}
}

func TestRebindAfterClearKeepsHistoryUnique(t *testing.T) {
	registry := newTestRegistry(4)
	id, _ := registry.Create("A", "")
	_ = registry.BindSession(id, "s1")
	_ = registry.ClearSession(id)

	if err := registry.BindSession(id, "s1"); err != nil {
		t.Fatalf("bind announced session again: %v", err)
	}
	inst, _ := registry.Get(id)
	if inst.SessionID != "s1" {
		t.Fatalf("expected current session s1, got %q", inst.SessionID)
	}
	if len(inst.Sessions) != 1 {
		t.Fatalf("expected one session in history, got %v", inst.Sessions)
	}
}

func TestAppendMessagePromotesState(t *testing.T) {
	registry := newTestRegistry(4)
	id, _ := registry.Create("", "")
	_ = registry.MarkSpawning(id)

	if err := registry.AppendMessage(id, stream.Message{Seq: 1, Payload: stream.TextDelta{Text: "a"}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	inst, _ := registry.Get(id)
	if inst.State != StateActive {
		t.Fatalf("expected active, got %s", inst.State)
	}

	_ = registry.MarkExited(id)
	_ = registry.AppendMessage(id, stream.Message{Seq: 2, Payload: stream.TextDelta{Text: "b"}})
	inst, _ = registry.Get(id)
	if inst.State != StateExited {
		t.Fatalf("expected exited to stick, got %s", inst.State)
	}
	messages, _ := registry.Messages(id)
	if len(messages) != 2 || messages[0].Seq != 1 || messages[1].Seq != 2 {
		t.Fatalf("unexpected log %#v", messages)
	}
	if err := registry.AppendMessage("missing", stream.Message{}); !errors.Is(err, ErrUnknownInstance) {
		t.Fatalf("expected ErrUnknownInstance, got %v", err)
	}
}

func TestMessageLogIsBounded(t *testing.T) {
	registry := newTestRegistry(1)
	id, _ := registry.Create("", "")
	for i := 1; i <= 20; i++ {
		_ = registry.AppendMessage(id, stream.Message{Seq: uint64(i)})
	}
	messages, _ := registry.Messages(id)
	if len(messages) != 16 || messages[0].Seq != 5 {
		t.Fatalf("expected last 16 messages, got %d starting at %d", len(messages), messages[0].Seq)
	}
}

func TestRemoveRetiresIdentity(t *testing.T) {
	registry := newTestRegistry(4)
	id, _ := registry.Create("A", "")
	_ = registry.BindSession(id, "s1")

	if _, err := registry.Remove(id); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if registry.Exists(id) {
		t.Fatal("expected instance gone")
	}
	if _, ok := registry.SessionOwner("s1"); ok {
		t.Fatal("expected session binding gone")
	}
	if !registry.Retired(id, "") || !registry.Retired("", "s1") {
		t.Fatal("expected id and session to be retired")
	}
	if registry.Retired("other", "s2") {
		t.Fatal("unexpected retirement")
	}
}

func TestFindByNameAndList(t *testing.T) {
	registry := newTestRegistry(4)
	_, _ = registry.Create("Main", "")
	second, _ := registry.Create("Worker 1", "")

	inst, ok := registry.FindByName("worker 1")
	if !ok || inst.ID != second {
		t.Fatalf("expected %s, got %#v", second, inst)
	}
	list := registry.List()
	if len(list) != 2 || list[0].DisplayName != "Main" {
		t.Fatalf("unexpected list %#v", list)
	}
}

func TestConcurrentBindingsStayConsistent(t *testing.T) {
	registry := newTestRegistry(8)
	ids := make([]string, 8)
	for i := range ids {
		ids[i], _ = registry.Create("", "")
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := registry.BindSession(id, "shared"); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected exactly one binding to win, got %d", winners)
	}
}
