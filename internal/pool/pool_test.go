package pool

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/runlocal/infergate/internal/domain"
	"github.com/runlocal/infergate/internal/llmruntime"
	"github.com/runlocal/infergate/internal/metrics"
)

func testConfig(t *testing.T, name string) domain.ModelConfig {
	t.Helper()
	dir := t.TempDir()
	file := filepath.Join(dir, name+".gguf")
	if err := os.WriteFile(file, []byte("fake"), 0o644); err != nil {
		t.Fatalf("write fake model: %v", err)
	}
	return domain.ModelConfig{Name: name, File: file, ContextSize: 2048}
}

func newTestPool(t *testing.T, concurrency int, configs map[string]domain.ModelConfig) *Pool {
	t.Helper()
	p := New(llmruntime.NewMockRuntime(), nil, configs, concurrency, zerolog.Nop(), metrics.New())
	t.Cleanup(p.Dispose)
	return p
}

func TestRequestChatSpawnsAndReleasesSlot(t *testing.T) {
	cfg := testConfig(t, "alpha")
	p := newTestPool(t, 1, map[string]domain.ModelConfig{"alpha": cfg})

	result, err := p.RequestChat(context.Background(), "alpha", domain.ChatRequest{
		Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("RequestChat: %v", err)
	}
	if result.Message.Content == "" {
		t.Error("expected non-empty assistant reply")
	}

	status := p.GetStatus()
	if len(status.Slots) != 1 || status.Slots[0].State != domain.SlotIdle {
		t.Errorf("slots = %+v, want one idle slot", status.Slots)
	}
}

func TestRequestChatUnknownModel(t *testing.T) {
	p := newTestPool(t, 1, map[string]domain.ModelConfig{})
	_, err := p.RequestChat(context.Background(), "missing", domain.ChatRequest{})
	if !domain.IsKind(err, domain.KindConfiguration) {
		t.Fatalf("err = %v, want KindConfiguration", err)
	}
}

func TestRequestChatMissingFileNoURL(t *testing.T) {
	cfg := domain.ModelConfig{Name: "nofile", File: "/nonexistent/path.gguf"}
	p := newTestPool(t, 1, map[string]domain.ModelConfig{"nofile": cfg})
	_, err := p.RequestChat(context.Background(), "nofile", domain.ChatRequest{})
	if !domain.IsKind(err, domain.KindResource) {
		t.Fatalf("err = %v, want KindResource", err)
	}
}

// TestConcurrencyCapQueues: with concurrency 1 and two distinct models in flight, the second
// request queues until the first releases its slot.
func TestConcurrencyCapQueues(t *testing.T) {
	cfgA := testConfig(t, "a")
	cfgB := testConfig(t, "b")
	p := newTestPool(t, 1, map[string]domain.ModelConfig{"a": cfgA, "b": cfgB})

	releaseFirst := make(chan struct{})
	firstStarted := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		// Acquire directly so the test controls when the slot releases.
		slot, err := p.acquire(context.Background(), "a", nil, false)
		if err != nil {
			t.Errorf("acquire a: %v", err)
			return
		}
		close(firstStarted)
		<-releaseFirst
		p.release(slot)
	}()

	<-firstStarted

	var secondErr error
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, secondErr = p.RequestChat(ctx, "b", domain.ChatRequest{
			Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}},
		})
	}()

	time.Sleep(50 * time.Millisecond)
	status := p.GetStatus()
	if status.QueueDepth != 1 {
		t.Errorf("queue depth = %d, want 1 while slot a is held", status.QueueDepth)
	}

	close(releaseFirst)
	wg.Wait()
	if secondErr != nil {
		t.Errorf("second request failed after eviction: %v", secondErr)
	}
}

// TestAffinityRoutingPrefersMatchingHistory: a second request
// sharing a message prefix with an idle slot's chat history is routed to
// that slot rather than spawning a new one, even when another idle slot
// for the same model is free.
func TestAffinityRoutingPrefersMatchingHistory(t *testing.T) {
	cfg := testConfig(t, "shared")
	p := newTestPool(t, 2, map[string]domain.ModelConfig{"shared": cfg})

	seed := []domain.ChatMessage{{Role: domain.RoleUser, Content: "remember the number 42"}}
	_, err := p.RequestChat(context.Background(), "shared", domain.ChatRequest{Messages: seed})
	if err != nil {
		t.Fatalf("seed request: %v", err)
	}

	// Spawn a second, unrelated idle slot for the same model. The seeded
	// slot is held meanwhile; otherwise the unrelated request would reuse
	// it as the least-recently-used idle slot and reset its history.
	held, err := p.acquire(context.Background(), "shared", nil, false)
	if err != nil {
		t.Fatalf("hold seeded slot: %v", err)
	}
	_, err = p.RequestChat(context.Background(), "shared", domain.ChatRequest{
		Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: "something else entirely"}},
	})
	if err != nil {
		t.Fatalf("second seed request: %v", err)
	}
	p.release(held)

	p.mu.Lock()
	var matchSlot *Slot
	for _, s := range p.slots {
		if len(s.Instance.ChatHistory) > 0 {
			if hRole, hText := canonicalRoleText(s.Instance.ChatHistory[0]); hRole == "user" && hText == seed[0].Content {
				matchSlot = s
			}
		}
	}
	p.mu.Unlock()
	if matchSlot == nil {
		t.Fatal("could not find the slot seeded with the matching prefix")
	}

	result, err := p.RequestChat(context.Background(), "shared", domain.ChatRequest{
		Messages: append(append([]domain.ChatMessage{}, seed...), domain.ChatMessage{Role: domain.RoleAssistant, Content: "echo: remember the number 42"}, domain.ChatMessage{Role: domain.RoleUser, Content: "what was the number?"}),
	})
	if err != nil {
		t.Fatalf("follow-up request: %v", err)
	}
	_ = result

	p.mu.Lock()
	if matchSlot.ID == "" {
		t.Fatal("matched slot lost its ID")
	}
	slotCount := len(p.slots)
	p.mu.Unlock()
	if slotCount != 2 {
		t.Fatalf("slots = %d, want 2 (seeded slot plus the unrelated one)", slotCount)
	}
	h := matchSlot.Instance.ChatHistory
	if len(h) < 3 || h[2].Kind != domain.HistoryUser || h[2].Text != "what was the number?" {
		t.Errorf("seeded slot history = %+v, want the follow-up appended after the matched prefix", h)
	}
}

// TestEvictAndReplace: when every slot is busy and a waiter
// names a different model, release() evicts the slot being released and
// respawns it for the waiter's model.
func TestEvictAndReplace(t *testing.T) {
	cfgA := testConfig(t, "evict-a")
	cfgB := testConfig(t, "evict-b")
	p := newTestPool(t, 1, map[string]domain.ModelConfig{"evict-a": cfgA, "evict-b": cfgB})

	slot, err := p.acquire(context.Background(), "evict-a", nil, false)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	resultCh := make(chan error, 1)
	go func() {
		_, err := p.RequestChat(context.Background(), "evict-b", domain.ChatRequest{
			Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}},
		})
		resultCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p.release(slot)

	select {
	case err := <-resultCh:
		if err != nil {
			t.Fatalf("evicted request failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for evict-and-replace")
	}

	status := p.GetStatus()
	if len(status.Slots) != 1 || status.Slots[0].ModelName != "evict-b" {
		t.Errorf("slots = %+v, want one slot for evict-b", status.Slots)
	}
}

func TestAcquireAbortWhileQueued(t *testing.T) {
	cfgA := testConfig(t, "abort-a")
	cfgB := testConfig(t, "abort-b")
	p := newTestPool(t, 1, map[string]domain.ModelConfig{"abort-a": cfgA, "abort-b": cfgB})

	slot, err := p.acquire(context.Background(), "abort-a", nil, false)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer p.release(slot)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.acquire(ctx, "abort-b", nil, false)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !domain.IsKind(err, domain.KindCancellation) {
			t.Errorf("err = %v, want KindCancellation", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for abort")
	}

	status := p.GetStatus()
	if status.QueueDepth != 0 {
		t.Errorf("queue depth = %d, want 0 after abort removes the waiter", status.QueueDepth)
	}
}

func TestModelNamesSorted(t *testing.T) {
	p := newTestPool(t, 1, map[string]domain.ModelConfig{
		"zebra": testConfig(t, "zebra"),
		"alpha": testConfig(t, "alpha2"),
		"mid":   testConfig(t, "mid"),
	})
	names := p.ModelNames()
	want := []string{"alpha", "mid", "zebra"}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestDisposeDrainsQueuedRequests(t *testing.T) {
	cfg := testConfig(t, "drain")
	p := New(llmruntime.NewMockRuntime(), nil, map[string]domain.ModelConfig{"drain": cfg}, 1, zerolog.Nop(), metrics.New())

	slot, err := p.acquire(context.Background(), "drain", nil, false)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := p.acquire(context.Background(), "drain", nil, false)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	go p.Dispose()
	time.Sleep(20 * time.Millisecond)
	p.release(slot)

	select {
	case err := <-errCh:
		if !domain.IsKind(err, domain.KindShutdown) {
			t.Errorf("err = %v, want KindShutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for drained waiter")
	}
}
