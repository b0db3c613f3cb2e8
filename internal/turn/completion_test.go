package turn

import (
	"context"
	"testing"

	"github.com/runlocal/infergate/internal/domain"
	"github.com/runlocal/infergate/internal/instance"
	"github.com/runlocal/infergate/internal/llmruntime"
)

func newTestInstance(t *testing.T, cfg domain.ModelConfig) (*instance.Instance, *llmruntime.MockModel) {
	t.Helper()
	rt := llmruntime.NewMockRuntime()
	if cfg.File == "" {
		cfg.File = "/fake/model.gguf"
	}
	inst, err := instance.New(context.Background(), rt, cfg)
	if err != nil {
		t.Fatalf("instance.New: %v", err)
	}
	t.Cleanup(inst.Dispose)
	return inst, inst.Model.(*llmruntime.MockModel)
}

func TestCompletionReturnsGeneratedText(t *testing.T) {
	inst, model := newTestInstance(t, domain.ModelConfig{Name: "c1", ContextSize: 1024})
	model.QueueTurn(llmruntime.MockTurn{Text: "the answer is 42", StopReason: "eogToken"})

	result, err := Completion(context.Background(), inst, domain.CompletionRequest{Prompt: "what is the answer?"})
	if err != nil {
		t.Fatalf("Completion: %v", err)
	}
	if result.Text != "the answer is 42" {
		t.Errorf("Text = %q, want %q", result.Text, "the answer is 42")
	}
}

func TestCompletionDoesNotTouchChatHistory(t *testing.T) {
	inst, model := newTestInstance(t, domain.ModelConfig{Name: "c2", ContextSize: 1024})
	model.QueueTurn(llmruntime.MockTurn{Text: "ignored"})
	inst.ChatHistory = []domain.ChatHistoryItem{{Kind: domain.HistoryUser, Text: "prior turn"}}

	if _, err := Completion(context.Background(), inst, domain.CompletionRequest{Prompt: "hello"}); err != nil {
		t.Fatalf("Completion: %v", err)
	}
	if len(inst.ChatHistory) != 1 || inst.ChatHistory[0].Text != "prior turn" {
		t.Errorf("ChatHistory was mutated by a completion request: %+v", inst.ChatHistory)
	}
}

func TestCompletionAbortedContext(t *testing.T) {
	inst, _ := newTestInstance(t, domain.ModelConfig{Name: "c3", ContextSize: 1024})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Completion(ctx, inst, domain.CompletionRequest{Prompt: "hello"})
	if !domain.IsKind(err, domain.KindCancellation) {
		t.Fatalf("err = %v, want KindCancellation", err)
	}
}
