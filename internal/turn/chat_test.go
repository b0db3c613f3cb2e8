package turn

import (
	"context"
	"testing"

	"github.com/runlocal/infergate/internal/domain"
	"github.com/runlocal/infergate/internal/llmruntime"
)

func TestChatPlainTextReply(t *testing.T) {
	inst, model := newTestInstance(t, domain.ModelConfig{Name: "t1", ContextSize: 1024})
	model.QueueTurn(llmruntime.MockTurn{Text: "hello there", StopReason: "eogToken"})

	result, err := Chat(context.Background(), inst, domain.ChatRequest{
		Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if result.Message.Content != "hello there" {
		t.Errorf("Content = %q, want %q", result.Message.Content, "hello there")
	}
	if result.FinishReason != domain.FinishEOGToken {
		t.Errorf("FinishReason = %q, want eogToken", result.FinishReason)
	}
}

// TestChatEvocableFunctionResolvedHostSide: a single evocable
// call is executed by its handler and the model is re-invoked to
// continue, rather than surfacing the call to the caller.
func TestChatEvocableFunctionResolvedHostSide(t *testing.T) {
	inst, model := newTestInstance(t, domain.ModelConfig{Name: "t2", ContextSize: 1024})

	handlerCalled := false
	inst.Config.Functions = map[string]domain.FunctionDef{
		"get_time": {
			Handler: func(ctx context.Context, params map[string]any) (string, error) {
				handlerCalled = true
				return "3:00pm", nil
			},
		},
	}

	model.QueueTurn(llmruntime.MockTurn{
		Calls:      []domain.ModelFunctionCall{{Name: "get_time", Params: map[string]any{}}},
		StopReason: "functionCall",
	})
	model.QueueTurn(llmruntime.MockTurn{Text: "it is 3:00pm", StopReason: "eogToken"})

	result, err := Chat(context.Background(), inst, domain.ChatRequest{
		Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: "what time is it?"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if !handlerCalled {
		t.Error("expected evocable handler to run")
	}
	if len(result.Message.FunctionCalls) != 0 {
		t.Errorf("expected no surfaced calls, got %+v", result.Message.FunctionCalls)
	}
	if result.Message.Content != "it is 3:00pm" {
		t.Errorf("Content = %q, want the model's follow-up text", result.Message.Content)
	}
}

// TestChatNonEvocableFunctionSurfaced: a call naming a function
// declared without a handler (non-evocable) is surfaced to the caller
// instead of being executed.
func TestChatNonEvocableFunctionSurfaced(t *testing.T) {
	inst, model := newTestInstance(t, domain.ModelConfig{Name: "t3", ContextSize: 1024})

	model.QueueTurn(llmruntime.MockTurn{
		Calls:      []domain.ModelFunctionCall{{Name: "book_flight", Params: map[string]any{"to": "NRT"}}},
		StopReason: "functionCall",
	})

	result, err := Chat(context.Background(), inst, domain.ChatRequest{
		Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: "book me a flight"}},
		Functions: map[string]domain.FunctionDef{
			"book_flight": {Description: "books a flight"},
		},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(result.Message.FunctionCalls) != 1 || result.Message.FunctionCalls[0].Name != "book_flight" {
		t.Fatalf("FunctionCalls = %+v, want one surfaced book_flight call", result.Message.FunctionCalls)
	}
	if result.FinishReason != domain.FinishFunctionCall {
		t.Errorf("FinishReason = %q, want functionCall", result.FinishReason)
	}
	if len(inst.PendingFunctionCalls) != 1 {
		t.Errorf("PendingFunctionCalls = %d, want 1 recorded for the follow-up", len(inst.PendingFunctionCalls))
	}
}

// TestChatFollowUpSplicesFunctionResult: a
// subsequent request answering a surfaced call splices the result into
// history and the model continues.
func TestChatFollowUpSplicesFunctionResult(t *testing.T) {
	inst, model := newTestInstance(t, domain.ModelConfig{Name: "t4", ContextSize: 1024})

	model.QueueTurn(llmruntime.MockTurn{
		Calls:      []domain.ModelFunctionCall{{Name: "book_flight", Params: map[string]any{"to": "NRT"}}},
		StopReason: "functionCall",
	})

	first, err := Chat(context.Background(), inst, domain.ChatRequest{
		Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: "book me a flight"}},
		Functions: map[string]domain.FunctionDef{
			"book_flight": {Description: "books a flight"},
		},
	})
	if err != nil {
		t.Fatalf("first Chat: %v", err)
	}
	callID := first.Message.FunctionCalls[0].ID

	model.QueueTurn(llmruntime.MockTurn{Text: "your flight is booked", StopReason: "eogToken"})

	second, err := Chat(context.Background(), inst, domain.ChatRequest{
		Messages: []domain.ChatMessage{
			{Role: domain.RoleFunction, CallID: callID, Name: "book_flight", Content: "confirmation XJ123"},
		},
		Functions: map[string]domain.FunctionDef{
			"book_flight": {Description: "books a flight"},
		},
	})
	if err != nil {
		t.Fatalf("second Chat: %v", err)
	}
	if second.Message.Content != "your flight is booked" {
		t.Errorf("Content = %q, want follow-up text", second.Message.Content)
	}
	if len(inst.PendingFunctionCalls) != 0 {
		t.Error("expected pending call to be cleared once its result is spliced")
	}
}

// TestChatGrammarAndFunctionsMutuallyExclusive: a grammar name
// on the request wins over configured functions.
func TestChatGrammarAndFunctionsMutuallyExclusive(t *testing.T) {
	cfg := domain.ModelConfig{
		Name:        "t5",
		ContextSize: 1024,
		Grammars:    map[string]string{"json-object": "root ::= object"},
	}
	inst, model := newTestInstance(t, cfg)
	model.QueueTurn(llmruntime.MockTurn{Text: `{"ok":true}`, StopReason: "eogToken"})

	_, err := Chat(context.Background(), inst, domain.ChatRequest{
		Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: "give me json"}},
		Grammar:  "json-object",
		Functions: map[string]domain.FunctionDef{
			"unused": {Description: "should be ignored because grammar wins"},
		},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
}

func TestChatUnknownGrammarIsConfigurationError(t *testing.T) {
	inst, _ := newTestInstance(t, domain.ModelConfig{Name: "t6", ContextSize: 1024})

	_, err := Chat(context.Background(), inst, domain.ChatRequest{
		Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}},
		Grammar:  "nonexistent",
	})
	if !domain.IsKind(err, domain.KindConfiguration) {
		t.Fatalf("err = %v, want KindConfiguration", err)
	}
}

// TestChatLeadingEvocablePrefixPartitioning: only the leading run of evocable calls
// executes host-side; a non-evocable call and everything after it —
// including a trailing evocable call — are surfaced together.
func TestChatLeadingEvocablePrefixPartitioning(t *testing.T) {
	inst, model := newTestInstance(t, domain.ModelConfig{Name: "t7", ContextSize: 1024})

	firstHandlerCalled := false
	trailingHandlerCalled := false
	inst.Config.Functions = map[string]domain.FunctionDef{
		"lookup_time": {
			Handler: func(ctx context.Context, params map[string]any) (string, error) {
				firstHandlerCalled = true
				return "3:00pm", nil
			},
		},
		"trailing_evocable": {
			Handler: func(ctx context.Context, params map[string]any) (string, error) {
				trailingHandlerCalled = true
				return "should not run", nil
			},
		},
	}

	model.QueueTurn(llmruntime.MockTurn{
		Calls: []domain.ModelFunctionCall{
			{Name: "lookup_time", Params: map[string]any{}},
			{Name: "book_flight", Params: map[string]any{}},
			{Name: "trailing_evocable", Params: map[string]any{}},
		},
		StopReason: "functionCall",
	})

	result, err := Chat(context.Background(), inst, domain.ChatRequest{
		Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: "do three things"}},
		Functions: map[string]domain.FunctionDef{
			"book_flight": {Description: "books a flight"},
		},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if !firstHandlerCalled {
		t.Error("expected the leading evocable call to run host-side")
	}
	if trailingHandlerCalled {
		t.Error("a trailing evocable call after a non-evocable one must not run host-side")
	}
	if len(result.Message.FunctionCalls) != 2 {
		t.Fatalf("surfaced calls = %+v, want book_flight and trailing_evocable both surfaced", result.Message.FunctionCalls)
	}
	names := []string{result.Message.FunctionCalls[0].Name, result.Message.FunctionCalls[1].Name}
	if names[0] != "book_flight" || names[1] != "trailing_evocable" {
		t.Errorf("surfaced order/names = %v, want [book_flight trailing_evocable]", names)
	}
}

// TestChatFreshHistoryConvertsAllMessages: on a cold instance the whole
// message list becomes canonical history — consecutive system messages
// collapse into one leading item and prior assistant turns carry over,
// not just the trailing user message.
func TestChatFreshHistoryConvertsAllMessages(t *testing.T) {
	inst, model := newTestInstance(t, domain.ModelConfig{Name: "t10", ContextSize: 1024})
	model.QueueTurn(llmruntime.MockTurn{Text: "sure", StopReason: "eogToken"})

	_, err := Chat(context.Background(), inst, domain.ChatRequest{
		Messages: []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: "be brief"},
			{Role: domain.RoleSystem, Content: "answer in english"},
			{Role: domain.RoleUser, Content: "first question"},
			{Role: domain.RoleAssistant, Content: "first answer"},
			{Role: domain.RoleUser, Content: "second question"},
		},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	h := inst.ChatHistory
	if len(h) < 4 {
		t.Fatalf("history = %+v, want system+user+model+user items plus the generated turn", h)
	}
	if h[0].Kind != domain.HistorySystem || h[0].Text != "be brief\n\nanswer in english" {
		t.Errorf("h[0] = %+v, want concatenated system item", h[0])
	}
	if h[1].Kind != domain.HistoryUser || h[1].Text != "first question" {
		t.Errorf("h[1] = %+v, want first user turn", h[1])
	}
	if h[2].Kind != domain.HistoryModel {
		t.Errorf("h[2] = %+v, want prior assistant turn as a model item", h[2])
	}
	if h[3].Kind != domain.HistoryUser || h[3].Text != "second question" {
		t.Errorf("h[3] = %+v, want second user turn", h[3])
	}
}

func TestChatWarmHistorySkipsMatchedPrefix(t *testing.T) {
	inst, model := newTestInstance(t, domain.ModelConfig{Name: "t11", ContextSize: 1024})
	model.QueueTurn(llmruntime.MockTurn{Text: "the sky is blue", StopReason: "eogToken"})

	if _, err := Chat(context.Background(), inst, domain.ChatRequest{
		Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: "what color is the sky?"}},
	}); err != nil {
		t.Fatalf("first Chat: %v", err)
	}
	firstLen := len(inst.ChatHistory)

	model.QueueTurn(llmruntime.MockTurn{Text: "because of rayleigh scattering", StopReason: "eogToken"})
	if _, err := Chat(context.Background(), inst, domain.ChatRequest{
		Messages: []domain.ChatMessage{
			{Role: domain.RoleUser, Content: "what color is the sky?"},
			{Role: domain.RoleAssistant, Content: "the sky is blue"},
			{Role: domain.RoleUser, Content: "why?"},
		},
	}); err != nil {
		t.Fatalf("second Chat: %v", err)
	}

	// The matched prefix must not be duplicated: only the new user turn
	// and the new model turn extend the history.
	if got, want := len(inst.ChatHistory), firstLen+2; got != want {
		t.Errorf("history length = %d, want %d (no duplicated prefix): %+v", got, want, inst.ChatHistory)
	}
}

func TestChatResetContextClearsHistory(t *testing.T) {
	inst, model := newTestInstance(t, domain.ModelConfig{Name: "t8", ContextSize: 1024})
	model.QueueTurn(llmruntime.MockTurn{Text: "first reply"})

	if _, err := Chat(context.Background(), inst, domain.ChatRequest{
		Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: "hello"}},
	}); err != nil {
		t.Fatalf("first Chat: %v", err)
	}
	if len(inst.ChatHistory) == 0 {
		t.Fatal("expected chat history to be populated after first turn")
	}

	// The pool resets the instance before a reset_context request runs.
	if err := inst.ResetChat(context.Background()); err != nil {
		t.Fatalf("ResetChat: %v", err)
	}
	if _, err := Chat(context.Background(), inst, domain.ChatRequest{
		Messages:     []domain.ChatMessage{{Role: domain.RoleUser, Content: "start over"}},
		ResetContext: true,
	}); err != nil {
		t.Fatalf("second Chat: %v", err)
	}
	if len(inst.ChatHistory) != 2 || inst.ChatHistory[0].Text != "start over" {
		t.Errorf("history after reset = %+v, want only the new user turn and its reply", inst.ChatHistory)
	}
}

func TestChatAbortedContext(t *testing.T) {
	inst, _ := newTestInstance(t, domain.ModelConfig{Name: "t9", ContextSize: 1024})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Chat(ctx, inst, domain.ChatRequest{
		Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}},
	})
	if !domain.IsKind(err, domain.KindCancellation) {
		t.Fatalf("err = %v, want KindCancellation", err)
	}
	if len(inst.ChatHistory) != 0 {
		t.Errorf("ChatHistory = %+v, want the pre-turn state restored", inst.ChatHistory)
	}
}

// TestChatAbortMidGeneration: cancelling while tokens are streaming
// returns the partial output with finish reason abort — not an error —
// and rolls the instance's warm state back to the prior committed
// turn, so the next request's affinity scoring sees clean history.
func TestChatAbortMidGeneration(t *testing.T) {
	inst, model := newTestInstance(t, domain.ModelConfig{Name: "t12", ContextSize: 1024})
	model.QueueTurn(llmruntime.MockTurn{Text: "one two three four five six seven eight", StopReason: "eogToken"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	result, err := Chat(ctx, inst, domain.ChatRequest{
		Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: "count for me"}},
		OnChunk: func(tokens []int32, text string) {
			cancel()
		},
	})
	if err != nil {
		t.Fatalf("Chat: %v (an abort is a result, not an error)", err)
	}
	if result.FinishReason != domain.FinishAbort {
		t.Errorf("FinishReason = %q, want abort", result.FinishReason)
	}
	if len(inst.ChatHistory) != 0 {
		t.Errorf("ChatHistory = %+v, want rollback to the empty pre-turn state", inst.ChatHistory)
	}
	if !inst.LastEvaluation.IsZero() {
		t.Error("LastEvaluation should roll back to its pre-turn zero value")
	}
	if len(inst.PendingFunctionCalls) != 0 {
		t.Errorf("PendingFunctionCalls = %v, want the pre-turn empty set", inst.PendingFunctionCalls)
	}
}
