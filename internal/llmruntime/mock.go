package llmruntime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/runlocal/infergate/internal/domain"
)

// MockTurn is one scripted generation result a MockModel will hand back
// in sequence. Tests drive the pool and turn engine by queuing the
// exact sequence of model behaviors they need —
// a function call, a grammar-constrained reply, plain text — without a
// real llama-server process.
type MockTurn struct {
	Text       string
	Calls      []domain.ModelFunctionCall
	StopReason string
}

// MockRuntime implements domain.Runtime without spawning any process.
type MockRuntime struct{}

func NewMockRuntime() *MockRuntime { return &MockRuntime{} }

func (r *MockRuntime) LoadModel(ctx context.Context, path string, opts domain.EngineOptions) (domain.ModelHandle, error) {
	if path == "" {
		return nil, fmt.Errorf("empty model path")
	}
	return &MockModel{path: path, memSize: 100 * 1024 * 1024}, nil
}

// MockModel is a domain.ModelHandle backed by an in-process echo
// generator. Script queues a fixed sequence of responses; once
// exhausted it falls back to echoing the last user message.
type MockModel struct {
	path    string
	memSize uint64
	closed  bool

	mu     sync.Mutex
	Script []MockTurn
	cursor int
}

// QueueTurn appends a scripted response, consumed in FIFO order by
// successive GenerateResponse calls.
func (m *MockModel) QueueTurn(t MockTurn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Script = append(m.Script, t)
}

func (m *MockModel) nextTurn(fallback string) MockTurn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cursor < len(m.Script) {
		t := m.Script[m.cursor]
		m.cursor++
		return t
	}
	return MockTurn{Text: fallback, StopReason: "eogToken"}
}

func (m *MockModel) NewContext(ctx context.Context, opts domain.ContextOptions) (domain.Context, error) {
	if m.closed {
		return nil, fmt.Errorf("model is closed")
	}
	return &mockContext{model: m}, nil
}

func (m *MockModel) NewEmbeddingContext(ctx context.Context) (domain.EmbeddingContext, error) {
	if m.closed {
		return nil, fmt.Errorf("model is closed")
	}
	return &mockEmbeddingContext{}, nil
}

func (m *MockModel) Tokenize(text string) ([]int32, error) {
	fields := strings.Fields(text)
	toks := make([]int32, len(fields))
	for i := range fields {
		toks[i] = int32(i + 1)
	}
	return toks, nil
}

func (m *MockModel) Detokenize(tokens []int32) (string, error) {
	words := make([]string, len(tokens))
	for i, t := range tokens {
		words[i] = fmt.Sprintf("tok%d", t)
	}
	return strings.Join(words, " "), nil
}

func (m *MockModel) MemoryBytes() uint64 { return m.memSize }
func (m *MockModel) Dispose()            { m.closed = true }

// mockContext implements domain.Context over a MockModel's script.
type mockContext struct {
	model   *MockModel
	inputTk int
	outTk   int
}

func lastUserText(history []domain.ChatHistoryItem) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Kind == domain.HistoryUser {
			return history[i].Text
		}
	}
	return ""
}

func (c *mockContext) GenerateResponse(ctx context.Context, history []domain.ChatHistoryItem, opts domain.GenerateOptions) (domain.GenerateResult, error) {
	prompt := lastUserText(history)
	turn := c.model.nextTurn(fmt.Sprintf("echo: %s", prompt))

	words := strings.Fields(turn.Text)
	var emitted strings.Builder
	aborted := false
	for i, w := range words {
		select {
		case <-ctx.Done():
			aborted = true
		default:
		}
		if aborted {
			break
		}
		text := w
		if i < len(words)-1 {
			text += " "
		}
		emitted.WriteString(text)
		if opts.OnChunk != nil {
			opts.OnChunk(nil, text)
		}
		time.Sleep(time.Millisecond)
	}

	c.inputTk += len(strings.Fields(prompt))
	c.outTk += len(strings.Fields(emitted.String()))

	calls := turn.Calls
	stopReason := turn.StopReason
	if stopReason == "" {
		if len(calls) > 0 {
			stopReason = "functionCall"
		} else {
			stopReason = "eogToken"
		}
	}
	if aborted {
		// Whatever streamed before the abort is still returned; an
		// aborted round never carries function calls.
		calls = nil
		stopReason = "abort"
	}

	result := domain.GenerateResult{
		FunctionCalls:  calls,
		LastEvaluation: domain.NewLastEvaluation(time.Now()),
		StopReason:     stopReason,
	}
	// Write the generated text into the trailing model placeholder when
	// one is present, the way a real backend resumes the item generation
	// was asked to fill in.
	result.CleanHistory = append([]domain.ChatHistoryItem{}, history...)
	if n := len(result.CleanHistory); n > 0 && result.CleanHistory[n-1].Kind == domain.HistoryModel {
		last := &result.CleanHistory[n-1]
		last.Response = append(last.Response, domain.Segment{Kind: domain.SegmentText, Text: emitted.String()})
	} else {
		result.CleanHistory = append(result.CleanHistory, domain.ChatHistoryItem{
			Kind:     domain.HistoryModel,
			Response: []domain.Segment{{Kind: domain.SegmentText, Text: emitted.String()}},
		})
	}
	result.ContextWindow = result.CleanHistory
	return result, nil
}

func (c *mockContext) GenerateCompletion(ctx context.Context, prompt string, opts domain.CompletionOptions) (domain.CompletionResult, error) {
	turn := c.model.nextTurn(fmt.Sprintf("echo: %s", prompt))
	c.inputTk += len(strings.Fields(prompt))
	c.outTk += len(strings.Fields(turn.Text))
	if opts.OnChunk != nil {
		opts.OnChunk(nil, turn.Text)
	}
	return domain.CompletionResult{
		Text:         turn.Text,
		FinishReason: domain.FinishEOGToken,
	}, nil
}

func (c *mockContext) CompileGrammar(name, source string) (domain.Grammar, error) {
	return &mockGrammar{name: name}, nil
}

func (c *mockContext) TokenMeter() (int, int) { return c.inputTk, c.outTk }
func (c *mockContext) Dispose()               {}

type mockGrammar struct{ name string }

func (g *mockGrammar) Name() string { return g.name }

type mockEmbeddingContext struct{}

func (e *mockEmbeddingContext) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, 384)
	for i := range vec {
		vec[i] = float32(i) * 0.001 * float32(len(text)%7+1)
	}
	return vec, nil
}

func (e *mockEmbeddingContext) Dispose() {}
