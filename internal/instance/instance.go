// Package instance owns the runtime resources backing one loaded model:
// a Model, a single Context and its Sequence, compiled grammars, and the
// warm per-conversation state (chatHistory, lastEvaluation,
// pendingFunctionCalls) that makes prefix-cache reuse possible. An
// Instance is exclusively owned by the pool and leased to exactly one
// caller at a time — see internal/pool.
package instance

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/runlocal/infergate/internal/domain"
)

// Instance is one loaded model bound to one generation context sequence.
type Instance struct {
	ID        string
	ModelName string
	Config    domain.ModelConfig

	Model domain.ModelHandle
	Ctx   domain.Context

	grammars map[string]domain.Grammar

	// mu enforces "single-writer per Instance":
	// callers must hold it for the duration of a request against this
	// Instance. The pool's lease protocol is the only synchronization —
	// mu exists as a last line of defense against accidental overlap.
	mu sync.Mutex

	ChatHistory          []domain.ChatHistoryItem
	LastEvaluation       domain.LastEvaluation
	PendingFunctionCalls map[string]domain.PendingFunctionCall

	embOnce sync.Once
	embCtx  domain.EmbeddingContext
	embErr  error
}

// New loads a model, creates its single context, compiles declared
// grammars, and — if cfg.Preload names seed messages — primes the
// prefix cache.
func New(ctx context.Context, runtime domain.Runtime, cfg domain.ModelConfig) (*Instance, error) {
	model, err := runtime.LoadModel(ctx, cfg.File, cfg.EngineOptions)
	if err != nil {
		return nil, domain.NewError(domain.KindResource, fmt.Sprintf("load model %q", cfg.Name), err)
	}

	genCtx, err := model.NewContext(ctx, domain.ContextOptions{ContextSize: cfg.ContextSize})
	if err != nil {
		model.Dispose()
		return nil, domain.NewError(domain.KindResource, fmt.Sprintf("create context for %q", cfg.Name), domain.ErrContextCreateFailed)
	}

	inst := &Instance{
		ID:                   uuid.NewString(),
		ModelName:            cfg.Name,
		Config:               cfg,
		Model:                model,
		Ctx:                  genCtx,
		grammars:             make(map[string]domain.Grammar, len(cfg.Grammars)),
		PendingFunctionCalls: make(map[string]domain.PendingFunctionCall),
	}

	for name, source := range cfg.Grammars {
		g, err := genCtx.CompileGrammar(name, source)
		if err != nil {
			inst.Dispose()
			return nil, domain.NewError(domain.KindConfiguration, fmt.Sprintf("compile grammar %q", name), err)
		}
		inst.grammars[name] = g
	}

	if cfg.Preload != nil && cfg.Preload.Kind == domain.PreloadMessages && len(cfg.Preload.Messages) > 0 {
		if err := inst.preload(ctx, cfg.Preload.Messages); err != nil {
			inst.Dispose()
			return nil, err
		}
	}

	return inst, nil
}

// Grammar looks up a grammar compiled at construction time.
func (i *Instance) Grammar(name string) (domain.Grammar, bool) {
	g, ok := i.grammars[name]
	return g, ok
}

// Lock/Unlock expose the per-Instance mutex to the pool's lease protocol
// and the turn engine; callers hold it for the lifetime of one request.
func (i *Instance) Lock()   { i.mu.Lock() }
func (i *Instance) Unlock() { i.mu.Unlock() }

// EmbeddingContext lazily creates the Instance's embedding context on
// first use and reuses it afterward.
func (i *Instance) EmbeddingContext(ctx context.Context) (domain.EmbeddingContext, error) {
	i.embOnce.Do(func() {
		i.embCtx, i.embErr = i.Model.NewEmbeddingContext(ctx)
	})
	return i.embCtx, i.embErr
}

// ResetChat disposes and recreates the Context, clearing all warm state.
// Used when a request's prefix does not overlap the current chatHistory
// or when the caller sets resetContext.
func (i *Instance) ResetChat(ctx context.Context) error {
	i.Ctx.Dispose()
	genCtx, err := i.Model.NewContext(ctx, domain.ContextOptions{ContextSize: i.Config.ContextSize})
	if err != nil {
		return domain.NewError(domain.KindResource, "recreate context", domain.ErrContextCreateFailed)
	}
	i.Ctx = genCtx
	i.grammars = make(map[string]domain.Grammar, len(i.Config.Grammars))
	for name, source := range i.Config.Grammars {
		g, err := genCtx.CompileGrammar(name, source)
		if err != nil {
			return domain.NewError(domain.KindConfiguration, fmt.Sprintf("recompile grammar %q", name), err)
		}
		i.grammars[name] = g
	}
	i.ChatHistory = nil
	i.LastEvaluation = domain.LastEvaluation{}
	i.PendingFunctionCalls = make(map[string]domain.PendingFunctionCall)
	return nil
}

// Dispose releases every runtime resource the Instance owns.
func (i *Instance) Dispose() {
	if i.embCtx != nil {
		i.embCtx.Dispose()
	}
	if i.Ctx != nil {
		i.Ctx.Dispose()
	}
	if i.Model != nil {
		i.Model.Dispose()
	}
}

// preload feeds seed messages through the "load chat and complete an
// empty user turn" path so the Instance starts with a warm
// prefix cache for conversations that continue from this point.
func (i *Instance) preload(ctx context.Context, messages []domain.ChatMessage) error {
	history := assembleSeedHistory(messages)
	history = append(history, domain.ChatHistoryItem{Kind: domain.HistoryModel})

	result, err := i.Ctx.GenerateResponse(ctx, history, domain.GenerateOptions{
		Sampling:          i.Config.CompletionDefaults,
		StopOnAbortSignal: true,
	})
	if err != nil {
		return domain.NewError(domain.KindResource, "preload instance", err)
	}
	i.ChatHistory = result.CleanHistory
	i.LastEvaluation = result.LastEvaluation
	return nil
}

// assembleSeedHistory applies the leading-system-concat rule to a
// flat message list, without the function-result splicing the
// full turn engine performs — preload messages are seed context, never
// function results.
func assembleSeedHistory(messages []domain.ChatMessage) []domain.ChatHistoryItem {
	var history []domain.ChatHistoryItem
	var systemParts []string

	flushSystem := func() {
		if len(systemParts) == 0 {
			return
		}
		history = append(history, domain.ChatHistoryItem{
			Kind: domain.HistorySystem,
			Text: strings.Join(systemParts, "\n\n"),
		})
		systemParts = nil
	}

	for _, m := range messages {
		switch m.Role {
		case domain.RoleSystem:
			systemParts = append(systemParts, m.Content)
		case domain.RoleUser:
			flushSystem()
			history = append(history, domain.ChatHistoryItem{Kind: domain.HistoryUser, Text: m.Content})
		case domain.RoleAssistant:
			flushSystem()
			history = append(history, domain.ChatHistoryItem{
				Kind:     domain.HistoryModel,
				Response: []domain.Segment{{Kind: domain.SegmentText, Text: m.Content}},
			})
		}
	}
	flushSystem()
	return history
}
