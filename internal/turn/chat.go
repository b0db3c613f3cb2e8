// Package turn implements the per-request state machines that run
// inside a leased instance.Instance: chat completion (the densest
// subsystem — it interleaves model generation with host-side
// function-call resolution across multiple internal rounds), text
// completion, and embeddings.
//
// The chat path is modeled as an explicit state machine — {Generating,
// ResolvingCalls, SurfacingCalls, Done} — rather than a loop with a
// bare continue, so each transition has a name a reader can follow.
package turn

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/runlocal/infergate/internal/domain"
	"github.com/runlocal/infergate/internal/instance"
	"github.com/runlocal/infergate/internal/schema"
)

// state names the chat turn's current phase.
type state int

const (
	stateGenerating state = iota
	stateResolvingCalls
	stateSurfacingCalls
	stateDone
)

// Chat drives one requestChat call against a leased
// Instance. Callers must hold inst.Lock() for its duration — the pool's
// lease protocol already guarantees this.
func Chat(ctx context.Context, inst *instance.Instance, req domain.ChatRequest) (domain.ChatResult, error) {
	functions := mergeFunctions(inst.Config.Functions, req.Functions)

	grammar, err := resolveGrammar(inst, req.Grammar)
	if err != nil {
		return domain.ChatResult{}, err
	}

	// Snapshot the last committed warm state. An aborted turn rolls
	// back to it rather than leaving the half-built history, evaluation
	// handle, and pending-call set in the instance, where they would
	// desync affinity scoring for the next request.
	committedHistory := inst.ChatHistory
	committedEval := inst.LastEvaluation
	committedPending := make(map[string]domain.PendingFunctionCall, len(inst.PendingFunctionCalls))
	for id, call := range inst.PendingFunctionCalls {
		committedPending[id] = call
	}
	rollback := func() {
		inst.ChatHistory = committedHistory
		inst.LastEvaluation = committedEval
		inst.PendingFunctionCalls = committedPending
	}

	history, err := assembleHistory(inst, req.Messages)
	if err != nil {
		return domain.ChatResult{}, err
	}
	inst.ChatHistory = history

	inTokBefore, outTokBefore := inst.Ctx.TokenMeter()

	st := stateGenerating
	var finalCalls []domain.SurfacedCall
	var finishReason domain.FinishReason

	for {
		switch st {
		case stateGenerating:
			select {
			case <-ctx.Done():
				rollback()
				return domain.ChatResult{}, domain.NewError(domain.KindCancellation, "chat turn aborted", domain.ErrAborted)
			default:
			}

			opts := domain.GenerateOptions{
				Sampling:             firstNonZeroSampling(req.Sampling, inst.Config.CompletionDefaults),
				TokenBias:            req.TokenBias,
				StopTriggers:         req.StopTriggers,
				TrimWhitespaceSuffix: false,
				StopOnAbortSignal:    true,
				PriorEvaluation:      inst.LastEvaluation,
				MinimumOverlapPercentageToPreventContextShift: 0.5,
				OnChunk: req.OnChunk,
			}
			if grammar != nil {
				opts.Grammar = grammar
			} else {
				opts.Functions = functions
				opts.DocumentFunctionParams = true
				opts.MaxParallelFunctionCalls = 2
			}

			result, err := inst.Ctx.GenerateResponse(ctx, inst.ChatHistory, opts)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					rollback()
					return domain.ChatResult{}, domain.NewError(domain.KindCancellation, "chat turn aborted", domain.ErrAborted)
				}
				return domain.ChatResult{}, domain.NewError(domain.KindRuntime, "generate response", err)
			}

			inst.ChatHistory = result.CleanHistory
			inst.LastEvaluation = result.LastEvaluation

			if len(result.FunctionCalls) == 0 {
				finishReason = mapFinishReason(result.StopReason, false)
				st = stateDone
				continue
			}
			for _, call := range result.FunctionCalls {
				if _, ok := functions[call.Name]; !ok {
					return domain.ChatResult{}, domain.NewError(domain.KindProtocol, fmt.Sprintf("model invoked undefined function %q", call.Name), domain.ErrUndefinedFunction)
				}
			}
			st = stateResolvingCalls
			evocable, remainder := partitionEvocable(functions, result.FunctionCalls)

			if len(evocable) > 0 {
				if err := resolveEvocable(ctx, inst, functions, evocable); err != nil {
					return domain.ChatResult{}, err
				}
			}

			if len(remainder) == 0 {
				// All calls resolved host-side; let the model see the
				// results and continue generating.
				st = stateGenerating
				continue
			}

			st = stateSurfacingCalls
			finalCalls = surfaceRemainder(inst, remainder)
			finishReason = domain.FinishFunctionCall
			st = stateDone

		case stateDone:
			inTokAfter, outTokAfter := inst.Ctx.TokenMeter()

			msg := domain.ChatMessage{Role: domain.RoleAssistant, FunctionCalls: finalCalls}
			if len(finalCalls) == 0 {
				msg.Content = extractAssistantText(inst.ChatHistory)
			}

			if finishReason == domain.FinishAbort {
				// The partial output still goes back to the caller, but
				// the instance reverts to the prior successful turn.
				rollback()
			}

			return domain.ChatResult{
				Message:          msg,
				FinishReason:     finishReason,
				PromptTokens:     inTokAfter - inTokBefore,
				CompletionTokens: outTokAfter - outTokBefore,
			}, nil
		}
	}
}

func mergeFunctions(base, override map[string]domain.FunctionDef) map[string]domain.FunctionDef {
	merged := make(map[string]domain.FunctionDef, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}

func resolveGrammar(inst *instance.Instance, name string) (domain.Grammar, error) {
	if name == "" {
		return nil, nil
	}
	g, ok := inst.Grammar(name)
	if !ok {
		return nil, domain.NewError(domain.KindConfiguration, fmt.Sprintf("unknown grammar %q", name), domain.ErrUnknownGrammar)
	}
	return g, nil
}

func firstNonZeroSampling(req, cfg domain.SamplingDefaults) domain.SamplingDefaults {
	if req == (domain.SamplingDefaults{}) {
		return cfg
	}
	return req
}

// assembleHistory folds the request's wire messages into the instance's
// canonical history. Messages already represented by the warm history's
// common prefix are skipped; everything after it is converted in order:
// function-result messages are spliced against their pending calls,
// consecutive system messages are concatenated into one leading item,
// and user/assistant turns become user/model items. The returned
// history always ends with an empty model placeholder for generation to
// write into.
func assembleHistory(inst *instance.Instance, messages []domain.ChatMessage) ([]domain.ChatHistoryItem, error) {
	history := append([]domain.ChatHistoryItem{}, inst.ChatHistory...)

	for _, m := range messages[matchedPrefixLen(history, messages):] {
		switch m.Role {
		case domain.RoleFunction:
			pending, ok := inst.PendingFunctionCalls[m.CallID]
			if !ok {
				// Unmatched callId: nothing to splice, drop it.
				continue
			}
			raw := renderFunctionCallRaw(pending.Name, pending.Params, m.Content)
			history = spliceFunctionResult(history, domain.FunctionCallSegment{
				Name:   pending.Name,
				Params: pending.Params,
				Result: m.Content,
				Raw:    raw,
			})
			delete(inst.PendingFunctionCalls, m.CallID)
		case domain.RoleSystem:
			if len(history) > 0 && history[len(history)-1].Kind == domain.HistorySystem {
				history[len(history)-1].Text += "\n\n" + m.Content
			} else {
				history = append(history, domain.ChatHistoryItem{Kind: domain.HistorySystem, Text: m.Content})
			}
		case domain.RoleUser:
			history = append(history, domain.ChatHistoryItem{Kind: domain.HistoryUser, Text: m.Content})
		case domain.RoleAssistant:
			if m.Content == "" && len(m.FunctionCalls) > 0 {
				// An echo of a previously surfaced tool-call message; the
				// calls themselves resolve via role=function messages.
				continue
			}
			history = append(history, domain.ChatHistoryItem{
				Kind:     domain.HistoryModel,
				Response: []domain.Segment{{Kind: domain.SegmentText, Text: m.Content}},
			})
		}
	}

	if len(history) == 0 || history[len(history)-1].Kind != domain.HistoryModel {
		history = append(history, domain.ChatHistoryItem{Kind: domain.HistoryModel})
	} else if len(history[len(history)-1].Response) > 0 {
		history = append(history, domain.ChatHistoryItem{Kind: domain.HistoryModel})
	}

	return history, nil
}

// matchedPrefixLen is the number of leading wire messages already
// represented by the warm history, compared item-by-item on role and
// text the same way the pool scores affinity.
func matchedPrefixLen(history []domain.ChatHistoryItem, messages []domain.ChatMessage) int {
	n := len(history)
	if len(messages) < n {
		n = len(messages)
	}
	for i := 0; i < n; i++ {
		if !historyItemMatches(history[i], messages[i]) {
			return i
		}
	}
	return n
}

func historyItemMatches(item domain.ChatHistoryItem, m domain.ChatMessage) bool {
	switch item.Kind {
	case domain.HistorySystem:
		return m.Role == domain.RoleSystem && item.Text == m.Content
	case domain.HistoryUser:
		return m.Role == domain.RoleUser && item.Text == m.Content
	case domain.HistoryModel:
		if m.Role != domain.RoleAssistant {
			return false
		}
		var text strings.Builder
		for _, seg := range item.Response {
			if seg.Kind == domain.SegmentText {
				text.WriteString(seg.Text)
			}
		}
		return text.String() == m.Content
	default:
		return false
	}
}

// spliceFunctionResult appends a resolved functionCall segment to the
// trailing model item, creating one if the history is empty.
func spliceFunctionResult(history []domain.ChatHistoryItem, seg domain.FunctionCallSegment) []domain.ChatHistoryItem {
	if len(history) == 0 || history[len(history)-1].Kind != domain.HistoryModel {
		history = append(history, domain.ChatHistoryItem{Kind: domain.HistoryModel})
	}
	last := &history[len(history)-1]
	last.Response = append(last.Response, domain.Segment{Kind: domain.SegmentFunctionCall, Call: seg})
	return history
}

// renderFunctionCallRaw produces a generic textual rendering of a
// resolved call. The Runtime interface exposes no dedicated
// "render in native function-call syntax" hook, so the turn engine
// synthesizes a model-agnostic form; adapters that need their model's
// exact wire syntax can re-derive it from Name/Params/Result.
func renderFunctionCallRaw(name string, params map[string]any, result string) string {
	return fmt.Sprintf("%s(%v) => %s", name, params, result)
}

// partitionEvocable splits calls into the leading evocable prefix and
// the remainder: only the leading run of evocable calls is executed
// host-side; the first non-evocable call and everything after it,
// including any evocable calls trailing it, are surfaced to the caller
// in emission order.
func partitionEvocable(functions map[string]domain.FunctionDef, calls []domain.ModelFunctionCall) (evocable, remainder []domain.ModelFunctionCall) {
	i := 0
	for ; i < len(calls); i++ {
		def, ok := functions[calls[i].Name]
		if !ok || !def.Evocable() {
			break
		}
		evocable = append(evocable, calls[i])
	}
	remainder = calls[i:]
	return evocable, remainder
}

// resolveEvocable runs the evocable prefix's handlers in parallel,
// appending each result to the Instance's working history.
func resolveEvocable(ctx context.Context, inst *instance.Instance, functions map[string]domain.FunctionDef, calls []domain.ModelFunctionCall) error {
	results := make([]string, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(2)
	for idx, call := range calls {
		idx, call := idx, call
		g.Go(func() error {
			def := functions[call.Name]
			if err := validateParams(call.Name, def, call.Params); err != nil {
				results[idx] = fmt.Sprintf("error: invalid parameters: %v", err)
				return nil
			}
			out, err := def.Handler(gctx, call.Params)
			if err != nil {
				results[idx] = fmt.Sprintf("error: %v", err)
				return nil
			}
			results[idx] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.NewError(domain.KindRuntime, "resolve function calls", err)
	}

	for idx, call := range calls {
		def := functions[call.Name]
		raw := renderFunctionCallRaw(call.Name, call.Params, results[idx])
		inst.ChatHistory = spliceFunctionResult(inst.ChatHistory, domain.FunctionCallSegment{
			Name:        call.Name,
			Description: def.Description,
			Params:      call.Params,
			Result:      results[idx],
			Raw:         raw,
		})
	}
	return nil
}

func validateParams(name string, def domain.FunctionDef, params map[string]any) error {
	v, err := schema.Compile(name, def.Parameters)
	if err != nil {
		return nil // a malformed schema never blocks an evocable handler
	}
	return v.Validate(params)
}

// surfaceRemainder assigns fresh opaque callIds to the un-evoked calls,
// records them as pending, and returns the caller-facing surfaced form.
func surfaceRemainder(inst *instance.Instance, remainder []domain.ModelFunctionCall) []domain.SurfacedCall {
	surfaced := make([]domain.SurfacedCall, 0, len(remainder))
	for _, call := range remainder {
		callID := uuid.NewString()
		inst.PendingFunctionCalls[callID] = domain.PendingFunctionCall{
			CallID: callID,
			Name:   call.Name,
			Params: call.Params,
		}
		surfaced = append(surfaced, domain.SurfacedCall{ID: callID, Name: call.Name, Parameters: call.Params})
	}
	return surfaced
}

// extractAssistantText concatenates the text segments of the final
// model history item — the assistant content returned to the caller.
func extractAssistantText(history []domain.ChatHistoryItem) string {
	if len(history) == 0 {
		return ""
	}
	last := history[len(history)-1]
	if last.Kind != domain.HistoryModel {
		return ""
	}
	var b strings.Builder
	for _, seg := range last.Response {
		if seg.Kind == domain.SegmentText {
			b.WriteString(seg.Text)
		}
	}
	return b.String()
}

// mapFinishReason normalizes runtime stop codes into the finish
// reasons callers see. hasSurfacedCalls forces functionCall regardless
// of the raw code.
func mapFinishReason(raw string, hasSurfacedCalls bool) domain.FinishReason {
	if hasSurfacedCalls {
		return domain.FinishFunctionCall
	}
	switch raw {
	case "functionCall", "tool_calls":
		return domain.FinishFunctionCall
	case "stopTrigger", "stopGenerationTrigger", "customStopTrigger":
		return domain.FinishStopTrigger
	case "length", "maxTokens":
		return domain.FinishMaxTokens
	case "abort":
		return domain.FinishAbort
	case "error":
		return domain.FinishError
	default:
		// llama-server's OpenAI-compatible endpoint squashes natural
		// end-of-generation and "stop" into the same code; the runtime's
		// default governs here.
		return domain.FinishEOGToken
	}
}
