package turn

import (
	"context"
	"errors"

	"github.com/runlocal/infergate/internal/domain"
	"github.com/runlocal/infergate/internal/instance"
)

// Completion drives a text-completion request. It never
// touches the Instance's chatHistory or lastEvaluation — those belong
// to the chat path only.
func Completion(ctx context.Context, inst *instance.Instance, req domain.CompletionRequest) (domain.CompletionResult, error) {
	select {
	case <-ctx.Done():
		return domain.CompletionResult{}, domain.NewError(domain.KindCancellation, "completion turn aborted", domain.ErrAborted)
	default:
	}

	opts := domain.CompletionOptions{
		Sampling: firstNonZeroSampling(req.Sampling, inst.Config.CompletionDefaults),
		Seed:     req.Seed,
		OnChunk:  req.OnChunk,
	}

	result, err := inst.Ctx.GenerateCompletion(ctx, req.Prompt, opts)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return domain.CompletionResult{}, domain.NewError(domain.KindCancellation, "completion turn aborted", domain.ErrAborted)
		}
		return domain.CompletionResult{}, domain.NewError(domain.KindRuntime, "generate completion", err)
	}
	return result, nil
}
