package turn

import (
	"context"

	"github.com/runlocal/infergate/internal/domain"
	"github.com/runlocal/infergate/internal/instance"
)

// Embedding drives an embedding request: strings are kept,
// non-string entries in the heterogeneous input array are silently
// dropped, and an EmbeddingContext is created lazily on first use.
func Embedding(ctx context.Context, inst *instance.Instance, req domain.EmbeddingRequest) (domain.EmbeddingResult, error) {
	embCtx, err := inst.EmbeddingContext(ctx)
	if err != nil {
		return domain.EmbeddingResult{}, domain.NewError(domain.KindResource, "create embedding context", err)
	}

	var out domain.EmbeddingResult
	for _, item := range req.Input {
		text, ok := item.(string)
		if !ok {
			continue
		}
		toks, err := inst.Model.Tokenize(text)
		if err != nil {
			return domain.EmbeddingResult{}, domain.NewError(domain.KindRuntime, "tokenize embedding input", err)
		}
		out.PromptTokens += len(toks)

		vec, err := embCtx.Embed(ctx, text)
		if err != nil {
			return domain.EmbeddingResult{}, domain.NewError(domain.KindRuntime, "compute embedding", err)
		}
		out.Vectors = append(out.Vectors, vec)
	}
	return out, nil
}
