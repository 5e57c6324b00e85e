package eval

import (
	"sort"
	"strings"

	"github.com/rawblock/pattern-engine/internal/engine"
	"github.com/rawblock/pattern-engine/internal/tokenizer"
	"github.com/rawblock/pattern-engine/pkg/models"
)

// Scorer — the read-only prediction surface used by evaluators
//
// Everything here runs the engine with learn:false, so a benchmark pass
// over an engine leaves it bit-for-bit unchanged. Group-level
// predictions are projected down to token scores through the tokenizer:
// a predicted group votes for each of its member tokens with its
// prediction score, and votes accumulate across groups. The result is a
// raw, logit-like score map — not a probability distribution.

// ScoreOptions controls a prediction call.
type ScoreOptions struct {
	// MaxPredictions bounds how many predicted groups are projected to
	// tokens. Zero means all.
	MaxPredictions int
	// ExcludePrompt drops tokens already present in the prompt from the
	// ranking, which is what greedy next-token evaluation wants.
	ExcludePrompt bool
}

// PredictTopTokens runs one read-only step over the prompt and returns
// the token-level projection of the engine's group predictions.
func PredictTopTokens(e *engine.Engine, prompt string, opts ScoreOptions) (models.TopTokensResult, error) {
	metrics, err := e.ProcessText(prompt, engine.Options{Learn: false})
	if err != nil {
		return models.TopTokensResult{}, err
	}

	promptTokens := make(map[string]bool)
	for _, tok := range tokenizer.Tokenize(prompt) {
		promptTokens[tok] = true
	}

	predictions := metrics.Predictions
	if opts.MaxPredictions > 0 && len(predictions) > opts.MaxPredictions {
		predictions = predictions[:opts.MaxPredictions]
	}

	tk := e.Tokenizer()
	scores := make(map[string]float64)
	for _, p := range predictions {
		g, ok := e.Store().Get(p.GroupID)
		if !ok {
			continue
		}
		g.Members.Iterate(func(id int) bool {
			token, known := tk.TokenOf(id)
			if !known {
				return true
			}
			if opts.ExcludePrompt && promptTokens[token] {
				return true
			}
			scores[token] += p.Score
			return true
		})
	}

	return models.TopTokensResult{
		Top1:        top1Of(scores),
		TokenScores: scores,
	}, nil
}

// RolloutTop1 performs greedy autoregressive inference: at each step the
// best-scoring next token is appended to the context and fed back. The
// engine is never mutated. The rollout stops early when no token scores.
func RolloutTop1(e *engine.Engine, prefixTokens []string, horizon int, opts ScoreOptions) ([]string, error) {
	context := make([]string, len(prefixTokens))
	copy(context, prefixTokens)

	var predicted []string
	for step := 0; step < horizon; step++ {
		result, err := PredictTopTokens(e, strings.Join(context, " "), opts)
		if err != nil {
			return predicted, err
		}
		if result.Top1 == "" {
			break
		}
		predicted = append(predicted, result.Top1)
		context = append(context, result.Top1)
	}
	return predicted, nil
}

// top1Of picks the best-scoring token deterministically: highest score,
// ties broken by lexicographic order.
func top1Of(scores map[string]float64) string {
	tokens := make([]string, 0, len(scores))
	for tok := range scores {
		tokens = append(tokens, tok)
	}
	sort.Slice(tokens, func(i, j int) bool {
		si, sj := scores[tokens[i]], scores[tokens[j]]
		if si != sj {
			return si > sj
		}
		return tokens[i] < tokens[j]
	})
	if len(tokens) == 0 {
		return ""
	}
	return tokens[0]
}
