package sample

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/ollama/xlm/model"
)

// softmax normalizes logits in place using log-sum-exp
func softmax(logits []float64) {
	lse := floats.LogSumExp(logits)
	for i, v := range logits {
		logits[i] = math.Exp(v - lse)
	}
}

// LogitTransform turns raw logits into relative probabilities over the
// tokens that may be emitted as suggestion text.
type LogitTransform struct {
	Special *model.SpecialTokens

	// Renormalize rescales the result to sum to 1. Off by default so scores
	// match the unnormalized values the ranking has always produced.
	Renormalize bool
}

// Apply returns probabilities for one position. XEC stays available only
// when allowCorrection is set and space only when allowSpace is set.
// Banned tokens lose their mass to space before space itself is checked.
func (t LogitTransform) Apply(logits []float32, allowSpace, allowCorrection bool) []float64 {
	probs := make([]float64, len(logits))
	for i, v := range logits {
		probs[i] = float64(v)
	}

	softmax(probs)

	s := t.Special
	zero := func(id int32) {
		if id >= 0 && int(id) < len(probs) {
			probs[id] = 0
		}
	}

	zero(s.XBU)
	zero(s.XBC)
	if !allowCorrection {
		zero(s.XEC)
	}

	for _, id := range s.Letters {
		zero(id)
	}

	for _, id := range s.Banned {
		if id == s.Space || id < 0 || int(id) >= len(probs) {
			continue
		}

		probs[s.Space] += max(0, probs[id])
		probs[id] = 0
	}

	if !allowSpace {
		zero(s.Space)
	}

	if t.Renormalize {
		if sum := floats.Sum(probs); sum > 0 {
			floats.Scale(1/sum, probs)
		}
	}

	return probs
}
