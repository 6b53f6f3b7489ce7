package xlmrunner

import (
	"slices"

	"github.com/ollama/xlm/gesture"
	"github.com/ollama/xlm/logutil"
)

// PromptCache remembers what the evaluator holds in sequence 0 so the
// next call only evaluates what changed.
//
// Locking: callers must hold the runner lock, the cache mirrors state of
// a single evaluator context.
type PromptCache struct {
	// Inputs that are stored in the KV cache
	inputs []int32

	// Mixes decoded after inputs on the previous call
	mixes []gesture.TokenMix
}

// FastForward returns the part of prompt that still has to be evaluated
// and the position it starts at.
func (c *PromptCache) FastForward(prompt []int32) (tail []int32, numPast int) {
	numPast = countCommonPrefix(c.inputs, prompt)
	logutil.Trace("fast forward", "cached", len(c.inputs), "prompt", len(prompt), "used", numPast)
	return prompt[numPast:], numPast
}

// Matches reports whether prompt is exactly what sequence 0 holds. A
// prompt that is a strict prefix of the cached one does not match.
func (c *PromptCache) Matches(prompt []int32) bool {
	return slices.Equal(c.inputs, prompt)
}

// Commit records prompt as evaluated
func (c *PromptCache) Commit(prompt []int32) {
	c.inputs = slices.Clone(prompt)
}

// CachedMixes reports how many leading mixes are still valid and records
// mixes for the next call
func (c *PromptCache) CachedMixes(mixes []gesture.TokenMix) int {
	n := gesture.CachedMixAmount(c.mixes, mixes)
	c.mixes = slices.Clone(mixes)
	return n
}

func (c *PromptCache) Reset() {
	c.inputs = nil
	c.mixes = nil
}

func countCommonPrefix(a []int32, b []int32) int {
	var count int

	for i := range a {
		if i >= len(b) {
			break
		}

		if a[i] != b[i] {
			break
		}

		count++
	}

	return count
}
