package xlmrunner

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ollama/xlm/logutil"
	"github.com/ollama/xlm/model/input"
	"github.com/ollama/xlm/sample"
)

// hypothesis is one candidate continuation and the sequence holding its
// cached state
type hypothesis struct {
	tokens []int32
	slot   int
	prob   float64
}

// child is a ranked extension of a live hypothesis
type child struct {
	parent int
	token  int32
	prob   float64
}

func compareChild(a, b child) int {
	if c := cmp.Compare(a.prob, b.prob); c != 0 {
		return c
	}

	// prefer the earlier parent, then the lower token
	if c := cmp.Compare(b.parent, a.parent); c != 0 {
		return c
	}

	return cmp.Compare(b.token, a.token)
}

type Result struct {
	Prob   float64
	Tokens []int32
}

// sample expands the most likely continuations of res in parallel until
// each ends a word or closes the correction.
func (r *Runner) sample(res DecodeResult) (results []Result, err error) {
	start := time.Now()
	n := r.opts.NumResults

	defer func() {
		// scratch slots never outlive a call and slot 0 keeps only the prefix
		err = errors.Join(err, r.slots.Release(), r.slots.Remove(0, int32(res.Size), maxPos))
		if err != nil {
			results = nil
		}
		logutil.Elapsed("sample", start, "results", len(results))
	}()

	allowCorrection := res.Mixed && res.Head == 0

	probs := r.transform.Apply(r.ev.Logits(res.Head), false, allowCorrection)
	live := make([]hypothesis, 0, n)
	for i, tp := range sample.TopK(probs, n) {
		live = append(live, hypothesis{tokens: []int32{tp.ID}, slot: i, prob: tp.Prob})
	}

	for _, h := range live {
		r.checkProbability(h.prob, "initial", h.tokens)
		r.slots.Copy(0, h.slot, int32(res.Size))
	}

	for step := range MaxExpansionSteps {
		next := live[:0]
		for _, h := range live {
			last := h.tokens[len(h.tokens)-1]
			switch {
			case last == r.special.XEC:
				results = append(results, Result{Prob: h.prob, Tokens: h.tokens[:len(h.tokens)-1]})
			case r.opts.WordBoundary(r.tp.Vocabulary().Decode(last)):
				results = append(results, Result{Prob: h.prob, Tokens: h.tokens})
			default:
				next = append(next, h)
			}
		}
		live = next

		remaining := n - len(results)
		if len(live) == 0 || remaining <= 0 {
			break
		}

		if len(live) != remaining {
			invariant("live hypotheses do not match remaining results", "live", len(live), "remaining", remaining)
		}

		var batch input.Batch
		for _, h := range live {
			batch.Add(input.Input{Token: h.tokens[len(h.tokens)-1]}, int32(res.Size+len(h.tokens)-1), h.slot, true)
		}

		if err := r.ev.Decode(batch); err != nil {
			return nil, fmt.Errorf("%w: step %d: %w", ErrDecode, step, err)
		}

		top := sample.NewTopN(remaining, compareChild)
		for i, h := range live {
			probs := r.transform.Apply(r.ev.Logits(i), true, allowCorrection)
			for _, tp := range sample.TopK(probs, remaining) {
				r.checkProbability(tp.Prob, "token", []int32{tp.ID})
				top.Push(child{parent: i, token: tp.ID, prob: tp.Prob * h.prob})
			}
		}

		children := top.Sorted()
		if len(children) == 0 {
			break
		}

		owners := make([]int, len(children))
		expanded := make([]hypothesis, len(children))
		for i, c := range children {
			parent := live[c.parent]
			r.checkProbability(c.prob, "cumulative", parent.tokens)

			owners[i] = parent.slot
			expanded[i] = hypothesis{
				tokens: append(slices.Clip(parent.tokens), c.token),
				slot:   parent.slot,
				prob:   c.prob,
			}
		}

		// positions written so far by every parent, including this step
		upto := int32(res.Size + len(expanded[0].tokens) - 1)
		slotsFor, err := r.slots.Resolve(owners, upto)
		if err != nil {
			return nil, err
		}

		for i := range expanded {
			expanded[i].slot = slotsFor[i]
		}

		live = expanded
		logutil.Trace("expanded", "step", step, "live", len(live), "done", len(results))
	}

	slices.SortStableFunc(results, func(a, b Result) int {
		return cmp.Compare(b.Prob, a.Prob)
	})

	return results[:min(len(results), n)], nil
}

func (r *Runner) checkProbability(p float64, kind string, tokens []int32) {
	if p < 0 || p > 1 {
		invariant("probability out of range", "kind", kind, "prob", p, "tokens", tokens)
	}
}
