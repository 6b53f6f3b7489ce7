package xlmrunner

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ollama/xlm/gesture"
	"github.com/ollama/xlm/logutil"
	"github.com/ollama/xlm/model/input"
)

// maxPos removes through the end of a sequence
const maxPos = math.MaxInt32

// DecodeResult locates the logits for the first generated token
type DecodeResult struct {
	// Head is the row of the last evaluated batch holding the logits
	Head int

	// Size is the number of positions of sequence 0 in use
	Size int

	// Mixed is set when gesture mixes followed the prompt
	Mixed bool
}

// decode brings sequence 0 of the evaluator to prompt followed by mixes and
// a closing XBC, reusing whatever the previous call left behind.
func (r *Runner) decode(prompt []int32, mixes []gesture.TokenMix) (DecodeResult, error) {
	if len(prompt) == 0 {
		return DecodeResult{}, errors.New("empty prompt")
	}

	start := time.Now()
	changed := !r.cache.Matches(prompt)
	tail, numPast := r.cache.FastForward(prompt)
	if len(tail) == 0 && len(mixes) == 0 {
		// the logits of the last prompt token are gone, evaluate it again
		numPast--
		tail = prompt[numPast:]
	}

	if len(tail) > 0 {
		if err := r.ev.Remove(0, int32(numPast), maxPos); err != nil {
			return DecodeResult{}, err
		}

		var batch input.Batch
		for i, id := range tail {
			batch.Add(input.Input{Token: id}, int32(numPast+i), 0, i == len(tail)-1 && len(mixes) == 0)
		}

		if err := r.ev.Decode(batch); err != nil {
			return DecodeResult{}, fmt.Errorf("%w: prompt: %w", ErrDecode, err)
		}
	} else {
		logutil.Trace("prompt unchanged, proceeding to mixes")
	}

	r.cache.Commit(prompt)
	logutil.Elapsed("prompt decode", start, "tokens", len(tail), "past", numPast)

	res := DecodeResult{Head: len(tail) - 1, Size: len(prompt)}
	if len(mixes) > 0 {
		if err := r.decodeMixes(&res, mixes, changed); err != nil {
			return DecodeResult{}, err
		}
	} else {
		// forget mixes so a later correction does not trust stale cells
		r.cache.CachedMixes(nil)
	}

	if err := r.ev.Remove(0, int32(res.Size), maxPos); err != nil {
		return DecodeResult{}, err
	}

	logutil.Trace("decoded", "head", res.Head, "size", res.Size, "mixes", len(mixes))
	return res, nil
}

func (r *Runner) decodeMixes(res *DecodeResult, mixes []gesture.TokenMix, promptChanged bool) error {
	start := time.Now()

	embeds := make([][]float32, len(mixes))
	for i, mix := range mixes {
		embd, err := r.mixer.Embed(mix)
		if errors.Is(err, gesture.ErrZeroWeight) {
			invariant("token mix has no weight", "index", i, "mix", mix)
			return err
		} else if err != nil {
			return err
		}

		embeds[i] = embd
	}

	numPast := r.cache.CachedMixes(mixes)
	if promptChanged {
		numPast = 0
	}

	if err := r.ev.Remove(0, int32(res.Size+numPast), maxPos); err != nil {
		return err
	}

	// one embedding per call, mixed rows are not batched
	for h := numPast; h < len(mixes); h++ {
		var batch input.Batch
		batch.Add(input.Input{Embed: embeds[h]}, int32(res.Size+h), 0, false)
		if err := r.ev.Decode(batch); err != nil {
			return fmt.Errorf("%w: mix %d: %w", ErrDecode, h, err)
		}
	}

	var batch input.Batch
	batch.Add(input.Input{Token: r.special.XBC}, int32(res.Size+len(mixes)), 0, true)
	if err := r.ev.Decode(batch); err != nil {
		return fmt.Errorf("%w: XBC: %w", ErrDecode, err)
	}

	res.Head = 0
	res.Size += len(mixes) + 1
	res.Mixed = true

	logutil.Elapsed("mix decode", start, "mixes", len(mixes), "cached", numPast)
	return nil
}
