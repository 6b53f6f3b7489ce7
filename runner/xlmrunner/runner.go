// Package xlmrunner drives a keyboard language model: it feeds the
// context and touch input to an evaluator, expands several hypotheses in
// parallel and turns the best of them into suggestion text.
package xlmrunner

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/ollama/xlm/envconfig"
	"github.com/ollama/xlm/gesture"
	"github.com/ollama/xlm/kvcache"
	"github.com/ollama/xlm/model"
	"github.com/ollama/xlm/sample"
)

const (
	// DefaultNumResults is the number of suggestions returned and the
	// number of sequences the evaluator must provide
	DefaultNumResults = 3

	// MaxExpansionSteps caps the number of tokens a hypothesis may grow by
	MaxExpansionSteps = 10
)

var ErrDecode = errors.New("evaluator decode failed")

type InputMode int

const (
	InputModeTap InputMode = iota
	InputModeSwipe
)

type Options struct {
	NumResults int

	// NumCtx bounds the positions of a sequence. Older context is dropped
	// to leave room for mixes and expansion. Zero disables the limit.
	NumCtx int

	// WordBoundary reports whether a token piece ends a word. Defaults to
	// pieces ending in the SentencePiece space marker.
	WordBoundary func(piece string) bool

	Renormalize bool
}

func DefaultOptions() Options {
	return Options{
		NumResults:  DefaultNumResults,
		NumCtx:      int(envconfig.ContextLength()),
		Renormalize: envconfig.Renormalize(),
	}
}

func endsWithSpace(piece string) bool {
	return strings.HasSuffix(piece, "▁")
}

type Suggestion struct {
	Probability float64
	Text        string
}

type SuggestRequest struct {
	Context     string
	PartialWord string
	InputMode   InputMode
	Points      []gesture.Point
}

// Runner owns the decoding state of one loaded model. Its methods are
// safe to call concurrently but run one at a time.
type Runner struct {
	mu sync.Mutex

	ev      model.Evaluator
	tp      model.TextProcessor
	special *model.SpecialTokens
	geom    gesture.Geometry
	mixer   gesture.Mixer

	transform sample.LogitTransform
	cache     PromptCache
	slots     *kvcache.Slots

	opts Options
}

// New creates a runner. geom may be nil when only next word prediction is
// needed and encoder may be nil to blend letter embeddings instead.
func New(ev model.Evaluator, tp model.TextProcessor, geom gesture.Geometry, encoder *gesture.Encoder, opts Options) (*Runner, error) {
	special, err := model.ResolveSpecialTokens(tp)
	if err != nil {
		return nil, err
	}

	if opts.NumResults <= 0 {
		opts.NumResults = DefaultNumResults
	}

	if opts.WordBoundary == nil {
		opts.WordBoundary = endsWithSpace
	}

	if encoder != nil && len(encoder.Bias) != ev.NumEmbd() {
		return nil, fmt.Errorf("encoder has %d outputs, model embedding is %d", len(encoder.Bias), ev.NumEmbd())
	}

	return &Runner{
		ev:        ev,
		tp:        tp,
		special:   special,
		geom:      geom,
		mixer:     gesture.Mixer{Encoder: encoder, Table: ev},
		transform: sample.LogitTransform{Special: special, Renormalize: opts.Renormalize},
		slots:     kvcache.NewSlots(ev, opts.NumResults),
		opts:      opts,
	}, nil
}

func (r *Runner) SpecialTokens() *model.SpecialTokens {
	return r.special
}

// Reset forgets what the evaluator has cached so the next call starts
// from scratch
func (r *Runner) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reset()
}

func (r *Runner) reset() {
	r.cache.Reset()
	if err := r.ev.Remove(0, 0, maxPos); err != nil {
		slog.Error("failed to clear cache", "error", err)
	}
}

// PredictNextWord suggests words that may follow text
func (r *Runner) PredictNextWord(text string) []Suggestion {
	r.mu.Lock()
	defer r.mu.Unlock()

	prompt, err := r.tp.Encode(strings.TrimSpace(text) + " ")
	if err != nil {
		slog.Error("failed to tokenize context", "error", err)
		return nil
	}

	prompt = append([]int32{r.bos()}, prompt...)
	return r.predict(prompt, nil)
}

// PredictCorrection suggests the word the mixes most likely spell, given
// the text before it
func (r *Runner) PredictCorrection(text string, mixes []gesture.TokenMix, swipe bool) []Suggestion {
	r.mu.Lock()
	defer r.mu.Unlock()

	prompt := []int32{r.bos()}
	if text != "" {
		ids, err := r.tp.Encode(strings.TrimSpace(text) + " ")
		if err != nil {
			slog.Error("failed to tokenize context", "error", err)
			return nil
		}
		prompt = append(prompt, ids...)
	}

	prompt = append(prompt, r.special.XBU)
	if swipe {
		prompt = append(prompt, r.special.XC0)
	}

	return r.predict(prompt, mixes)
}

// Suggest predicts the next word when nothing of the current word has been
// typed and corrects the partial word otherwise
func (r *Runner) Suggest(req SuggestRequest) []Suggestion {
	if req.PartialWord == "" {
		return r.PredictNextWord(req.Context)
	}

	if r.geom == nil {
		slog.Error("correction requested without keyboard geometry")
		return nil
	}

	points := req.Points
	points = points[:min(len(points), len([]rune(req.PartialWord)))]

	mixes := gesture.BuildMixes(r.geom, r.special, points)
	return r.PredictCorrection(req.Context, mixes, req.InputMode == InputModeSwipe)
}

func (r *Runner) bos() int32 {
	return r.tp.Vocabulary().BOS
}

func (r *Runner) predict(prompt []int32, mixes []gesture.TokenMix) []Suggestion {
	prompt = r.truncate(prompt, len(mixes))

	res, err := r.decode(prompt, mixes)
	if err != nil {
		slog.Error("failed to decode prompt", "error", err)
		r.reset()
		return nil
	}

	results, err := r.sample(res)
	if err != nil {
		slog.Error("failed to sample", "error", err)
		r.reset()
		return nil
	}

	suggestions := make([]Suggestion, 0, len(results))
	for _, result := range results {
		text, err := r.tp.Decode(result.Tokens)
		if err != nil {
			slog.Error("failed to decode tokens", "tokens", result.Tokens, "error", err)
			return nil
		}

		text = strings.TrimSpace(text)
		if text == "" || slices.ContainsFunc(suggestions, func(s Suggestion) bool { return s.Text == text }) {
			continue
		}

		suggestions = append(suggestions, Suggestion{Probability: result.Prob, Text: text})
	}

	return suggestions
}

// truncate drops the oldest context so the prompt, numMixes mixes, the
// correction marker and a full expansion fit in NumCtx. The first token
// is kept.
func (r *Runner) truncate(prompt []int32, numMixes int) []int32 {
	if r.opts.NumCtx <= 0 {
		return prompt
	}

	limit := r.opts.NumCtx - numMixes - 1 - MaxExpansionSteps
	if len(prompt) <= limit || limit < 2 {
		return prompt
	}

	slog.Debug("truncating context", "prompt", len(prompt), "limit", limit)
	return append([]int32{prompt[0]}, prompt[len(prompt)-limit+1:]...)
}

// invariant reports a violated internal invariant. It only aborts when
// strict mode is enabled.
func invariant(msg string, args ...any) {
	slog.Error("invariant violated: "+msg, args...)
	if envconfig.Strict() {
		panic(fmt.Sprintf("invariant violated: %s %v", msg, args))
	}
}
