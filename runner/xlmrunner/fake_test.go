package xlmrunner

import (
	"fmt"
	"math"
	"slices"
	"testing"

	"github.com/ollama/xlm/gesture"
	"github.com/ollama/xlm/model"
	"github.com/ollama/xlm/model/input"
)

// fakeEvaluator serves scripted logits based on the pieces a sequence
// holds. It fails any row whose history has a gap, which is how stale or
// missing cache copies show up in tests.
type fakeEvaluator struct {
	vocab *model.Vocabulary
	next  func(history []string) map[string]float32

	seqs    map[int]map[int32]string
	logits  [][]float32
	batches []input.Batch
	ops     []string

	// histories of every row that produced logits, in order
	histories [][]string

	fail func(call int, batch input.Batch) error
}

var _ model.Evaluator = (*fakeEvaluator)(nil)

func (f *fakeEvaluator) Decode(batch input.Batch) error {
	f.batches = append(f.batches, batch)
	if f.fail != nil {
		if err := f.fail(len(f.batches)-1, batch); err != nil {
			return err
		}
	}

	for i, in := range batch.Inputs {
		seq := batch.Sequences[i]
		if f.seqs[seq] == nil {
			f.seqs[seq] = make(map[int32]string)
		}

		piece := f.vocab.Decode(in.Token)
		if in.Embed != nil {
			piece = fmt.Sprintf("embd(%g)", in.Embed[0])
		}
		f.seqs[seq][batch.Positions[i]] = piece
	}

	f.logits = make([][]float32, batch.Len())
	for _, i := range batch.Outputs {
		seq, pos := batch.Sequences[i], batch.Positions[i]

		history := make([]string, pos+1)
		for p := range pos + 1 {
			piece, ok := f.seqs[seq][p]
			if !ok {
				return fmt.Errorf("sequence %d has no position %d", seq, p)
			}
			history[p] = piece
		}
		f.histories = append(f.histories, history)

		logits := make([]float32, f.vocab.Size())
		for piece, logit := range f.next(history) {
			id := f.vocab.Encode(piece)
			if id < 0 {
				return fmt.Errorf("unknown piece %q in script", piece)
			}
			logits[id] = logit
		}
		f.logits[i] = logits
	}

	return nil
}

func (f *fakeEvaluator) Logits(i int) []float32 {
	return f.logits[i]
}

func (f *fakeEvaluator) Remove(seq int, begin, end int32) error {
	if end == math.MaxInt32 {
		f.ops = append(f.ops, fmt.Sprintf("rm %d [%d,end)", seq, begin))
	} else {
		f.ops = append(f.ops, fmt.Sprintf("rm %d [%d,%d)", seq, begin, end))
	}

	for pos := range f.seqs[seq] {
		if pos >= begin && pos < end {
			delete(f.seqs[seq], pos)
		}
	}

	return nil
}

func (f *fakeEvaluator) CopyPrefix(src, dst int, length int32) {
	f.ops = append(f.ops, fmt.Sprintf("cp %d->%d [0,%d)", src, dst, length))

	f.seqs[dst] = make(map[int32]string)
	for pos, piece := range f.seqs[src] {
		if pos < length {
			f.seqs[dst][pos] = piece
		}
	}
}

func (f *fakeEvaluator) NumVocab() int {
	return f.vocab.Size()
}

func (f *fakeEvaluator) NumEmbd() int {
	return 2
}

// TokenEmbedding encodes the id in the first element so mixes can be
// traced through the batches
func (f *fakeEvaluator) TokenEmbedding(id int32) []float32 {
	return []float32{float32(id), 1}
}

// resetOps drops what was recorded so far
func (f *fakeEvaluator) resetOps() {
	f.ops = nil
	f.batches = nil
	f.histories = nil
}

func testVocabulary() *model.Vocabulary {
	values := []string{"<unk>", "<s>", "</s>", "<pad>", "<XBU>", "<XBC>", "<XEC>", "<XC0>"}
	for c := 'A'; c <= 'Z'; c++ {
		values = append(values, "<CHAR_"+string(c)+">")
	}

	values = append(values,
		"▁", ".▁", ",▁", ".", "0", ":", "~",
		"I▁", "like▁", "to▁", "eat▁", "pizza▁", "pasta▁", "pi", "pa", "ri", "e▁", "n", "c",
		"rice▁", "hello▁", "help▁", "hell", "o▁",
		"I", "l", "i", "k", "t", "o", "e", "a", "h", "p", "z", "r",
	)

	scores := make([]float32, len(values))
	for i := range scores {
		scores[i] = float32(len(values[i]))
	}

	return model.NewVocabulary(values, scores)
}

// lastPiece scripts logits by the newest piece of the history
func lastPiece(script map[string]map[string]float32) func([]string) map[string]float32 {
	return func(history []string) map[string]float32 {
		return script[history[len(history)-1]]
	}
}

func newTestRunner(t *testing.T, next func([]string) map[string]float32, geom gesture.Geometry) (*Runner, *fakeEvaluator) {
	t.Helper()

	tp := model.NewSentencePieceModel(model.DefaultPretokenizer, testVocabulary())
	ev := &fakeEvaluator{
		vocab: tp.Vocabulary(),
		next:  next,
		seqs:  make(map[int]map[int32]string),
	}

	r, err := New(ev, tp, geom, nil, Options{NumResults: 3})
	if err != nil {
		t.Fatal(err)
	}

	return r, ev
}

func suggestionTexts(s []Suggestion) []string {
	var texts []string
	for _, v := range s {
		texts = append(texts, v.Text)
	}
	return texts
}

func checkRanked(t *testing.T, s []Suggestion) {
	t.Helper()

	if len(s) > 3 {
		t.Errorf("expected at most 3 suggestions, got %d", len(s))
	}

	for _, v := range s {
		if v.Probability < 0 || v.Probability > 1 {
			t.Errorf("probability out of range: %v", v)
		}
	}

	if !slices.IsSortedFunc(s, func(a, b Suggestion) int {
		switch {
		case a.Probability > b.Probability:
			return -1
		case a.Probability < b.Probability:
			return 1
		}
		return 0
	}) {
		t.Errorf("suggestions not sorted: %v", s)
	}
}
