package model

import "github.com/ollama/xlm/model/input"

type TextProcessor interface {
	Encode(string) ([]int32, error)
	Decode([]int32) (string, error)
	Is(int32, Special) bool
	Vocabulary() *Vocabulary
}

// Evaluator runs a causal language model over batches of rows. Each row
// carries either a token id or a raw embedding together with a position
// and a sequence id. Rows attend only to earlier positions of their own
// sequence.
type Evaluator interface {
	// Decode evaluates the batch, appending its keys and values to the
	// sequences named by each row.
	Decode(input.Batch) error

	// Logits returns the raw scores for the i-th row of the last batch.
	// It is only valid for rows flagged as outputs.
	Logits(i int) []float32

	// Remove drops cells of seq in [begin, end). end == math.MaxInt32
	// removes through the end of the sequence.
	Remove(seq int, begin, end int32) error

	// CopyPrefix makes the first length positions of src also visible to
	// dst. Earlier contents of dst are discarded.
	CopyPrefix(src, dst int, length int32)

	NumVocab() int
	NumEmbd() int

	// TokenEmbedding returns the input embedding row of a token.
	TokenEmbedding(id int32) []float32
}
