package gesture

import (
	"errors"
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
	"gonum.org/v1/gonum/floats"
)

var ErrZeroWeight = errors.New("token mix has zero total weight")

// Encoder is a learned affine map from keyboard coordinates to the
// embedding space. Weight is laid out row-major as [n_embd][2].
type Encoder struct {
	Weight []float32 `cbor:"weight"`
	Bias   []float32 `cbor:"bias"`
}

// LoadEncoder reads an encoder stored as a CBOR map with "weight" and
// "bias" arrays.
func LoadEncoder(path string) (*Encoder, error) {
	bts, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var e Encoder
	if err := cbor.Unmarshal(bts, &e); err != nil {
		return nil, fmt.Errorf("decode encoder %s: %w", path, err)
	}

	if len(e.Weight) != 2*len(e.Bias) {
		return nil, fmt.Errorf("encoder %s: weight has %d values, want %d", path, len(e.Weight), 2*len(e.Bias))
	}

	return &e, nil
}

// EmbeddingTable provides the model's input embeddings
type EmbeddingTable interface {
	NumEmbd() int
	TokenEmbedding(id int32) []float32
}

// Mixer produces one input embedding per token mix. When an encoder is
// set it is used exclusively and letter candidates are ignored.
type Mixer struct {
	Encoder *Encoder
	Table   EmbeddingTable
}

func (m Mixer) Embed(mix TokenMix) ([]float32, error) {
	n := m.Table.NumEmbd()

	if e := m.Encoder; e != nil {
		if len(e.Bias) != n {
			return nil, fmt.Errorf("encoder has %d outputs, model embedding is %d", len(e.Bias), n)
		}

		embd := make([]float32, n)
		for i := range embd {
			embd[i] = e.Bias[i] + e.Weight[i*2]*mix.X + e.Weight[i*2+1]*mix.Y
		}

		return embd, nil
	}

	sum := make([]float64, n)
	row := make([]float64, n)
	var added int
	for _, c := range mix.Mixes {
		// candidates are sorted, so the rest are negligible too
		if c.Weight < Epsilon {
			break
		}

		src := m.Table.TokenEmbedding(c.Token)
		if len(src) != n {
			return nil, fmt.Errorf("token %d: embedding has %d values, want %d", c.Token, len(src), n)
		}

		for i, v := range src {
			row[i] = float64(v)
		}

		floats.AddScaled(sum, float64(c.Weight), row)
		added++
	}

	if added == 0 {
		return nil, ErrZeroWeight
	}

	embd := make([]float32, n)
	for i, v := range sum {
		embd[i] = float32(v)
	}

	return embd, nil
}
