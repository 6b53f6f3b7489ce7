package llama

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var Endian = binary.LittleEndian

var ErrInvalidCheckpoint = errors.New("invalid checkpoint")

type Config struct {
	Dim        int // transformer dimension
	HiddenDim  int // for FFN layers
	NumLayers  int
	NumHeads   int // number of query heads
	NumKVHeads int // number of key/value heads (can be < query heads because of multiquery)
	VocabSize  int
	SeqLen     int // max sequence length the model was trained on

	// SharedWeights is set when the classifier reuses the token embeddings
	SharedWeights bool
}

func (c Config) HeadSize() int { return c.Dim / c.NumHeads }
func (c Config) KVDim() int    { return c.Dim * c.NumKVHeads / c.NumHeads }
func (c Config) KVMul() int    { return c.NumHeads / c.NumKVHeads }

func (c Config) validate() error {
	switch {
	case c.Dim <= 0, c.HiddenDim <= 0, c.NumLayers <= 0, c.VocabSize <= 0:
		return fmt.Errorf("%w: %+v", ErrInvalidCheckpoint, c)
	case c.NumHeads <= 0 || c.NumKVHeads <= 0 || c.Dim%c.NumHeads != 0 || c.NumHeads%c.NumKVHeads != 0:
		return fmt.Errorf("%w: %d heads and %d kv heads for dimension %d", ErrInvalidCheckpoint, c.NumHeads, c.NumKVHeads, c.Dim)
	case c.HeadSize()%2 != 0:
		return fmt.Errorf("%w: head size %d is odd", ErrInvalidCheckpoint, c.HeadSize())
	}

	return nil
}

type header struct {
	Dim        int32
	HiddenDim  int32
	NumLayers  int32
	NumHeads   int32
	NumKVHeads int32
	VocabSize  int32
	SeqLen     int32
}

// NewConfigFromCheckpoint reads the header of a llama2.c checkpoint. A
// negative vocabulary size marks a separate classifier.
func NewConfigFromCheckpoint(r io.Reader) (Config, error) {
	// binary reader expects exact binary size for int
	var h header
	if err := binary.Read(r, Endian, &h); err != nil {
		return Config{}, err
	}

	config := Config{
		Dim:           int(h.Dim),
		HiddenDim:     int(h.HiddenDim),
		NumLayers:     int(h.NumLayers),
		NumHeads:      int(h.NumHeads),
		NumKVHeads:    int(h.NumKVHeads),
		VocabSize:     int(h.VocabSize),
		SeqLen:        int(h.SeqLen),
		SharedWeights: h.VocabSize > 0,
	}

	if config.VocabSize < 0 {
		config.VocabSize = -config.VocabSize
	}

	return config, config.validate()
}

type TransformerWeights struct {
	TokenEmbeddingTable []float32 // (vocab_size, dim)

	RMSAttentionWeight []float32 // (num_layers, dim)
	RMSFFNWeight       []float32 // (num_layers, dim)
	RMSFinalWeight     []float32 // (dim,)

	// dim == n_heads * head_size
	WQ []float32 // (num_layers, dim, n_heads * head_size)
	WK []float32 // (num_layers, dim, n_kv_heads * head_size)
	WV []float32 // (num_layers, dim, n_kv_heads * head_size)
	WO []float32 // (num_layers, n_heads * head_size, dim)

	W1 []float32 // (num_layers, hidden_dim, dim)
	W2 []float32 // (num_layers, dim, hidden_dim)
	W3 []float32 // (num_layers, hidden_dim, dim)

	WCLS []float32 // (vocab_size, dim)
}

func newTransformerWeights(config Config) TransformerWeights {
	dim, kvDim, hiddenDim, layers := config.Dim, config.KVDim(), config.HiddenDim, config.NumLayers

	w := TransformerWeights{
		TokenEmbeddingTable: make([]float32, config.VocabSize*dim),
		RMSAttentionWeight:  make([]float32, layers*dim),
		RMSFFNWeight:        make([]float32, layers*dim),
		RMSFinalWeight:      make([]float32, dim),
		WQ:                  make([]float32, layers*dim*dim),
		WK:                  make([]float32, layers*dim*kvDim),
		WV:                  make([]float32, layers*dim*kvDim),
		WO:                  make([]float32, layers*dim*dim),
		W1:                  make([]float32, layers*dim*hiddenDim),
		W2:                  make([]float32, layers*hiddenDim*dim),
		W3:                  make([]float32, layers*dim*hiddenDim),
	}

	if config.SharedWeights {
		w.WCLS = w.TokenEmbeddingTable
	} else {
		w.WCLS = make([]float32, config.VocabSize*dim)
	}

	return w
}

// tensors lists the weights in checkpoint order. The deprecated RoPE
// tables sit between the final norm and the classifier.
func (w *TransformerWeights) tensors(config Config, rope []float32) [][]float32 {
	t := [][]float32{
		w.TokenEmbeddingTable,
		w.RMSAttentionWeight,
		w.WQ, w.WK, w.WV, w.WO,
		w.RMSFFNWeight,
		w.W1, w.W2, w.W3,
		w.RMSFinalWeight,
		rope, rope,
	}

	if !config.SharedWeights {
		t = append(t, w.WCLS)
	}

	return t
}

func NewTransformerWeightsFromCheckpoint(config Config, r io.Reader) (TransformerWeights, error) {
	w := newTransformerWeights(config)

	// RoPE is computed on the fly, the stored tables are read and dropped
	rope := make([]float32, config.SeqLen*config.HeadSize()/2)
	for i, t := range w.tensors(config, rope) {
		if err := binary.Read(r, Endian, t); err != nil {
			return TransformerWeights{}, fmt.Errorf("%w: tensor %d: %w", ErrInvalidCheckpoint, i, err)
		}
	}

	return w, nil
}

// WriteCheckpoint stores config and w in llama2.c format
func WriteCheckpoint(wr io.Writer, config Config, w TransformerWeights) error {
	h := header{
		Dim:        int32(config.Dim),
		HiddenDim:  int32(config.HiddenDim),
		NumLayers:  int32(config.NumLayers),
		NumHeads:   int32(config.NumHeads),
		NumKVHeads: int32(config.NumKVHeads),
		VocabSize:  int32(config.VocabSize),
		SeqLen:     int32(config.SeqLen),
	}

	if !config.SharedWeights {
		h.VocabSize = -h.VocabSize
	}

	if err := binary.Write(wr, Endian, h); err != nil {
		return err
	}

	rope := make([]float32, config.SeqLen*config.HeadSize()/2)
	for _, t := range w.tensors(config, rope) {
		if err := binary.Write(wr, Endian, t); err != nil {
			return err
		}
	}

	return nil
}
