// Package llama evaluates llama2.c checkpoints on the CPU. Rows of a batch
// may belong to different sequences, which share cached prefixes through
// a causal KV cache.
package llama

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"

	"github.com/ollama/xlm/envconfig"
	"github.com/ollama/xlm/gesture"
	"github.com/ollama/xlm/kvcache"
	"github.com/ollama/xlm/model"
)

type ModelParams struct {
	// TokenizerPath defaults to tokenizer.bin next to the checkpoint
	TokenizerPath string

	// EncoderPath optionally names a gesture encoder
	EncoderPath string
}

func NewModelParams() ModelParams {
	return ModelParams{
		TokenizerPath: envconfig.Tokenizer(),
		EncoderPath:   envconfig.Encoder(),
	}
}

type ContextParams struct {
	// NumCtx is the number of positions available to each sequence
	NumCtx int

	// NumSeqMax is the number of sequences that may be cached at once
	NumSeqMax int

	KvCacheType string
	NumThreads  int
}

func NewContextParams(numSeqMax int) ContextParams {
	return ContextParams{
		NumCtx:      int(envconfig.ContextLength()),
		NumSeqMax:   numSeqMax,
		KvCacheType: envconfig.KvCacheType(),
		NumThreads:  envconfig.NumThreads(),
	}
}

type Model struct {
	Config  Config
	Weights TransformerWeights

	tokenizer *model.SentencePieceModel
	encoder   *gesture.Encoder
}

func LoadModelFromFile(modelPath string, params ModelParams) (*Model, error) {
	f, err := os.Open(modelPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	config, err := NewConfigFromCheckpoint(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", modelPath, err)
	}

	weights, err := NewTransformerWeightsFromCheckpoint(config, r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", modelPath, err)
	}

	m := Model{Config: config, Weights: weights}

	tokenizerPath := params.TokenizerPath
	if tokenizerPath == "" {
		tokenizerPath = filepath.Join(filepath.Dir(modelPath), "tokenizer.bin")
	}

	if m.tokenizer, err = loadTokenizer(tokenizerPath, config.VocabSize); err != nil {
		return nil, err
	}

	if params.EncoderPath != "" {
		if m.encoder, err = gesture.LoadEncoder(params.EncoderPath); err != nil {
			return nil, err
		}

		if len(m.encoder.Bias) != config.Dim {
			return nil, fmt.Errorf("encoder %s has %d outputs, model dimension is %d", params.EncoderPath, len(m.encoder.Bias), config.Dim)
		}
	}

	slog.Info("model loaded",
		"path", modelPath,
		"dim", config.Dim,
		"layers", config.NumLayers,
		"heads", config.NumHeads,
		"kv_heads", config.NumKVHeads,
		"vocab", config.VocabSize,
		"encoder", m.encoder != nil)

	return &m, nil
}

// NewModel wraps weights that are already in memory
func NewModel(config Config, weights TransformerWeights, vocab *model.Vocabulary) (*Model, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	if vocab.Size() != config.VocabSize {
		return nil, fmt.Errorf("vocabulary has %d tokens, model has %d", vocab.Size(), config.VocabSize)
	}

	return &Model{
		Config:    config,
		Weights:   weights,
		tokenizer: model.NewSentencePieceModel(model.DefaultPretokenizer, vocab),
	}, nil
}

func (m *Model) NumVocab() int {
	return m.Config.VocabSize
}

func (m *Model) NumEmbd() int {
	return m.Config.Dim
}

// TokenEmbedding returns a copy of the input embedding of id
func (m *Model) TokenEmbedding(id int32) []float32 {
	dim := m.Config.Dim
	if id < 0 || int(id) >= m.Config.VocabSize {
		return nil
	}

	return slices.Clone(m.Weights.TokenEmbeddingTable[int(id)*dim : (int(id)+1)*dim])
}

func (m *Model) TextProcessor() model.TextProcessor {
	return m.tokenizer
}

// Encoder returns the gesture encoder or nil when none was loaded
func (m *Model) Encoder() *gesture.Encoder {
	return m.encoder
}

type Context struct {
	*Model

	cache      *kvcache.Causal
	numCtx     int
	numSeqMax  int
	numThreads int

	// logits of the last batch by row, nil for rows without output
	logits [][]float32
}

var _ model.Evaluator = (*Context)(nil)

func NewContextWithModel(m *Model, params ContextParams) (*Context, error) {
	dtype, err := kvcache.ParseDType(params.KvCacheType)
	if err != nil {
		return nil, err
	}

	if params.NumCtx <= 0 || params.NumSeqMax <= 0 {
		return nil, fmt.Errorf("invalid context size %d for %d sequences", params.NumCtx, params.NumSeqMax)
	}

	if m.Config.SeqLen > 0 && params.NumCtx > m.Config.SeqLen {
		slog.Warn("context length exceeds training length", "num_ctx", params.NumCtx, "seq_len", m.Config.SeqLen)
	}

	c := Context{
		Model:      m,
		numCtx:     params.NumCtx,
		numSeqMax:  params.NumSeqMax,
		numThreads: params.NumThreads,
	}

	if c.numThreads <= 0 {
		c.numThreads = runtime.NumCPU()
	}

	c.cache = kvcache.NewCausalCache(c.shift)
	c.cache.Init(dtype, params.NumSeqMax, params.NumCtx)

	slog.Debug("context created", "num_ctx", c.numCtx, "num_seq_max", c.numSeqMax, "kv_cache_type", dtype, "threads", c.numThreads)
	return &c, nil
}

func (c *Context) Logits(i int) []float32 {
	if i < 0 || i >= len(c.logits) {
		return nil
	}
	return c.logits[i]
}

func (c *Context) Remove(seq int, begin, end int32) error {
	return c.cache.Remove(seq, begin, end)
}

func (c *Context) CopyPrefix(src, dst int, length int32) {
	c.cache.CopyPrefix(src, dst, length)
}

// shift moves a cached key by delta positions
func (c *Context) shift(_ int, key []float32, delta int32) error {
	rope(key, float64(delta), c.Config.HeadSize())
	return nil
}
