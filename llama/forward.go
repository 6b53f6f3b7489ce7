package llama

import (
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ollama/xlm/logutil"
	"github.com/ollama/xlm/model/input"
)

// classifierChunk is the number of vocabulary rows computed per goroutine
const classifierChunk = 4096

// state holds the activations of one batch row
type state struct {
	x   []float32 // (dim,) activation at current time stamp
	xb  []float32 // (dim,) same, but inside a residual branch
	xb2 []float32 // (dim,) an additional buffer just for convenience
	hb  []float32 // (hidden_dim,) buffer for hidden dimension in the FFN
	hb2 []float32 // (hidden_dim,) buffer for hidden dimension in the FFN
	q   []float32 // (dim,) query
	k   []float32 // (kv_dim,) key
	v   []float32 // (kv_dim,) value
}

func newState(config Config) *state {
	return &state{
		x:   make([]float32, config.Dim),
		xb:  make([]float32, config.Dim),
		xb2: make([]float32, config.Dim),
		hb:  make([]float32, config.HiddenDim),
		hb2: make([]float32, config.HiddenDim),
		q:   make([]float32, config.Dim),
		k:   make([]float32, config.KVDim()),
		v:   make([]float32, config.KVDim()),
	}
}

func (c *Context) validate(batch input.Batch) error {
	if len(batch.Positions) != batch.Len() || len(batch.Sequences) != batch.Len() {
		return fmt.Errorf("batch has %d inputs, %d positions and %d sequences", batch.Len(), len(batch.Positions), len(batch.Sequences))
	}

	for i, in := range batch.Inputs {
		switch {
		case in.Embed != nil && len(in.Embed) != c.Config.Dim:
			return fmt.Errorf("row %d: embedding has %d values, want %d", i, len(in.Embed), c.Config.Dim)
		case in.Embed == nil && (in.Token < 0 || int(in.Token) >= c.Config.VocabSize):
			return fmt.Errorf("row %d: token %d out of range", i, in.Token)
		case batch.Positions[i] < 0 || int(batch.Positions[i]) >= c.numCtx:
			return fmt.Errorf("row %d: position %d outside of context %d", i, batch.Positions[i], c.numCtx)
		case batch.Sequences[i] < 0 || batch.Sequences[i] >= c.numSeqMax:
			return fmt.Errorf("row %d: sequence %d out of range", i, batch.Sequences[i])
		}
	}

	for _, o := range batch.Outputs {
		if o < 0 || o >= batch.Len() {
			return fmt.Errorf("output row %d out of range", o)
		}
	}

	return nil
}

// Decode runs the forward pass for every row of batch and keeps the
// logits of the rows listed in batch.Outputs
func (c *Context) Decode(batch input.Batch) error {
	start := time.Now()
	c.logits = nil

	if err := c.validate(batch); err != nil {
		return err
	}

	if err := c.cache.StartForward(batch); err != nil {
		return err
	}

	config := c.Config
	w := &c.Weights
	dim, kvDim, hiddenDim, headSize := config.Dim, config.KVDim(), config.HiddenDim, config.HeadSize()

	states := make([]*state, batch.Len())
	for i, in := range batch.Inputs {
		s := newState(config)
		if in.Embed != nil {
			copy(s.x, in.Embed)
		} else {
			copy(s.x, w.TokenEmbeddingTable[int(in.Token)*dim:(int(in.Token)+1)*dim])
		}
		states[i] = s
	}

	for l := range config.NumLayers {
		c.cache.SetLayer(l)

		// keys and values of every row are stored before any row attends,
		// rows later in the batch may see earlier ones
		var g errgroup.Group
		g.SetLimit(c.numThreads)
		for i, s := range states {
			g.Go(func() error {
				// attention RMSNorm
				rmsNorm(s.xb, s.x, w.RMSAttentionWeight[l*dim:(l+1)*dim])

				matMul(s.q, s.xb, w.WQ[l*dim*dim:(l+1)*dim*dim])
				matMul(s.k, s.xb, w.WK[l*dim*kvDim:(l+1)*dim*kvDim])
				matMul(s.v, s.xb, w.WV[l*dim*kvDim:(l+1)*dim*kvDim])

				pos := float64(batch.Positions[i])
				rope(s.q, pos, headSize)
				rope(s.k, pos, headSize)
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return err
		}

		for i, s := range states {
			c.cache.Put(i, s.k, s.v)
		}

		for i, s := range states {
			g.Go(func() error {
				c.attention(s, i)

				// final matmul to get the output of the attention
				matMul(s.xb2, s.xb, w.WO[l*dim*dim:(l+1)*dim*dim])
				axpy(1, s.xb2, s.x)

				// FFN: w2(silu(w1(x)) * w3(x))
				rmsNorm(s.xb, s.x, w.RMSFFNWeight[l*dim:(l+1)*dim])
				matMul(s.hb, s.xb, w.W1[l*dim*hiddenDim:(l+1)*dim*hiddenDim])
				matMul(s.hb2, s.xb, w.W3[l*dim*hiddenDim:(l+1)*dim*hiddenDim])
				for j := range s.hb {
					s.hb[j] = silu(s.hb[j]) * s.hb2[j]
				}

				matMul(s.xb, s.hb, w.W2[l*dim*hiddenDim:(l+1)*dim*hiddenDim])
				axpy(1, s.xb, s.x)
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return err
		}
	}

	c.logits = make([][]float32, batch.Len())
	for _, o := range batch.Outputs {
		s := states[o]
		rmsNorm(s.x, s.x, w.RMSFinalWeight)
		c.logits[o] = c.classify(s.x)
	}

	logutil.Elapsed("forward", start, "rows", batch.Len(), "outputs", len(batch.Outputs))
	return nil
}

// attention writes the multi-head attention output of row i into s.xb
func (c *Context) attention(s *state, row int) {
	config := c.Config
	kvDim, kvMul, headSize := config.KVDim(), config.KVMul(), config.HeadSize()
	scale := float32(1 / math.Sqrt(float64(headSize)))

	keys, values, n := c.cache.Get(row)
	att := make([]float32, n)
	for h := range config.NumHeads {
		q := s.q[h*headSize : (h+1)*headSize]
		off := (h / kvMul) * headSize

		for t := range n {
			att[t] = dot(q, keys[t*kvDim+off:t*kvDim+off+headSize]) * scale
		}

		softmax(att)

		xb := s.xb[h*headSize : (h+1)*headSize]
		clear(xb)
		for t, a := range att {
			axpy(a, values[t*kvDim+off:t*kvDim+off+headSize], xb)
		}
	}
}

// classify projects x onto the vocabulary, one chunk per goroutine
func (c *Context) classify(x []float32) []float32 {
	dim, vocab := c.Config.Dim, c.Config.VocabSize
	logits := make([]float32, vocab)

	var g errgroup.Group
	g.SetLimit(c.numThreads)
	for lo := 0; lo < vocab; lo += classifierChunk {
		hi := min(lo+classifierChunk, vocab)
		g.Go(func() error {
			matMul(logits[lo:hi], x, c.Weights.WCLS[lo*dim:hi*dim])
			return nil
		})
	}

	// chunks never fail
	_ = g.Wait()
	return logits
}
