package input

// Input represents one entry in the input stream of a forward pass.
type Input struct {
	// Token is a single element of text. It is ignored when Embed is set.
	Token int32

	// Embed is a continuous embedding fed to the model in place of a
	// token, for example a blended gesture mix. Its length must match
	// the embedding dimension of the model.
	Embed []float32
}

// Batch contains the inputs for a model forward pass. A batch is built
// fresh for every call and is not modified by the evaluator; nothing
// carries over from one batch to the next except the KV cache.
type Batch struct {
	Inputs    []Input
	Positions []int32
	Sequences []int

	// Outputs holds the indices of Inputs whose logits are requested.
	Outputs []int
}

// Add appends a single input at position pos of sequence seq
func (b *Batch) Add(in Input, pos int32, seq int, logits bool) {
	if logits {
		b.Outputs = append(b.Outputs, len(b.Inputs))
	}

	b.Inputs = append(b.Inputs, in)
	b.Positions = append(b.Positions, pos)
	b.Sequences = append(b.Sequences, seq)
}

func (b Batch) Len() int {
	return len(b.Inputs)
}

// Output reports whether logits were requested for input i
func (b Batch) Output(i int) bool {
	for _, o := range b.Outputs {
		if o == i {
			return true
		}
	}

	return false
}
