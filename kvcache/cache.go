package kvcache

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ollama/xlm/model/input"
)

var (
	ErrKvCacheFull  = errors.New("could not find a kv cache slot")
	ErrNotSupported = errors.New("model does not support operation")
)

type DType int

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeBF16
)

func (d DType) String() string {
	switch d {
	case DTypeF16:
		return "f16"
	case DTypeBF16:
		return "bf16"
	default:
		return "f32"
	}
}

// Size is the number of bytes used per stored element
func (d DType) Size() int {
	if d == DTypeF32 {
		return 4
	}
	return 2
}

func ParseDType(s string) (DType, error) {
	switch strings.ToLower(s) {
	case "", "f32":
		return DTypeF32, nil
	case "f16":
		return DTypeF16, nil
	case "bf16":
		return DTypeBF16, nil
	default:
		return DTypeF32, fmt.Errorf("unsupported kv cache type %q", s)
	}
}

type Cache interface {
	// ** used by model implementations **

	// SetLayer sets the active layer of the cache
	SetLayer(layer int)

	// Get returns the keys and values that row of the current batch may
	// attend to, flattened to n rows of the stored dimension
	Get(row int) (keys, values []float32, n int)

	// Put stores the key and value of a row of the current batch in the
	// active layer
	Put(row int, key, value []float32)

	// ** cache management **

	// Init sets up runtime parameters
	Init(dtype DType, maxSequences, capacity int)

	// StartForward is called before the start of the model's forward pass.
	// It assigns a cell to every row of the batch.
	StartForward(batch input.Batch) error

	// CopyPrefix copies tokens in the range [0, len) from srcSeq to dstSeq
	CopyPrefix(srcSeq, dstSeq int, len int32)

	// Remove deletes tokens in the range [beginIndex, endIndex) from seq. Set
	// endIndex to math.MaxInt32 to remove everything starting at beginIndex.
	//
	// If an error occurs, the entire context for the sequence should be
	// removed by calling Remove(seq, 0, math.MaxInt32)
	Remove(seq int, beginIndex, endIndex int32) error
}
