package kvcache

import (
	"errors"
	"math"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/ollama/xlm/model/input"
)

type testCase struct {
	name string
	in   []float32
	seqs []int
	pos  []int32

	// expected holds, per row, the stored keys that row may attend to
	expected [][]float32

	// values overrides the stored values, which otherwise mirror the keys.
	// Shifting rewrites keys only.
	values [][]float32
}

func testCache(t *testing.T, cache *Causal, tests []testCase) {
	t.Helper()

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := cache.StartForward(input.Batch{Positions: test.pos, Sequences: test.seqs})
			assert.NilError(t, err)

			cache.SetLayer(0)
			for i, v := range test.in {
				cache.Put(i, []float32{v}, []float32{-v})
			}

			for i := range test.in {
				keys, values, n := cache.Get(i)
				assert.Equal(t, n, len(test.expected[i]))
				assert.DeepEqual(t, keys, test.expected[i])
				if test.values != nil {
					assert.DeepEqual(t, values, test.values[i])
					continue
				}

				for j := range values {
					assert.Equal(t, values[j], -keys[j])
				}
			}
		})
	}
}

func TestStore(t *testing.T) {
	for _, dtype := range []DType{DTypeF32, DTypeF16, DTypeBF16} {
		t.Run(dtype.String(), func(t *testing.T) {
			cache := NewCausalCache(nil)
			cache.Init(dtype, 1, 16)

			tests := []testCase{
				{
					name: "FirstBatch",
					in:   []float32{1, 2, 3, 4},
					seqs: []int{0, 0, 0, 0},
					pos:  []int32{0, 1, 2, 3},
					expected: [][]float32{
						{1},
						{1, 2},
						{1, 2, 3},
						{1, 2, 3, 4},
					},
				},
				{
					name:     "SecondBatch",
					in:       []float32{5},
					seqs:     []int{0},
					pos:      []int32{4},
					expected: [][]float32{{1, 2, 3, 4, 5}},
				},
			}

			testCache(t, cache, tests)
		})
	}
}

func TestPrecision(t *testing.T) {
	in := []float32{0.1, -1.5, 1000.25, 3.14159}

	for _, tt := range []struct {
		dtype DType
		tol   float64
	}{
		{DTypeF32, 0},
		{DTypeF16, 1e-3},
		{DTypeBF16, 1e-2},
	} {
		t.Run(tt.dtype.String(), func(t *testing.T) {
			cache := NewCausalCache(nil)
			cache.Init(tt.dtype, 1, 4)

			assert.NilError(t, cache.StartForward(input.Batch{Positions: []int32{0}, Sequences: []int{0}}))
			cache.SetLayer(0)
			cache.Put(0, in, in)

			keys, _, n := cache.Get(0)
			assert.Equal(t, n, 1)
			for i := range in {
				rel := math.Abs(float64(keys[i]-in[i])) / math.Abs(float64(in[i]))
				assert.Assert(t, rel <= tt.tol, "element %d: %v vs %v", i, keys[i], in[i])
			}
		})
	}
}

func TestSequences(t *testing.T) {
	cache := NewCausalCache(nil)
	cache.Init(DTypeF16, 2, 16)

	tests := []testCase{
		{
			name: "FirstBatch",
			in:   []float32{1, 2, 3, 4},
			seqs: []int{0, 0, 1, 1},
			pos:  []int32{0, 1, 0, 1},
			expected: [][]float32{
				{1},
				{1, 2},
				{3},
				{3, 4},
			},
		},
		{
			name: "SecondBatch",
			in:   []float32{5, 6},
			seqs: []int{0, 1},
			pos:  []int32{2, 2},
			expected: [][]float32{
				{1, 2, 5},
				{3, 4, 6},
			},
		},
	}

	testCache(t, cache, tests)
}

func TestRemove(t *testing.T) {
	cache := NewCausalCache(func(layer int, key []float32, shift int32) error {
		for i := range key {
			key[i] += float32(shift)
		}
		return nil
	})
	cache.Init(DTypeF32, 2, 16)

	tests := []testCase{
		{
			name: "FirstBatch",
			in:   []float32{1, 2, 3, 4},
			seqs: []int{0, 0, 1, 1},
			pos:  []int32{0, 1, 0, 1},
			expected: [][]float32{
				{1},
				{1, 2},
				{3},
				{3, 4},
			},
		},
	}

	testCache(t, cache, tests)

	assert.NilError(t, cache.Remove(0, 1, math.MaxInt32))
	assert.Equal(t, cache.Len(0), 1)

	tests = []testCase{
		{
			name: "RemoveEnd",
			in:   []float32{5, 6},
			seqs: []int{0, 1},
			pos:  []int32{1, 2},
			expected: [][]float32{
				{1, 5},
				{3, 4, 6},
			},
		},
	}

	testCache(t, cache, tests)

	// removing the middle shifts later keys
	assert.NilError(t, cache.Remove(1, 0, 1))
	assert.Equal(t, cache.Len(1), 2)

	testCache(t, cache, []testCase{
		{
			name: "AfterShift",
			in:   []float32{7},
			seqs: []int{1},
			pos:  []int32{2},
			// cells come back in storage order, the new row reuses a freed cell
			expected: [][]float32{{7, 3, 5}},
			values:   [][]float32{{-7, -4, -6}},
		},
	})
}

func TestRemoveShared(t *testing.T) {
	cache := NewCausalCache(nil)
	cache.Init(DTypeF32, 2, 8)

	testCache(t, cache, []testCase{
		{
			name:     "Prefix",
			in:       []float32{1, 2, 3},
			seqs:     []int{0, 0, 0},
			pos:      []int32{0, 1, 2},
			expected: [][]float32{{1}, {1, 2}, {1, 2, 3}},
		},
	})

	cache.CopyPrefix(0, 1, 3)

	err := cache.Remove(0, 0, 1)
	assert.ErrorContains(t, err, "shared by multiple sequences")

	// removing a suffix never shifts and is always allowed
	assert.NilError(t, cache.Remove(1, 1, math.MaxInt32))
	assert.Equal(t, cache.Len(1), 1)
}

func TestCopy(t *testing.T) {
	cache := NewCausalCache(nil)
	cache.Init(DTypeF16, 2, 16)

	tests := []testCase{
		{
			name:     "FirstBatch",
			in:       []float32{1, 2, 3, 4},
			seqs:     []int{0, 0, 0, 0},
			pos:      []int32{0, 1, 2, 3},
			expected: [][]float32{{1}, {1, 2}, {1, 2, 3}, {1, 2, 3, 4}},
		},
	}

	testCache(t, cache, tests)

	cache.CopyPrefix(0, 1, 2)

	tests = []testCase{
		{
			name: "Copy",
			in:   []float32{5, 6},
			seqs: []int{1, 1},
			pos:  []int32{2, 3},
			expected: [][]float32{
				{1, 2, 5},
				{1, 2, 5, 6},
			},
		},
	}

	testCache(t, cache, tests)

	// copying again discards what seq 1 had before
	cache.CopyPrefix(0, 1, 1)
	assert.Equal(t, cache.Len(1), 1)
	assert.Equal(t, cache.Len(0), 4)
}

func TestCacheFull(t *testing.T) {
	cache := NewCausalCache(nil)
	cache.Init(DTypeF32, 1, 2)

	err := cache.StartForward(input.Batch{Positions: []int32{0, 1, 2}, Sequences: []int{0, 0, 0}})
	assert.Assert(t, errors.Is(err, ErrKvCacheFull))
}

func TestParseDType(t *testing.T) {
	for s, want := range map[string]DType{"": DTypeF32, "f32": DTypeF32, "F16": DTypeF16, "bf16": DTypeBF16} {
		got, err := ParseDType(s)
		assert.NilError(t, err)
		assert.Equal(t, got, want)
	}

	_, err := ParseDType("q4_0")
	assert.ErrorContains(t, err, "unsupported")
}
