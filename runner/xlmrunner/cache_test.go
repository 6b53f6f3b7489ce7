package xlmrunner

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ollama/xlm/gesture"
)

func TestCountCommonPrefix(t *testing.T) {
	tests := []struct {
		name     string
		t1       []int32
		t2       []int32
		expected int
	}{
		{"Equal", []int32{1, 2, 3}, []int32{1, 2, 3}, 3},
		{"Prefix", []int32{1}, []int32{1, 2, 3}, 1},
		{"LongerPrefix", []int32{1, 2, 3}, []int32{1}, 1},
		{"Mismatch", []int32{1, 2, 3}, []int32{1, 5, 3}, 1},
		{"Empty", []int32{}, []int32{1, 2, 3}, 0},
		{"Both Empty", []int32{}, []int32{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := countCommonPrefix(tt.t1, tt.t2); got != tt.expected {
				t.Errorf("%s: got %d, want %d", tt.name, got, tt.expected)
			}
		})
	}
}

func TestFastForward(t *testing.T) {
	tests := []struct {
		name    string
		cached  []int32
		prompt  []int32
		tail    []int32
		numPast int
	}{
		{"Cold", nil, []int32{1, 2, 3}, []int32{1, 2, 3}, 0},
		{"Continuation", []int32{1, 2}, []int32{1, 2, 3, 4}, []int32{3, 4}, 2},
		{"Same", []int32{1, 2, 3}, []int32{1, 2, 3}, []int32{}, 3},
		{"Diverged", []int32{1, 2, 3}, []int32{1, 9, 3}, []int32{9, 3}, 1},
		{"Shorter", []int32{1, 2, 3}, []int32{1, 2}, []int32{}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c PromptCache
			c.Commit(tt.cached)

			tail, numPast := c.FastForward(tt.prompt)
			if numPast != tt.numPast {
				t.Errorf("numPast: got %d, want %d", numPast, tt.numPast)
			}

			if diff := cmp.Diff(tt.tail, tail); diff != "" {
				t.Errorf("tail mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCachedMixes(t *testing.T) {
	var c PromptCache
	mixes := []gesture.TokenMix{{X: 0.1, Y: 0.1}, {X: 0.2, Y: 0.1}}

	if n := c.CachedMixes(mixes); n != 0 {
		t.Errorf("expected nothing cached, got %d", n)
	}

	if n := c.CachedMixes(append(mixes, gesture.TokenMix{X: 0.3})); n != 2 {
		t.Errorf("expected 2 cached, got %d", n)
	}

	c.Reset()
	if n := c.CachedMixes(mixes); n != 0 {
		t.Errorf("expected reset to forget mixes, got %d", n)
	}
}

func TestMatches(t *testing.T) {
	var c PromptCache
	if !c.Matches(nil) {
		t.Error("empty cache should match an empty prompt")
	}

	c.Commit([]int32{1, 2, 3})

	for _, prompt := range [][]int32{{1, 2}, {1, 2, 3, 4}, {1, 9, 3}} {
		if c.Matches(prompt) {
			t.Errorf("%v should not match", prompt)
		}
	}

	if !c.Matches([]int32{1, 2, 3}) {
		t.Error("expected identical prompt to match")
	}
}
