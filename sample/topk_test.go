package sample

import (
	"cmp"
	"testing"

	gocmp "github.com/google/go-cmp/cmp"
)

func TestTopK(t *testing.T) {
	probs := []float64{0.1, 0.4, 0.05, 0.4, 0.3, 0}

	got := TopK(probs, 3)
	want := []TokenProb{{1, 0.4}, {3, 0.4}, {4, 0.3}}
	if diff := gocmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	if got := TopK(probs, 0); len(got) != 0 {
		t.Errorf("expected no results, got %v", got)
	}

	if got := TopK(probs, 10); len(got) != len(probs) {
		t.Errorf("expected %d results, got %d", len(probs), len(got))
	}
}

func TestTopN(t *testing.T) {
	top := NewTopN(2, cmp.Compare[int])
	for _, v := range []int{5, 1, 9, 3, 7} {
		top.Push(v)
	}

	if top.Len() != 2 {
		t.Fatalf("expected 2 values, got %d", top.Len())
	}

	if diff := gocmp.Diff([]int{9, 7}, top.Sorted()); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func BenchmarkTopK(b *testing.B) {
	probs := make([]float64, 32000)
	for i := range probs {
		probs[i] = float64(i%977) / 977
	}

	for b.Loop() {
		TopK(probs, 3)
	}
}
