package sample

import (
	"cmp"

	pq "github.com/emirpasic/gods/v2/queues/priorityqueue"
)

type TokenProb struct {
	ID   int32
	Prob float64
}

// compareTokenProb orders by probability, preferring the lower id on ties
func compareTokenProb(a, b TokenProb) int {
	if c := cmp.Compare(a.Prob, b.Prob); c != 0 {
		return c
	}

	return cmp.Compare(b.ID, a.ID)
}

// TopN keeps the n greatest values pushed into it. cmp returns a positive
// number when a is greater than b.
type TopN[T comparable] struct {
	n int
	q *pq.Queue[T]
}

func NewTopN[T comparable](n int, cmp func(a, b T) int) *TopN[T] {
	// the queue head is the smallest kept value, the first one to evict
	return &TopN[T]{n: n, q: pq.NewWith(cmp)}
}

func (t *TopN[T]) Push(v T) {
	if t.n <= 0 {
		return
	}

	t.q.Enqueue(v)
	if t.q.Size() > t.n {
		t.q.Dequeue()
	}
}

func (t *TopN[T]) Len() int {
	return t.q.Size()
}

// Sorted drains the kept values, greatest first
func (t *TopN[T]) Sorted() []T {
	out := make([]T, t.q.Size())
	for i := len(out) - 1; i >= 0; i-- {
		out[i], _ = t.q.Dequeue()
	}

	return out
}

// TopK returns the k most probable tokens, most probable first
func TopK(probs []float64, k int) []TokenProb {
	top := NewTopN(k, compareTokenProb)
	for i, p := range probs {
		top.Push(TokenProb{ID: int32(i), Prob: p})
	}

	return top.Sorted()
}
