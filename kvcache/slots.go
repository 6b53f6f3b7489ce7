package kvcache

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/ollama/xlm/logutil"
)

var ErrNoFreeSlot = errors.New("no free sequence slot")

// SequenceCache is the part of an evaluator that manages per-sequence
// cached state
type SequenceCache interface {
	CopyPrefix(srcSeq, dstSeq int, len int32)
	Remove(seq int, beginIndex, endIndex int32) error
}

// Slots hands out sequence ids of an evaluator to hypotheses during one
// decode call. Slot 0 holds the shared prefix and is never released.
type Slots struct {
	cache SequenceCache
	n     int
}

func NewSlots(cache SequenceCache, n int) *Slots {
	return &Slots{cache: cache, n: n}
}

func (s *Slots) Len() int {
	return s.n
}

// Copy replaces the contents of dst with positions [0, upto) of src
func (s *Slots) Copy(src, dst int, upto int32) {
	if src == dst {
		return
	}

	logutil.Trace("slot copy", "src", src, "dst", dst, "upto", upto)
	s.cache.CopyPrefix(src, dst, upto)
}

// Remove evicts positions [from, to) of slot. to == math.MaxInt32 evicts
// through the end.
func (s *Slots) Remove(slot int, from, to int32) error {
	return s.cache.Remove(slot, from, to)
}

// Resolve makes the slot of every live hypothesis unique. owners[i] is the
// slot hypothesis i inherited from its parent. The first holder of a slot
// keeps it and later holders move to the lowest unused slot, which first
// receives positions [0, upto) of the shared one. The returned slice is
// the new assignment.
func (s *Slots) Resolve(owners []int, upto int32) ([]int, error) {
	if len(owners) > s.n {
		return nil, fmt.Errorf("%w: %d hypotheses for %d slots", ErrNoFreeSlot, len(owners), s.n)
	}

	used := make([]int, s.n)
	for _, slot := range owners {
		if slot < 0 || slot >= s.n {
			return nil, fmt.Errorf("slot %d out of range [0, %d)", slot, s.n)
		}
		used[slot]++
	}

	claimed := make([]bool, s.n)
	resolved := slices.Clone(owners)
	for i, slot := range resolved {
		if !claimed[slot] {
			claimed[slot] = true
			continue
		}

		free := slices.Index(used, 0)
		if free < 0 {
			return nil, ErrNoFreeSlot
		}

		used[free]++
		claimed[free] = true
		resolved[i] = free

		logutil.Trace("slot collision", "hypothesis", i, "from", slot, "to", free)
		s.Copy(slot, free, upto)
	}

	return resolved, nil
}

// Release evicts every scratch slot
func (s *Slots) Release() error {
	var errs []error
	for slot := 1; slot < s.n; slot++ {
		if err := s.cache.Remove(slot, 0, math.MaxInt32); err != nil {
			errs = append(errs, fmt.Errorf("slot %d: %w", slot, err))
		}
	}

	return errors.Join(errs...)
}
