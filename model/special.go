package model

import (
	"errors"
	"fmt"
	"slices"
)

var ErrSpecialTokenMissing = errors.New("special token missing from vocabulary")

// SpecialTokens are the structural ids the keyboard model relies on.
type SpecialTokens struct {
	Space int32

	// XBU begins the uncertain (ambiguous) part of a word and XBC begins
	// its correction. XEC ends a correction. XC0 selects swipe mode.
	XBU, XBC, XEC, XC0 int32

	Letters [26]int32

	// Banned holds ids whose probability mass is folded into Space
	Banned []int32
}

// Letter returns the conditioning token of an ASCII letter, either case
func (s *SpecialTokens) Letter(r rune) (int32, bool) {
	switch {
	case r >= 'a' && r <= 'z':
		return s.Letters[r-'a'], true
	case r >= 'A' && r <= 'Z':
		return s.Letters[r-'A'], true
	default:
		return 0, false
	}
}

func ResolveSpecialTokens(tp TextProcessor) (*SpecialTokens, error) {
	v := tp.Vocabulary()

	lookup := func(piece string) (int32, error) {
		// id 0 is <unk> and never a valid structural token
		if id := v.Encode(piece); id > 0 {
			return id, nil
		}
		return 0, fmt.Errorf("%w: %q", ErrSpecialTokenMissing, piece)
	}

	var s SpecialTokens
	var err error
	for _, t := range []struct {
		piece string
		id    *int32
	}{
		{spmWhitespaceSep, &s.Space},
		{"<XBU>", &s.XBU},
		{"<XBC>", &s.XBC},
		{"<XEC>", &s.XEC},
		{"<XC0>", &s.XC0},
	} {
		if *t.id, err = lookup(t.piece); err != nil {
			return nil, err
		}
	}

	for i := range s.Letters {
		if s.Letters[i], err = lookup(fmt.Sprintf("<CHAR_%c>", 'A'+i)); err != nil {
			return nil, err
		}
	}

	banned := map[int32]struct{}{}
	for id := range int32(min(4, v.Size())) {
		banned[id] = struct{}{}
	}

	for _, piece := range []string{"<0x0A>", "<0x09>", "<0x0D>"} {
		if id := v.Encode(piece); id >= 0 {
			banned[id] = struct{}{}
		}
	}

	// punctuation runs, in vocabulary order. A standalone "." stays
	// allowed so acronyms such as "U.S." survive.
	dot := v.Encode(".")
	if begin, end := v.Encode("."+spmWhitespaceSep), v.Encode("0"); begin >= 0 && end >= 0 {
		for id := begin; id < end; id++ {
			if id != dot {
				banned[id] = struct{}{}
			}
		}
	}

	if begin, end := v.Encode(":"), v.Encode("~"); begin >= 0 && end >= 0 {
		for id := begin; id <= end; id++ {
			banned[id] = struct{}{}
		}
	}

	for id := range banned {
		if id != s.Space {
			s.Banned = append(s.Banned, id)
		}
	}
	slices.Sort(s.Banned)

	return &s, nil
}
