package model

import (
	"log/slog"
	"regexp"
	"sync"
)

type Special int32

const (
	SpecialBOS Special = iota
	SpecialEOS
)

const (
	TOKEN_TYPE_NORMAL = iota + 1
	TOKEN_TYPE_UNKNOWN
	TOKEN_TYPE_CONTROL
	TOKEN_TYPE_USER_DEFINED
	TOKEN_TYPE_UNUSED
	TOKEN_TYPE_BYTE
)

type Vocabulary struct {
	Values []string
	Types  []int32
	Scores []float32

	BOS, EOS int32

	specialOnce sync.Once
	special     []string

	valuesOnce sync.Once
	values     map[string]int32
}

var (
	bytePiece    = regexp.MustCompile(`^<0x[0-9A-Fa-f]{2}>$`)
	controlPiece = regexp.MustCompile(`^<[^<>\s]+>$`)
)

// NewVocabulary builds a vocabulary from pieces and scores that carry no
// type information, as found in llama2.c tokenizer files. Types are
// inferred from the shape of each piece.
func NewVocabulary(values []string, scores []float32) *Vocabulary {
	v := &Vocabulary{
		Values: values,
		Scores: scores,
		Types:  make([]int32, len(values)),
		BOS:    1,
		EOS:    2,
	}

	var counts [TOKEN_TYPE_BYTE + 1]int
	for i, value := range values {
		switch {
		case value == "<unk>":
			v.Types[i] = TOKEN_TYPE_UNKNOWN
		case value == "<s>", value == "</s>", value == "<pad>":
			v.Types[i] = TOKEN_TYPE_CONTROL
		case bytePiece.MatchString(value):
			v.Types[i] = TOKEN_TYPE_BYTE
		case controlPiece.MatchString(value):
			v.Types[i] = TOKEN_TYPE_USER_DEFINED
		default:
			v.Types[i] = TOKEN_TYPE_NORMAL
		}
		counts[v.Types[i]]++
	}

	slog.Debug("vocabulary", "size", len(values), "normal", counts[TOKEN_TYPE_NORMAL],
		"control", counts[TOKEN_TYPE_CONTROL], "user defined", counts[TOKEN_TYPE_USER_DEFINED],
		"byte", counts[TOKEN_TYPE_BYTE])

	return v
}

func (v *Vocabulary) Is(id int32, special Special) bool {
	switch special {
	case SpecialBOS:
		return id == v.BOS
	case SpecialEOS:
		return id == v.EOS
	default:
		return false
	}
}

func (v *Vocabulary) Size() int {
	return len(v.Values)
}

// Encode returns the id of a single piece or -1 if it is not in the vocabulary
func (v *Vocabulary) Encode(s string) int32 {
	v.valuesOnce.Do(func() {
		v.values = make(map[string]int32, len(v.Values))
		for i, value := range v.Values {
			// first occurrence wins for duplicated pieces
			if _, ok := v.values[value]; !ok {
				v.values[value] = int32(i)
			}
		}
	})

	if id, ok := v.values[s]; ok {
		return id
	}

	return -1
}

func (v *Vocabulary) Decode(id int32) string {
	if id < 0 || int(id) >= len(v.Values) {
		return ""
	}

	return v.Values[id]
}

func (v *Vocabulary) Type(id int32) int32 {
	if id < 0 || int(id) >= len(v.Types) {
		return TOKEN_TYPE_UNKNOWN
	}

	return v.Types[id]
}

// SpecialVocabulary lists pieces that are matched verbatim in text before
// any merging happens
func (v *Vocabulary) SpecialVocabulary() []string {
	v.specialOnce.Do(func() {
		for i := range v.Values {
			if v.Types[i] == TOKEN_TYPE_CONTROL || v.Types[i] == TOKEN_TYPE_USER_DEFINED {
				v.special = append(v.special, v.Values[i])
			}
		}
	})

	return v.special
}
