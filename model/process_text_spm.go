package model

import (
	"fmt"
	"iter"
	"log/slog"
	"strconv"
	"strings"

	"github.com/dlclark/regexp2"
	queue "github.com/emirpasic/gods/v2/queues/priorityqueue"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ollama/xlm/logutil"
)

const spmWhitespaceSep = "▁"

// encodeCacheSize bounds the number of pretokenized words whose ids are kept
const encodeCacheSize = 4096

// DefaultPretokenizer splits text into words, each keeping its trailing
// whitespace, which is where this vocabulary places its word boundary.
const DefaultPretokenizer = `\S+\s*|\s+`

func replaceWhitespaceBySeperator(s string) string {
	return strings.ReplaceAll(s, " ", spmWhitespaceSep)
}

type SentencePieceModel struct {
	maxTokenLen int
	pre         *regexp2.Regexp
	vocab       *Vocabulary
	cache       *lru.Cache[string, []int32]
}

var _ TextProcessor = (*SentencePieceModel)(nil)

func NewSentencePieceModel(pre string, vocab *Vocabulary) *SentencePieceModel {
	var maxTokenLen int
	for i := range vocab.Types {
		switch vocab.Types[i] {
		case TOKEN_TYPE_NORMAL, TOKEN_TYPE_USER_DEFINED, TOKEN_TYPE_UNUSED:
			maxTokenLen = max(maxTokenLen, len(vocab.Values[i]))
		}
	}

	cache, err := lru.New[string, []int32](encodeCacheSize)
	if err != nil {
		panic(err)
	}

	return &SentencePieceModel{
		maxTokenLen: maxTokenLen,
		pre:         regexp2.MustCompile(pre, regexp2.Unicode|regexp2.RE2),
		vocab:       vocab,
		cache:       cache,
	}
}

func (spm *SentencePieceModel) Vocabulary() *Vocabulary {
	return spm.vocab
}

func (spm *SentencePieceModel) Is(id int32, special Special) bool {
	return spm.vocab.Is(id, special)
}

func (spm *SentencePieceModel) split(s string) iter.Seq[string] {
	return func(yield func(string) bool) {
		for m, _ := spm.pre.FindStringMatch(s); m != nil; m, _ = spm.pre.FindNextMatch(m) {
			if !yield(m.String()) {
				break
			}
		}
	}
}

type fragment struct {
	value string
	ids   []int32
}

func (spm *SentencePieceModel) Encode(s string) ([]int32, error) {
	fragments := []fragment{{value: s}}
	for _, special := range spm.vocab.SpecialVocabulary() {
		id := spm.vocab.Encode(special)
		for i := 0; i < len(fragments); i++ {
			frag := fragments[i]
			if len(frag.ids) > 0 {
				continue
			}

			var middle []fragment
			switch i := strings.Index(frag.value, special); {
			case i < 0:
				middle = append(middle, frag)
			case i > 0:
				middle = append(middle, fragment{value: frag.value[:i]})
				fallthrough
			default:
				middle = append(middle, fragment{value: special, ids: []int32{id}})
				if rest := frag.value[i+len(special):]; rest != "" {
					middle = append(middle, fragment{value: rest})
				}
			}

			fragments = append(fragments[:i], append(middle, fragments[i+1:]...)...)
		}
	}

	var ids []int32
	for _, frag := range fragments {
		if len(frag.ids) > 0 {
			ids = append(ids, frag.ids...)
			continue
		}

		for split := range spm.split(frag.value) {
			split = replaceWhitespaceBySeperator(split)
			if cached, ok := spm.cache.Get(split); ok {
				ids = append(ids, cached...)
				continue
			}

			encoded := spm.merge(split)
			spm.cache.Add(split, encoded)
			ids = append(ids, encoded...)
		}
	}

	logutil.Trace("encoded", "text", s, "ids", ids)
	return ids, nil
}

type candidate struct {
	a, b  int
	score float32
}

type merge struct {
	p, n  int
	runes []rune
}

// merge repeatedly joins the adjacent pair whose union has the highest
// score until no pair forms a known piece.
func (spm *SentencePieceModel) merge(split string) []int32 {
	if id := spm.vocab.Encode(split); id >= 0 {
		return []int32{id}
	}

	runes := []rune(split)
	pq := queue.NewWith(func(a, b *candidate) int {
		if a.score > b.score || (a.score == b.score && a.a < b.a) {
			return -1
		}
		return 1
	})

	merges := make([]merge, len(runes))
	for r := range runes {
		merges[r] = merge{
			p:     r - 1,
			n:     r + 1,
			runes: []rune{runes[r]},
		}
	}

	pairwise := func(a, b int) *candidate {
		if a < 0 || b >= len(runes) {
			return nil
		}

		left, right := string(merges[a].runes), string(merges[b].runes)
		if id := spm.vocab.Encode(left + right); id >= 0 {
			return &candidate{a: a, b: b, score: spm.vocab.Scores[id]}
		}
		return nil
	}

	for i := range len(runes) - 1 {
		if pair := pairwise(i, i+1); pair != nil {
			pq.Enqueue(pair)
		}
	}

	for !pq.Empty() {
		pair, _ := pq.Dequeue()
		left, right := merges[pair.a], merges[pair.b]

		if len(left.runes) == 0 || len(right.runes) == 0 || left.n != pair.b {
			continue
		}

		// stale candidates no longer name a known piece
		if spm.vocab.Encode(string(left.runes)+string(right.runes)) < 0 {
			continue
		}

		merges[pair.a].runes = append(left.runes, right.runes...)
		merges[pair.b].runes = nil
		merges[pair.a].n = right.n
		if right.n < len(merges) {
			merges[right.n].p = pair.a
		}

		if pair := pairwise(merges[pair.a].p, pair.a); pair != nil {
			pq.Enqueue(pair)
		}

		if pair := pairwise(pair.a, merges[pair.a].n); pair != nil {
			pq.Enqueue(pair)
		}
	}

	var ids []int32
	for _, m := range merges {
		if len(m.runes) == 0 {
			continue
		}

		if id := spm.vocab.Encode(string(m.runes)); id >= 0 {
			ids = append(ids, id)
			continue
		}

		// byte fallback
		for _, b := range []byte(string(m.runes)) {
			if id := spm.vocab.Encode(fmt.Sprintf("<0x%02X>", b)); id >= 0 {
				ids = append(ids, id)
			} else {
				slog.Debug("missing token", "token", string(m.runes))
				break
			}
		}
	}

	return ids
}

func (spm *SentencePieceModel) Decode(ids []int32) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		switch spm.vocab.Type(id) {
		case TOKEN_TYPE_CONTROL, TOKEN_TYPE_UNKNOWN, TOKEN_TYPE_USER_DEFINED:
			continue
		case TOKEN_TYPE_BYTE:
			piece := spm.vocab.Decode(id)
			b, err := strconv.ParseUint(piece[3:5], 16, 8)
			if err != nil {
				return "", err
			}
			sb.WriteByte(byte(b))
		default:
			sb.WriteString(strings.ReplaceAll(spm.vocab.Decode(id), spmWhitespaceSep, " "))
		}
	}

	return sb.String(), nil
}
