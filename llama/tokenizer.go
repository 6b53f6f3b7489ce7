package llama

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ollama/xlm/model"
)

// NewVocabularyFromTokenizer reads a llama2.c tokenizer.bin holding
// vocabSize entries. The export writes spaces for the word boundary marker
// and pads the BOS and EOS pieces with newlines, both are undone here.
func NewVocabularyFromTokenizer(vocabSize int, r io.Reader) (*model.Vocabulary, error) {
	var maxTokenLen int32
	if err := binary.Read(r, Endian, &maxTokenLen); err != nil {
		return nil, err
	}

	values := make([]string, 0, vocabSize)
	scores := make([]float32, 0, vocabSize)
	for i := range vocabSize {
		var score float32
		if err := binary.Read(r, Endian, &score); err != nil {
			return nil, fmt.Errorf("token %d: %w", i, err)
		}

		var n int32
		if err := binary.Read(r, Endian, &n); err != nil {
			return nil, fmt.Errorf("token %d: %w", i, err)
		}

		if n < 0 || n > maxTokenLen {
			return nil, fmt.Errorf("token %d: length %d exceeds %d", i, n, maxTokenLen)
		}

		word := make([]byte, n)
		if _, err := io.ReadFull(r, word); err != nil {
			return nil, fmt.Errorf("token %d: %w", i, err)
		}

		piece := string(word)
		if trimmed := strings.Trim(piece, "\n"); strings.HasPrefix(trimmed, "<") && strings.HasSuffix(trimmed, ">") {
			piece = trimmed
		}

		values = append(values, strings.ReplaceAll(piece, " ", "▁"))
		scores = append(scores, score)
	}

	return model.NewVocabulary(values, scores), nil
}

// WriteTokenizer stores vocab in llama2.c tokenizer.bin format
func WriteTokenizer(w io.Writer, vocab *model.Vocabulary) error {
	pieces := make([]string, len(vocab.Values))
	var maxTokenLen int
	for i, v := range vocab.Values {
		pieces[i] = strings.ReplaceAll(v, "▁", " ")
		maxTokenLen = max(maxTokenLen, len(pieces[i]))
	}

	if err := binary.Write(w, Endian, int32(maxTokenLen)); err != nil {
		return err
	}

	for i, piece := range pieces {
		if err := binary.Write(w, Endian, vocab.Scores[i]); err != nil {
			return err
		}

		if err := binary.Write(w, Endian, int32(len(piece))); err != nil {
			return err
		}

		if _, err := io.WriteString(w, piece); err != nil {
			return err
		}
	}

	return nil
}

func loadTokenizer(path string, vocabSize int) (*model.SentencePieceModel, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	vocab, err := NewVocabularyFromTokenizer(vocabSize, bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("tokenizer %s: %w", path, err)
	}

	return model.NewSentencePieceModel(model.DefaultPretokenizer, vocab), nil
}
