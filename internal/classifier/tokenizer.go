package classifier

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"unicode"
)

const maxWordChars = 100

// WordPiece is a BERT-style greedy longest-match tokenizer over a vocab.txt
// vocabulary, where each line is a token and its line number is its id.
type WordPiece struct {
	vocab map[string]int64
	unk   int64
	cls   int64
	sep   int64
	lower bool
}

// LoadVocab reads a vocab.txt file.
func LoadVocab(r io.Reader, lowercase bool) (*WordPiece, error) {
	var tokens []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		tokens = append(tokens, strings.TrimRight(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("classifier: read vocab: %w", err)
	}
	return NewWordPiece(tokens, lowercase)
}

// NewWordPiece builds a tokenizer from an ordered token list. The list must
// contain [UNK], [CLS] and [SEP].
func NewWordPiece(tokens []string, lowercase bool) (*WordPiece, error) {
	w := &WordPiece{vocab: make(map[string]int64, len(tokens)), lower: lowercase}
	for i, t := range tokens {
		if _, dup := w.vocab[t]; !dup {
			w.vocab[t] = int64(i)
		}
	}
	for name, dst := range map[string]*int64{"[UNK]": &w.unk, "[CLS]": &w.cls, "[SEP]": &w.sep} {
		id, ok := w.vocab[name]
		if !ok {
			return nil, fmt.Errorf("classifier: vocab missing %s", name)
		}
		*dst = id
	}
	return w, nil
}

// Encode tokenizes text into vocabulary ids without special tokens.
func (w *WordPiece) Encode(text string) []int64 {
	if w.lower {
		text = strings.ToLower(text)
	}
	var ids []int64
	for _, word := range splitWords(text) {
		ids = append(ids, w.encodeWord(word)...)
	}
	return ids
}

func (w *WordPiece) encodeWord(word string) []int64 {
	runes := []rune(word)
	if len(runes) > maxWordChars {
		return []int64{w.unk}
	}
	var ids []int64
	for start := 0; start < len(runes); {
		end := len(runes)
		found := int64(-1)
		for end > start {
			piece := string(runes[start:end])
			if start > 0 {
				piece = "##" + piece
			}
			if id, ok := w.vocab[piece]; ok {
				found = id
				break
			}
			end--
		}
		if found < 0 {
			return []int64{w.unk}
		}
		ids = append(ids, found)
		start = end
	}
	return ids
}

// Wrap frames a window with [CLS] and [SEP] and returns the ids and attention mask.
func (w *WordPiece) Wrap(window []int64) (ids, mask []int64) {
	ids = make([]int64, 0, len(window)+2)
	ids = append(ids, w.cls)
	ids = append(ids, window...)
	ids = append(ids, w.sep)
	mask = make([]int64, len(ids))
	for i := range mask {
		mask[i] = 1
	}
	return ids, mask
}

// splitWords splits on whitespace and isolates punctuation and symbols.
func splitWords(text string) []string {
	var (
		words   []string
		current strings.Builder
	)
	flush := func() {
		if current.Len() > 0 {
			words = append(words, current.String())
			current.Reset()
		}
	}
	for _, r := range text {
		switch {
		case unicode.IsSpace(r) || unicode.IsControl(r):
			flush()
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			words = append(words, string(r))
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return words
}
