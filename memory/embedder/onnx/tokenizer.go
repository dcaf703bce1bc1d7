package onnx

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode"
)

// Special token ids of the BERT uncased vocabulary.
const (
	unkTokenID = 100 // [UNK]
	clsTokenID = 101 // [CLS]
	sepTokenID = 102 // [SEP]
)

// WordPieceTokenizer is a minimal BERT-style uncased WordPiece tokenizer
// loaded from a Hugging Face tokenizer.json.
type WordPieceTokenizer struct {
	vocab map[string]int
}

// LoadTokenizer reads the vocabulary from tokenizer.json.
func LoadTokenizer(path string) (*WordPieceTokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tokenizer: %w", err)
	}
	var doc struct {
		Model struct {
			Vocab map[string]int `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse tokenizer: %w", err)
	}
	if len(doc.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer %s has an empty vocabulary", path)
	}
	return &WordPieceTokenizer{vocab: doc.Model.Vocab}, nil
}

// Encode converts text to token ids framed by [CLS] and [SEP], truncated so
// the result fits maxLen.
func (t *WordPieceTokenizer) Encode(text string, maxLen int) []int64 {
	ids := []int64{clsTokenID}
	for _, word := range splitWords(text) {
		for _, piece := range t.wordPieces(word) {
			if len(ids) >= maxLen-1 {
				return append(ids, sepTokenID)
			}
			ids = append(ids, piece)
		}
	}
	return append(ids, sepTokenID)
}

// splitWords lower-cases and separates punctuation into its own words, as
// BERT's basic tokenizer does.
func splitWords(text string) []string {
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsSpace(r):
			flush()
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			words = append(words, string(r))
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return words
}

// wordPieces greedily matches the longest vocabulary prefix, continuing
// with "##" pieces. A word with no full segmentation becomes [UNK].
func (t *WordPieceTokenizer) wordPieces(word string) []int64 {
	if id, ok := t.vocab[word]; ok {
		return []int64{int64(id)}
	}
	var pieces []int64
	runes := []rune(word)
	start := 0
	for start < len(runes) {
		end := len(runes)
		matched := -1
		for end > start {
			sub := string(runes[start:end])
			if start > 0 {
				sub = "##" + sub
			}
			if id, ok := t.vocab[sub]; ok {
				matched = id
				break
			}
			end--
		}
		if matched < 0 {
			return []int64{unkTokenID}
		}
		pieces = append(pieces, int64(matched))
		start = end
	}
	return pieces
}
