// Package tokenizer converts text into fixed-length sequences of token ids.
package tokenizer

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultLength is the number of ids in an encoded sequence expected by the classifier
const DefaultLength = 20

// Overflow defines what to do with texts having more words than a sequence can hold
type Overflow string

// enum of overflow modes
const (
	// OverflowTruncate keeps the first length-1 words, so every sequence has exactly the configured length
	OverflowTruncate Overflow = "truncate"
	// OverflowKeep keeps all words, long texts produce sequences longer than the configured length
	OverflowKeep Overflow = "keep"
)

// Lookup resolves a word to the token id. Satisfied by *vocab.Vocabulary.
type Lookup interface {
	ID(word string) int
	Start() int
	Pad() int
}

// Sequence is an encoded text, the first element is always the start id
type Sequence []int

// String returns sequence as a comma-separated list of ids
func (s Sequence) String() string {
	elems := make([]string, len(s))
	for i, v := range s {
		elems[i] = fmt.Sprintf("%d", v)
	}
	return "[" + strings.Join(elems, ",") + "]"
}

// Tokenizer encodes words into sequences of the fixed length. It never fails and is safe for concurrent use.
type Tokenizer struct {
	lookup   Lookup
	length   int
	overflow Overflow
}

// New makes a Tokenizer for the given vocabulary and sequence length.
// Empty overflow mode means OverflowTruncate.
func New(lookup Lookup, length int, overflow Overflow) (*Tokenizer, error) {
	if lookup == nil {
		return nil, fmt.Errorf("vocabulary is not set")
	}
	if length < 1 {
		return nil, fmt.Errorf("invalid sequence length %d", length)
	}
	if overflow == "" {
		overflow = OverflowTruncate
	}
	if overflow != OverflowTruncate && overflow != OverflowKeep {
		return nil, fmt.Errorf("unknown overflow mode %q", overflow)
	}
	return &Tokenizer{lookup: lookup, length: length, overflow: overflow}, nil
}

// Length returns the configured sequence length
func (t *Tokenizer) Length() int { return t.length }

// Encode makes a sequence starting with the start id, followed by the id of each word
// (unknown id for words not in vocabulary) and padded with the pad id up to the configured length.
// Texts with length-1 words or more are not padded.
func (t *Tokenizer) Encode(words []string) Sequence {
	if t.overflow == OverflowTruncate && len(words) > t.length-1 {
		words = words[:t.length-1]
	}

	res := make(Sequence, 0, max(t.length, len(words)+1))
	res = append(res, t.lookup.Start())
	for _, w := range words {
		res = append(res, t.lookup.ID(w))
	}
	for len(res) < t.length {
		res = append(res, t.lookup.Pad())
	}
	return res
}

// EncodeText normalizes the text with Words and encodes the result
func (t *Tokenizer) EncodeText(text string) Sequence {
	return t.Encode(Words(text))
}

var nonWordRe = regexp.MustCompile(`[^\w\s]`)

// Words lowercases the text, replaces everything except word characters and whitespace with spaces
// and splits the result on whitespace. Runs of whitespace never produce empty words.
func Words(text string) []string {
	return strings.Fields(nonWordRe.ReplaceAllString(strings.ToLower(text), " "))
}
