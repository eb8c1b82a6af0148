// Package vocab provides an immutable word to token id mapping used to encode text for the classifier.
// The vocabulary carries three reserved ids: Start marks the beginning of a sequence, Unknown replaces
// words missing from the lookup and Pad fills the tail of short sequences.
package vocab

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
)

// Reserved is a set of special token ids, never used by regular words.
type Reserved struct {
	Start   int `json:"start"`
	Unknown int `json:"unknown"`
	Pad     int `json:"pad"`
}

// Vocabulary maps words to token ids, thread-safe because it is never modified after creation.
// Lookup is case-sensitive, callers are expected to lowercase words before calling ID.
type Vocabulary struct {
	lookup   map[string]int
	reserved Reserved
	maxID    int
}

// New makes a Vocabulary from the lookup table and reserved ids.
// It rejects reserved ids that are not distinct or collide with any word id. The lookup map is copied.
func New(lookup map[string]int, reserved Reserved) (*Vocabulary, error) {
	if reserved.Start == reserved.Unknown || reserved.Start == reserved.Pad || reserved.Unknown == reserved.Pad {
		return nil, fmt.Errorf("reserved ids are not distinct: %+v", reserved)
	}
	if reserved.Start < 0 || reserved.Unknown < 0 || reserved.Pad < 0 {
		return nil, fmt.Errorf("reserved ids can't be negative: %+v", reserved)
	}

	res := &Vocabulary{lookup: make(map[string]int, len(lookup)), reserved: reserved}
	res.maxID = max(reserved.Start, reserved.Unknown, reserved.Pad)
	for word, id := range lookup {
		if word == "" {
			return nil, errors.New("empty word in lookup")
		}
		if id < 0 {
			return nil, fmt.Errorf("negative id %d for word %q", id, word)
		}
		if id == reserved.Start || id == reserved.Unknown || id == reserved.Pad {
			return nil, fmt.Errorf("word %q uses reserved id %d", word, id)
		}
		res.lookup[word] = id
		res.maxID = max(res.maxID, id)
	}
	return res, nil
}

// Load reads a json vocabulary in the form of {"start":1,"unknown":2,"pad":0,"lookup":{"word":3}}
func Load(r io.Reader) (*Vocabulary, error) {
	var data struct {
		Reserved
		Lookup map[string]int `json:"lookup"`
	}
	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return nil, fmt.Errorf("can't decode vocabulary: %w", err)
	}
	if len(data.Lookup) == 0 {
		return nil, errors.New("empty vocabulary lookup")
	}
	return New(data.Lookup, data.Reserved)
}

// ID returns token id for the word, or the Unknown id if the word is not in the lookup
func (v *Vocabulary) ID(word string) int {
	if id, ok := v.lookup[word]; ok {
		return id
	}
	return v.reserved.Unknown
}

// Contains checks if the word is in the lookup
func (v *Vocabulary) Contains(word string) bool {
	_, ok := v.lookup[word]
	return ok
}

// Start returns the reserved id placed at the beginning of every sequence
func (v *Vocabulary) Start() int { return v.reserved.Start }

// Unknown returns the reserved id used for words missing from the lookup
func (v *Vocabulary) Unknown() int { return v.reserved.Unknown }

// Pad returns the reserved id used to fill short sequences
func (v *Vocabulary) Pad() int { return v.reserved.Pad }

// Reserved returns all reserved ids
func (v *Vocabulary) Reserved() Reserved { return v.reserved }

// Len returns the number of words in the lookup, reserved ids are not counted
func (v *Vocabulary) Len() int { return len(v.lookup) }

// MaxID returns the largest id used by the vocabulary, including reserved ids
func (v *Vocabulary) MaxID() int { return v.maxID }

// Words returns a copy of the lookup table
func (v *Vocabulary) Words() map[string]int { return maps.Clone(v.lookup) }
