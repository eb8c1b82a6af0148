// Package moderation decides whether a classified message can be broadcast
package moderation

import (
	"fmt"
	"math"

	"github.com/umputun/comment-gate/lib/inference"
)

// DefaultThreshold is the spam probability above which messages are rejected
const DefaultThreshold = 0.5

// Decision is the moderation outcome
type Decision int

// enum of decisions
const (
	Accept Decision = iota
	Reject
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// MarshalText implements encoding.TextMarshaler
func (d Decision) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// Gate applies a fixed threshold to classification results, stateless and safe for concurrent use
type Gate struct {
	threshold float64
}

// NewGate makes a Gate with the threshold in [0, 1]
func NewGate(threshold float64) (*Gate, error) {
	if math.IsNaN(threshold) || threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("invalid threshold %v, should be in [0, 1]", threshold)
	}
	return &Gate{threshold: threshold}, nil
}

// Threshold returns the configured threshold
func (g *Gate) Threshold() float64 { return g.threshold }

// Decide rejects results with spam probability strictly above the threshold
func (g *Gate) Decide(r inference.Result) Decision {
	return Decide(r, g.threshold)
}

// Decide rejects if spam probability is strictly greater than the threshold, equality accepts
func Decide(r inference.Result, threshold float64) Decision {
	if r.Spam > threshold {
		return Reject
	}
	return Accept
}
