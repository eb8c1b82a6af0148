// Package events renders submission events for the outside world: console output for the user,
// a rotated json log of rejected comments and prometheus metrics.
package events

import (
	"github.com/umputun/comment-gate/lib/submission"
)

// Multi passes every event to all renderers, in order
type Multi []submission.Renderer

// Render sends ev to each non-nil renderer
func (m Multi) Render(ev submission.Event) {
	for _, r := range m {
		if r != nil {
			r.Render(ev)
		}
	}
}
