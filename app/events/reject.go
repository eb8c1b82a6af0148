package events

import (
	"encoding/json"
	"io"
	"log"
	"strings"
	"time"

	"github.com/umputun/comment-gate/lib/submission"
)

// RejectLogger writes rejected and failed submissions as json lines to the provided writer.
// Other events are ignored.
func RejectLogger(wr io.Writer) submission.RendererFunc {
	return func(ev submission.Event) {
		if ev.Kind != submission.EventRejected && ev.Kind != submission.EventFailed {
			return
		}
		text := oneLine(ev.Text)
		log.Printf("[INFO] comment %s from %q, spam: %.4f", ev.Kind, ev.Message.Username, ev.Result.Spam)
		log.Printf("[DEBUG] rejected comment: %s", text)

		m := struct {
			TimeStamp string  `json:"ts"`
			Kind      string  `json:"kind"`
			UserName  string  `json:"user_name,omitempty"`
			Text      string  `json:"text"`
			Spam      float64 `json:"spam"`
			NotSpam   float64 `json:"not_spam"`
			Error     string  `json:"error,omitempty"`
		}{
			TimeStamp: time.Now().In(time.Local).Format(time.RFC3339),
			Kind:      ev.Kind.String(),
			UserName:  ev.Message.Username,
			Text:      text,
			Spam:      ev.Result.Spam,
			NotSpam:   ev.Result.NotSpam,
		}
		if ev.Err != nil {
			m.Error = strings.TrimSpace(ev.Err.Error())
		}
		line, err := json.Marshal(&m)
		if err != nil {
			log.Printf("[WARN] can't marshal json, %v", err)
			return
		}
		if _, err := wr.Write(append(line, '\n')); err != nil {
			log.Printf("[WARN] can't write to reject log, %v", err)
		}
	}
}
