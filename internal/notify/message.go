// Package notify delivers best-effort status messages to operators and
// downstream consumers without ever blocking the scraping stages.
package notify

import (
	"errors"
	"time"
)

// Message is one status notification.
type Message struct {
	RunID  string    `json:"runId,omitempty"`
	Target string    `json:"target,omitempty"`
	Stage  string    `json:"stage,omitempty"`
	Text   string    `json:"text"`
	Image  []byte    `json:"-"`
	At     time.Time `json:"at"`
}

// HasImage reports whether the message carries a screenshot.
func (m Message) HasImage() bool {
	return len(m.Image) > 0
}

// Validate rejects messages with nothing to say.
func (m Message) Validate() error {
	if m.Text == "" && !m.HasImage() {
		return errors.New("notify: empty message")
	}
	return nil
}
