// Package ingest defines the chat event contract and the buffered source
// that feeds the pipeline.
package ingest

import (
	"errors"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/iminsight/internal/market"
)

// Event is one chat message as reported by the collector. Every field is
// named explicitly; nothing is inferred from unknown keys.
type Event struct {
	Room      string    `json:"room"` // empty for direct messages
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

var (
	ErrMissingSender    = errors.New("event has no sender")
	ErrMissingContent   = errors.New("event has no content")
	ErrMissingTimestamp = errors.New("event has no timestamp")
)

func (e Event) Validate() error {
	switch {
	case strings.TrimSpace(e.Sender) == "":
		return ErrMissingSender
	case strings.TrimSpace(e.Content) == "":
		return ErrMissingContent
	case e.Timestamp.IsZero():
		return ErrMissingTimestamp
	}
	return nil
}

// Raw converts the event to a RawMessage with its content-derived id.
func (e Event) Raw() market.RawMessage {
	return market.NewRawMessage(e.Timestamp, e.Sender, e.Room, e.Content)
}
