package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
)

// Source yields the events observed since the previous poll.
type Source interface {
	Poll(ctx context.Context) ([]Event, error)
}

// Buffer is a bounded in-memory Source fed by a message bus subscription.
// When it is full new events are dropped with a warning; the collector's
// own history lets a later replay recover them.
type Buffer struct {
	ch      chan Event
	admit   func(room string) bool
	logger  *slog.Logger
	dropped atomic.Int64
}

// NewBuffer returns a buffer holding at most size events. admit, when
// non-nil, rejects rooms before they are queued.
func NewBuffer(size int, admit func(room string) bool, logger *slog.Logger) *Buffer {
	if size < 1 {
		size = 1
	}
	return &Buffer{
		ch:     make(chan Event, size),
		admit:  admit,
		logger: logger,
	}
}

// HandleMessage decodes one bus message. Its signature matches
// hermes.Client.Subscribe.
func (b *Buffer) HandleMessage(subject string, data []byte) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		b.logger.Warn("dropping undecodable event", "subject", subject, "error", err)
		return
	}
	b.Push(ev)
}

// Push queues ev without blocking. It reports whether ev was queued.
func (b *Buffer) Push(ev Event) bool {
	if b.admit != nil && !b.admit(ev.Room) {
		b.logger.Debug("skipping event from non-target room", "room", ev.Room)
		return false
	}
	select {
	case b.ch <- ev:
		return true
	default:
		n := b.dropped.Add(1)
		b.logger.Warn("ingest buffer full, dropping event",
			"room", ev.Room,
			"capacity", cap(b.ch),
			"dropped_total", n,
		)
		return false
	}
}

// Poll drains whatever is queued right now. It never blocks.
func (b *Buffer) Poll(ctx context.Context) ([]Event, error) {
	var out []Event
	for {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case ev := <-b.ch:
			out = append(out, ev)
		default:
			return out, nil
		}
	}
}

func (b *Buffer) Len() int       { return len(b.ch) }
func (b *Buffer) Dropped() int64 { return b.dropped.Load() }
