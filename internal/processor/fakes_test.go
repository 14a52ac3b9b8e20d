package processor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/MikeSquared-Agency/iminsight/internal/extractor"
	"github.com/MikeSquared-Agency/iminsight/internal/market"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type rawState struct {
	msg       market.RawMessage
	processed bool
	attempts  int
	order     int
}

// memStore is an in-memory Store with the same claim and watermark rules as
// the real backends.
type memStore struct {
	mu      sync.Mutex
	raw     map[uuid.UUID]*rawState
	signals map[uuid.UUID]market.Signal

	failInsertSignals error
	failMarkSeen      error
}

func newMemStore() *memStore {
	return &memStore{
		raw:     make(map[uuid.UUID]*rawState),
		signals: make(map[uuid.UUID]market.Signal),
	}
}

func (m *memStore) InsertRaw(_ context.Context, msg market.RawMessage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.raw[msg.ID]; ok {
		return false, nil
	}
	m.raw[msg.ID] = &rawState{msg: msg, order: len(m.raw)}
	return true, nil
}

func (m *memStore) HasSeen(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.raw[id]
	return ok && r.processed, nil
}

func (m *memStore) MarkSeen(_ context.Context, id uuid.UUID, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failMarkSeen != nil {
		return false, m.failMarkSeen
	}
	r, ok := m.raw[id]
	if !ok || r.processed {
		return false, nil
	}
	r.processed = true
	return true, nil
}

func (m *memStore) RecordAttempt(_ context.Context, id uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.raw[id]
	if !ok {
		return 0, errors.New("no such message")
	}
	r.attempts++
	return r.attempts, nil
}

func (m *memStore) PendingRaw(_ context.Context, maxAttempts, limit int) ([]market.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rows []*rawState
	for _, r := range m.raw {
		if !r.processed && r.attempts < maxAttempts {
			rows = append(rows, r)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].order < rows[j].order })
	var out []market.RawMessage
	for _, r := range rows {
		if len(out) == limit {
			break
		}
		out = append(out, r.msg)
	}
	return out, nil
}

func (m *memStore) InsertSignals(_ context.Context, signals []market.Signal) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failInsertSignals != nil {
		return 0, m.failInsertSignals
	}
	n := 0
	for _, s := range signals {
		if _, ok := m.signals[s.ID]; ok {
			continue
		}
		m.signals[s.ID] = s
		n++
	}
	return n, nil
}

func (m *memStore) rawCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.raw)
}

func (m *memStore) processed(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.raw[id]
	return ok && r.processed
}

func (m *memStore) attempts(id uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.raw[id]; ok {
		return r.attempts
	}
	return 0
}

func (m *memStore) allSignals() []market.Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]market.Signal, 0, len(m.signals))
	for _, s := range m.signals {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemIndex < out[j].ItemIndex })
	return out
}

// scriptedExtractor answers by message content and counts calls.
type scriptedExtractor struct {
	mu      sync.Mutex
	answers map[string][]extractor.Candidate
	err     error
	calls   atomic.Int32

	active    atomic.Int32
	maxActive atomic.Int32
	delay     time.Duration
}

func (s *scriptedExtractor) Extract(ctx context.Context, text string) ([]extractor.Candidate, error) {
	s.calls.Add(1)
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		m := s.maxActive.Load()
		if n <= m || s.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.answers[text], nil
}

func (s *scriptedExtractor) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func buy(item, price string) extractor.Candidate {
	c := extractor.Candidate{Intent: market.IntentBuy, Item: item}
	if price != "" {
		c.Price = decimal.NewNullDecimal(decimal.RequireFromString(price))
	}
	return c
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	err      error
}

func (r *recordingPublisher) Publish(subject string, _ any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subject)
	return r.err
}

func (r *recordingPublisher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subjects)
}
