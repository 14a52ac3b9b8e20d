package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/iminsight/internal/extractor"
	"github.com/MikeSquared-Agency/iminsight/internal/filter"
	"github.com/MikeSquared-Agency/iminsight/internal/hermes"
	"github.com/MikeSquared-Agency/iminsight/internal/ingest"
	"github.com/MikeSquared-Agency/iminsight/internal/market"
	"github.com/MikeSquared-Agency/iminsight/internal/store"
)

var (
	ts    = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	rules = filter.Rules{
		Targets:   []string{"酒商"},
		Blacklist: []string{"广告"},
		Whitelist: []string{"求购", "收", "出"},
	}
)

func event(room, content string) ingest.Event {
	return ingest.Event{Room: room, Sender: "alice", Content: content, Timestamp: ts}
}

func newTestProcessor(s Store, ext Extractor, pub Publisher) *Processor {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	return New(s, ext, pub, rules, cfg, discardLogger())
}

func TestScenarioA_NotWhitelisted(t *testing.T) {
	s := newMemStore()
	ext := &scriptedExtractor{}
	p := newTestProcessor(s, ext, nil)

	ev := event("酒商群", "今天天气不错")
	stats := p.ProcessBatch(context.Background(), []ingest.Event{ev})

	if stats.Filtered != 1 {
		t.Errorf("expected 1 filtered, got %+v", stats)
	}
	if ext.calls.Load() != 0 {
		t.Error("filtered message reached the extractor")
	}
	if len(s.allSignals()) != 0 {
		t.Error("filtered message produced signals")
	}
	if !s.processed(ev.Raw().ID) {
		t.Error("filtered message should be marked processed")
	}
}

func TestScenarioB_StoresSignal(t *testing.T) {
	s := newMemStore()
	ev := event("酒商群", "求购 飞天茅台 2800")
	ext := &scriptedExtractor{answers: map[string][]extractor.Candidate{
		ev.Content: {buy("飞天茅台", "2800")},
	}}
	pub := &recordingPublisher{}
	p := newTestProcessor(s, ext, pub)

	stats := p.ProcessBatch(context.Background(), []ingest.Event{ev})

	if stats.Extracted != 1 || stats.Signals != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	got := s.allSignals()
	if len(got) != 1 {
		t.Fatalf("expected 1 signal, got %d", len(got))
	}
	sig := got[0]
	raw := ev.Raw()
	if sig.Intent != market.IntentBuy || sig.Item != "飞天茅台" || sig.Price.Decimal.String() != "2800" {
		t.Errorf("unexpected signal %+v", sig)
	}
	if sig.RawMessageID != raw.ID || sig.ID != market.SignalID(raw.ID, 0) {
		t.Error("signal ids not derived from the raw message")
	}
	if sig.Room != "酒商群" || sig.Sender != "alice" || sig.RawContent != ev.Content || !sig.Timestamp.Equal(ts) {
		t.Errorf("context fields not copied: %+v", sig)
	}
	if !s.processed(raw.ID) {
		t.Error("message should be marked processed")
	}
	if pub.count() != 1 || pub.subjects[0] != hermes.SubjectSignalStored {
		t.Errorf("expected one signal event, got %v", pub.subjects)
	}
}

func TestScenarioC_DuplicateDelivery(t *testing.T) {
	s := newMemStore()
	ev := event("酒商群", "求购 飞天茅台 2800")
	ext := &scriptedExtractor{
		answers: map[string][]extractor.Candidate{ev.Content: {buy("飞天茅台", "2800")}},
		delay:   5 * time.Millisecond,
	}
	p := newTestProcessor(s, ext, nil)
	ctx := context.Background()

	// Twice in one batch, then again in a later batch.
	p.ProcessBatch(ctx, []ingest.Event{ev, ev})
	stats := p.ProcessBatch(ctx, []ingest.Event{ev})

	if stats.Duplicate != 1 {
		t.Errorf("expected redelivery to be a duplicate, got %+v", stats)
	}
	if s.rawCount() != 1 {
		t.Errorf("expected 1 raw row, got %d", s.rawCount())
	}
	if n := len(s.allSignals()); n != 1 {
		t.Errorf("expected 1 signal, got %d", n)
	}
	if ext.calls.Load() != 1 {
		t.Errorf("expected one extraction, got %d", ext.calls.Load())
	}
	if total := p.Snapshot(); total.Received != 3 || total.Duplicate != 2 {
		t.Errorf("unexpected lifetime stats %+v", total)
	}
}

func TestScenarioD_TimeoutLeavesMessageUnmarked(t *testing.T) {
	s := newMemStore()
	ev := event("酒商群", "求购 飞天茅台 2800")
	ext := &scriptedExtractor{
		answers: map[string][]extractor.Candidate{ev.Content: {buy("飞天茅台", "2800")}},
		err:     fmt.Errorf("llm extraction after 5s: %w", extractor.ErrTimeout),
	}
	p := newTestProcessor(s, ext, nil)
	ctx := context.Background()

	stats := p.ProcessBatch(ctx, []ingest.Event{ev})

	id := ev.Raw().ID
	if stats.Degraded != 1 {
		t.Errorf("expected degraded, got %+v", stats)
	}
	if len(s.allSignals()) != 0 {
		t.Error("degraded message produced signals")
	}
	if s.processed(id) {
		t.Fatal("degraded message must stay unmarked")
	}
	if s.attempts(id) != 1 {
		t.Errorf("expected 1 recorded attempt, got %d", s.attempts(id))
	}

	// Next cycle the model answers.
	ext.setErr(nil)
	retry := p.RetryPending(ctx)
	if retry.Extracted != 1 {
		t.Errorf("expected retry to extract, got %+v", retry)
	}
	if !s.processed(id) || len(s.allSignals()) != 1 {
		t.Error("retry did not complete the message")
	}
}

func TestDegraded_AbandonedAfterMaxAttempts(t *testing.T) {
	s := newMemStore()
	ev := event("酒商群", "求购 飞天茅台 2800")
	ext := &scriptedExtractor{err: errors.New("parse extraction: response is not JSON")}
	p := newTestProcessor(s, ext, nil)
	ctx := context.Background()

	p.ProcessBatch(ctx, []ingest.Event{ev})
	p.RetryPending(ctx)
	final := p.RetryPending(ctx)

	if final.Abandoned != 1 {
		t.Errorf("expected abandonment on the third attempt, got %+v", final)
	}
	if !s.processed(ev.Raw().ID) {
		t.Error("abandoned message should be marked")
	}
	if again := p.RetryPending(ctx); again.Received != 0 {
		t.Errorf("abandoned message retried again: %+v", again)
	}
}

func TestDegraded_RateLimitDoesNotCountAsAttempt(t *testing.T) {
	s := newMemStore()
	ev := event("酒商群", "收 中华")
	ext := &scriptedExtractor{err: extractor.ErrRateLimited}
	p := newTestProcessor(s, ext, nil)

	p.ProcessBatch(context.Background(), []ingest.Event{ev})

	if s.attempts(ev.Raw().ID) != 0 {
		t.Errorf("rate limiting consumed an attempt")
	}
	if s.processed(ev.Raw().ID) {
		t.Error("rate limited message must stay unmarked")
	}
}

func TestGatekeeping(t *testing.T) {
	tests := []struct {
		name    string
		ev      ingest.Event
		outcome func(Stats) int
	}{
		{"blacklisted", event("酒商群", "出 飞天 广告"), func(s Stats) int { return s.Filtered }},
		{"not whitelisted", event("酒商群", "hello"), func(s Stats) int { return s.Filtered }},
		{"non-target room", event("家庭群", "求购 飞天"), func(s Stats) int { return s.SkippedGroup }},
		{"direct message", event("", "求购 飞天"), func(s Stats) int { return s.SkippedGroup }},
		{"invalid", ingest.Event{Room: "酒商群", Content: "求购"}, func(s Stats) int { return s.Invalid }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newMemStore()
			ext := &scriptedExtractor{}
			p := newTestProcessor(s, ext, nil)

			stats := p.ProcessBatch(context.Background(), []ingest.Event{tt.ev})
			if tt.outcome(stats) != 1 {
				t.Errorf("unexpected stats %+v", stats)
			}
			if ext.calls.Load() != 0 {
				t.Error("gated message reached the extractor")
			}
		})
	}
}

func TestGroupIsolation_NonTargetNeverStored(t *testing.T) {
	s := newMemStore()
	p := newTestProcessor(s, &scriptedExtractor{}, nil)

	p.ProcessBatch(context.Background(), []ingest.Event{event("家庭群", "求购 飞天茅台 2800")})

	if s.rawCount() != 0 {
		t.Error("non-target room message reached storage")
	}
}

func TestSignalWriteFailureLeavesMessageUnmarked(t *testing.T) {
	s := newMemStore()
	s.failInsertSignals = &store.StorageError{Op: "insert signals", Err: errors.New("disk I/O error")}
	ev := event("酒商群", "求购 飞天茅台 2800")
	ext := &scriptedExtractor{answers: map[string][]extractor.Candidate{ev.Content: {buy("飞天茅台", "2800")}}}
	p := newTestProcessor(s, ext, nil)

	stats := p.ProcessBatch(context.Background(), []ingest.Event{ev})

	if stats.StorageErrors != 1 {
		t.Errorf("expected storage error, got %+v", stats)
	}
	if s.processed(ev.Raw().ID) {
		t.Error("message marked although its signals were not stored")
	}
}

func TestMultipleItemsIndexedByPosition(t *testing.T) {
	s := newMemStore()
	ev := event("酒商群", "出两个24散飞 2810，还有两条芙蓉王 400")
	ext := &scriptedExtractor{answers: map[string][]extractor.Candidate{
		ev.Content: {buy("飞天茅台", "2810"), buy("芙蓉王", "400")},
	}}
	p := newTestProcessor(s, ext, nil)

	p.ProcessBatch(context.Background(), []ingest.Event{ev})

	got := s.allSignals()
	if len(got) != 2 {
		t.Fatalf("expected 2 signals, got %d", len(got))
	}
	if got[0].ItemIndex != 0 || got[0].Item != "飞天茅台" || got[1].ItemIndex != 1 || got[1].Item != "芙蓉王" {
		t.Errorf("unexpected signals %+v", got)
	}
}

func TestEmptyExtractionMarksMessage(t *testing.T) {
	s := newMemStore()
	ev := event("酒商群", "收到，谢谢")
	p := newTestProcessor(s, &scriptedExtractor{}, nil)

	stats := p.ProcessBatch(context.Background(), []ingest.Event{ev})

	if stats.Extracted != 1 || stats.Signals != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if !s.processed(ev.Raw().ID) {
		t.Error("message with no trades should still be marked")
	}
}

func TestPublishFailureDoesNotBlockWatermark(t *testing.T) {
	s := newMemStore()
	ev := event("酒商群", "求购 飞天茅台 2800")
	ext := &scriptedExtractor{answers: map[string][]extractor.Candidate{ev.Content: {buy("飞天茅台", "2800")}}}
	pub := &recordingPublisher{err: errors.New("nats: connection closed")}
	p := newTestProcessor(s, ext, pub)

	p.ProcessBatch(context.Background(), []ingest.Event{ev})

	if !s.processed(ev.Raw().ID) {
		t.Error("publish failure prevented marking")
	}
}

func TestWorkerPoolBound(t *testing.T) {
	s := newMemStore()
	ext := &scriptedExtractor{delay: 2 * time.Millisecond}
	cfg := DefaultConfig()
	cfg.Workers = 3
	p := New(s, ext, nil, rules, cfg, discardLogger())

	var events []ingest.Event
	for i := 0; i < 30; i++ {
		events = append(events, event("酒商群", fmt.Sprintf("求购 %d", i)))
	}
	stats := p.ProcessBatch(context.Background(), events)

	if stats.Extracted != 30 {
		t.Errorf("expected 30 extracted, got %+v", stats)
	}
	if m := ext.maxActive.Load(); m > 3 {
		t.Errorf("worker pool exceeded: %d concurrent extractions", m)
	}
	if p.InFlight() != 0 {
		t.Errorf("in-flight set not drained: %d", p.InFlight())
	}
}

func TestRun_ProcessesUntilCancelled(t *testing.T) {
	s := newMemStore()
	ev := event("酒商群", "求购 飞天茅台 2800")
	ext := &scriptedExtractor{answers: map[string][]extractor.Candidate{ev.Content: {buy("飞天茅台", "2800")}}}
	p := newTestProcessor(s, ext, nil)

	buf := ingest.NewBuffer(8, rules.MatchGroup, discardLogger())
	buf.Push(ev)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, buf, 5*time.Millisecond) }()

	deadline := time.After(2 * time.Second)
	for !s.processed(ev.Raw().ID) {
		select {
		case <-deadline:
			t.Fatal("message never processed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestIdempotentAcrossRestartWithSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iminsight.db")
	ev := event("酒商群", "求购 飞天茅台 2800")
	answers := map[string][]extractor.Candidate{ev.Content: {buy("飞天茅台", "2800")}}
	ctx := context.Background()

	for run := 0; run < 2; run++ {
		db, err := store.NewSQLite(ctx, path)
		if err != nil {
			t.Fatal(err)
		}
		ext := &scriptedExtractor{answers: answers}
		p := newTestProcessor(db, ext, nil)

		p.ProcessBatch(ctx, []ingest.Event{ev})

		if run == 1 && ext.calls.Load() != 0 {
			t.Error("message re-extracted after restart")
		}
		signals, err := db.QuerySignals(ctx, store.SignalFilter{})
		if err != nil {
			t.Fatal(err)
		}
		if len(signals) != 1 {
			t.Errorf("run %d: expected 1 signal, got %d", run, len(signals))
		}
		db.Close()
	}
}

type completerFunc func(ctx context.Context, system, prompt string) (string, error)

func (f completerFunc) Complete(ctx context.Context, system, prompt string) (string, error) {
	return f(ctx, system, prompt)
}

func TestInvalidCandidateDropLogsMessageContext(t *testing.T) {
	s := newMemStore()
	ev := event("酒商群", "求购 飞天茅台 2800")
	llm := completerFunc(func(context.Context, string, string) (string, error) {
		return `[{"intent": "buy"}, {"intent": "buy", "item": "飞天茅台", "price": 2800}]`, nil
	})

	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ext := extractor.New(llm, extractor.DefaultConfig(), discardLogger())
	p := New(s, ext, nil, rules, DefaultConfig(), logger)

	stats := p.ProcessBatch(context.Background(), []ingest.Event{ev})
	if stats.Extracted != 1 || stats.Signals != 1 {
		t.Fatalf("expected the valid candidate to be stored: %+v", stats)
	}

	var drop map[string]any
	for _, line := range strings.Split(strings.TrimSpace(logs.String()), "\n") {
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("bad log line %q: %v", line, err)
		}
		if rec["msg"] == "dropping extraction candidate" {
			drop = rec
		}
	}
	if drop == nil {
		t.Fatalf("no drop logged:\n%s", logs.String())
	}
	if drop["reason"] != "validation_failed" {
		t.Errorf("expected reason validation_failed, got %v", drop["reason"])
	}
	if drop["room"] != "酒商群" {
		t.Errorf("expected room on the drop, got %v", drop["room"])
	}
	if drop["message_id"] != ev.Raw().ID.String() {
		t.Errorf("expected message_id %s on the drop, got %v", ev.Raw().ID, drop["message_id"])
	}
}

func TestDrain_ProcessesQueuedEvents(t *testing.T) {
	s := newMemStore()
	first := event("酒商群", "求购 飞天茅台 2800")
	second := event("酒商群", "出 中华 450")
	ext := &scriptedExtractor{answers: map[string][]extractor.Candidate{
		first.Content:  {buy("飞天茅台", "2800")},
		second.Content: {buy("中华", "450")},
	}}
	p := newTestProcessor(s, ext, nil)

	buf := ingest.NewBuffer(8, rules.MatchGroup, discardLogger())
	buf.Push(first)
	buf.Push(second)

	stats := p.Drain(context.Background(), buf)
	if stats.Received != 2 || stats.Signals != 2 {
		t.Errorf("expected both queued events processed, got %+v", stats)
	}
	if buf.Len() != 0 {
		t.Errorf("expected empty buffer after drain, got %d", buf.Len())
	}
	if !s.processed(first.Raw().ID) || !s.processed(second.Raw().ID) {
		t.Error("drained messages should be marked processed")
	}

	if stats := p.Drain(context.Background(), buf); stats != (Stats{}) {
		t.Errorf("draining an empty buffer should do nothing, got %+v", stats)
	}
}

func TestOutcomeString(t *testing.T) {
	tests := []struct {
		o    Outcome
		want string
	}{
		{OutcomeInvalid, "invalid"},
		{OutcomeSkippedGroup, "skipped_group"},
		{OutcomeDuplicate, "duplicate"},
		{OutcomeFiltered, "filtered"},
		{OutcomeExtracted, "extracted"},
		{OutcomeDegraded, "degraded"},
		{OutcomeAbandoned, "abandoned"},
		{OutcomeStorageError, "storage_error"},
		{Outcome(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.o.String(); got != tt.want {
			t.Errorf("Outcome(%d).String() = %q, want %q", tt.o, got, tt.want)
		}
	}
}
