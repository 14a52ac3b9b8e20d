package processor

import "sync"

// Outcome is what happened to one message in one pass.
type Outcome int

const (
	OutcomeInvalid Outcome = iota
	OutcomeSkippedGroup
	OutcomeDuplicate
	OutcomeFiltered
	OutcomeExtracted
	OutcomeDegraded
	OutcomeAbandoned
	OutcomeStorageError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInvalid:
		return "invalid"
	case OutcomeSkippedGroup:
		return "skipped_group"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeFiltered:
		return "filtered"
	case OutcomeExtracted:
		return "extracted"
	case OutcomeDegraded:
		return "degraded"
	case OutcomeAbandoned:
		return "abandoned"
	case OutcomeStorageError:
		return "storage_error"
	default:
		return "unknown"
	}
}

// Stats counts outcomes for a batch or for the process lifetime.
type Stats struct {
	Received      int `json:"received"`
	Invalid       int `json:"invalid"`
	SkippedGroup  int `json:"skipped_group"`
	Duplicate     int `json:"duplicate"`
	Filtered      int `json:"filtered"`
	Extracted     int `json:"extracted"`
	Degraded      int `json:"degraded"`
	Abandoned     int `json:"abandoned"`
	StorageErrors int `json:"storage_errors"`
	Signals       int `json:"signals"`
}

func (s *Stats) record(o Outcome, signals int) {
	s.Received++
	s.Signals += signals
	switch o {
	case OutcomeInvalid:
		s.Invalid++
	case OutcomeSkippedGroup:
		s.SkippedGroup++
	case OutcomeDuplicate:
		s.Duplicate++
	case OutcomeFiltered:
		s.Filtered++
	case OutcomeExtracted:
		s.Extracted++
	case OutcomeDegraded:
		s.Degraded++
	case OutcomeAbandoned:
		s.Abandoned++
	case OutcomeStorageError:
		s.StorageErrors++
	}
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Received += o.Received
	s.Invalid += o.Invalid
	s.SkippedGroup += o.SkippedGroup
	s.Duplicate += o.Duplicate
	s.Filtered += o.Filtered
	s.Extracted += o.Extracted
	s.Degraded += o.Degraded
	s.Abandoned += o.Abandoned
	s.StorageErrors += o.StorageErrors
	s.Signals += o.Signals
}

// tally is a Stats safe for concurrent workers.
type tally struct {
	mu sync.Mutex
	s  Stats
}

func (t *tally) record(o Outcome, signals int) {
	t.mu.Lock()
	t.s.record(o, signals)
	t.mu.Unlock()
}

func (t *tally) add(o Stats) {
	t.mu.Lock()
	t.s.Add(o)
	t.mu.Unlock()
}

func (t *tally) snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.s
}
