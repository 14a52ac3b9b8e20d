package hermes

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/MikeSquared-Agency/iminsight/internal/market"
)

const (
	// SubjectMessageObserved carries chat events from the UI collector.
	SubjectMessageObserved = "iminsight.message.observed"
	// SubjectSignalStored announces each newly stored signal.
	SubjectSignalStored = "iminsight.signal.stored"
	// SubjectReportGenerated announces finished report files.
	SubjectReportGenerated = "iminsight.report.generated"
)

// SignalEvent is published after a signal is durably stored. Delivery is
// best effort; the store stays the source of truth.
type SignalEvent struct {
	SignalID     string              `json:"signal_id"`
	RawMessageID string              `json:"raw_message_id"`
	ItemIndex    int                 `json:"item_index"`
	Intent       string              `json:"intent"`
	Item         string              `json:"item"`
	Price        decimal.NullDecimal `json:"price"`
	Specs        string              `json:"specs"`
	Room         string              `json:"room"`
	Sender       string              `json:"sender"`
	Timestamp    time.Time           `json:"timestamp"`
}

func NewSignalEvent(s market.Signal) SignalEvent {
	return SignalEvent{
		SignalID:     s.ID.String(),
		RawMessageID: s.RawMessageID.String(),
		ItemIndex:    s.ItemIndex,
		Intent:       string(s.Intent),
		Item:         s.Item,
		Price:        s.Price,
		Specs:        s.Specs,
		Room:         s.Room,
		Sender:       s.Sender,
		Timestamp:    s.Timestamp,
	}
}

// ReportEvent lists the files one report run produced.
type ReportEvent struct {
	Kind        string     `json:"kind"`
	Files       []string   `json:"files"`
	Rows        int        `json:"rows"`
	GeneratedAt time.Time  `json:"generated_at"`
	ValidUntil  *time.Time `json:"valid_until,omitempty"`
}
