package market

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Intent is the trade direction of a signal.
type Intent string

const (
	IntentBuy     Intent = "buy"
	IntentSell    Intent = "sell"
	IntentUnknown Intent = "unknown"
)

// ParseIntent maps model output to an Intent. The model sometimes echoes the
// Chinese verb from the message instead of the English label.
func ParseIntent(s string) Intent {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "求购", "收", "求", "收购":
		return IntentBuy
	case "sell", "出", "卖", "出售", "出货":
		return IntentSell
	default:
		return IntentUnknown
	}
}

// RawMessage is one observed chat event. Immutable once created.
type RawMessage struct {
	ID        uuid.UUID
	Timestamp time.Time
	Sender    string
	Room      string // empty for direct messages
	Content   string
}

// NewRawMessage builds a RawMessage with its derived id.
func NewRawMessage(ts time.Time, sender, room, content string) RawMessage {
	return RawMessage{
		ID:        MessageID(ts, sender, room, content),
		Timestamp: ts,
		Sender:    sender,
		Room:      room,
		Content:   content,
	}
}

// Signal is one extracted trade intent.
type Signal struct {
	ID           uuid.UUID           `json:"id"`
	RawMessageID uuid.UUID           `json:"raw_message_id"`
	ItemIndex    int                 `json:"item_index"`
	Intent       Intent              `json:"intent"`
	Item         string              `json:"item"`
	Price        decimal.NullDecimal `json:"price"`
	Specs        string              `json:"specs"`
	RawContent   string              `json:"raw_content"`
	Timestamp    time.Time           `json:"timestamp"`
	Room         string              `json:"room"`
	Sender       string              `json:"sender"`
}
