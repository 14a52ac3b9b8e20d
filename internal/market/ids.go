package market

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// messageNamespace roots every RawMessage id. Changing it re-keys all history.
var messageNamespace = uuid.MustParse("6f1c3e0a-8d7b-5a42-9b1e-3c2f4d5e6a7b")

const fieldSep = "\x1f"

// MessageID derives the stable id for an observation. The timestamp is
// normalised to UTC so the same instant observed in different zones collapses.
func MessageID(ts time.Time, sender, room, content string) uuid.UUID {
	key := strings.Join([]string{
		ts.UTC().Format(time.RFC3339Nano),
		sender,
		room,
		content,
	}, fieldSep)
	return uuid.NewSHA1(messageNamespace, []byte(key))
}

// SignalID derives the id of the idx-th signal extracted from a raw message.
func SignalID(rawID uuid.UUID, idx int) uuid.UUID {
	return uuid.NewSHA1(rawID, []byte(strconv.Itoa(idx)))
}
