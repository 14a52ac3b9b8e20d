package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/MikeSquared-Agency/iminsight/internal/market"
)

// Store persists raw messages, their processed watermark and extracted
// signals. The watermark lives on the raw_messages row, so pruning a raw
// message also forgets that it was processed.
type Store interface {
	// InsertRaw stores msg if its id is new. The result reports whether
	// this call created the row; only that caller should process it.
	InsertRaw(ctx context.Context, msg market.RawMessage) (bool, error)
	HasSeen(ctx context.Context, id uuid.UUID) (bool, error)
	// MarkSeen sets the watermark once. It reports whether this call set it.
	MarkSeen(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	RecordAttempt(ctx context.Context, id uuid.UUID) (int, error)
	// PendingRaw lists unmarked messages with fewer than maxAttempts failed
	// attempts, oldest first.
	PendingRaw(ctx context.Context, maxAttempts, limit int) ([]market.RawMessage, error)

	// InsertSignals writes all signals in one transaction, skipping ids that
	// already exist, and returns how many rows were new.
	InsertSignals(ctx context.Context, signals []market.Signal) (int, error)
	QuerySignals(ctx context.Context, f SignalFilter) ([]market.Signal, error)

	PruneRawOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// SignalFilter narrows QuerySignals. Zero values match everything.
type SignalFilter struct {
	Room  string
	Since time.Time
	Limit int
}

// StorageError wraps any failure of the backing database. Callers treat it
// as transient and leave the message for a later retry.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// Open picks a backend from the URL scheme: postgres:// or postgresql://
// for Postgres, sqlite://<path> for an embedded database file.
func Open(ctx context.Context, databaseURL string) (Store, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		pg, err := NewPostgres(ctx, databaseURL)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return NewSQLite(ctx, strings.TrimPrefix(databaseURL, "sqlite://"))
	default:
		return nil, fmt.Errorf("unsupported database url %q", databaseURL)
	}
}

// Prices cross the database boundary as decimal text so neither backend
// rounds them through float64.
func priceText(p decimal.NullDecimal) *string {
	if !p.Valid {
		return nil
	}
	s := p.Decimal.String()
	return &s
}

func parsePrice(s *string) (decimal.NullDecimal, error) {
	if s == nil {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("parse price %q: %w", *s, err)
	}
	return decimal.NewNullDecimal(d), nil
}
