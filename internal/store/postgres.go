package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MikeSquared-Agency/iminsight/internal/market"
)

//go:embed schema.sql
var schemaSQL string

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return wrap("migrate", err)
	}
	return nil
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

func (s *Postgres) InsertRaw(ctx context.Context, msg market.RawMessage) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO raw_messages (id, ts, sender, room, content, ingested_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (id) DO NOTHING`,
		msg.ID, msg.Timestamp.UTC(), msg.Sender, msg.Room, msg.Content,
	)
	if err != nil {
		return false, wrap("insert raw", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) HasSeen(ctx context.Context, id uuid.UUID) (bool, error) {
	var seen bool
	err := s.pool.QueryRow(ctx,
		`SELECT processed_at IS NOT NULL FROM raw_messages WHERE id = $1`, id,
	).Scan(&seen)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, wrap("has seen", err)
	}
	return seen, nil
}

func (s *Postgres) MarkSeen(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE raw_messages SET processed_at = $2
		WHERE id = $1 AND processed_at IS NULL`,
		id, at.UTC(),
	)
	if err != nil {
		return false, wrap("mark seen", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) RecordAttempt(ctx context.Context, id uuid.UUID) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx, `
		UPDATE raw_messages SET attempts = attempts + 1
		WHERE id = $1
		RETURNING attempts`, id,
	).Scan(&attempts)
	if err != nil {
		return 0, wrap("record attempt", err)
	}
	return attempts, nil
}

func (s *Postgres) PendingRaw(ctx context.Context, maxAttempts, limit int) ([]market.RawMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, ts, sender, room, content
		FROM raw_messages
		WHERE processed_at IS NULL AND attempts < $1
		ORDER BY ingested_at, id
		LIMIT $2`,
		maxAttempts, limit,
	)
	if err != nil {
		return nil, wrap("pending raw", err)
	}
	defer rows.Close()

	var out []market.RawMessage
	for rows.Next() {
		var m market.RawMessage
		if err := rows.Scan(&m.ID, &m.Timestamp, &m.Sender, &m.Room, &m.Content); err != nil {
			return nil, wrap("scan raw", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("pending raw", err)
	}
	return out, nil
}

func (s *Postgres) InsertSignals(ctx context.Context, signals []market.Signal) (int, error) {
	if len(signals) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, wrap("begin tx", err)
	}
	defer tx.Rollback(ctx)

	inserted := 0
	for _, sig := range signals {
		tag, err := tx.Exec(ctx, `
			INSERT INTO market_signals
				(id, raw_message_id, item_index, intent, item, price, specs, raw_content, ts, room, sender)
			VALUES ($1, $2, $3, $4, $5, $6::text::numeric, $7, $8, $9, $10, $11)
			ON CONFLICT DO NOTHING`,
			sig.ID, sig.RawMessageID, sig.ItemIndex, string(sig.Intent), sig.Item,
			priceText(sig.Price), sig.Specs, sig.RawContent, sig.Timestamp.UTC(), sig.Room, sig.Sender,
		)
		if err != nil {
			return 0, wrap("insert signal", err)
		}
		inserted += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, wrap("commit signals", err)
	}
	return inserted, nil
}

func (s *Postgres) QuerySignals(ctx context.Context, f SignalFilter) ([]market.Signal, error) {
	var (
		where []string
		args  []any
	)
	if f.Room != "" {
		args = append(args, f.Room)
		where = append(where, fmt.Sprintf("room = $%d", len(args)))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since.UTC())
		where = append(where, fmt.Sprintf("ts >= $%d", len(args)))
	}

	q := `SELECT id, raw_message_id, item_index, intent, item, price::text, specs, raw_content, ts, room, sender
		FROM market_signals`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY price ASC NULLS LAST, ts, id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, wrap("query signals", err)
	}
	defer rows.Close()

	var out []market.Signal
	for rows.Next() {
		var (
			sig    market.Signal
			intent string
			price  *string
		)
		if err := rows.Scan(&sig.ID, &sig.RawMessageID, &sig.ItemIndex, &intent, &sig.Item, &price,
			&sig.Specs, &sig.RawContent, &sig.Timestamp, &sig.Room, &sig.Sender); err != nil {
			return nil, wrap("scan signal", err)
		}
		sig.Intent = market.Intent(intent)
		if sig.Price, err = parsePrice(price); err != nil {
			return nil, wrap("scan signal", err)
		}
		out = append(out, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("query signals", err)
	}
	return out, nil
}

func (s *Postgres) PruneRawOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM raw_messages WHERE ingested_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, wrap("prune raw", err)
	}
	return tag.RowsAffected(), nil
}
