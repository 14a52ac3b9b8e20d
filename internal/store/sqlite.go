package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/MikeSquared-Agency/iminsight/internal/market"
)

type rawRow struct {
	ID          string     `gorm:"primaryKey"`
	Timestamp   time.Time  `gorm:"column:ts;not null"`
	Sender      string     `gorm:"not null"`
	Room        string     `gorm:"not null"`
	Content     string     `gorm:"not null"`
	IngestedAt  time.Time  `gorm:"not null;index"`
	ProcessedAt *time.Time `gorm:"index"`
	Attempts    int        `gorm:"not null;default:0"`
}

func (rawRow) TableName() string { return "raw_messages" }

type signalRow struct {
	ID           string    `gorm:"primaryKey"`
	RawMessageID string    `gorm:"not null;uniqueIndex:idx_signal_item,priority:1"`
	ItemIndex    int       `gorm:"not null;uniqueIndex:idx_signal_item,priority:2"`
	Intent       string    `gorm:"not null"`
	Item         string    `gorm:"not null"`
	Price        *string   `gorm:"type:text"`
	Specs        string    `gorm:"not null;default:''"`
	RawContent   string    `gorm:"not null"`
	Timestamp    time.Time `gorm:"column:ts;not null;index"`
	Room         string    `gorm:"not null;index"`
	Sender       string    `gorm:"not null"`
	CreatedAt    time.Time
}

func (signalRow) TableName() string { return "market_signals" }

// SQLite is the single-file backend for one-machine deployments. It runs
// with WAL journaling, synchronous=FULL and one connection, so every write
// is on disk before the call returns.
type SQLite struct {
	db  *gorm.DB
	now func() time.Time
}

func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_txlock=immediate", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	sqldb, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqldb.SetMaxOpenConns(1)

	if err := sqldb.PingContext(ctx); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := db.WithContext(ctx).AutoMigrate(&rawRow{}, &signalRow{}); err != nil {
		sqldb.Close()
		return nil, wrap("migrate", err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

func (s *SQLite) Close() error {
	sqldb, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqldb.Close()
}

func (s *SQLite) InsertRaw(ctx context.Context, msg market.RawMessage) (bool, error) {
	row := rawRow{
		ID:         msg.ID.String(),
		Timestamp:  msg.Timestamp.UTC(),
		Sender:     msg.Sender,
		Room:       msg.Room,
		Content:    msg.Content,
		IngestedAt: s.now().UTC(),
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, wrap("insert raw", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *SQLite) HasSeen(ctx context.Context, id uuid.UUID) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&rawRow{}).
		Where("id = ? AND processed_at IS NOT NULL", id.String()).
		Count(&n).Error
	if err != nil {
		return false, wrap("has seen", err)
	}
	return n > 0, nil
}

func (s *SQLite) MarkSeen(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&rawRow{}).
		Where("id = ? AND processed_at IS NULL", id.String()).
		Update("processed_at", at.UTC())
	if res.Error != nil {
		return false, wrap("mark seen", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *SQLite) RecordAttempt(ctx context.Context, id uuid.UUID) (int, error) {
	var row rawRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&rawRow{}).Where("id = ?", id.String()).
			Update("attempts", gorm.Expr("attempts + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Select("attempts").Where("id = ?", id.String()).Take(&row).Error
	})
	if err != nil {
		return 0, wrap("record attempt", err)
	}
	return row.Attempts, nil
}

func (s *SQLite) PendingRaw(ctx context.Context, maxAttempts, limit int) ([]market.RawMessage, error) {
	var rows []rawRow
	err := s.db.WithContext(ctx).
		Where("processed_at IS NULL AND attempts < ?", maxAttempts).
		Order("ingested_at, id").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrap("pending raw", err)
	}

	out := make([]market.RawMessage, 0, len(rows))
	for _, r := range rows {
		id, err := uuid.Parse(r.ID)
		if err != nil {
			return nil, wrap("scan raw", err)
		}
		out = append(out, market.RawMessage{
			ID:        id,
			Timestamp: r.Timestamp,
			Sender:    r.Sender,
			Room:      r.Room,
			Content:   r.Content,
		})
	}
	return out, nil
}

func (s *SQLite) InsertSignals(ctx context.Context, signals []market.Signal) (int, error) {
	if len(signals) == 0 {
		return 0, nil
	}

	inserted := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, sig := range signals {
			row := signalRow{
				ID:           sig.ID.String(),
				RawMessageID: sig.RawMessageID.String(),
				ItemIndex:    sig.ItemIndex,
				Intent:       string(sig.Intent),
				Item:         sig.Item,
				Price:        priceText(sig.Price),
				Specs:        sig.Specs,
				RawContent:   sig.RawContent,
				Timestamp:    sig.Timestamp.UTC(),
				Room:         sig.Room,
				Sender:       sig.Sender,
			}
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
			if res.Error != nil {
				return res.Error
			}
			inserted += int(res.RowsAffected)
		}
		return nil
	})
	if err != nil {
		return 0, wrap("insert signals", err)
	}
	return inserted, nil
}

// QuerySignals sorts in Go: prices are stored as text, which SQLite would
// order lexically.
func (s *SQLite) QuerySignals(ctx context.Context, f SignalFilter) ([]market.Signal, error) {
	q := s.db.WithContext(ctx).Model(&signalRow{})
	if f.Room != "" {
		q = q.Where("room = ?", f.Room)
	}
	if !f.Since.IsZero() {
		q = q.Where("ts >= ?", f.Since.UTC())
	}

	var rows []signalRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, wrap("query signals", err)
	}

	out := make([]market.Signal, 0, len(rows))
	for _, r := range rows {
		sig, err := r.signal()
		if err != nil {
			return nil, wrap("scan signal", err)
		}
		out = append(out, sig)
	}
	market.SortByPrice(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r signalRow) signal() (market.Signal, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return market.Signal{}, err
	}
	rawID, err := uuid.Parse(r.RawMessageID)
	if err != nil {
		return market.Signal{}, err
	}
	price, err := parsePrice(r.Price)
	if err != nil {
		return market.Signal{}, err
	}
	return market.Signal{
		ID:           id,
		RawMessageID: rawID,
		ItemIndex:    r.ItemIndex,
		Intent:       market.Intent(r.Intent),
		Item:         r.Item,
		Price:        price,
		Specs:        r.Specs,
		RawContent:   r.RawContent,
		Timestamp:    r.Timestamp,
		Room:         r.Room,
		Sender:       r.Sender,
	}, nil
}

func (s *SQLite) PruneRawOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("ingested_at < ?", cutoff.UTC()).Delete(&rawRow{})
	if res.Error != nil {
		return 0, wrap("prune raw", res.Error)
	}
	return res.RowsAffected, nil
}
