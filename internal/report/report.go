// Package report writes CSV snapshots of the stored signals.
package report

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/MikeSquared-Agency/iminsight/internal/filter"
	"github.com/MikeSquared-Agency/iminsight/internal/hermes"
	"github.com/MikeSquared-Agency/iminsight/internal/market"
	"github.com/MikeSquared-Agency/iminsight/internal/store"
)

type Kind string

const (
	KindAggregate      Kind = "aggregate"
	KindPerGroup       Kind = "per_group"
	KindTemporaryGoods Kind = "temporary_goods"
)

// Kinds lists every report kind in the order "all" runs them.
var Kinds = []Kind{KindAggregate, KindPerGroup, KindTemporaryGoods}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "aggregate":
		return KindAggregate, nil
	case "per_group", "group", "groups":
		return KindPerGroup, nil
	case "temporary_goods", "temp_goods", "temporary":
		return KindTemporaryGoods, nil
	default:
		return "", fmt.Errorf("unknown report kind %q", s)
	}
}

const directMessage = "Direct Message"

// SignalReader is the read side of the signal store.
type SignalReader interface {
	QuerySignals(ctx context.Context, f store.SignalFilter) ([]market.Signal, error)
}

// GoodsLoader returns the current temporary goods list. It is called on
// every temporary goods run so edits apply without a restart.
type GoodsLoader func() ([]string, error)

type Publisher interface {
	Publish(subject string, data any) error
}

type Config struct {
	Dir      string
	Validity time.Duration
	Location *time.Location
}

type Generator struct {
	reader    SignalReader
	goods     GoodsLoader
	publisher Publisher
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// Result describes one finished run.
type Result struct {
	Kind        Kind       `json:"kind"`
	Files       []string   `json:"files"`
	Rows        int        `json:"rows"`
	GeneratedAt time.Time  `json:"generated_at"`
	ValidUntil  *time.Time `json:"valid_until,omitempty"`
}

// New builds a Generator. goods and pub may be nil.
func New(reader SignalReader, goods GoodsLoader, pub Publisher, cfg Config, logger *slog.Logger) *Generator {
	if cfg.Validity <= 0 {
		cfg.Validity = 7 * 24 * time.Hour
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Dir == "" {
		cfg.Dir = "reports"
	}
	return &Generator{
		reader:    reader,
		goods:     goods,
		publisher: pub,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// ValidUntil is the end of the freshness window for a temporary goods
// report generated at t. Nothing is deleted when it passes.
func (g *Generator) ValidUntil(t time.Time) time.Time {
	return t.Add(g.cfg.Validity)
}

// Generate reads every stored signal and writes the files for kind. Each
// file appears complete or not at all.
func (g *Generator) Generate(ctx context.Context, kind Kind) (Result, error) {
	generated := g.now()
	res := Result{Kind: kind, GeneratedAt: generated}

	signals, err := g.reader.QuerySignals(ctx, store.SignalFilter{})
	if err != nil {
		return res, fmt.Errorf("read signals: %w", err)
	}
	market.SortByPrice(signals)

	if err := os.MkdirAll(g.cfg.Dir, 0o755); err != nil {
		return res, fmt.Errorf("create report dir: %w", err)
	}
	date := generated.In(g.cfg.Location).Format("2006-01-02")

	switch kind {
	case KindAggregate:
		path, err := g.write(fmt.Sprintf("report_aggregate_%s.csv", date), signals)
		if err != nil {
			return res, err
		}
		res.Files = []string{path}
		res.Rows = len(signals)

	case KindPerGroup:
		groups, names := partition(signals)
		for _, room := range sortedKeys(groups) {
			path, err := g.write(fmt.Sprintf("report_group_%s_%s.csv", names[room], date), groups[room])
			if err != nil {
				return res, err
			}
			res.Files = append(res.Files, path)
			res.Rows += len(groups[room])
		}

	case KindTemporaryGoods:
		var entries []string
		if g.goods != nil {
			if entries, err = g.goods(); err != nil {
				return res, fmt.Errorf("load temporary goods: %w", err)
			}
		}
		if len(entries) == 0 {
			g.logger.Warn("temporary goods list is empty; report will have no rows")
		}
		matched := matchGoods(signals, entries)
		path, err := g.write(fmt.Sprintf("report_temporary_goods_%s.csv", date), matched)
		if err != nil {
			return res, err
		}
		until := g.ValidUntil(generated)
		res.Files = []string{path}
		res.Rows = len(matched)
		res.ValidUntil = &until

	default:
		return res, fmt.Errorf("unknown report kind %q", kind)
	}

	g.logger.Info("report generated",
		"kind", kind,
		"files", len(res.Files),
		"rows", res.Rows,
	)
	g.announce(res)
	return res, nil
}

func (g *Generator) announce(res Result) {
	if g.publisher == nil {
		return
	}
	ev := hermes.ReportEvent{
		Kind:        string(res.Kind),
		Files:       res.Files,
		Rows:        res.Rows,
		GeneratedAt: res.GeneratedAt,
		ValidUntil:  res.ValidUntil,
	}
	if err := g.publisher.Publish(hermes.SubjectReportGenerated, ev); err != nil {
		g.logger.Warn("failed to publish report event", "kind", res.Kind, "error", err)
	}
}

// matchGoods keeps signals whose item contains any entry, ignoring case.
func matchGoods(signals []market.Signal, entries []string) []market.Signal {
	var folded []string
	for _, e := range entries {
		if e = strings.TrimSpace(e); e != "" {
			folded = append(folded, filter.Fold(e))
		}
	}

	var out []market.Signal
	for _, s := range signals {
		item := filter.Fold(s.Item)
		for _, e := range folded {
			if strings.Contains(item, e) {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

// partition splits signals by room and assigns each room a file-safe name.
// Rooms that sanitize to the same name get a short hash suffix each.
func partition(signals []market.Signal) (map[string][]market.Signal, map[string]string) {
	groups := make(map[string][]market.Signal)
	for _, s := range signals {
		groups[s.Room] = append(groups[s.Room], s)
	}

	byName := make(map[string][]string)
	for room := range groups {
		n := sanitize(room)
		byName[n] = append(byName[n], room)
	}

	names := make(map[string]string, len(groups))
	for n, rooms := range byName {
		if len(rooms) == 1 {
			names[rooms[0]] = n
			continue
		}
		for _, room := range rooms {
			sum := sha256.Sum256([]byte(room))
			names[room] = n + "_" + hex.EncodeToString(sum[:4])
		}
	}
	return groups, names
}

func sanitize(room string) string {
	if strings.TrimSpace(room) == "" {
		return "Direct_Message"
	}
	var b strings.Builder
	for _, r := range strings.TrimSpace(room) {
		switch {
		case unicode.IsSpace(r):
			b.WriteRune('_')
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "Unknown"
	}
	return b.String()
}

func sortedKeys(m map[string][]market.Signal) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
