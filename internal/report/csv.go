package report

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/MikeSquared-Agency/iminsight/internal/market"
)

var header = []string{"Time", "Group", "Sender", "Intent", "Item", "Price", "Specs", "Raw Content"}

// bom makes spreadsheet tools detect UTF-8 for CJK text.
const bom = "\ufeff"

var flatten = strings.NewReplacer("\r\n", " | ", "\r", " | ", "\n", " | ")

func (g *Generator) row(s market.Signal) []string {
	room := s.Room
	if room == "" {
		room = directMessage
	}
	price := ""
	if s.Price.Valid {
		price = s.Price.Decimal.String()
	}
	return []string{
		s.Timestamp.In(g.cfg.Location).Format("2006-01-02 15:04:05"),
		flatten.Replace(room),
		flatten.Replace(s.Sender),
		string(s.Intent),
		flatten.Replace(s.Item),
		price,
		flatten.Replace(s.Specs),
		flatten.Replace(s.RawContent),
	}
}

// write publishes name in the report dir by writing a temp file in the same
// directory, syncing it and renaming it into place.
func (g *Generator) write(name string, signals []market.Signal) (string, error) {
	final := filepath.Join(g.cfg.Dir, name)

	f, err := os.CreateTemp(g.cfg.Dir, "."+name+".*.part")
	if err != nil {
		return "", fmt.Errorf("create temp report: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if _, err := f.WriteString(bom); err != nil {
		f.Close()
		return "", fmt.Errorf("write report %s: %w", name, err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		return "", fmt.Errorf("write report %s: %w", name, err)
	}
	for _, s := range signals {
		if err := w.Write(g.row(s)); err != nil {
			f.Close()
			return "", fmt.Errorf("write report %s: %w", name, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return "", fmt.Errorf("write report %s: %w", name, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", fmt.Errorf("sync report %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close report %s: %w", name, err)
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		return "", fmt.Errorf("chmod report %s: %w", name, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return "", fmt.Errorf("publish report %s: %w", name, err)
	}
	return final, nil
}
