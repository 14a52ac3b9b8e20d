package report

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MikeSquared-Agency/iminsight/internal/hermes"
	"github.com/MikeSquared-Agency/iminsight/internal/market"
	"github.com/MikeSquared-Agency/iminsight/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var (
	t0      = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	genTime = time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC)
)

type sliceReader struct {
	signals []market.Signal
	err     error
}

func (r sliceReader) QuerySignals(context.Context, store.SignalFilter) ([]market.Signal, error) {
	out := make([]market.Signal, len(r.signals))
	copy(out, r.signals)
	return out, r.err
}

func sig(room, item, price string, ts time.Time) market.Signal {
	raw := market.NewRawMessage(ts, "alice", room, item+" "+price)
	s := market.Signal{
		ID:           market.SignalID(raw.ID, 0),
		RawMessageID: raw.ID,
		Intent:       market.IntentSell,
		Item:         item,
		RawContent:   raw.Content,
		Timestamp:    ts,
		Room:         room,
		Sender:       "alice",
	}
	if price != "" {
		s.Price = decimal.NewNullDecimal(decimal.RequireFromString(price))
	}
	return s
}

func newGenerator(t *testing.T, signals []market.Signal, goods GoodsLoader) (*Generator, string) {
	t.Helper()
	dir := t.TempDir()
	g := New(sliceReader{signals: signals}, goods, nil, Config{Dir: dir}, discardLogger())
	g.now = func() time.Time { return genTime }
	return g, dir
}

func readReport(t *testing.T, path string) [][]string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if !strings.HasPrefix(string(data), "\ufeff") {
		t.Errorf("%s has no UTF-8 BOM", filepath.Base(path))
	}
	rows, err := csv.NewReader(strings.NewReader(strings.TrimPrefix(string(data), "\ufeff"))).ReadAll()
	if err != nil {
		t.Fatalf("parse %s: %v", path, err)
	}
	return rows
}

func TestAggregate_SortedByPriceNullsLast(t *testing.T) {
	g, dir := newGenerator(t, []market.Signal{
		sig("酒商群", "unpriced", "", t0),
		sig("酒商群", "飞天茅台", "2810", t0),
		sig("烟酒群", "芙蓉王", "400", t0),
		sig("烟酒群", "中华", "450.5", t0),
	}, nil)

	res, err := g.Generate(context.Background(), KindAggregate)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	want := filepath.Join(dir, "report_aggregate_2024-05-02.csv")
	if len(res.Files) != 1 || res.Files[0] != want {
		t.Fatalf("unexpected files %v", res.Files)
	}
	if res.ValidUntil != nil {
		t.Error("aggregate report should carry no validity window")
	}

	rows := readReport(t, want)
	if strings.Join(rows[0], ",") != "Time,Group,Sender,Intent,Item,Price,Specs,Raw Content" {
		t.Errorf("unexpected header %v", rows[0])
	}
	var items []string
	for _, r := range rows[1:] {
		items = append(items, r[4])
	}
	if got := strings.Join(items, ","); got != "芙蓉王,中华,飞天茅台,unpriced" {
		t.Errorf("unexpected order %s", got)
	}
	if rows[4][5] != "" {
		t.Errorf("null price should render empty, got %q", rows[4][5])
	}
	if rows[1][0] != "2024-05-01 09:30:00" || rows[1][3] != "sell" {
		t.Errorf("unexpected row %v", rows[1])
	}
}

func TestAggregate_FlattensLineBreaks(t *testing.T) {
	s := sig("", "飞天茅台", "2800", t0)
	s.RawContent = "出飞天\n2800\r\n原箱"
	g, dir := newGenerator(t, []market.Signal{s}, nil)

	if _, err := g.Generate(context.Background(), KindAggregate); err != nil {
		t.Fatal(err)
	}

	rows := readReport(t, filepath.Join(dir, "report_aggregate_2024-05-02.csv"))
	if rows[1][7] != "出飞天 | 2800 | 原箱" {
		t.Errorf("unexpected raw content %q", rows[1][7])
	}
	if rows[1][1] != "Direct Message" {
		t.Errorf("expected Direct Message group, got %q", rows[1][1])
	}
}

func TestPerGroup_OneFilePerRoom(t *testing.T) {
	g, dir := newGenerator(t, []market.Signal{
		sig("酒商群", "飞天茅台", "2810", t0),
		sig("酒商群", "五粮液", "900", t0),
		sig("烟酒 群", "中华", "450", t0),
		sig("", "芙蓉王", "400", t0),
	}, nil)

	res, err := g.Generate(context.Background(), KindPerGroup)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(res.Files) != 3 || res.Rows != 4 {
		t.Fatalf("unexpected result %+v", res)
	}

	rows := readReport(t, filepath.Join(dir, "report_group_酒商群_2024-05-02.csv"))
	if len(rows) != 3 || rows[1][4] != "五粮液" || rows[2][4] != "飞天茅台" {
		t.Errorf("unexpected group rows %v", rows)
	}
	for _, name := range []string{"report_group_烟酒_群_2024-05-02.csv", "report_group_Direct_Message_2024-05-02.csv"} {
		rows := readReport(t, filepath.Join(dir, name))
		if len(rows) != 2 {
			t.Errorf("%s: expected one data row, got %d", name, len(rows)-1)
		}
	}
}

func TestPerGroup_CollidingNamesStayApart(t *testing.T) {
	g, _ := newGenerator(t, []market.Signal{
		sig("酒商 群", "飞天茅台", "2810", t0),
		sig("酒商_群", "中华", "450", t0),
		sig("酒商\u200b 群", "芙蓉王", "400", t0),
	}, nil)

	res, err := g.Generate(context.Background(), KindPerGroup)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Files) != 3 {
		t.Fatalf("expected 3 files, got %v", res.Files)
	}
	seen := map[string]bool{}
	for _, f := range res.Files {
		if seen[f] {
			t.Errorf("two rooms share %s", f)
		}
		seen[f] = true
	}
}

func TestTemporaryGoods_ReloadedEveryRun(t *testing.T) {
	lists := [][]string{{"moutai"}, {"芙蓉"}}
	calls := 0
	loader := func() ([]string, error) {
		l := lists[calls]
		calls++
		return l, nil
	}
	g, dir := newGenerator(t, []market.Signal{
		sig("酒商群", "Kweichow MOUTAI", "2810", t0),
		sig("烟酒群", "芙蓉王", "400", t0),
		sig("烟酒群", "中华", "450", t0),
	}, loader)
	path := filepath.Join(dir, "report_temporary_goods_2024-05-02.csv")

	res, err := g.Generate(context.Background(), KindTemporaryGoods)
	if err != nil {
		t.Fatal(err)
	}
	if res.Rows != 1 || readReport(t, path)[1][4] != "Kweichow MOUTAI" {
		t.Errorf("case-insensitive match failed: %+v", res)
	}
	if res.ValidUntil == nil || !res.ValidUntil.Equal(genTime.Add(7*24*time.Hour)) {
		t.Errorf("unexpected validity %v", res.ValidUntil)
	}

	res, err = g.Generate(context.Background(), KindTemporaryGoods)
	if err != nil {
		t.Fatal(err)
	}
	if res.Rows != 1 || readReport(t, path)[1][4] != "芙蓉王" {
		t.Errorf("edited list not picked up: %+v", res)
	}
}

func TestTemporaryGoods_LoaderError(t *testing.T) {
	g, _ := newGenerator(t, nil, func() ([]string, error) { return nil, errors.New("bad yaml") })
	if _, err := g.Generate(context.Background(), KindTemporaryGoods); err == nil {
		t.Error("expected loader error")
	}
}

func TestGenerate_LeavesNoTempFiles(t *testing.T) {
	g, dir := newGenerator(t, []market.Signal{sig("酒商群", "飞天茅台", "2810", t0)}, nil)
	for _, k := range Kinds {
		if _, err := g.Generate(context.Background(), k); err != nil {
			t.Fatalf("%s: %v", k, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".part") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestGenerate_ReaderError(t *testing.T) {
	dir := t.TempDir()
	g := New(sliceReader{err: errors.New("database is locked")}, nil, nil, Config{Dir: dir}, discardLogger())
	if _, err := g.Generate(context.Background(), KindAggregate); err == nil {
		t.Fatal("expected error")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("failed run wrote files: %v", entries)
	}
}

type capturePublisher struct{ events []hermes.ReportEvent }

func (c *capturePublisher) Publish(subject string, data any) error {
	if subject == hermes.SubjectReportGenerated {
		c.events = append(c.events, data.(hermes.ReportEvent))
	}
	return nil
}

func TestGenerate_AnnouncesReport(t *testing.T) {
	pub := &capturePublisher{}
	g := New(sliceReader{signals: []market.Signal{sig("酒商群", "飞天茅台", "2810", t0)}}, nil, pub,
		Config{Dir: t.TempDir()}, discardLogger())

	if _, err := g.Generate(context.Background(), KindAggregate); err != nil {
		t.Fatal(err)
	}
	if len(pub.events) != 1 || pub.events[0].Kind != "aggregate" || pub.events[0].Rows != 1 {
		t.Errorf("unexpected events %+v", pub.events)
	}
}

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{
		"aggregate":       KindAggregate,
		"per_group":       KindPerGroup,
		"group":           KindPerGroup,
		"Temporary_Goods": KindTemporaryGoods,
		"temp_goods":      KindTemporaryGoods,
	} {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Errorf("ParseKind(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseKind("weekly"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestSanitize(t *testing.T) {
	tests := map[string]string{
		"酒商群":       "酒商群",
		"  烟酒 交流群 ": "烟酒_交流群",
		"Wine/Club!": "WineClub",
		"":          "Direct_Message",
		"!!!":       "Unknown",
	}
	for in, want := range tests {
		if got := sanitize(in); got != want {
			t.Errorf("sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}
