// Package replay feeds recorded chat events back through the pipeline.
package replay

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/MikeSquared-Agency/iminsight/internal/ingest"
)

// maxLine bounds a single JSONL record. Chat pastes can be long.
const maxLine = 4 * 1024 * 1024

// ParseFile reads one ingest.Event per line. Blank lines are ignored;
// lines that do not decode or fail validation are counted in skipped.
func ParseFile(path string) (events []ingest.Event, skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev ingest.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			skipped++
			continue
		}
		if ev.Validate() != nil {
			skipped++
			continue
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return events, skipped, fmt.Errorf("scan %s: %w", path, err)
	}
	return events, skipped, nil
}
