package extractor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/MikeSquared-Agency/iminsight/internal/market"
)

// rawCandidate is one element of the model's answer before validation.
// Models drift between key spellings, so every field is looked up under
// each alias.
type rawCandidate map[string]json.RawMessage

var (
	intentKeys = []string{"intent", "Intent"}
	itemKeys   = []string{"item", "Item", "Item Name", "item_name"}
	priceKeys  = []string{"price", "Price"}
	specsKeys  = []string{"specs", "Specs"}
	listKeys   = []string{"signals", "items"}
)

// parseResponse turns model output into unvalidated candidates. It accepts
// a bare array, a single object, or an object wrapping the array.
func parseResponse(raw string) ([]rawCandidate, error) {
	body := []byte(stripFences(raw))
	if len(body) == 0 {
		return nil, fmt.Errorf("parse extraction: empty response")
	}

	switch body[0] {
	case '[':
		var list []rawCandidate
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, fmt.Errorf("parse extraction: %w", err)
		}
		return list, nil
	case '{':
		var obj rawCandidate
		if err := json.Unmarshal(body, &obj); err != nil {
			return nil, fmt.Errorf("parse extraction: %w", err)
		}
		for _, key := range listKeys {
			if inner, ok := obj[key]; ok {
				var list []rawCandidate
				if err := json.Unmarshal(inner, &list); err != nil {
					return nil, fmt.Errorf("parse extraction %s: %w", key, err)
				}
				return list, nil
			}
		}
		return []rawCandidate{obj}, nil
	default:
		return nil, fmt.Errorf("parse extraction: response is not JSON")
	}
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func (c rawCandidate) lookup(keys []string) json.RawMessage {
	for _, k := range keys {
		if v, ok := c[k]; ok && !bytes.Equal(v, []byte("null")) {
			return v
		}
	}
	return nil
}

func (c rawCandidate) text(keys []string) string {
	v := c.lookup(keys)
	if v == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		// Non-string scalars are kept in their JSON spelling.
		return strings.TrimSpace(string(v))
	}
	return strings.TrimSpace(s)
}

// price reads a number or numeric string. Zero, negative and unparseable
// values are treated as "no price".
func (c rawCandidate) price() decimal.NullDecimal {
	v := c.lookup(priceKeys)
	if v == nil {
		return decimal.NullDecimal{}
	}

	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		s = string(v)
	}
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, "¥￥$")
	s = strings.ReplaceAll(s, ",", "")

	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsPositive() {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

func (c rawCandidate) candidate() Candidate {
	return Candidate{
		Intent: market.ParseIntent(c.text(intentKeys)),
		Item:   c.text(itemKeys),
		Price:  c.price(),
		Specs:  c.text(specsKeys),
	}
}
