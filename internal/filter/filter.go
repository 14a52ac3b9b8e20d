// Package filter classifies raw chat messages before any extraction call.
//
// Evaluation order, short-circuiting:
//  1. group targeting (room name)
//  2. blacklist (content)
//  3. whitelist (content)
//
// Only messages classified ReasonOK may reach the extraction gateway.
package filter

import (
	"strings"
	"sync"

	"golang.org/x/text/cases"

	"github.com/MikeSquared-Agency/iminsight/internal/market"
)

// Reason explains a classification.
type Reason string

const (
	ReasonOK             Reason = "ok"
	ReasonBlacklisted    Reason = "blacklisted"
	ReasonNotWhitelisted Reason = "not_whitelisted"
	ReasonNotTargetGroup Reason = "not_target_group"
)

// Decision is the ephemeral outcome of Classify.
type Decision struct {
	Accepted bool
	Reason   Reason
}

// Wildcards accepted in Targets to monitor every room.
var Wildcards = []string{"all", "*"}

// Rules is an immutable snapshot of the filtering configuration. Callers must
// not mutate the slices after handing a Rules value to Classify.
type Rules struct {
	Targets   []string
	Blacklist []string
	Whitelist []string
	// FoldContent makes blacklist and whitelist matching case-insensitive.
	FoldContent bool
}

// Classify runs the staged filter against msg.
func Classify(r Rules, msg market.RawMessage) Decision {
	if !r.MatchGroup(msg.Room) {
		return Decision{Reason: ReasonNotTargetGroup}
	}
	content := msg.Content
	if r.FoldContent {
		content = Fold(content)
	}
	if containsAny(content, r.Blacklist, r.FoldContent) {
		return Decision{Reason: ReasonBlacklisted}
	}
	if !containsAny(content, r.Whitelist, r.FoldContent) {
		return Decision{Reason: ReasonNotWhitelisted}
	}
	return Decision{Accepted: true, Reason: ReasonOK}
}

// MatchGroup reports whether room is monitored. The room name is matched as
// is: invisible characters are kept and only case is folded, so targets must
// be configured as substrings that survive trailing artifacts.
func (r Rules) MatchGroup(room string) bool {
	if r.Wildcard() {
		return true
	}
	folded := Fold(room)
	for _, t := range r.Targets {
		if t == "" {
			continue
		}
		if strings.Contains(folded, Fold(t)) {
			return true
		}
	}
	return false
}

// Wildcard reports whether any target is a universal match token.
func (r Rules) Wildcard() bool {
	for _, t := range r.Targets {
		for _, w := range Wildcards {
			if strings.EqualFold(strings.TrimSpace(t), w) {
				return true
			}
		}
	}
	return false
}

// containsAny ignores empty terms; an empty whitelist term would otherwise
// admit every message.
func containsAny(content string, terms []string, fold bool) bool {
	for _, term := range terms {
		if term == "" {
			continue
		}
		if fold {
			term = Fold(term)
		}
		if strings.Contains(content, term) {
			return true
		}
	}
	return false
}

var folders = sync.Pool{
	New: func() any { return cases.Fold() },
}

// Fold applies Unicode full case folding. Safe for concurrent use.
func Fold(s string) string {
	if s == "" {
		return s
	}
	c := folders.Get().(cases.Caser)
	out := c.String(s)
	folders.Put(c)
	return out
}
