package pubsub

import (
	"sort"
	"strings"
)

// patternTable maps wire patterns to the local handlers interested in them.
// A pattern exists in the table exactly while it is subscribed on the wire.
type patternTable struct {
	entries map[string]map[Handler]struct{}
}

func newPatternTable() *patternTable {
	return &patternTable{entries: make(map[string]map[Handler]struct{})}
}

// missing returns the patterns, deduplicated and in input order, that are not
// yet in the table and therefore need a subscribe frame.
func (t *patternTable) missing(patterns []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(patterns))
	for _, p := range patterns {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		if _, ok := t.entries[p]; !ok {
			out = append(out, p)
		}
	}
	return out
}

func (t *patternTable) add(patterns []string, h Handler) {
	for _, p := range patterns {
		set, ok := t.entries[p]
		if !ok {
			set = make(map[Handler]struct{})
			t.entries[p] = set
		}
		set[h] = struct{}{}
	}
}

// remove detaches h from each pattern and returns the patterns whose handler
// set became empty. Those are forgotten and need an unsubscribe frame.
func (t *patternTable) remove(patterns []string, h Handler) []string {
	var emptied []string
	for _, p := range patterns {
		set, ok := t.entries[p]
		if !ok {
			continue
		}
		delete(set, h)
		if len(set) == 0 {
			delete(t.entries, p)
			emptied = append(emptied, p)
		}
	}
	return emptied
}

// match returns one handler entry per (registered pattern, handler) pair that
// accepts the frame pattern.
func (t *patternTable) match(framePattern string) []Handler {
	var out []Handler
	for p, set := range t.entries {
		if !patternMatches(p, framePattern) {
			continue
		}
		for h := range set {
			out = append(out, h)
		}
	}
	return out
}

func (t *patternTable) patterns() []string {
	out := make([]string, 0, len(t.entries))
	for p := range t.entries {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (t *patternTable) handlerCount(pattern string) int {
	return len(t.entries[pattern])
}

func (t *patternTable) len() int {
	return len(t.entries)
}

func (t *patternTable) reset() {
	t.entries = make(map[string]map[Handler]struct{})
}

func patternMatches(registered, framePattern string) bool {
	if registered == framePattern {
		return true
	}
	if prefix, ok := strings.CutSuffix(registered, "*"); ok {
		return strings.HasPrefix(framePattern, prefix)
	}
	return false
}
