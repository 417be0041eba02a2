package processor

import (
	"fmt"
	"strings"
)

const (
	klinePrefix   = "KLINE-1M"
	decodedPrefix = "DECODED"
)

// BuildPatterns returns the wire patterns for a source and symbol list.
// Kline sources are subscribed per symbol without a wildcard; all other
// sources take a trailing wildcard. An empty symbol list selects everything.
func BuildPatterns(source string, symbols []string, klineSources []string) []string {
	kline := isKlineSource(source, klineSources)

	cleaned := make([]string, 0, len(symbols))
	seen := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		cleaned = append(cleaned, s)
	}

	if len(cleaned) == 0 {
		if kline {
			return []string{fmt.Sprintf("%s/%s/*", klinePrefix, source)}
		}
		return []string{fmt.Sprintf("%s/%s/*", decodedPrefix, source)}
	}

	patterns := make([]string, 0, len(cleaned))
	for _, s := range cleaned {
		if kline {
			patterns = append(patterns, fmt.Sprintf("%s/%s/%s", klinePrefix, source, s))
		} else {
			patterns = append(patterns, fmt.Sprintf("%s/%s/%s/*", decodedPrefix, source, s))
		}
	}
	return patterns
}

func isKlineSource(source string, klineSources []string) bool {
	for _, k := range klineSources {
		if strings.EqualFold(strings.TrimSpace(k), source) {
			return true
		}
	}
	return false
}
