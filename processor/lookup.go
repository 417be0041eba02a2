package processor

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

const (
	// UnknownSymbol is used when no strategy yields a symbol.
	UnknownSymbol = "UNKNOWN"
	// MissingValue fills a column no strategy could resolve.
	MissingValue = "-"
)

var symbolKeys = []string{
	"symbol", "Symbol",
	"code", "Code",
	"stock_code", "ts_code", "sec_code",
	"instrument_id", "InstrumentID",
	"contract", "ticker",
}

var (
	exchangeSymbol = regexp.MustCompile(`\b((?:SH|SZ|BJ|HK|US)\.[A-Z0-9]+)\b`)
	genericSymbol  = regexp.MustCompile(`\b([A-Z]{2,6}\.[A-Za-z0-9]+)\b`)
)

// symbolStrategy tries to resolve the symbol a record belongs to.
type symbolStrategy struct {
	name string
	find func(record map[string]interface{}, channel string) (string, bool)
}

func symbolStrategies(source string) []symbolStrategy {
	sourceChannel := regexp.MustCompile(`(?:` + klinePrefix + `|` + decodedPrefix + `)/` + regexp.QuoteMeta(source) + `/([^/*]+)`)
	return []symbolStrategy{
		{name: "record_key", find: func(record map[string]interface{}, _ string) (string, bool) {
			for _, k := range symbolKeys {
				if s, ok := scalarString(record[k]); ok && s != "" {
					return s, true
				}
			}
			return "", false
		}},
		{name: "source_channel", find: channelMatcher(sourceChannel)},
		{name: "exchange_token", find: channelMatcher(exchangeSymbol)},
		{name: "generic_token", find: channelMatcher(genericSymbol)},
	}
}

func channelMatcher(re *regexp.Regexp) func(map[string]interface{}, string) (string, bool) {
	return func(_ map[string]interface{}, channel string) (string, bool) {
		m := re.FindStringSubmatch(channel)
		if len(m) < 2 || m[1] == "" {
			return "", false
		}
		return m[1], true
	}
}

func resolveSymbol(strategies []symbolStrategy, record map[string]interface{}, channel string) string {
	for _, st := range strategies {
		if s, ok := st.find(record, channel); ok {
			return s
		}
	}
	return UnknownSymbol
}

// fieldStrategy tries to find the value for an output field in a record.
type fieldStrategy struct {
	name string
	find func(record map[string]interface{}, field string) (interface{}, bool)
}

type fieldLookup struct {
	strategies []fieldStrategy
}

func newFieldLookup(display map[string]string) *fieldLookup {
	return &fieldLookup{strategies: []fieldStrategy{
		{name: "exact", find: func(record map[string]interface{}, field string) (interface{}, bool) {
			return present(record, field)
		}},
		{name: "display_name", find: func(record map[string]interface{}, field string) (interface{}, bool) {
			name, ok := display[field]
			if !ok || name == "" {
				return nil, false
			}
			return present(record, name)
		}},
		{name: "case_insensitive", find: func(record map[string]interface{}, field string) (interface{}, bool) {
			for _, k := range sortedKeys(record) {
				if strings.EqualFold(k, field) {
					if v, ok := present(record, k); ok {
						return v, true
					}
				}
			}
			return nil, false
		}},
		{name: "substring", find: func(record map[string]interface{}, field string) (interface{}, bool) {
			needle := strings.ToLower(field)
			if needle == "" {
				return nil, false
			}
			for _, k := range sortedKeys(record) {
				if strings.Contains(strings.ToLower(k), needle) {
					if v, ok := present(record, k); ok {
						return v, true
					}
				}
			}
			return nil, false
		}},
	}}
}

// value resolves field, falling back to MissingValue.
func (l *fieldLookup) value(record map[string]interface{}, field string) interface{} {
	for _, st := range l.strategies {
		if v, ok := st.find(record, field); ok {
			return v
		}
	}
	return MissingValue
}

// row maps every output field for one record.
func (l *fieldLookup) row(record map[string]interface{}, fields []string) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		out[f] = l.value(record, f)
	}
	return out
}

func present(record map[string]interface{}, key string) (interface{}, bool) {
	v, ok := record[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func sortedKeys(record map[string]interface{}) []string {
	keys := make([]string, 0, len(record))
	for k := range record {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func scalarString(v interface{}) (string, bool) {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val), true
	case json.Number:
		return val.String(), true
	case nil:
		return "", false
	case map[string]interface{}, []interface{}:
		return "", false
	default:
		return fmt.Sprint(val), true
	}
}
