package writer

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	minEpochMillis = 1e12
	maxEpochMillis = 1e13
	timeLayout     = "2006-01-02 15:04:05"
)

var (
	dottedClock = regexp.MustCompile(`^\d{1,2}\.\d{2}\.\d{2}$`)
	colonClock  = regexp.MustCompile(`^\d{1,2}:\d{2}:\d{2}$`)
)

// formatCell renders one value as a CSV cell, already escaped.
func formatCell(v interface{}, loc *time.Location) string {
	return escapeCell(renderValue(v, loc))
}

func renderValue(v interface{}, loc *time.Location) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return renderString(val)
	case json.Number:
		if ms, err := val.Int64(); err == nil {
			return renderInt(ms, loc)
		}
		if f, err := val.Float64(); err == nil {
			return renderFloat(f, val.String(), loc)
		}
		return val.String()
	case int:
		return renderInt(int64(val), loc)
	case int32:
		return renderInt(int64(val), loc)
	case int64:
		return renderInt(val, loc)
	case float32:
		return renderFloat(float64(val), strconv.FormatFloat(float64(val), 'f', -1, 32), loc)
	case float64:
		return renderFloat(val, strconv.FormatFloat(val, 'f', -1, 64), loc)
	case bool:
		return strconv.FormatBool(val)
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	default:
		return fmt.Sprint(val)
	}
}

func renderInt(n int64, loc *time.Location) string {
	if n >= minEpochMillis && n < maxEpochMillis {
		return time.UnixMilli(n).In(loc).Format(timeLayout)
	}
	return strconv.FormatInt(n, 10)
}

func renderFloat(f float64, text string, loc *time.Location) string {
	if f == math.Trunc(f) && f >= minEpochMillis && f < maxEpochMillis {
		return renderInt(int64(f), loc)
	}
	return text
}

func renderString(s string) string {
	if dottedClock.MatchString(s) {
		s = strings.ReplaceAll(s, ".", ":")
	}
	if colonClock.MatchString(s) {
		s = "'" + s
	}
	return s
}

func escapeCell(s string) string {
	if !strings.ContainsAny(s, ",\"\r\n") {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// headerCell is "{display}({field})" when a display name is known.
func headerCell(field string, display map[string]string) string {
	if name, ok := display[field]; ok && name != "" && name != field {
		return escapeCell(name + "(" + field + ")")
	}
	return escapeCell(field)
}

var unsafeFileChars = strings.NewReplacer(
	"/", "_", `\`, "_", ":", "_", "*", "_", "?", "_",
	`"`, "_", "<", "_", ">", "_", "|", "_", " ", "_",
)

// safeFileName maps a symbol to a file stem valid on every platform.
func safeFileName(symbol string) string {
	s := unsafeFileChars.Replace(strings.TrimSpace(symbol))
	if s == "" || s == "." || s == ".." {
		return "UNKNOWN"
	}
	return s
}
