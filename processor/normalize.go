package processor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// payloadShape tags the envelope form an inbound payload arrived in.
type payloadShape int

const (
	// shapeFlat is a record that needs no unwrapping.
	shapeFlat payloadShape = iota
	// shapeNested carries the record as a "data" object next to a "key".
	shapeNested
	// shapeEncoded carries the record as a JSON document serialized into a
	// string under "data" or "payload".
	shapeEncoded
)

func (s payloadShape) String() string {
	switch s {
	case shapeNested:
		return "nested"
	case shapeEncoded:
		return "encoded"
	default:
		return "flat"
	}
}

var encodedKeys = []string{"data", "payload"}

// normalizePayload decodes a payload and unwraps it to a flat record.
// Numbers are kept as json.Number so large epochs survive intact.
func normalizePayload(payload []byte) (map[string]interface{}, payloadShape, error) {
	record, err := decodeObject(payload)
	if err != nil {
		return nil, shapeFlat, err
	}

	shape, inner := classify(record)
	switch shape {
	case shapeEncoded:
		return inner, shapeEncoded, nil
	case shapeNested:
		return inner, shapeNested, nil
	default:
		return record, shapeFlat, nil
	}
}

func classify(record map[string]interface{}) (payloadShape, map[string]interface{}) {
	for _, k := range encodedKeys {
		s, ok := record[k].(string)
		if !ok {
			continue
		}
		trimmed := strings.TrimSpace(s)
		if !strings.HasPrefix(trimmed, "{") {
			continue
		}
		inner, err := decodeObject([]byte(trimmed))
		if err != nil {
			continue
		}
		if shape, nested := classify(inner); shape == shapeNested {
			return shapeEncoded, nested
		}
		return shapeEncoded, inner
	}

	if data, ok := record["data"].(map[string]interface{}); ok {
		if _, hasKey := record["key"]; hasKey {
			return shapeNested, data
		}
	}
	return shapeFlat, nil
}

func decodeObject(raw []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	obj, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("decode payload: expected object, got %T", v)
	}
	return obj, nil
}
