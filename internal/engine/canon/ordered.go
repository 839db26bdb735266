package canon

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// orderedField is one key/value pair of an orderedObject, already
// normalized and sorted by normalizeObject.
type orderedField struct {
	key   string
	value any
}

// orderedObject marshals as a JSON object with its fields in exactly the
// order given, bypassing encoding/json's own (also sorted, but this makes
// the sort explicit and independent of map iteration) key handling for
// map[string]any.
type orderedObject []orderedField

// MarshalJSON implements json.Marshaler.
func (o orderedObject) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte('{')

	for i, field := range o {
		if i > 0 {
			buf.WriteByte(',')
		}

		keyJSON, err := json.Marshal(field.key)
		if err != nil {
			return nil, err
		}

		buf.Write(keyJSON)
		buf.WriteByte(':')

		valueJSON, err := json.Marshal(field.value)
		if err != nil {
			return nil, err
		}

		buf.Write(valueJSON)
	}

	buf.WriteByte('}')

	return buf.Bytes(), nil
}

// orderedNumber is a pre-formatted JSON number literal (integer or
// shortest-round-trip float) that marshals verbatim, without
// encoding/json's own float formatting second-guessing the canonical text.
type orderedNumber string

// MarshalJSON implements json.Marshaler.
func (n orderedNumber) MarshalJSON() ([]byte, error) {
	return []byte(n), nil
}

// strconvShortestFloat formats f using Go's shortest round-trippable
// representation (strconv.FormatFloat with precision -1), which agrees with
// the ECMAScript Number-to-String algorithm JCS requires for every value
// this hasher actually needs to represent.
func strconvShortestFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
