// Package canon implements the canonical hasher (spec §4.1): a deterministic
// JSON serialization — sorted object keys, shortest valid float representation,
// no NaN/Inf, integers bounded to the JavaScript-safe range — and the SHA-256
// hash over it. Every record that stores a "hash of X" in the Landscape goes
// through this package, so two engines serializing the same logical value
// always produce the same hash, regardless of map iteration order or
// language-specific float formatting quirks.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
)

// maxSafeInteger is the largest integer magnitude an IEEE-754 double can
// represent exactly (2^53 - 1). The hasher rejects anything larger so that a
// JavaScript-based replay of the same pipeline cannot silently lose precision
// and produce a different hash for what was meant to be the same value.
const maxSafeInteger = 1<<53 - 1

var (
	// ErrNonFiniteFloat is returned when encoding a NaN or +/-Inf value.
	ErrNonFiniteFloat = errors.New("canon: NaN and Inf are not representable")
	// ErrIntegerOutOfRange is returned when an integer exceeds the
	// JavaScript-safe range of +/-(2^53-1).
	ErrIntegerOutOfRange = errors.New("canon: integer outside safe range +/-(2^53-1)")
	// ErrUnsupportedType is returned for Go values with no canonical JSON
	// representation (channels, funcs, complex numbers, and so on).
	ErrUnsupportedType = errors.New("canon: unsupported value type")
)

// Encode produces the canonical JSON serialization of v: object keys sorted
// lexicographically at every level, numbers validated per the rules above,
// and no insignificant whitespace. It is a one-way function — the same
// logical value always encodes to the same bytes regardless of how it was
// constructed (map insertion order, struct field order via JSON tags, etc.).
func Encode(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer

	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)

	if err := encoder.Encode(normalized); err != nil {
		return nil, fmt.Errorf("canon: encode: %w", err)
	}

	// json.Encoder.Encode appends a trailing newline; the canonical form has none.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Hash returns the lowercase hex SHA-256 digest of Encode(v). This is the
// function behind every "*_hash" column in the Landscape schema.
func Hash(v any) (string, error) {
	encoded, err := Encode(v)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(encoded)

	return hex.EncodeToString(sum[:]), nil
}

// Decode parses canonical JSON back into Go values (map[string]any, []any,
// string, int64, float64, bool, nil). Together with Encode it satisfies the
// round-trip law: decode(encode(v)) == v and hash(v) == hash(decode(encode(v))).
func Decode(data []byte) (any, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	var raw any
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("canon: decode: %w", err)
	}

	return demoteNumbers(raw)
}

// normalize walks v and produces a value that, when passed to
// encoding/json.Marshal, yields the canonical byte form: map keys come out
// sorted because normalize rebuilds every object as an orderedObject, and
// every number is checked for finiteness and safe-integer range up front
// rather than left to fail silently during marshaling.
func normalize(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return val, nil
	case string:
		return val, nil
	case json.Number:
		return normalizeJSONNumber(val)
	case float32:
		return normalizeFloat(float64(val))
	case float64:
		return normalizeFloat(val)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return normalizeInt(val)
	case map[string]any:
		return normalizeObject(val)
	case []any:
		return normalizeArray(val)
	default:
		return normalizeReflective(v)
	}
}

func normalizeFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, ErrNonFiniteFloat
	}

	if f == math.Trunc(f) && math.Abs(f) <= maxSafeInteger {
		return orderedNumber(fmt.Sprintf("%d", int64(f))), nil
	}

	return orderedNumber(strconvShortestFloat(f)), nil
}

func normalizeInt(v any) (any, error) {
	n := toInt64(v)
	if n > maxSafeInteger || n < -maxSafeInteger {
		return nil, ErrIntegerOutOfRange
	}

	return orderedNumber(fmt.Sprintf("%d", n)), nil
}

func normalizeJSONNumber(n json.Number) (any, error) {
	if i, err := n.Int64(); err == nil {
		return normalizeInt(i)
	}

	f, err := n.Float64()
	if err != nil {
		return nil, fmt.Errorf("canon: invalid number %q: %w", n.String(), err)
	}

	return normalizeFloat(f)
}

func normalizeObject(m map[string]any) (any, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	obj := make(orderedObject, 0, len(m))

	for _, k := range keys {
		nv, err := normalize(m[k])
		if err != nil {
			return nil, err
		}

		obj = append(obj, orderedField{key: k, value: nv})
	}

	return obj, nil
}

func normalizeArray(arr []any) (any, error) {
	out := make([]any, len(arr))

	for i, el := range arr {
		nv, err := normalize(el)
		if err != nil {
			return nil, err
		}

		out[i] = nv
	}

	return out, nil
}

// normalizeReflective handles structs and other map/slice element types
// (e.g. map[string]string) by round-tripping through encoding/json into the
// generic shapes normalize already understands, rather than hand-rolling
// reflection over every possible Go type.
func normalizeReflective(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %T: %w", ErrUnsupportedType, v, err)
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var generic any
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canon: normalize: %w", err)
	}

	return normalize(generic)
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case uint:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	default:
		return 0
	}
}

// demoteNumbers converts the json.Number leaves produced by Decode's
// UseNumber() decoder into plain int64/float64, matching the shapes Encode
// accepts as input, so callers can feed a Decode result straight back into
// Encode without type assertions on json.Number.
func demoteNumbers(v any) (any, error) {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i, nil
		}

		return val.Float64()
	case map[string]any:
		out := make(map[string]any, len(val))

		for k, el := range val {
			dv, err := demoteNumbers(el)
			if err != nil {
				return nil, err
			}

			out[k] = dv
		}

		return out, nil
	case []any:
		out := make([]any, len(val))

		for i, el := range val {
			dv, err := demoteNumbers(el)
			if err != nil {
				return nil, err
			}

			out[i] = dv
		}

		return out, nil
	default:
		return val, nil
	}
}
