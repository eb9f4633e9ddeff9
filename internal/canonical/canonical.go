// Package canonical produces deterministic byte encodings and hashes for
// request parameter structures. Two parameter maps that are semantically
// equal always encode to the same bytes regardless of map iteration order
// or the numeric type a value arrived in.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// domain is the hash domain prefix. The null separator between the domain,
// the service, the operation and the payload prevents boundary ambiguity
// between concatenated fields.
const domain = "selaras/request/v1"

// Key computes the canonical identity of a (service, operation, params)
// triple as a hex-encoded SHA-256 digest. The params map must already be
// normalized (defaults filled in) by the caller when semantic equivalence
// is wanted; Key itself only guarantees order independence.
func Key(service, operation string, params map[string]any) (string, error) {
	encoded, err := Encode(params)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write([]byte(service))
	h.Write([]byte{0x00})
	h.Write([]byte(operation))
	h.Write([]byte{0x00})
	h.Write(encoded)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Encode renders a value as canonical bytes. Supported types are the
// JSON-shaped set: nil, bool, string, signed/unsigned integers, floats,
// []any and map[string]any. Map keys are sorted; integral floats collapse
// to their integer form so that a value decoded from JSON (float64) and
// one written as a Go literal (int) hash identically.
func Encode(v any) ([]byte, error) {
	var b strings.Builder
	if err := encode(&b, v); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

func encode(b *strings.Builder, v any) error {
	switch val := v.(type) {
	case nil:
		b.WriteString("z")
	case bool:
		if val {
			b.WriteString("b:1")
		} else {
			b.WriteString("b:0")
		}
	case string:
		encodeString(b, val)
	case int:
		encodeInt(b, int64(val))
	case int8:
		encodeInt(b, int64(val))
	case int16:
		encodeInt(b, int64(val))
	case int32:
		encodeInt(b, int64(val))
	case int64:
		encodeInt(b, val)
	case uint:
		encodeUint(b, uint64(val))
	case uint8:
		encodeUint(b, uint64(val))
	case uint16:
		encodeUint(b, uint64(val))
	case uint32:
		encodeUint(b, uint64(val))
	case uint64:
		encodeUint(b, val)
	case float32:
		encodeFloat(b, float64(val))
	case float64:
		encodeFloat(b, val)
	case []any:
		b.WriteString("[")
		for i, elem := range val {
			if i > 0 {
				b.WriteString(",")
			}
			if err := encode(b, elem); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
		b.WriteString("]")
	case []string:
		b.WriteString("[")
		for i, elem := range val {
			if i > 0 {
				b.WriteString(",")
			}
			encodeString(b, elem)
		}
		b.WriteString("]")
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteString("{")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(",")
			}
			encodeString(b, k)
			b.WriteString("=")
			if err := encode(b, val[k]); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
		}
		b.WriteString("}")
	default:
		return fmt.Errorf("canonical: unsupported parameter type %T", v)
	}
	return nil
}

// encodeString length-prefixes the value so adjacent fields can never be
// confused for one another.
func encodeString(b *strings.Builder, s string) {
	b.WriteString("s:")
	b.WriteString(strconv.Itoa(len(s)))
	b.WriteString(":")
	b.WriteString(s)
}

func encodeInt(b *strings.Builder, i int64) {
	b.WriteString("i:")
	b.WriteString(strconv.FormatInt(i, 10))
}

func encodeUint(b *strings.Builder, u uint64) {
	if u <= math.MaxInt64 {
		encodeInt(b, int64(u))
		return
	}
	b.WriteString("u:")
	b.WriteString(strconv.FormatUint(u, 10))
}

// encodeFloat collapses integral floats into the integer form. JSON
// decoding hands every number over as float64; without this, {"n": 3}
// parsed from JSON and map[string]any{"n": 3} built in Go would hash
// differently.
func encodeFloat(b *strings.Builder, f float64) {
	if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < float64(math.MaxInt64) {
		encodeInt(b, int64(f))
		return
	}
	b.WriteString("f:")
	b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
}
