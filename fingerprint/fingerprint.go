// Package fingerprint turns a logical request (operation + parameters) into
// a stable, collision-resistant cache and dedup key.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/arbiterhq/arbiter/types"
)

// Fingerprint is a deterministic identifier for a logical request.
// Equal logical requests always produce equal fingerprints; parameter maps
// are canonicalized (sorted keys, stable numeric formatting) before hashing.
type Fingerprint string

// String returns the hex form.
func (f Fingerprint) String() string { return string(f) }

// Canonicalize computes the fingerprint of (operation, params).
// Params may contain nested maps, slices, strings, booleans, numbers, and
// nil; anything JSON-encodable is accepted. Malformed input (empty
// operation, NaN/Inf numbers, non-encodable values) is rejected with
// INVALID_REQUEST.
func Canonicalize(operation string, params map[string]any) (Fingerprint, error) {
	if operation == "" {
		return "", types.NewError(types.ErrInvalidRequest, "operation must not be empty")
	}

	normalized, err := normalize(params)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	buf.WriteString(operation)
	buf.WriteByte(0)
	if err := writeCanonical(&buf, normalized); err != nil {
		return "", err
	}

	sum := sha256.Sum256(buf.Bytes())
	return Fingerprint(hex.EncodeToString(sum[:])), nil
}

// normalize round-trips params through JSON so that structs, typed maps, and
// differently-typed numbers all collapse into the same canonical value tree.
// json.Number preserves the source formatting of integers vs. floats.
func normalize(params map[string]any) (any, error) {
	if params == nil {
		return map[string]any{}, nil
	}

	data, err := json.Marshal(params)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "parameters are not encodable").WithCause(err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "parameters are not decodable").WithCause(err)
	}
	return v, nil
}

// writeCanonical emits a canonical encoding of a normalized value tree:
// map keys sorted, numbers in a stable decimal form, strings JSON-escaped.
func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(val))
	case string:
		enc, err := json.Marshal(val)
		if err != nil {
			return types.NewError(types.ErrInvalidRequest, "string is not encodable").WithCause(err)
		}
		buf.Write(enc)
	case json.Number:
		return writeNumber(buf, string(val))
	case float64:
		return writeNumber(buf, strconv.FormatFloat(val, 'g', -1, 64))
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			enc, _ := json.Marshal(k)
			buf.Write(enc)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return types.NewError(types.ErrInvalidRequest,
			fmt.Sprintf("unsupported parameter type %T", v))
	}
	return nil
}

// writeNumber formats a decimal string so that 1, 1.0, and 1e0 collide.
func writeNumber(buf *bytes.Buffer, s string) error {
	// Plain integers are emitted exactly; routing them through float64
	// would collapse neighbors beyond 2^53 into one representation.
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		buf.WriteString(strconv.FormatInt(i, 10))
		return nil
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return types.NewError(types.ErrInvalidRequest, "non-finite number in parameters")
	}

	// Integral values are emitted without an exponent or fraction so the
	// int/float distinction of the caller's language never leaks in.
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		buf.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}
