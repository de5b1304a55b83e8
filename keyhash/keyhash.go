// Package keyhash derives the deterministic idempotency key from a
// selector's output: a canonical serialization of the subtree, hashed with
// the configured algorithm and salted with the function name (and optional
// key prefix).
package keyhash

import (
	"crypto/md5" //nolint:gosec // not used for security, only as an optional shorter digest choice
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Algorithm selects the digest function used to derive the idempotency key.
type Algorithm string

const (
	// AlgoSHA256Truncated128 truncates a SHA-256 digest to its first 16
	// bytes (128 bits). It is the default: cheap to compute, and 128 bits
	// of a cryptographic digest is ample collision resistance for keying a
	// short-lived, per-function dedupe window.
	AlgoSHA256Truncated128 Algorithm = "sha256-128"
	// AlgoSHA256 keeps the full 256-bit digest.
	AlgoSHA256 Algorithm = "sha256"
	// AlgoMD5 is offered for compatibility with systems that already key on
	// MD5 digests; it is not collision-resistant and should not be chosen
	// for adversarial inputs.
	AlgoMD5 Algorithm = "md5"
)

// Valid reports whether a is a known algorithm.
func (a Algorithm) Valid() bool {
	switch a {
	case AlgoSHA256Truncated128, AlgoSHA256, AlgoMD5:
		return true
	default:
		return false
	}
}

// Digest returns the lowercase hex digest of the canonical form of v, using
// algo (defaulting to AlgoSHA256Truncated128 if empty).
func Digest(algo Algorithm, v any) (string, error) {
	if algo == "" {
		algo = AlgoSHA256Truncated128
	}
	if !algo.Valid() {
		return "", fmt.Errorf("keyhash: unknown algorithm %q", algo)
	}

	canon, err := Canonicalize(v)
	if err != nil {
		return "", fmt.Errorf("keyhash: canonicalizing payload: %w", err)
	}

	switch algo {
	case AlgoSHA256Truncated128:
		sum := sha256.Sum256(canon)
		return hex.EncodeToString(sum[:16]), nil
	case AlgoSHA256:
		sum := sha256.Sum256(canon)
		return hex.EncodeToString(sum[:]), nil
	case AlgoMD5:
		sum := md5.Sum(canon) //nolint:gosec // see AlgoMD5 doc comment
		return hex.EncodeToString(sum[:]), nil
	default:
		return "", fmt.Errorf("keyhash: unknown algorithm %q", algo)
	}
}

// Key builds the final stored key "{functionName}#{hexDigest}", optionally
// prefixed, e.g. "prefix:functionName#deadbeef...".
func Key(functionName, prefix, hexDigest string) string {
	if prefix == "" {
		return fmt.Sprintf("%s#%s", functionName, hexDigest)
	}
	return fmt.Sprintf("%s:%s#%s", prefix, functionName, hexDigest)
}

// Canonicalize produces a stable byte encoding of v: object keys sorted,
// no insignificant whitespace, and numbers formatted without the float
// noise json.Marshal would otherwise introduce for whole-number floats.
func Canonicalize(v any) ([]byte, error) {
	norm, err := normalize(v)
	if err != nil {
		return nil, err
	}
	// encoding/json always emits object keys in sorted order for map types
	// and never inserts insignificant whitespace with Marshal (as opposed
	// to MarshalIndent), which is exactly the canonical form this package
	// needs.
	return json.Marshal(norm)
}

// normalize walks v (the usual output of a JSON/JMESPath decode: maps,
// slices, and scalars) and rewrites numbers into a stable textual form so
// that e.g. 5 and 5.0 canonicalize identically.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]json.RawMessage, len(t))
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			nv, err := normalize(t[k])
			if err != nil {
				return nil, err
			}
			b, err := json.Marshal(nv)
			if err != nil {
				return nil, err
			}
			out[k] = b
		}
		return rawObject(out, keys), nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			nv, err := normalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	case float64:
		return stableNumber(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, err
		}
		return stableNumber(f), nil
	default:
		return t, nil
	}
}

// stableNumber collapses an integral float64 to json.Number("123") instead
// of the "123" vs "123.0" ambiguity json.Marshal would otherwise be subject
// to across equivalent inputs.
func stableNumber(f float64) json.Number {
	if f == math.Trunc(f) && !math.IsInf(f, 0) {
		return json.Number(strconv.FormatInt(int64(f), 10))
	}
	return json.Number(strconv.FormatFloat(f, 'g', -1, 64))
}

// rawObject preserves key order during marshaling by hand-writing the
// object rather than relying on json.Marshal(map[string]any), which would
// otherwise re-sort (harmlessly) but re-encode every nested value again.
type rawObjectType struct {
	keys   []string
	values map[string]json.RawMessage
}

func rawObject(values map[string]json.RawMessage, keys []string) rawObjectType {
	return rawObjectType{keys: keys, values: values}
}

func (o rawObjectType) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, k := range o.keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, o.values[k]...)
	}
	buf = append(buf, '}')
	return buf, nil
}
