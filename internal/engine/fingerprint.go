package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tidemark-io/tidemark/internal/naming"
)

// Fingerprint hashes a node kind together with its resolved inputs. Equal
// desired state always yields an equal fingerprint, so planning is
// deterministic and re-applies of unchanged nodes are no-ops.
func Fingerprint(kind string, inputs map[string]any) string {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write(canonicalJSON(inputs))
	return hex.EncodeToString(h.Sum(nil))
}

// NamingToken derives a stable alphanumeric token from identity fields.
// Used for the role binder's composite grant key; providers use the same
// scheme for deterministic physical resource names.
func NamingToken(fields ...string) string {
	return naming.Token(fields...)
}

// canonicalJSON renders a value with sorted map keys so the hash does not
// depend on Go's map iteration order.
func canonicalJSON(v any) []byte {
	var b strings.Builder
	writeCanonical(&b, v)
	return []byte(b.String())
}

func writeCanonical(b *strings.Builder, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kj, _ := json.Marshal(k)
			b.Write(kj)
			b.WriteByte(':')
			writeCanonical(b, val[k])
		}
		b.WriteByte('}')
	case map[any]any:
		m := make(map[string]any, len(val))
		for k, item := range val {
			m[fmt.Sprintf("%v", k)] = item
		}
		writeCanonical(b, m)
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	default:
		j, err := json.Marshal(val)
		if err != nil {
			j, _ = json.Marshal(fmt.Sprintf("%v", val))
		}
		b.Write(j)
	}
}
