// Package naming derives stable identifiers from logical identity fields.
package naming

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Token derives a stable 13-character alphanumeric token from the given
// identity fields. Equal fields always yield the same token, so names and
// keys built from it are idempotency keys, not random suffixes.
func Token(fields ...string) string {
	h := sha256.Sum256([]byte(strings.Join(fields, "|")))
	out := make([]byte, 13)
	for i := range out {
		v := int(h[i*2])<<8 | int(h[i*2+1])
		out[i] = alphabet[v%len(alphabet)]
	}
	return string(out)
}

// GUID derives a stable UUID-shaped identifier from the given fields.
// Azure role assignment names must be GUIDs; deriving them from the grant
// identity makes repeated grants converge on one assignment.
func GUID(fields ...string) string {
	h := sha256.Sum256([]byte(strings.Join(fields, "|")))
	return fmt.Sprintf("%x-%x-%x-%x-%x", h[0:4], h[4:6], h[6:8], h[8:10], h[10:16])
}
