package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprint_Deterministic(t *testing.T) {
	a := Fingerprint("storage-account", map[string]any{"sku": "Standard_LRS", "location": "westeurope"})
	b := Fingerprint("storage-account", map[string]any{"location": "westeurope", "sku": "Standard_LRS"})
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestFingerprint_KindParticipates(t *testing.T) {
	inputs := map[string]any{"location": "westeurope"}
	assert.NotEqual(t,
		Fingerprint("storage-account", inputs),
		Fingerprint("key-vault", inputs))
}

func TestFingerprint_ValueChangesDetected(t *testing.T) {
	a := Fingerprint("test", map[string]any{"n": 1})
	b := Fingerprint("test", map[string]any{"n": 2})
	assert.NotEqual(t, a, b)
}

func TestFingerprint_NestedStructures(t *testing.T) {
	a := Fingerprint("test", map[string]any{
		"tags": map[string]any{"env": "dev", "team": "core"},
		"list": []any{1, "two"},
	})
	b := Fingerprint("test", map[string]any{
		"list": []any{1, "two"},
		"tags": map[string]any{"team": "core", "env": "dev"},
	})
	assert.Equal(t, a, b)

	c := Fingerprint("test", map[string]any{
		"tags": map[string]any{"env": "prod", "team": "core"},
		"list": []any{1, "two"},
	})
	assert.NotEqual(t, a, c)
}

func TestFingerprint_EmptyAndNil(t *testing.T) {
	assert.Equal(t,
		Fingerprint("test", nil),
		Fingerprint("test", map[string]any{}))
}

func TestNamingToken(t *testing.T) {
	tok := NamingToken("dev", "storage-account", "records")
	assert.Len(t, tok, 13)
	assert.Equal(t, tok, NamingToken("dev", "storage-account", "records"))
	assert.NotEqual(t, tok, NamingToken("dev", "storage-account", "other"))
	// field boundaries matter
	assert.NotEqual(t, NamingToken("ab", "c"), NamingToken("a", "bc"))
}
