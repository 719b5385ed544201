package naming

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToken(t *testing.T) {
	tok := Token("dev", "records")
	assert.Len(t, tok, 13)
	assert.Regexp(t, regexp.MustCompile(`^[a-z0-9]+$`), tok)
	assert.Equal(t, tok, Token("dev", "records"))
	assert.NotEqual(t, tok, Token("prod", "records"))
}

func TestGUID(t *testing.T) {
	guid := GUID("dev", "subject", "role", "scope")
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`), guid)
	assert.Equal(t, guid, GUID("dev", "subject", "role", "scope"))
	assert.NotEqual(t, guid, GUID("dev", "subject", "role", "other-scope"))
}
