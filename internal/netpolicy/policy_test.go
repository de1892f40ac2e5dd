package netpolicy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helloimcx/sandbox-mcp/internal/types"
)

func TestPolicyDecide(t *testing.T) {
	t.Run("disabled blocks everything", func(t *testing.T) {
		p := Policy{Enabled: false, AllowedDomains: []string{"example.com"}}
		assert.Equal(t, Block, p.Decide("example.com"))
		assert.Equal(t, Block, p.Decide("anything.else"))
	})

	t.Run("empty lists allow everything", func(t *testing.T) {
		p := Policy{Enabled: true}
		assert.Equal(t, Allow, p.Decide("example.com"))
		assert.Equal(t, Allow, p.Decide("sub.deep.example.org"))
	})

	t.Run("blocklist overrides allowlist", func(t *testing.T) {
		p := Policy{
			Enabled:        true,
			AllowedDomains: []string{"example.com"},
			BlockedDomains: []string{"example.com"},
		}
		assert.Equal(t, Block, p.Decide("example.com"))
		assert.Equal(t, Block, p.Decide("api.example.com"))
	})

	t.Run("non-empty allowlist blocks unlisted hosts", func(t *testing.T) {
		p := Policy{Enabled: true, AllowedDomains: []string{"google.com"}}
		assert.Equal(t, Allow, p.Decide("google.com"))
		assert.Equal(t, Allow, p.Decide("mail.google.com"))
		assert.Equal(t, Block, p.Decide("example.org"))
	})

	t.Run("matching respects label boundaries", func(t *testing.T) {
		p := Policy{Enabled: true, AllowedDomains: []string{"google.com"}}
		assert.Equal(t, Block, p.Decide("evilgoogle.com"))
		assert.Equal(t, Block, p.Decide("google.com.attacker.net"))
	})

	t.Run("dot-prefixed entry excludes the apex", func(t *testing.T) {
		p := Policy{Enabled: true, AllowedDomains: []string{".abc.com"}}
		assert.Equal(t, Allow, p.Decide("x.abc.com"))
		assert.Equal(t, Allow, p.Decide("deep.x.abc.com"))
		assert.Equal(t, Block, p.Decide("abc.com"))
	})

	t.Run("bare entry covers apex and subtree", func(t *testing.T) {
		p := Policy{Enabled: true, BlockedDomains: []string{"abc.com"}}
		assert.Equal(t, Block, p.Decide("abc.com"))
		assert.Equal(t, Block, p.Decide("x.abc.com"))
		assert.Equal(t, Allow, p.Decide("xabc.com"))
	})

	t.Run("host canonicalization", func(t *testing.T) {
		p := Policy{Enabled: true, AllowedDomains: []string{"Example.COM"}}
		assert.Equal(t, Allow, p.Decide("EXAMPLE.com"))
		assert.Equal(t, Allow, p.Decide("example.com."))
		assert.Equal(t, Block, p.Decide(""))
	})
}

func TestPolicyValidate(t *testing.T) {
	t.Run("accepts hostnames and dot-prefixed entries", func(t *testing.T) {
		p := Policy{
			AllowedDomains: []string{"example.com", ".internal.corp"},
			BlockedDomains: []string{"evil.example"},
		}
		require.NoError(t, p.Validate())
	})

	t.Run("rejects malformed entries", func(t *testing.T) {
		for _, entry := range []string{"", "  ", "http://example.com", "example.com/path", "has space.com"} {
			err := ValidateEntry(entry)
			require.Error(t, err, "entry %q", entry)
			assert.ErrorIs(t, err, types.ErrConfiguration)
		}
	})

	t.Run("validate surfaces the first bad entry", func(t *testing.T) {
		p := Policy{AllowedDomains: []string{"ok.com", "http://bad"}}
		assert.ErrorIs(t, p.Validate(), types.ErrConfiguration)
	})
}
