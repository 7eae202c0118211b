package secrets

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "secrets.db")
	v, err := NewVault(dbPath, "12345678901234567890123456789012")
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })
	return v
}

func TestVaultHexKey(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "secrets_hex.db")
	// 64 hex chars decode to 32 bytes; recommended: openssl rand -hex 32
	v, err := NewVault(dbPath, "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	defer v.Close()

	ctx := context.Background()
	require.NoError(t, v.Set(ctx, "openai_api_key", []byte("sk-test"), ACL{}))
	secret, err := v.Get(ctx, "openai_api_key", "acme", "lead-scorer")
	require.NoError(t, err)
	assert.Equal(t, []byte("sk-test"), secret.Value)
}

func TestVaultInvalidKeyLength(t *testing.T) {
	_, err := NewVault(filepath.Join(t.TempDir(), "bad.db"), "too-short")
	assert.ErrorIs(t, err, ErrInvalidEncryptionKey)
}

func TestVault(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	t.Run("set and get", func(t *testing.T) {
		acl := ACL{Agents: []string{"lead-scorer"}, Tenants: []string{"acme"}}
		require.NoError(t, v.Set(ctx, "stability_api_key", []byte("sk-stab-1"), acl))

		secret, err := v.Get(ctx, "stability_api_key", "acme", "lead-scorer")
		require.NoError(t, err)
		assert.Equal(t, []byte("sk-stab-1"), secret.Value)
		assert.Equal(t, 1, secret.AccessCount)
	})

	t.Run("upsert replaces value", func(t *testing.T) {
		require.NoError(t, v.Set(ctx, "rotating", []byte("v1"), ACL{}))
		require.NoError(t, v.Set(ctx, "rotating", []byte("v2"), ACL{}))

		secret, err := v.Get(ctx, "rotating", "t", "a")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), secret.Value)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := v.Get(ctx, "missing", "acme", "lead-scorer")
		assert.ErrorIs(t, err, ErrSecretNotFound)
	})

	t.Run("acl denies wrong agent", func(t *testing.T) {
		acl := ACL{Agents: []string{"media-producer"}}
		require.NoError(t, v.Set(ctx, "replicate_api_key", []byte("r8-x"), acl))

		_, err := v.Get(ctx, "replicate_api_key", "acme", "pricing-strategist")
		assert.ErrorIs(t, err, ErrSecretAccessDenied)

		secret, err := v.Get(ctx, "replicate_api_key", "acme", "media-producer")
		require.NoError(t, err)
		assert.Equal(t, []byte("r8-x"), secret.Value)
	})

	t.Run("acl denies wrong tenant", func(t *testing.T) {
		acl := ACL{Tenants: []string{"acme"}}
		require.NoError(t, v.Set(ctx, "tenant-scoped", []byte("x"), acl))

		_, err := v.Get(ctx, "tenant-scoped", "globex", "lead-scorer")
		assert.ErrorIs(t, err, ErrSecretAccessDenied)
	})

	t.Run("forbidden agent wins over wildcard", func(t *testing.T) {
		acl := ACL{Agents: []string{"*"}, ForbiddenAgents: []string{"untrusted-*"}}
		require.NoError(t, v.Set(ctx, "guarded", []byte("g"), acl))

		_, err := v.Get(ctx, "guarded", "acme", "untrusted-bot")
		assert.ErrorIs(t, err, ErrSecretAccessDenied)

		_, err = v.Get(ctx, "guarded", "acme", "lead-scorer")
		require.NoError(t, err)
	})

	t.Run("has", func(t *testing.T) {
		require.NoError(t, v.Set(ctx, "present", []byte("p"), ACL{}))
		assert.True(t, v.Has(ctx, "present"))
		assert.False(t, v.Has(ctx, "absent"))
	})
}

func TestVaultRotate(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	acl := ACL{Agents: []string{"media-producer"}}
	require.NoError(t, v.Set(ctx, "openai_api_key", []byte("sk-1"), acl))
	require.NoError(t, v.Rotate(ctx, "openai_api_key"))

	secret, err := v.Get(ctx, "openai_api_key", "acme", "media-producer")
	require.NoError(t, err)
	assert.Equal(t, []byte("sk-1"), secret.Value, "rotation keeps the plaintext")
	assert.Equal(t, []string{"media-producer"}, secret.ACL.Agents, "rotation keeps the ACL")

	assert.ErrorIs(t, v.Rotate(ctx, "missing"), ErrSecretNotFound)
}

func TestVaultList(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Set(ctx, "b-key", []byte("b"), ACL{}))
	require.NoError(t, v.Set(ctx, "a-key", []byte("a"), ACL{Agents: []string{"lead-scorer"}}))

	secrets, err := v.List(ctx)
	require.NoError(t, err)
	require.Len(t, secrets, 2)
	assert.Equal(t, "a-key", secrets[0].Name)
	assert.Equal(t, "b-key", secrets[1].Name)
	for _, s := range secrets {
		assert.Nil(t, s.Value, "list never exposes values")
	}
}

func TestVaultAuditLog(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	acl := ACL{Agents: []string{"media-producer"}}
	require.NoError(t, v.Set(ctx, "audited", []byte("x"), acl))

	_, err := v.Get(ctx, "audited", "acme", "media-producer")
	require.NoError(t, err)
	_, err = v.Get(ctx, "audited", "acme", "pricing-strategist")
	assert.ErrorIs(t, err, ErrSecretAccessDenied)
	_, err = v.Get(ctx, "nonexistent", "acme", "media-producer")
	assert.ErrorIs(t, err, ErrSecretNotFound)

	records, err := v.AuditLog(ctx, "audited", 0)
	require.NoError(t, err)
	require.Len(t, records, 2)

	allowed, denied := 0, 0
	for _, r := range records {
		if r.Allowed {
			allowed++
		} else {
			denied++
			assert.Equal(t, "ACL denied", r.Reason)
		}
	}
	assert.Equal(t, 1, allowed)
	assert.Equal(t, 1, denied)

	all, err := v.AuditLog(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3, "missing-secret lookups are logged too")

	limited, err := v.AuditLog(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestACLCheckAccess(t *testing.T) {
	tests := []struct {
		name    string
		acl     ACL
		tenant  string
		agent   string
		allowed bool
	}{
		{"empty acl allows all", ACL{}, "any", "any", true},
		{"agent glob", ACL{Agents: []string{"sales-*"}}, "acme", "sales-analyst", true},
		{"agent glob miss", ACL{Agents: []string{"sales-*"}}, "acme", "media-producer", false},
		{"tenant exact", ACL{Tenants: []string{"acme"}}, "acme", "x", true},
		{"tenant exact miss", ACL{Tenants: []string{"acme"}}, "globex", "x", false},
		{"forbidden beats allow", ACL{Agents: []string{"*"}, ForbiddenAgents: []string{"evil"}}, "acme", "evil", false},
		{"star pattern", ACL{Agents: []string{"*"}}, "acme", "anything", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.acl.CheckAccess(tt.tenant, tt.agent))
		})
	}
}
