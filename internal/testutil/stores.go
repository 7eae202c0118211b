package testutil

import (
	"path/filepath"
	"testing"

	"github.com/orbist/conductor/internal/insight"
	"github.com/orbist/conductor/internal/ledger"
)

// TestEncryptionKey is 32 bytes of key material for vault tests only.
const TestEncryptionKey = "12345678901234567890123456789012"

// NewTestLedger creates a ledger store in a temp dir and registers t.Cleanup
// to close it.
func NewTestLedger(t *testing.T) *ledger.Store {
	t.Helper()
	store, err := ledger.NewStore(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// NewTestInsights creates an insight store in a temp dir and registers
// t.Cleanup to close it.
func NewTestInsights(t *testing.T) *insight.Store {
	t.Helper()
	store, err := insight.NewStore(filepath.Join(t.TempDir(), "insight.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}
