package taskdeck

import (
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

func testCredentialStore(t *testing.T, store CredentialStore) {
	// missing key reads as empty
	value, err := store.Get(storeKeyAccessToken)
	assert.Equal(t, err, nil)
	assert.Equal(t, value, "")

	assert.Equal(t, store.Put(storeKeyAccessToken, "access-credential"), nil)
	assert.Equal(t, store.Put(storeKeyRefreshToken, "refresh-credential"), nil)

	value, err = store.Get(storeKeyAccessToken)
	assert.Equal(t, err, nil)
	assert.Equal(t, value, "access-credential")

	// put is an upsert
	assert.Equal(t, store.Put(storeKeyAccessToken, "rotated-credential"), nil)
	value, err = store.Get(storeKeyAccessToken)
	assert.Equal(t, err, nil)
	assert.Equal(t, value, "rotated-credential")

	assert.Equal(t, store.Remove(storeKeyAccessToken), nil)
	value, err = store.Get(storeKeyAccessToken)
	assert.Equal(t, err, nil)
	assert.Equal(t, value, "")

	// removing a missing key is not an error
	assert.Equal(t, store.Remove(storeKeyAccessToken), nil)

	value, err = store.Get(storeKeyRefreshToken)
	assert.Equal(t, err, nil)
	assert.Equal(t, value, "refresh-credential")
}

func TestMemoryCredentialStore(t *testing.T) {
	store := NewMemoryCredentialStore()
	defer store.Close()
	testCredentialStore(t, store)
}

func TestSqliteCredentialStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "taskdeck.db")

	store, err := NewSqliteCredentialStore(dbPath)
	assert.Equal(t, err, nil)
	testCredentialStore(t, store)

	assert.Equal(t, store.Put(storeKeyAccessToken, "access-credential"), nil)
	assert.Equal(t, store.Close(), nil)

	// values survive reopen
	store, err = NewSqliteCredentialStore(dbPath)
	assert.Equal(t, err, nil)
	defer store.Close()

	value, err := store.Get(storeKeyAccessToken)
	assert.Equal(t, err, nil)
	assert.Equal(t, value, "access-credential")
}
