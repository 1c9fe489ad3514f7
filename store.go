package taskdeck

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// durable client-side key-value storage for the credential pair.
// values survive process restarts until explicit logout.

const storeKeyAccessToken = "access_token"
const storeKeyRefreshToken = "refresh_token"

type CredentialStore interface {
	Get(key string) (string, error)
	Put(key string, value string) error
	Remove(key string) error
	Close() error
}

type SqliteCredentialStore struct {
	db *sql.DB
}

func NewSqliteCredentialStore(dbPath string) (*SqliteCredentialStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}

	store := &SqliteCredentialStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate credential store: %w", err)
	}

	return store, nil
}

func (self *SqliteCredentialStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS credentials (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`
	_, err := self.db.Exec(schema)
	return err
}

func (self *SqliteCredentialStore) Get(key string) (string, error) {
	var value string
	err := self.db.QueryRow(
		`SELECT value FROM credentials WHERE key = ?`,
		key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func (self *SqliteCredentialStore) Put(key string, value string) error {
	_, err := self.db.Exec(
		`INSERT INTO credentials (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key,
		value,
	)
	return err
}

func (self *SqliteCredentialStore) Remove(key string) error {
	_, err := self.db.Exec(
		`DELETE FROM credentials WHERE key = ?`,
		key,
	)
	return err
}

func (self *SqliteCredentialStore) Close() error {
	return self.db.Close()
}

// in-memory store for tests and ephemeral sessions
type MemoryCredentialStore struct {
	mutex  sync.Mutex
	values map[string]string
}

func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{
		values: map[string]string{},
	}
}

func (self *MemoryCredentialStore) Get(key string) (string, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.values[key], nil
}

func (self *MemoryCredentialStore) Put(key string, value string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.values[key] = value
	return nil
}

func (self *MemoryCredentialStore) Remove(key string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.values, key)
	return nil
}

func (self *MemoryCredentialStore) Close() error {
	return nil
}
