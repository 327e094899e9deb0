package cache

import (
	"database/sql"
	"errors"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Provider is an interface for a store provider.
// It keeps any number of named stores, each mapping keys to []byte values,
// which represent serialized HTTP responses.
// Deleting a store removes all of its entries at once.
//
// Implementations must be thread-safe!
type Provider interface {
	// Stores returns the names of all existing stores.
	Stores() ([]string, error)
	// CreateStore creates the named store if it does not exist yet.
	CreateStore(store string) error
	// DeleteStore removes the named store and all of its entries.
	// It returns false if the store did not exist.
	DeleteStore(store string) (bool, error)
	// Get returns the bytes stored under the key, if they exist.
	// It also returns a boolean indicating whether retrieval was successful.
	Get(store, key string) ([]byte, bool, error)
	// Put stores the bytes under the given key, replacing any previous value.
	Put(store, key string, bytes []byte) error
	// Purge removes the entry for the given key.
	Purge(store, key string) error
	// Keys calls the given callback for each key in the store.
	Keys(store string, cb func(string)) error
	// Close releases the underlying resources.
	Close() error
}

var ErrStoreNotFound = errors.New("store not found")

type MemCache struct {
	mutex *sync.RWMutex
	db    map[string]map[string][]byte
}

func NewMemCache() MemCache {
	return MemCache{
		mutex: &sync.RWMutex{},
		db:    make(map[string]map[string][]byte),
	}
}

func (m MemCache) Stores() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.db))
	for name := range m.db {
		names = append(names, name)
	}
	return names, nil
}

func (m MemCache) CreateStore(store string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.db[store]; !ok {
		m.db[store] = make(map[string][]byte)
	}
	return nil
}

func (m MemCache) DeleteStore(store string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	_, ok := m.db[store]
	delete(m.db, store)
	return ok, nil
}

func (m MemCache) Get(store, key string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entries, ok := m.db[store]
	if !ok {
		return nil, false, nil
	}
	bytes, ok := entries[key]
	return bytes, ok, nil
}

func (m MemCache) Put(store, key string, bytes []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	entries, ok := m.db[store]
	if !ok {
		return ErrStoreNotFound
	}
	entries[key] = bytes
	return nil
}

func (m MemCache) Purge(store, key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if entries, ok := m.db[store]; ok {
		delete(entries, key)
	}
	return nil
}

func (m MemCache) Keys(store string, cb func(string)) error {
	m.mutex.RLock()
	keys := make([]string, 0, len(m.db[store]))
	for key := range m.db[store] {
		keys = append(keys, key)
	}
	m.mutex.RUnlock()
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (m MemCache) Close() error {
	return nil
}

type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteCache creates a new provider with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteCache(filename string) (SQLiteCache, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteCache{}, err
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS stores (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			store TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (store, key)
		)`,
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteCache{}, err
		}
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteCache) Stores() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM stores ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s SQLiteCache) CreateStore(store string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("INSERT OR IGNORE INTO stores (name, created_at) VALUES (?, ?)", store, time.Now().Unix())
	return err
}

func (s SQLiteCache) DeleteStore(store string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DELETE FROM entries WHERE store = ?", store); err != nil {
		return false, err
	}
	result, err := tx.Exec("DELETE FROM stores WHERE name = ?", store)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, tx.Commit()
}

func (s SQLiteCache) Get(store, key string) ([]byte, bool, error) {
	var bytes []byte
	err := s.db.QueryRow("SELECT bytes FROM entries WHERE store = ? AND key = ?", store, key).Scan(&bytes)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (s SQLiteCache) Put(store, key string, bytes []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	var exists int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM stores WHERE name = ?", store).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrStoreNotFound
	}
	_, err := s.db.Exec("INSERT OR REPLACE INTO entries (store, key, stored_at, bytes) VALUES (?, ?, ?, ?)",
		store, key, time.Now().Unix(), bytes)
	return err
}

func (s SQLiteCache) Purge(store, key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM entries WHERE store = ? AND key = ?", store, key)
	return err
}

func (s SQLiteCache) Keys(store string, cb func(string)) error {
	rows, err := s.db.Query("SELECT key FROM entries WHERE store = ? ORDER BY key", store)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return err
		}
		cb(key)
	}
	return rows.Err()
}

func (s SQLiteCache) Close() error {
	return s.db.Close()
}
