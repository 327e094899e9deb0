package cache

import (
	"bytes"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	storePrefix = "s:"
	entryPrefix = "e:"
	// separates the store name from the entry key
	entrySeparator = "\x00"
)

// LevelDBCache keeps stores in a LevelDB database on disk.
// Store names are registered under "s:<store>", entries under "e:<store>\x00<key>".
type LevelDBCache struct {
	db         *leveldb.DB
	writeMutex *sync.Mutex
}

func NewLevelDBCache(path string) (LevelDBCache, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return LevelDBCache{}, err
	}
	return LevelDBCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func storeKey(store string) []byte {
	return []byte(storePrefix + store)
}

func entryKey(store, key string) []byte {
	return []byte(entryPrefix + store + entrySeparator + key)
}

func entriesPrefix(store string) []byte {
	return []byte(entryPrefix + store + entrySeparator)
}

func (l LevelDBCache) Stores() ([]string, error) {
	it := l.db.NewIterator(util.BytesPrefix([]byte(storePrefix)), nil)
	defer it.Release()
	names := make([]string, 0)
	for it.Next() {
		names = append(names, string(bytes.TrimPrefix(it.Key(), []byte(storePrefix))))
	}
	return names, it.Error()
}

func (l LevelDBCache) CreateStore(store string) error {
	l.writeMutex.Lock()
	defer l.writeMutex.Unlock()
	if ok, err := l.db.Has(storeKey(store), nil); err != nil || ok {
		return err
	}
	return l.db.Put(storeKey(store), []byte{}, nil)
}

func (l LevelDBCache) DeleteStore(store string) (bool, error) {
	l.writeMutex.Lock()
	defer l.writeMutex.Unlock()
	existed, err := l.db.Has(storeKey(store), nil)
	if err != nil {
		return false, err
	}
	batch := new(leveldb.Batch)
	it := l.db.NewIterator(util.BytesPrefix(entriesPrefix(store)), nil)
	for it.Next() {
		// iterator keys are only valid until the next call
		batch.Delete(append([]byte{}, it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	batch.Delete(storeKey(store))
	return existed, l.db.Write(batch, nil)
}

func (l LevelDBCache) Get(store, key string) ([]byte, bool, error) {
	b, err := l.db.Get(entryKey(store, key), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (l LevelDBCache) Put(store, key string, bytes []byte) error {
	l.writeMutex.Lock()
	defer l.writeMutex.Unlock()
	ok, err := l.db.Has(storeKey(store), nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrStoreNotFound
	}
	return l.db.Put(entryKey(store, key), bytes, nil)
}

func (l LevelDBCache) Purge(store, key string) error {
	l.writeMutex.Lock()
	defer l.writeMutex.Unlock()
	return l.db.Delete(entryKey(store, key), nil)
}

func (l LevelDBCache) Keys(store string, cb func(string)) error {
	prefix := entriesPrefix(store)
	it := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	keys := make([]string, 0)
	for it.Next() {
		keys = append(keys, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (l LevelDBCache) Close() error {
	return l.db.Close()
}
