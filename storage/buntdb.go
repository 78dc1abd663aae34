package storage

import (
	"fmt"

	"github.com/tidwall/buntdb"
)

type BuntDBProvider struct {
	db   *buntdb.DB
	path string
}

// NewBuntDBProvider creates a new BuntDB storage provider.
// If path is empty or ":memory:", it creates an in-memory database.
func NewBuntDBProvider(path string) *BuntDBProvider {
	return &BuntDBProvider{
		path: path,
	}
}

// Initialize opens the BuntDB database
func (b *BuntDBProvider) Initialize() error {
	path := b.path
	if path == "" {
		path = ":memory:"
	}

	var err error
	b.db, err = buntdb.Open(path)
	if err != nil {
		return fmt.Errorf("opening buntdb: %w", err)
	}

	// Indices make the prefix scans behind Keys() and Scan() cheap
	for _, prefix := range []string{KeyPrefixExchange, KeyPrefixQueue, KeyPrefixBinding} {
		indexName := "idx_" + prefix
		err = b.db.CreateIndex(indexName, prefix+"*", buntdb.IndexString)
		if err != nil && err != buntdb.ErrIndexExists {
			b.db.Close()
			return fmt.Errorf("creating index %s: %w", indexName, err)
		}
	}

	return nil
}

// Close closes the BuntDB database
func (b *BuntDBProvider) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

// Set stores a key-value pair
func (b *BuntDBProvider) Set(key string, value []byte) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(value), nil)
		return err
	})
}

// Get retrieves a value by key
func (b *BuntDBProvider) Get(key string) ([]byte, error) {
	var value string
	err := b.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(key)
		if err != nil {
			return err
		}
		value = val
		return nil
	})

	if err == buntdb.ErrNotFound {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}

	return []byte(value), nil
}

// Delete removes a key. Deleting a non-existent key is not an error.
func (b *BuntDBProvider) Delete(key string) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(key)
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
}

// Exists checks if a key exists
func (b *BuntDBProvider) Exists(key string) (bool, error) {
	exists := false
	err := b.db.View(func(tx *buntdb.Tx) error {
		_, err := tx.Get(key)
		if err == nil {
			exists = true
			return nil
		}
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})

	return exists, err
}

// SetBatch stores multiple key-value pairs atomically
func (b *BuntDBProvider) SetBatch(items map[string][]byte) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		for key, value := range items {
			if _, _, err := tx.Set(key, string(value), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteBatch removes multiple keys atomically
func (b *BuntDBProvider) DeleteBatch(keys []string) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		for _, key := range keys {
			if _, err := tx.Delete(key); err != nil && err != buntdb.ErrNotFound {
				return err
			}
		}
		return nil
	})
}

// Keys returns all keys with the given prefix
func (b *BuntDBProvider) Keys(prefix string) ([]string, error) {
	var keys []string

	err := b.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(key, value string) bool {
			keys = append(keys, key)
			return true // continue iteration
		})
	})

	return keys, err
}

// Scan iterates over all keys with the given prefix
func (b *BuntDBProvider) Scan(prefix string, fn func(key string, value []byte) error) error {
	var fnErr error
	err := b.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(key, value string) bool {
			if err := fn(key, []byte(value)); err != nil {
				// BuntDB iteration cannot carry an error; capture and stop
				fnErr = err
				return false
			}
			return true
		})
	})
	if fnErr != nil {
		return fnErr
	}
	return err
}
