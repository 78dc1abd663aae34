package storage

import "errors"

// Common errors
var (
	ErrKeyNotFound = errors.New("key not found")
)

const (
	KeyPrefixExchange = "exchange:"
	KeyPrefixQueue    = "queue:"
	KeyPrefixBinding  = "binding:"
)

// StorageProvider is the low-level storage abstraction the broker uses to
// keep durable topology. Different backends (BuntDB, BoltDB, Redis, ...)
// implement it.
type StorageProvider interface {
	// Initialize prepares the storage backend
	Initialize() error

	// Close cleanly shuts down the storage backend
	Close() error

	// Basic operations
	Set(key string, value []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error
	Exists(key string) (bool, error)

	// Batch operations
	SetBatch(items map[string][]byte) error
	DeleteBatch(keys []string) error

	// Scanning/iteration
	Keys(prefix string) ([]string, error)
	Scan(prefix string, fn func(key string, value []byte) error) error
}
