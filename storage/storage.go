// Package storage is the key/value persistence layer used by the in-process
// broker to keep topic logs and durable subscription state across restarts.
package storage

import "errors"

// Common errors
var (
	ErrKeyNotFound   = errors.New("key not found")
	ErrTxNotStarted  = errors.New("transaction not started")
	ErrTxAlreadyOpen = errors.New("transaction already open")
)

const (
	KeyPrefixTopic        = "topic:"        // topic:<name> -> topic record
	KeyPrefixMessage      = "message:"      // message:<topic>:<seq> -> message record
	KeyPrefixSubscription = "subscription:" // subscription:<topic>:<name> -> cursor record
	KeySeqCounter         = "system:msgseqno"
	KeyFormat             = "system:format" // record layout version written on first use
)

// StorageProvider is the low-level storage abstraction
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

	// Scanning/iteration in ascending key order. An error returned by fn
	// stops the scan and is returned from Scan.
	Keys(prefix string) ([]string, error)
	Scan(prefix string, fn func(key string, value []byte) error) error

	// Transaction support
	BeginTx() (StorageTransaction, error)
}

// StorageTransaction buffers writes and deletes until Commit applies them atomically
type StorageTransaction interface {
	Set(key string, value []byte) error
	Delete(key string) error

	Commit() error
	Rollback() error
}
