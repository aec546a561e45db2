package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tidwall/buntdb"
)

type BuntDBProvider struct {
	db   *buntdb.DB
	path string
	mu   sync.Mutex
	inTx bool
}

// NewBuntDBProvider creates a new BuntDB storage provider
// If path is empty, it creates an in-memory database
func NewBuntDBProvider(path string) *BuntDBProvider {
	return &BuntDBProvider{
		path: path,
	}
}

// Initialize opens the BuntDB database and creates one index per key prefix
func (b *BuntDBProvider) Initialize() error {
	path := b.path
	if path == "" {
		path = ":memory:"
	}

	db, err := buntdb.Open(path)
	if err != nil {
		return fmt.Errorf("opening buntdb: %w", err)
	}

	for _, prefix := range []string{KeyPrefixTopic, KeyPrefixMessage, KeyPrefixSubscription} {
		indexName := "idx_" + prefix
		err = db.CreateIndex(indexName, prefix+"*", buntdb.IndexString)
		if err != nil && !errors.Is(err, buntdb.ErrIndexExists) {
			db.Close()
			return fmt.Errorf("creating index %s: %w", indexName, err)
		}
	}

	b.db = db
	return nil
}

// Close closes the BuntDB database
func (b *BuntDBProvider) Close() error {
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

func (b *BuntDBProvider) Set(key string, value []byte) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(value), nil)
		return err
	})
}

func (b *BuntDBProvider) Get(key string) ([]byte, error) {
	var value string
	err := b.db.View(func(tx *buntdb.Tx) error {
		var err error
		value, err = tx.Get(key)
		return err
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(value), nil
}

// Delete removes a key; deleting a missing key is not an error
func (b *BuntDBProvider) Delete(key string) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(key)
		if errors.Is(err, buntdb.ErrNotFound) {
			return nil
		}
		return err
	})
}

func (b *BuntDBProvider) Exists(key string) (bool, error) {
	_, err := b.Get(key)
	if errors.Is(err, ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

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

func (b *BuntDBProvider) DeleteBatch(keys []string) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		for _, key := range keys {
			if _, err := tx.Delete(key); err != nil && !errors.Is(err, buntdb.ErrNotFound) {
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
		return tx.AscendKeys(prefix+"*", func(key, _ string) bool {
			keys = append(keys, key)
			return true
		})
	})
	return keys, err
}

// Scan iterates over all keys with the given prefix
func (b *BuntDBProvider) Scan(prefix string, fn func(key string, value []byte) error) error {
	var fnErr error
	err := b.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(key, value string) bool {
			fnErr = fn(key, []byte(value))
			return fnErr == nil
		})
	})
	if fnErr != nil {
		return fnErr
	}
	return err
}

// BeginTx starts a new transaction. Only one transaction may be open at a time.
func (b *BuntDBProvider) BeginTx() (StorageTransaction, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.inTx {
		return nil, ErrTxAlreadyOpen
	}
	b.inTx = true
	return &buntDBTransaction{provider: b}, nil
}

func (b *BuntDBProvider) endTx() {
	b.mu.Lock()
	b.inTx = false
	b.mu.Unlock()
}

type txOp struct {
	key    string
	value  []byte
	delete bool
}

// buntDBTransaction records operations in order and replays them in one
// buntdb update on Commit
type buntDBTransaction struct {
	provider *BuntDBProvider
	ops      []txOp
	done     bool
	mu       sync.Mutex
}

func (tx *buntDBTransaction) Set(key string, value []byte) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTxNotStarted
	}
	tx.ops = append(tx.ops, txOp{key: key, value: append([]byte(nil), value...)})
	return nil
}

func (tx *buntDBTransaction) Delete(key string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTxNotStarted
	}
	tx.ops = append(tx.ops, txOp{key: key, delete: true})
	return nil
}

func (tx *buntDBTransaction) Commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTxNotStarted
	}
	tx.done = true
	defer tx.provider.endTx()

	return tx.provider.db.Update(func(btx *buntdb.Tx) error {
		for _, op := range tx.ops {
			if op.delete {
				if _, err := btx.Delete(op.key); err != nil && !errors.Is(err, buntdb.ErrNotFound) {
					return err
				}
				continue
			}
			if _, _, err := btx.Set(op.key, string(op.value), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func (tx *buntDBTransaction) Rollback() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTxNotStarted
	}
	tx.done = true
	tx.ops = nil
	tx.provider.endTx()
	return nil
}
