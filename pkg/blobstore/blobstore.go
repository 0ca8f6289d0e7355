// Package blobstore archives contract blobs in BadgerDB, keyed by the
// Keccak-256 blob hash (contract.Hash). Receipts use the same hash, so an
// archive key names the blob everywhere.
package blobstore

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/fortiblox/x86vm/internal/log"
	"github.com/fortiblox/x86vm/internal/types"
	"github.com/fortiblox/x86vm/pkg/contract"
)

var (
	// ErrBlobNotFound is returned when no blob exists for a key.
	ErrBlobNotFound = errors.New("blob not found")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("blob store closed")
)

// prefixBlob is the key prefix for blobs.
// Key format: prefixBlob + keccak256(blob) (32 bytes)
var prefixBlob = []byte{0x01}

// Config contains configuration for the blob store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in memory (for testing).
	InMemory bool

	// SyncWrites syncs every write to disk.
	SyncWrites bool

	// Logger defaults to the blobstore module logger.
	Logger *zap.Logger
}

// DefaultConfig returns the default configuration for path.
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

// Store is a content-addressed blob archive.
type Store struct {
	db     *badger.DB
	logger *zap.Logger
	closed atomic.Bool
}

// Open opens or creates the store.
func Open(cfg Config) (*Store, error) {
	logger := log.OrModule(cfg.Logger, log.ModuleBlobstore)

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(badgerLogger{logger.Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Key returns the archive key of blob.
func Key(blob []byte) types.Hash {
	return contract.Hash(blob)
}

func blobKey(key types.Hash) []byte {
	k := make([]byte, 1+types.HashSize)
	k[0] = prefixBlob[0]
	copy(k[1:], key[:])
	return k
}

// Put validates blob and stores it, returning its key. Blobs that would be
// rejected at parse time are never archived.
func (s *Store) Put(blob []byte) (types.Hash, error) {
	if s.closed.Load() {
		return types.Hash{}, ErrClosed
	}
	if _, err := contract.Parse(blob); err != nil {
		return types.Hash{}, fmt.Errorf("invalid blob: %w", err)
	}

	key := Key(blob)
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(blobKey(key), blob)
	})
	if err != nil {
		return types.Hash{}, err
	}
	s.logger.Debug("stored blob", zap.Stringer("key", key), zap.Int("size", len(blob)))
	return key, nil
}

// Get returns the blob stored under key.
func (s *Store) Get(key types.Hash) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var blob []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blobKey(key))
		if err == badger.ErrKeyNotFound {
			return ErrBlobNotFound
		}
		if err != nil {
			return err
		}
		blob, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return blob, nil
}

// Has reports whether key is stored.
func (s *Store) Has(key types.Hash) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}

	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(blobKey(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key types.Hash) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(blobKey(key))
	})
}

// Count returns the number of stored blobs.
func (s *Store) Count() (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixBlob
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Close closes the store.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return ErrClosed
	}
	return s.db.Close()
}

// badgerLogger routes badger's internal logging to zap.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}
