// Package receipts journals execution outcomes so that re-executions can be
// checked for determinism.
//
// A receipt is an audit record, not contract state: nothing here is ever fed
// back into an execution.
package receipts

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/fortiblox/x86vm/internal/log"
	"github.com/fortiblox/x86vm/internal/types"
	"github.com/fortiblox/x86vm/pkg/contract"
	"github.com/fortiblox/x86vm/pkg/x86vm"
)

var (
	// ErrReceiptNotFound is returned when no receipt exists for a key.
	ErrReceiptNotFound = errors.New("receipt not found")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("receipt store closed")
)

// bucketReceipts holds gob-encoded receipts keyed by blob hash + block number.
var bucketReceipts = []byte("receipts")

const keySize = types.HashSize + 8

// Receipt records the outcome of one execution.
type Receipt struct {
	BlobHash     types.Hash
	BlockNumber  uint32
	BlockTime    uint32
	GasLimit     uint64
	Status       x86vm.Status
	UsedGas      uint64
	MemoryDigest types.Hash
	Fault        string
	RecordedAt   time.Time
}

// NewReceipt builds a receipt for res, produced by executing blob under env.
func NewReceipt(blob []byte, env x86vm.Environment, gasLimit uint64, res *x86vm.Result) *Receipt {
	r := &Receipt{
		BlobHash:     contract.Hash(blob),
		BlockNumber:  env.BlockNumber,
		BlockTime:    env.BlockTime,
		GasLimit:     gasLimit,
		Status:       res.Status,
		UsedGas:      res.UsedGas,
		MemoryDigest: res.MemoryDigest,
		RecordedAt:   time.Now().UTC(),
	}
	if cause := res.Cause(); cause != nil {
		r.Fault = cause.Error()
	}
	return r
}

// Matches reports whether res agrees with the recorded outcome.
func (r *Receipt) Matches(res *x86vm.Result) bool {
	return r.Status == res.Status &&
		r.UsedGas == res.UsedGas &&
		r.MemoryDigest == res.MemoryDigest
}

// SameInputs reports whether the receipt was recorded with the given gas limit
// and environment. Outcomes recorded under other inputs are not comparable.
func (r *Receipt) SameInputs(gasLimit uint64, env x86vm.Environment) bool {
	return r.GasLimit == gasLimit &&
		r.BlockNumber == env.BlockNumber &&
		r.BlockTime == env.BlockTime
}

// Config holds receipt store options.
type Config struct {
	// Path is the database file.
	Path string

	// NoSync disables fsync after each write.
	NoSync bool

	// Logger defaults to the receipts module logger.
	Logger *zap.Logger
}

// DefaultConfig returns the default configuration for path.
func DefaultConfig(path string) Config {
	return Config{Path: path}
}

// Store is a bbolt-backed receipt journal.
type Store struct {
	db     *bolt.DB
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// Open opens or creates the store at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := bolt.Open(cfg.Path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
		NoSync:  cfg.NoSync,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketReceipts)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}

	s := &Store{
		db:     db,
		logger: log.OrModule(cfg.Logger, log.ModuleReceipts),
	}
	s.logger.Debug("opened receipt store", zap.String("path", cfg.Path))
	return s, nil
}

func receiptKey(blobHash types.Hash, block uint32) []byte {
	key := make([]byte, keySize)
	copy(key, blobHash[:])
	binary.BigEndian.PutUint64(key[types.HashSize:], uint64(block))
	return key
}

func decode(data []byte) (*Receipt, error) {
	var r Receipt
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&r); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	return &r, nil
}

// Put stores r, replacing any receipt for the same blob and block.
func (s *Store) Put(r *Receipt) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReceipts).Put(receiptKey(r.BlobHash, r.BlockNumber), buf.Bytes())
	})
	if err != nil {
		return err
	}
	s.logger.Debug("stored receipt",
		zap.Stringer("blob", r.BlobHash),
		zap.Uint32("block", r.BlockNumber),
		zap.Stringer("status", r.Status),
		zap.Uint64("gas", r.UsedGas))
	return nil
}

// Get returns the receipt for blobHash at block.
func (s *Store) Get(blobHash types.Hash, block uint32) (*Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var r *Receipt
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketReceipts).Get(receiptKey(blobHash, block))
		if data == nil {
			return ErrReceiptNotFound
		}
		var err error
		r, err = decode(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// List returns every receipt for blobHash in block order.
func (s *Store) List(blobHash types.Hash) ([]*Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var out []*Receipt
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketReceipts).Cursor()
		prefix := blobHash[:]
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			r, err := decode(v)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Count returns the number of stored receipts.
func (s *Store) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}

	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketReceipts).Stats().KeyN
		return nil
	})
	return n, err
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	return s.db.Close()
}
