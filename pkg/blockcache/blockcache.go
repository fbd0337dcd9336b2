// Package blockcache stores fetched blocks locally so that re-indexing a range
// does not fetch it from the network again.
//
// Blocks are stored in BadgerDB as zstd-compressed JSON, keyed by fetch
// strategy and height. Full and light renditions of the same height are kept
// apart.
package blockcache

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"

	"github.com/Weypare/subql/internal/types"
)

// ErrClosed is returned when operating on a closed cache.
var ErrClosed = errors.New("block cache is closed")

// Key prefixes.
const (
	prefixFull  byte = 'f'
	prefixLight byte = 'l'
)

// Config contains configuration for the cache.
type Config struct {
	// Path is the directory path for the database.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// TTL expires entries after the given duration. Zero keeps them forever.
	TTL time.Duration

	// SyncWrites ensures writes are synced to disk.
	SyncWrites bool

	// NumCompactors is the number of compaction workers.
	NumCompactors int

	// ValueLogFileSize is the size of each value log file.
	ValueLogFileSize int64
}

// DefaultConfig returns default configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:             path,
		NumCompactors:    2,
		ValueLogFileSize: 64 << 20, // 64MB
	}
}

// Cache is a BadgerDB-backed block cache.
type Cache struct {
	db  *badger.DB
	ttl time.Duration

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	closed atomic.Bool
}

// Open opens or creates a cache.
func Open(cfg Config) (*Cache, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(nil)
	if cfg.NumCompactors > 0 {
		opts = opts.WithNumCompactors(cfg.NumCompactors)
	}
	if cfg.ValueLogFileSize > 0 {
		opts = opts.WithValueLogFileSize(cfg.ValueLogFileSize)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		db.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &Cache{
		db:      db,
		ttl:     cfg.TTL,
		encoder: encoder,
		decoder: decoder,
	}, nil
}

// key builds the storage key: prefix + big-endian height.
func key(height uint64, light bool) []byte {
	k := make([]byte, 9)
	k[0] = prefixFull
	if light {
		k[0] = prefixLight
	}
	binary.BigEndian.PutUint64(k[1:], height)
	return k
}

// Get returns the cached block at height, if present.
func (c *Cache) Get(height uint64, light bool) (*types.Block, bool, error) {
	if c.closed.Load() {
		return nil, false, ErrClosed
	}

	var compressed []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(height, light))
		if err != nil {
			return err
		}
		compressed, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read block %d: %w", height, err)
	}

	raw, err := c.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, false, fmt.Errorf("decompress block %d: %w", height, err)
	}
	var block types.Block
	if err := json.Unmarshal(raw, &block); err != nil {
		return nil, false, fmt.Errorf("decode block %d: %w", height, err)
	}
	return &block, true, nil
}

// Put stores blocks in one transaction.
func (c *Cache) Put(blocks ...*types.Block) error {
	if c.closed.Load() {
		return ErrClosed
	}

	wb := c.db.NewWriteBatch()
	defer wb.Cancel()

	for _, block := range blocks {
		raw, err := json.Marshal(block)
		if err != nil {
			return fmt.Errorf("encode block %d: %w", block.Number, err)
		}
		entry := badger.NewEntry(key(block.Number, block.Light), c.encoder.EncodeAll(raw, nil))
		if c.ttl > 0 {
			entry = entry.WithTTL(c.ttl)
		}
		if err := wb.SetEntry(entry); err != nil {
			return fmt.Errorf("write block %d: %w", block.Number, err)
		}
	}
	return wb.Flush()
}

// DeleteBelow removes every cached block below height.
func (c *Cache) DeleteBelow(height uint64) error {
	if c.closed.Load() {
		return ErrClosed
	}

	for _, prefix := range []byte{prefixFull, prefixLight} {
		var keys [][]byte
		err := c.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = []byte{prefix}
			it := txn.NewIterator(opts)
			defer it.Close()

			limit := key(height, prefix == prefixLight)
			for it.Rewind(); it.Valid(); it.Next() {
				k := it.Item().KeyCopy(nil)
				if string(k) >= string(limit) {
					break
				}
				keys = append(keys, k)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("scan cache: %w", err)
		}

		wb := c.db.NewWriteBatch()
		for _, k := range keys {
			if err := wb.Delete(k); err != nil {
				wb.Cancel()
				return fmt.Errorf("delete block: %w", err)
			}
		}
		if err := wb.Flush(); err != nil {
			return fmt.Errorf("delete blocks: %w", err)
		}
	}
	return nil
}

// Close closes the cache.
func (c *Cache) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.encoder.Close()
	c.decoder.Close()
	return c.db.Close()
}
