// Package headerindex maps block hashes to block numbers.
//
// Lookups go through an in-memory LRU, then an optional BoltDB file, and
// finally the chain itself. A hash always names the same height, so entries
// never need invalidation.
package headerindex

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/Weypare/subql/internal/types"
)

// DefaultCacheSize is the default number of hashes kept in memory.
const DefaultCacheSize = 16384

// ErrClosed is returned when operating on a closed index.
var ErrClosed = errors.New("header index is closed")

var bucketNumbers = []byte("numbers")

// Lookup resolves a hash against the chain.
type Lookup interface {
	BlockNumber(ctx context.Context, hash string) (uint64, error)
}

// Config configures an Index.
type Config struct {
	// CacheSize is the number of hashes kept in memory.
	CacheSize int

	// Path is the BoltDB file. Empty disables persistence.
	Path string

	// NoSync skips fsync on every write.
	NoSync bool
}

// WithDefaults applies default values for any unset fields.
func (c Config) WithDefaults() Config {
	if c.CacheSize <= 0 {
		c.CacheSize = DefaultCacheSize
	}
	return c
}

// Stats counts where lookups were answered.
type Stats struct {
	MemoryHits uint64
	DiskHits   uint64
	ChainHits  uint64
}

// Index resolves block hashes to numbers.
type Index struct {
	cache  *lru.Cache[string, uint64]
	db     *bolt.DB
	lookup Lookup
	logger *zap.Logger

	memoryHits atomic.Uint64
	diskHits   atomic.Uint64
	chainHits  atomic.Uint64

	closed atomic.Bool
}

// Open creates an index over lookup.
func Open(cfg Config, lookup Lookup, logger *zap.Logger) (*Index, error) {
	cfg = cfg.WithDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	cache, err := lru.New[string, uint64](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}

	idx := &Index{
		cache:  cache,
		lookup: lookup,
		logger: logger.With(zap.String("component", "headerindex")),
	}

	if cfg.Path != "" {
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
		if err := db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(bucketNumbers)
			return err
		}); err != nil {
			db.Close()
			return nil, fmt.Errorf("init buckets: %w", err)
		}
		idx.db = db
	}

	return idx, nil
}

// BlockNumber returns the height of the block with the given hash.
func (i *Index) BlockNumber(ctx context.Context, hash string) (uint64, error) {
	if i.closed.Load() {
		return 0, ErrClosed
	}
	hash = types.NormalizeHex(hash)

	if n, ok := i.cache.Get(hash); ok {
		i.memoryHits.Add(1)
		return n, nil
	}

	if n, ok := i.load(hash); ok {
		i.diskHits.Add(1)
		i.cache.Add(hash, n)
		return n, nil
	}

	if i.lookup == nil {
		return 0, fmt.Errorf("block %s not indexed", hash)
	}
	n, err := i.lookup.BlockNumber(ctx, hash)
	if err != nil {
		return 0, err
	}
	i.chainHits.Add(1)

	if err := i.Add(hash, n); err != nil {
		i.logger.Warn("persist block number", zap.String("hash", hash), zap.Error(err))
	}
	return n, nil
}

// Add records a known hash and number.
func (i *Index) Add(hash string, number uint64) error {
	if i.closed.Load() {
		return ErrClosed
	}
	hash = types.NormalizeHex(hash)
	i.cache.Add(hash, number)

	if i.db == nil {
		return nil
	}
	return i.db.Update(func(tx *bolt.Tx) error {
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], number)
		return tx.Bucket(bucketNumbers).Put([]byte(hash), v[:])
	})
}

// AddBlocks records the hash and number of each block.
func (i *Index) AddBlocks(blocks []*types.Block) error {
	for _, b := range blocks {
		if err := i.Add(b.Hash, b.Number); err != nil {
			return err
		}
	}
	return nil
}

func (i *Index) load(hash string) (uint64, bool) {
	if i.db == nil {
		return 0, false
	}

	var (
		n  uint64
		ok bool
	)
	i.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketNumbers).Get([]byte(hash))
		if len(v) == 8 {
			n, ok = binary.BigEndian.Uint64(v), true
		}
		return nil
	})
	return n, ok
}

// Stats returns lookup counters.
func (i *Index) Stats() Stats {
	return Stats{
		MemoryHits: i.memoryHits.Load(),
		DiskHits:   i.diskHits.Load(),
		ChainHits:  i.chainHits.Load(),
	}
}

// Close releases the database.
func (i *Index) Close() error {
	if i.closed.Swap(true) {
		return nil
	}
	if i.db != nil {
		return i.db.Close()
	}
	return nil
}
