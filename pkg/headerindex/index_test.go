package headerindex

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Weypare/subql/internal/types"
)

type countingLookup struct {
	numbers map[string]uint64
	calls   atomic.Int32
}

func (l *countingLookup) BlockNumber(_ context.Context, hash string) (uint64, error) {
	l.calls.Add(1)
	n, ok := l.numbers[hash]
	if !ok {
		return 0, errors.New("block not found")
	}
	return n, nil
}

func TestLookupIsCached(t *testing.T) {
	lookup := &countingLookup{numbers: map[string]uint64{"0xaa": 7}}
	idx, err := Open(Config{}, lookup, nil)
	require.NoError(t, err)
	defer idx.Close()

	for i := 0; i < 3; i++ {
		n, err := idx.BlockNumber(context.Background(), "0xAA")
		require.NoError(t, err)
		assert.Equal(t, uint64(7), n)
	}
	assert.Equal(t, int32(1), lookup.calls.Load())
	assert.Equal(t, Stats{MemoryHits: 2, ChainHits: 1}, idx.Stats())
}

func TestLookupError(t *testing.T) {
	idx, err := Open(Config{}, &countingLookup{}, nil)
	require.NoError(t, err)
	defer idx.Close()

	_, err = idx.BlockNumber(context.Background(), "0xbb")
	assert.ErrorContains(t, err, "block not found")
}

func TestAddBlocks(t *testing.T) {
	lookup := &countingLookup{}
	idx, err := Open(Config{}, lookup, nil)
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.AddBlocks([]*types.Block{{Number: 1, Hash: "0x01"}, {Number: 2, Hash: "0x02"}}))

	n, err := idx.BlockNumber(context.Background(), "0x02")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)
	assert.Equal(t, int32(0), lookup.calls.Load())
}

func TestPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index", "headers.db")

	idx, err := Open(Config{Path: path}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, idx.Add("0xcc", 42))
	require.NoError(t, idx.Close())

	// A fresh index with an empty LRU reads from disk.
	idx, err = Open(Config{Path: path, CacheSize: 4}, nil, nil)
	require.NoError(t, err)
	defer idx.Close()

	n, err := idx.BlockNumber(context.Background(), "0xcc")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), n)
	assert.Equal(t, uint64(1), idx.Stats().DiskHits)

	_, err = idx.BlockNumber(context.Background(), "0xdd")
	assert.Error(t, err)
}

func TestClosed(t *testing.T) {
	idx, err := Open(Config{}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	_, err = idx.BlockNumber(context.Background(), "0x01")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, idx.Add("0x01", 1), ErrClosed)
}
