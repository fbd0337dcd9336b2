// Package hasher resolves named hash functions in chain-type configuration.
//
// Chain-type configuration names its hashers by string. Those names are
// looked up once, at startup, in a compiled-in Registry; an unknown name is a
// configuration error and fails fast.
package hasher

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// Func hashes its input.
type Func func([]byte) []byte

// Registry maps hasher names to implementations.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds or replaces a named hasher.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Lookup returns the hasher registered under name.
func (r *Registry) Lookup(name string) (Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.funcs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHasher, name)
	}
	return fn, nil
}

// Names returns the registered hasher names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// DefaultRegistry returns the registry of built-in hashers.
func DefaultRegistry() *Registry {
	defaultOnce.Do(func() {
		r := NewRegistry()

		r.Register("identity", Identity)
		r.Register("blake2_128", Blake2_128)
		r.Register("blake2_256", Blake2_256)
		r.Register("blake2_512", Blake2_512)
		r.Register("blake2_128_concat", Blake2_128Concat)
		r.Register("keccak_256", Keccak256)
		r.Register("keccak_512", Keccak512)
		r.Register("sha256", Sha256)
		r.Register("blake3_256", Blake3_256)

		r.Register("xxhash64", Twox64)
		r.Register("xxhash128", Twox128)
		r.Register("xxhash256", Twox256)
		r.Register("twox64", Twox64)
		r.Register("twox128", Twox128)
		r.Register("twox256", Twox256)
		r.Register("twox64_concat", Twox64Concat)

		defaultRegistry = r
	})
	return defaultRegistry
}

// Identity returns a copy of its input.
func Identity(data []byte) []byte {
	out := make([]byte, len(data))
	copy(out, data)
	return out
}

// Blake2_128 returns the 16-byte BLAKE2b digest.
func Blake2_128(data []byte) []byte {
	h, _ := blake2b.New(16, nil)
	h.Write(data)
	return h.Sum(nil)
}

// Blake2_256 returns the 32-byte BLAKE2b digest.
func Blake2_256(data []byte) []byte {
	sum := blake2b.Sum256(data)
	return sum[:]
}

// Blake2_512 returns the 64-byte BLAKE2b digest.
func Blake2_512(data []byte) []byte {
	sum := blake2b.Sum512(data)
	return sum[:]
}

// Blake2_128Concat returns Blake2_128(data) followed by data.
func Blake2_128Concat(data []byte) []byte {
	return append(Blake2_128(data), data...)
}

// Keccak256 returns the legacy Keccak-256 digest.
func Keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}

// Keccak512 returns the legacy Keccak-512 digest.
func Keccak512(data []byte) []byte {
	h := sha3.NewLegacyKeccak512()
	h.Write(data)
	return h.Sum(nil)
}

// Sha256 returns the SHA-256 digest.
func Sha256(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// Blake3_256 returns the 32-byte BLAKE3 digest.
func Blake3_256(data []byte) []byte {
	sum := blake3.Sum256(data)
	return sum[:]
}

// twox concatenates little-endian xxhash64 digests seeded 0..rounds-1.
func twox(data []byte, rounds int) []byte {
	out := make([]byte, 0, rounds*8)
	for seed := 0; seed < rounds; seed++ {
		d := xxhash.NewWithSeed(uint64(seed))
		d.Write(data)
		out = binary.LittleEndian.AppendUint64(out, d.Sum64())
	}
	return out
}

// Twox64 returns the 8-byte xxhash digest.
func Twox64(data []byte) []byte { return twox(data, 1) }

// Twox128 returns the 16-byte xxhash digest.
func Twox128(data []byte) []byte { return twox(data, 2) }

// Twox256 returns the 32-byte xxhash digest.
func Twox256(data []byte) []byte { return twox(data, 4) }

// Twox64Concat returns Twox64(data) followed by data.
func Twox64Concat(data []byte) []byte {
	return append(Twox64(data), data...)
}
