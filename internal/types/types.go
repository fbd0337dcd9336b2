// Package types defines the chain values shared by the indexer access layer.
//
// Block hashes and chain identities are carried as 0x-prefixed hex strings,
// the form the node's JSON-RPC surface uses on the wire.
package types

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// HashSize is the size of a block hash in bytes.
const HashSize = 32

var (
	// ErrInvalidHash is returned when a hash is not 32 bytes of hex.
	ErrInvalidHash = errors.New("invalid hash: must be 32 bytes of hex")

	// ErrInvalidNumber is returned when a block number cannot be parsed.
	ErrInvalidNumber = errors.New("invalid block number")
)

// NormalizeHex lowercases a hex string and ensures a 0x prefix.
func NormalizeHex(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}
	return s
}

// ValidateHash checks that s is a 32-byte hex hash.
func ValidateHash(s string) error {
	raw := strings.TrimPrefix(NormalizeHex(s), "0x")
	if len(raw) != HashSize*2 {
		return ErrInvalidHash
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return ErrInvalidHash
	}
	return nil
}

// DecodeHex decodes a 0x-prefixed (or bare) hex string.
func DecodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(NormalizeHex(s), "0x"))
}

// EncodeHex encodes bytes as a 0x-prefixed hex string.
func EncodeHex(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// ParseNumber parses a block number given as a decimal or 0x-hex string.
func ParseNumber(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidNumber
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		n, err := strconv.ParseUint(s[2:], 16, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidNumber, s)
		}
		return n, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidNumber, s)
	}
	return n, nil
}

// RuntimeVersion describes the runtime a block was executed with.
type RuntimeVersion struct {
	SpecName           string `json:"specName"`
	ImplName           string `json:"implName"`
	SpecVersion        uint32 `json:"specVersion"`
	ImplVersion        uint32 `json:"implVersion"`
	TransactionVersion uint32 `json:"transactionVersion"`
}

// Snapshot identifies one historical point of the chain.
//
// A Snapshot is a value: it is copied into every guarded call built from it
// and never mutated afterwards, so it can be shared across goroutines.
type Snapshot struct {
	Hash    string
	Number  uint64
	Runtime RuntimeVersion
}

// NewSnapshot creates a snapshot for the given block.
func NewSnapshot(hash string, number uint64, runtime RuntimeVersion) Snapshot {
	return Snapshot{
		Hash:    NormalizeHex(hash),
		Number:  number,
		Runtime: runtime,
	}
}

// String returns a short description of the snapshot.
func (s Snapshot) String() string {
	return fmt.Sprintf("#%d (%s)", s.Number, s.Hash)
}

// Header is a block header.
type Header struct {
	ParentHash     string `json:"parentHash"`
	Number         uint64 `json:"number"`
	StateRoot      string `json:"stateRoot"`
	ExtrinsicsRoot string `json:"extrinsicsRoot"`
	Digest         Digest `json:"digest"`
}

// Digest holds the header digest log items, left encoded.
type Digest struct {
	Logs []string `json:"logs"`
}

// Block is the content fetched for one height.
//
// Extrinsics and Events are kept in their encoded form; decoding them is the
// consumer's concern. Light blocks carry no extrinsics.
type Block struct {
	Number      uint64   `json:"number"`
	Hash        string   `json:"hash"`
	Header      Header   `json:"header"`
	Extrinsics  []string `json:"extrinsics,omitempty"`
	Events      string   `json:"events"`
	SpecVersion uint32   `json:"specVersion"`
	Light       bool     `json:"light"`
}

// Snapshot returns the snapshot for this block with the given runtime.
func (b *Block) Snapshot(runtime RuntimeVersion) Snapshot {
	return NewSnapshot(b.Hash, b.Number, runtime)
}
