package rpcclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Weypare/subql/internal/types"
	"github.com/Weypare/subql/pkg/hasher"
)

// EventsKey is the storage key of the System.Events entry.
var EventsKey = types.EncodeHex(append(hasher.Twox128([]byte("System")), hasher.Twox128([]byte("Events"))...))

// Chain issues typed chain queries through a Caller.
type Chain struct {
	caller Caller
}

// NewChain creates a Chain on top of caller.
func NewChain(caller Caller) *Chain {
	return &Chain{caller: caller}
}

func (c *Chain) call(ctx context.Context, method string, params []any, result any) error {
	raw, err := c.caller.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("unmarshal %s result: %w", method, err)
	}
	return nil
}

// Genesis returns the hash of block zero, used as the chain identity.
func (c *Chain) Genesis(ctx context.Context) (string, error) {
	return c.BlockHash(ctx, 0)
}

// BlockHash returns the hash of the block at height.
func (c *Chain) BlockHash(ctx context.Context, height uint64) (string, error) {
	var hash *string
	if err := c.call(ctx, "chain_getBlockHash", []any{height}, &hash); err != nil {
		return "", err
	}
	if hash == nil || *hash == "" {
		return "", fmt.Errorf("%w: height %d", ErrBlockNotFound, height)
	}
	return types.NormalizeHex(*hash), nil
}

// FinalizedHead returns the hash of the latest finalized block.
func (c *Chain) FinalizedHead(ctx context.Context) (string, error) {
	var hash string
	if err := c.call(ctx, "chain_getFinalizedHead", nil, &hash); err != nil {
		return "", err
	}
	return types.NormalizeHex(hash), nil
}

// headerResponse is a header as returned on the wire; the number is hex.
type headerResponse struct {
	ParentHash     string       `json:"parentHash"`
	Number         string       `json:"number"`
	StateRoot      string       `json:"stateRoot"`
	ExtrinsicsRoot string       `json:"extrinsicsRoot"`
	Digest         types.Digest `json:"digest"`
}

func (h *headerResponse) convert() (types.Header, error) {
	number, err := types.ParseNumber(h.Number)
	if err != nil {
		return types.Header{}, fmt.Errorf("parse header number: %w", err)
	}
	return types.Header{
		ParentHash:     types.NormalizeHex(h.ParentHash),
		Number:         number,
		StateRoot:      h.StateRoot,
		ExtrinsicsRoot: h.ExtrinsicsRoot,
		Digest:         h.Digest,
	}, nil
}

// signedBlockResponse is the chain_getBlock result.
type signedBlockResponse struct {
	Block struct {
		Header     headerResponse `json:"header"`
		Extrinsics []string       `json:"extrinsics"`
	} `json:"block"`
	Justifications json.RawMessage `json:"justifications,omitempty"`
}

// Header returns the header of the block with the given hash.
func (c *Chain) Header(ctx context.Context, hash string) (types.Header, error) {
	var resp *headerResponse
	if err := c.call(ctx, "chain_getHeader", []any{hash}, &resp); err != nil {
		return types.Header{}, err
	}
	if resp == nil {
		return types.Header{}, fmt.Errorf("%w: %s", ErrBlockNotFound, hash)
	}
	return resp.convert()
}

// BlockNumber returns the height of the block with the given hash.
func (c *Chain) BlockNumber(ctx context.Context, hash string) (uint64, error) {
	header, err := c.Header(ctx, hash)
	if err != nil {
		return 0, err
	}
	return header.Number, nil
}

// Block returns the header and encoded extrinsics of the block with the given hash.
func (c *Chain) Block(ctx context.Context, hash string) (types.Header, []string, error) {
	var resp *signedBlockResponse
	if err := c.call(ctx, "chain_getBlock", []any{hash}, &resp); err != nil {
		return types.Header{}, nil, err
	}
	if resp == nil {
		return types.Header{}, nil, fmt.Errorf("%w: %s", ErrBlockNotFound, hash)
	}
	header, err := resp.Block.Header.convert()
	if err != nil {
		return types.Header{}, nil, err
	}
	return header, resp.Block.Extrinsics, nil
}

// Events returns the encoded System.Events storage at the given block.
// A block without events yields an empty string.
func (c *Chain) Events(ctx context.Context, hash string) (string, error) {
	var events *string
	if err := c.call(ctx, "state_getStorage", []any{EventsKey, hash}, &events); err != nil {
		return "", err
	}
	if events == nil {
		return "", nil
	}
	return *events, nil
}

// RuntimeVersion returns the runtime version at the given block.
func (c *Chain) RuntimeVersion(ctx context.Context, hash string) (types.RuntimeVersion, error) {
	var rv types.RuntimeVersion
	if err := c.call(ctx, "state_getRuntimeVersion", []any{hash}, &rv); err != nil {
		return types.RuntimeVersion{}, err
	}
	return rv, nil
}

// Health is the system_health result.
type Health struct {
	Peers           int  `json:"peers"`
	IsSyncing       bool `json:"isSyncing"`
	ShouldHavePeers bool `json:"shouldHavePeers"`
}

// Health returns the node's health summary.
func (c *Chain) Health(ctx context.Context) (Health, error) {
	var h Health
	if err := c.call(ctx, "system_health", nil, &h); err != nil {
		return Health{}, err
	}
	return h, nil
}
