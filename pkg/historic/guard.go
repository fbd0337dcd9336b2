// Package historic binds the RPC surface to a block snapshot.
//
// Every method on a bound view answers as of the snapshot block or not at
// all. Methods with a historic parameter get the snapshot substituted when
// the argument is omitted and reject arguments that point past the snapshot.
// Methods without one are disabled, raw variant included.
package historic

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/Weypare/subql/internal/types"
	"github.com/Weypare/subql/pkg/rpcapi"
	"github.com/Weypare/subql/pkg/rpcmeta"
)

// Kind is the guard variant applied to a method.
type Kind int

const (
	// Unsupported methods cannot be pinned to a block and are disabled.
	Unsupported Kind = iota
	// NumberGuarded methods take the block as a number.
	NumberGuarded
	// HashGuarded methods take the block as a hash.
	HashGuarded
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case NumberGuarded:
		return "number"
	case HashGuarded:
		return "hash"
	default:
		return "unsupported"
	}
}

// Parameter types recognized as block references.
var (
	numberTypes = map[string]struct{}{
		"BlockNumber":    {},
		"BlockNumberFor": {},
		"u32":            {},
		"u64":            {},
	}
	hashTypes = map[string]struct{}{
		"BlockHash": {},
		"Hash":      {},
	}
)

// Rule is the classification of one method.
type Rule struct {
	Kind Kind
	// Position of the historic parameter; -1 for Unsupported.
	Position int
	// Type is the declared type of the historic parameter.
	Type string
	// Reason explains an Unsupported classification.
	Reason string
}

// Classify decides how a method is guarded.
func Classify(d rpcmeta.MethodDescriptor) Rule {
	if err := d.Validate(); err != nil {
		return Rule{Kind: Unsupported, Position: -1, Reason: err.Error()}
	}

	pos, p, ok := d.HistoricParam()
	if !ok {
		return Rule{Kind: Unsupported, Position: -1, Reason: "no historic parameter"}
	}

	typ := baseType(p.Type)
	if _, ok := numberTypes[typ]; ok {
		return Rule{Kind: NumberGuarded, Position: pos, Type: p.Type}
	}
	if _, ok := hashTypes[typ]; ok {
		return Rule{Kind: HashGuarded, Position: pos, Type: p.Type}
	}
	return Rule{
		Kind:     Unsupported,
		Position: -1,
		Type:     p.Type,
		Reason:   fmt.Sprintf("historic parameter %q has unrecognized type %q", p.Name, p.Type),
	}
}

// baseType strips an Option<...> wrapper.
func baseType(t string) string {
	t = strings.TrimSpace(t)
	if strings.HasPrefix(t, "Option<") && strings.HasSuffix(t, ">") {
		return strings.TrimSpace(t[len("Option<") : len(t)-1])
	}
	return t
}

// BlockNumberResolver maps a block hash to its height.
type BlockNumberResolver interface {
	BlockNumber(ctx context.Context, hash string) (uint64, error)
}

// RejectFunc observes calls refused by a guard.
type RejectFunc func(method string, err error)

// Guard wraps m so that it answers as of snap.
func Guard(m rpcapi.Method, rule Rule, snap types.Snapshot, resolver BlockNumberResolver) rpcapi.Method {
	return guard(m, rule, snap, resolver, nil)
}

func guard(m rpcapi.Method, rule Rule, snap types.Snapshot, resolver BlockNumberResolver, onReject RejectFunc) rpcapi.Method {
	name := m.Descriptor.Qualified()

	reject := func(err error) error {
		if onReject != nil {
			onReject(name, err)
		}
		return err
	}

	if rule.Kind == Unsupported {
		err := &UnsupportedMethodError{Method: name, Reason: rule.Reason}
		return rpcapi.Method{
			Descriptor: m.Descriptor,
			Call: func(context.Context, ...any) (any, error) {
				return nil, reject(err)
			},
			Raw: func(context.Context, ...any) (json.RawMessage, error) {
				return nil, reject(err)
			},
		}
	}

	b := binder{name: name, rule: rule, snap: snap, resolver: resolver}
	return rpcapi.Method{
		Descriptor: m.Descriptor,
		Call: func(ctx context.Context, args ...any) (any, error) {
			args, err := b.bind(ctx, args)
			if err != nil {
				return nil, reject(err)
			}
			return m.Call(ctx, args...)
		},
		Raw: func(ctx context.Context, args ...any) (json.RawMessage, error) {
			args, err := b.bind(ctx, args)
			if err != nil {
				return nil, reject(err)
			}
			return m.Raw(ctx, args...)
		},
	}
}

// binder substitutes or checks the historic argument of one call.
type binder struct {
	name     string
	rule     Rule
	snap     types.Snapshot
	resolver BlockNumberResolver
}

func (b *binder) bind(ctx context.Context, args []any) ([]any, error) {
	pos := b.rule.Position

	if pos >= len(args) || args[pos] == nil {
		out := make([]any, max(len(args), pos+1))
		copy(out, args)
		if b.rule.Kind == NumberGuarded {
			out[pos] = b.snap.Number
		} else {
			out[pos] = b.snap.Hash
		}
		return out, nil
	}

	if b.rule.Kind == NumberGuarded {
		n, err := toNumber(args[pos])
		if err != nil {
			return nil, fmt.Errorf("%s: %w: %v", b.name, ErrInvalidHistoricArg, err)
		}
		if n > b.snap.Number {
			return nil, &BoundError{Method: b.name, Requested: n, Bound: b.snap.Number}
		}
		return args, nil
	}

	hash, ok := args[pos].(string)
	if !ok || strings.TrimSpace(hash) == "" {
		return nil, fmt.Errorf("%s: %w: expected block hash, got %T", b.name, ErrInvalidHistoricArg, args[pos])
	}
	if types.NormalizeHex(hash) == types.NormalizeHex(b.snap.Hash) {
		return args, nil
	}
	if b.resolver == nil {
		return nil, fmt.Errorf("%s: %w", b.name, ErrNoResolver)
	}
	n, err := b.resolver.BlockNumber(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("%s: resolve block %s: %w", b.name, hash, err)
	}
	if n > b.snap.Number {
		return nil, &BoundError{Method: b.name, Requested: n, Bound: b.snap.Number, Hash: hash}
	}
	return args, nil
}

// toNumber reads a block number from a Go integer, a JSON number, or a
// decimal or 0x-hex string.
func toNumber(v any) (uint64, error) {
	switch n := v.(type) {
	case uint64:
		return n, nil
	case uint32:
		return uint64(n), nil
	case uint:
		return uint64(n), nil
	case uint16:
		return uint64(n), nil
	case uint8:
		return uint64(n), nil
	case int:
		return signed(int64(n))
	case int64:
		return signed(n)
	case int32:
		return signed(int64(n))
	case int16:
		return signed(int64(n))
	case int8:
		return signed(int64(n))
	case float64:
		if n < 0 || n != math.Trunc(n) || n >= math.MaxUint64 {
			return 0, fmt.Errorf("%v is not a block number", n)
		}
		return uint64(n), nil
	case json.Number:
		return types.ParseNumber(n.String())
	case string:
		return types.ParseNumber(n)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func signed(n int64) (uint64, error) {
	if n < 0 {
		return 0, fmt.Errorf("negative block number %d", n)
	}
	return uint64(n), nil
}
