// Package rpcapi builds the callable RPC surface of a chain node.
//
// A Surface mirrors the node's RPC namespace: section, then method. Each leaf
// carries its descriptor and two callables, Call which decodes the result and
// Raw which returns the undecoded JSON.
package rpcapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Weypare/subql/pkg/rpcclient"
	"github.com/Weypare/subql/pkg/rpcmeta"
)

// ErrUnknownMethod is returned when a qualified name is not on the surface.
var ErrUnknownMethod = errors.New("unknown method")

// CallFunc invokes a method and returns its decoded result.
type CallFunc func(ctx context.Context, args ...any) (any, error)

// RawFunc invokes a method and returns its result undecoded.
type RawFunc func(ctx context.Context, args ...any) (json.RawMessage, error)

// Method is one callable RPC method.
type Method struct {
	Descriptor rpcmeta.MethodDescriptor
	Call       CallFunc
	Raw        RawFunc
}

// Name returns the method's qualified name.
func (m Method) Name() string {
	return m.Descriptor.Qualified()
}

// Surface maps section name to method name to Method.
type Surface map[string]map[string]Method

// NewSurface creates a surface whose methods issue calls through caller.
func NewSurface(descs []rpcmeta.MethodDescriptor, caller rpcclient.Caller) (Surface, error) {
	if err := rpcmeta.ValidateAll(descs); err != nil {
		return nil, err
	}

	s := make(Surface)
	for _, d := range descs {
		s.Add(NewMethod(d, caller))
	}
	return s, nil
}

// NewMethod creates a method that issues its wire call through caller.
func NewMethod(d rpcmeta.MethodDescriptor, caller rpcclient.Caller) Method {
	wire := d.WireName()
	raw := func(ctx context.Context, args ...any) (json.RawMessage, error) {
		return caller.Call(ctx, wire, TrimArgs(args))
	}
	return Method{
		Descriptor: d,
		Call:       Decode(raw),
		Raw:        raw,
	}
}

// Decode turns a RawFunc into a CallFunc. Numbers are decoded as json.Number.
func Decode(raw RawFunc) CallFunc {
	return func(ctx context.Context, args ...any) (any, error) {
		out, err := raw(ctx, args...)
		if err != nil {
			return nil, err
		}
		if len(out) == 0 {
			return nil, nil
		}

		dec := json.NewDecoder(bytes.NewReader(out))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		return v, nil
	}
}

// TrimArgs drops trailing nil arguments so omitted optional parameters are
// not sent.
func TrimArgs(args []any) []any {
	n := len(args)
	for n > 0 && args[n-1] == nil {
		n--
	}
	return args[:n]
}

// Add places m on the surface under its section and method name.
func (s Surface) Add(m Method) {
	section, ok := s[m.Descriptor.Section]
	if !ok {
		section = make(map[string]Method)
		s[m.Descriptor.Section] = section
	}
	section[m.Descriptor.Method] = m
}

// Lookup returns the method with the given qualified name.
func (s Surface) Lookup(qualified string) (Method, bool) {
	sectionName, methodName, ok := strings.Cut(qualified, ".")
	if !ok {
		return Method{}, false
	}
	m, ok := s[sectionName][methodName]
	return m, ok
}

// Call invokes the named method.
func (s Surface) Call(ctx context.Context, qualified string, args ...any) (any, error) {
	m, ok := s.Lookup(qualified)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, qualified)
	}
	return m.Call(ctx, args...)
}

// Raw invokes the named method's raw variant.
func (s Surface) Raw(ctx context.Context, qualified string, args ...any) (json.RawMessage, error) {
	m, ok := s.Lookup(qualified)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, qualified)
	}
	return m.Raw(ctx, args...)
}

// Len returns the number of methods on the surface.
func (s Surface) Len() int {
	n := 0
	for _, section := range s {
		n += len(section)
	}
	return n
}

// Names returns every qualified method name in sorted order.
func (s Surface) Names() []string {
	names := make([]string, 0, s.Len())
	for _, section := range s {
		for _, m := range section {
			names = append(names, m.Name())
		}
	}
	sort.Strings(names)
	return names
}
