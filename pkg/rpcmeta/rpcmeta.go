// Package rpcmeta describes the node's RPC methods and their parameters.
//
// The one piece of metadata the indexer depends on is the historic flag: a
// method whose historic parameter pins it to a block can be answered as of a
// snapshot; a method without one cannot.
package rpcmeta

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrMultipleHistoric is returned for a method with more than one historic parameter.
	ErrMultipleHistoric = errors.New("more than one historic parameter")

	// ErrDuplicateMethod is returned when a method is described twice.
	ErrDuplicateMethod = errors.New("duplicate method")

	// ErrEmptyName is returned when a descriptor has no section or method name.
	ErrEmptyName = errors.New("empty section or method name")
)

// Param describes one method parameter.
type Param struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	IsHistoric bool   `json:"isHistoric,omitempty"`
	IsOptional bool   `json:"isOptional,omitempty"`
}

// MethodDescriptor describes one RPC method.
type MethodDescriptor struct {
	Section string  `json:"section"`
	Method  string  `json:"method"`
	Params  []Param `json:"params"`
}

// Qualified returns the method's qualified name, section.method.
func (d MethodDescriptor) Qualified() string {
	return d.Section + "." + d.Method
}

// WireName returns the JSON-RPC method name, section_method.
func (d MethodDescriptor) WireName() string {
	return d.Section + "_" + d.Method
}

// HistoricParam returns the position and description of the historic
// parameter, if the method has one.
func (d MethodDescriptor) HistoricParam() (int, Param, bool) {
	for i, p := range d.Params {
		if p.IsHistoric {
			return i, p, true
		}
	}
	return -1, Param{}, false
}

// Validate checks the descriptor's structural invariants.
func (d MethodDescriptor) Validate() error {
	if d.Section == "" || d.Method == "" {
		return fmt.Errorf("%w: %q", ErrEmptyName, d.Qualified())
	}
	historic := 0
	for _, p := range d.Params {
		if p.IsHistoric {
			historic++
		}
	}
	if historic > 1 {
		return fmt.Errorf("%s: %w", d.Qualified(), ErrMultipleHistoric)
	}
	return nil
}

// ValidateAll validates each descriptor and rejects duplicates.
func ValidateAll(descs []MethodDescriptor) error {
	seen := make(map[string]struct{}, len(descs))
	for _, d := range descs {
		if err := d.Validate(); err != nil {
			return err
		}
		if _, ok := seen[d.Qualified()]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateMethod, d.Qualified())
		}
		seen[d.Qualified()] = struct{}{}
	}
	return nil
}

// Sections returns the distinct section names in sorted order.
func Sections(descs []MethodDescriptor) []string {
	set := make(map[string]struct{})
	for _, d := range descs {
		set[d.Section] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
