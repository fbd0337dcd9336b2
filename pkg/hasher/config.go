package hasher

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Ref is a hasher reference in chain-type configuration. In JSON it is the
// hasher's name; after resolution Fn holds the implementation.
type Ref struct {
	Name string
	Fn   Func
}

// Named returns an unresolved reference to the named hasher.
func Named(name string) *Ref {
	return &Ref{Name: name}
}

// Resolved reports whether the reference carries an implementation.
func (r *Ref) Resolved() bool {
	return r != nil && r.Fn != nil
}

// UnmarshalJSON reads a hasher name.
func (r *Ref) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("hasher must be a name string: %w", err)
	}
	r.Name = name
	r.Fn = nil
	return nil
}

// MarshalJSON writes the hasher name.
func (r Ref) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Name)
}

// ChainTypes is the chain-type configuration of a network.
//
// Type definitions are carried opaquely; only the hasher references are
// interpreted here.
type ChainTypes struct {
	Types       json.RawMessage `json:"types,omitempty"`
	TypesAlias  json.RawMessage `json:"typesAlias,omitempty"`
	TypesChain  json.RawMessage `json:"typesChain,omitempty"`
	TypesSpec   json.RawMessage `json:"typesSpec,omitempty"`
	Signed      json.RawMessage `json:"signedExtensions,omitempty"`
	RPC         json.RawMessage `json:"rpc,omitempty"`
	Hasher      *Ref            `json:"hasher,omitempty"`
	TypesBundle *TypesBundle    `json:"typesBundle,omitempty"`
}

// TypesBundle groups per-chain and per-spec override bundles.
type TypesBundle struct {
	Chain map[string]*BundleSpec `json:"chain,omitempty"`
	Spec  map[string]*BundleSpec `json:"spec,omitempty"`
}

// BundleSpec is one override bundle entry.
type BundleSpec struct {
	Types     json.RawMessage `json:"types,omitempty"`
	Alias     json.RawMessage `json:"alias,omitempty"`
	Instances json.RawMessage `json:"instances,omitempty"`
	RPC       json.RawMessage `json:"rpc,omitempty"`
	Signed    json.RawMessage `json:"signedExtensions,omitempty"`
	Hasher    *Ref            `json:"hasher,omitempty"`
}

// LoadChainTypes reads chain-type configuration from a JSON file.
func LoadChainTypes(path string) (*ChainTypes, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chain types: %w", err)
	}

	var cfg ChainTypes
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse chain types %s: %w", path, err)
	}
	return &cfg, nil
}

// Resolve returns a copy of cfg in which every named hasher, at the top level
// and in every override bundle, is replaced by its implementation from reg.
//
// A nil cfg resolves to nil. References that are already resolved are kept
// as they are, so resolving twice is a no-op. The input is not modified.
func Resolve(cfg *ChainTypes, reg *Registry) (*ChainTypes, error) {
	if cfg == nil {
		return nil, nil
	}
	if reg == nil {
		reg = DefaultRegistry()
	}

	out := *cfg

	ref, err := resolveRef(cfg.Hasher, reg, "hasher")
	if err != nil {
		return nil, err
	}
	out.Hasher = ref

	if cfg.TypesBundle != nil {
		bundle := &TypesBundle{}
		if bundle.Chain, err = resolveBundles(cfg.TypesBundle.Chain, reg, "typesBundle.chain"); err != nil {
			return nil, err
		}
		if bundle.Spec, err = resolveBundles(cfg.TypesBundle.Spec, reg, "typesBundle.spec"); err != nil {
			return nil, err
		}
		out.TypesBundle = bundle
	}

	return &out, nil
}

func resolveBundles(in map[string]*BundleSpec, reg *Registry, path string) (map[string]*BundleSpec, error) {
	if in == nil {
		return nil, nil
	}

	// Sorted so the reported entry is stable when several names are bad.
	names := make([]string, 0, len(in))
	for name := range in {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]*BundleSpec, len(in))
	for _, name := range names {
		spec := in[name]
		if spec == nil {
			out[name] = nil
			continue
		}
		resolved := *spec
		ref, err := resolveRef(spec.Hasher, reg, path+"."+name+".hasher")
		if err != nil {
			return nil, err
		}
		resolved.Hasher = ref
		out[name] = &resolved
	}
	return out, nil
}

func resolveRef(ref *Ref, reg *Registry, path string) (*Ref, error) {
	if ref == nil || ref.Resolved() || ref.Name == "" {
		return ref, nil
	}
	fn, err := reg.Lookup(ref.Name)
	if err != nil {
		return nil, &ResolutionError{Name: ref.Name, Path: path, Err: err}
	}
	return &Ref{Name: ref.Name, Fn: fn}, nil
}
