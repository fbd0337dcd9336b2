package historic

import (
	"github.com/Weypare/subql/internal/types"
	"github.com/Weypare/subql/pkg/rpcapi"
	"github.com/Weypare/subql/pkg/rpcmeta"
)

// Registry holds the guard rule of every known method. It is built once and
// shared by every snapshot view.
type Registry struct {
	rules    map[string]Rule
	onReject RejectFunc
}

// NewRegistry classifies each descriptor.
func NewRegistry(descs []rpcmeta.MethodDescriptor) *Registry {
	r := &Registry{rules: make(map[string]Rule, len(descs))}
	for _, d := range descs {
		r.rules[d.Qualified()] = Classify(d)
	}
	return r
}

// SetOnReject sets a callback invoked for every call a bound view refuses.
// Must be called before the first Bind.
func (r *Registry) SetOnReject(fn RejectFunc) {
	r.onReject = fn
}

// Rule returns the rule for a qualified method name.
func (r *Registry) Rule(qualified string) (Rule, bool) {
	rule, ok := r.rules[qualified]
	return rule, ok
}

// Len returns the number of classified methods.
func (r *Registry) Len() int {
	return len(r.rules)
}

// Counts returns the number of methods per kind.
func (r *Registry) Counts() map[Kind]int {
	counts := make(map[Kind]int, 3)
	for _, rule := range r.rules {
		counts[rule.Kind]++
	}
	return counts
}

// Bind returns a new surface with the same sections and methods as surface,
// each answering as of snap. surface itself is left untouched.
func (r *Registry) Bind(surface rpcapi.Surface, snap types.Snapshot, resolver BlockNumberResolver) rpcapi.Surface {
	bound := make(rpcapi.Surface, len(surface))
	for sectionName, section := range surface {
		out := make(map[string]rpcapi.Method, len(section))
		for methodName, m := range section {
			rule, ok := r.rules[m.Descriptor.Qualified()]
			if !ok {
				rule = Classify(m.Descriptor)
			}
			out[methodName] = guard(m, rule, snap, resolver, r.onReject)
		}
		bound[sectionName] = out
	}
	return bound
}
