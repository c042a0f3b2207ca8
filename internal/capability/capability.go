// Package capability maps workload tool definitions onto a fixed set of
// vetted, in-process capabilities. Definitions never carry executable
// code; a definition that asks for an unknown capability or an
// untrusted source is rejected at graph build time.
package capability

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrUntrustedSource   = errors.New("untrusted capability source")
	ErrUnknownCapability = errors.New("unknown capability")
)

// Capability is a tool the workload runner can hand to an agent.
type Capability interface {
	Name() string
	Description() string
	// Schema returns the JSON schema for the capability's arguments.
	Schema() any
	Invoke(ctx context.Context, arguments string) (map[string]any, error)
}

// Spec is one entry of a workload definition's tool_definitions list.
type Spec struct {
	Name   string `json:"name"`
	Source string `json:"source"`
}

// Registry resolves tool definitions against an allow list of sources.
type Registry struct {
	allowedSources map[string]bool
	caps           map[string]Capability
}

// NewRegistry builds a registry pre-populated with the builtin
// capabilities. Only the listed sources may be referenced by workload
// definitions; "builtin" is always allowed.
func NewRegistry(allowedSources ...string) *Registry {
	allowed := map[string]bool{SourceBuiltin: true}
	for _, s := range allowedSources {
		allowed[s] = true
	}

	r := &Registry{
		allowedSources: allowed,
		caps:           make(map[string]Capability),
	}
	for _, c := range builtins() {
		r.caps[c.Name()] = c
	}
	return r
}

// Register adds a capability under the given source. The source must be
// on the allow list.
func (r *Registry) Register(source string, c Capability) error {
	if !r.allowedSources[source] {
		return fmt.Errorf("%w: %q", ErrUntrustedSource, source)
	}
	if _, exists := r.caps[c.Name()]; exists {
		return fmt.Errorf("capability %q already registered", c.Name())
	}
	r.caps[c.Name()] = c
	return nil
}

// Resolve returns the capability for a tool definition, or an error if
// the source is not trusted or the capability does not exist.
func (r *Registry) Resolve(spec Spec) (Capability, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("%w: definition has no name", ErrUnknownCapability)
	}
	source := spec.Source
	if source == "" {
		source = SourceBuiltin
	}
	if !r.allowedSources[source] {
		return nil, fmt.Errorf("%w: %q (capability %q)", ErrUntrustedSource, source, spec.Name)
	}

	c, ok := r.caps[spec.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCapability, spec.Name)
	}
	return c, nil
}
