// Package ext provides the external-function resolution service: named Go
// functions that stage specs can reference to compute request values, saved
// values, or custom response validations.
package ext

import (
	"fmt"
	"sync"
)

// RefKey is the map key that tags a spec value as an external-function
// reference rather than literal data.
const RefKey = "$ext"

// Func is a registered external function. args and kwargs come from the
// reference's extra_args/extra_kwargs blocks; positional arguments supplied
// by the engine (for example the response, for save functions) are prepended
// to args.
type Func func(args []any, kwargs map[string]any) (any, error)

// Reference names a registered function plus any extra arguments from the
// spec.
type Reference struct {
	Function    string
	ExtraArgs   []any
	ExtraKwargs map[string]any
}

// Registry maps function names to implementations.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry creates an empty function registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds or replaces a named function.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Resolve calls the referenced function. Positional arguments supplied by
// the engine are prepended to the reference's extra_args.
func (r *Registry) Resolve(ref *Reference, engineArgs ...any) (any, error) {
	r.mu.RLock()
	fn, ok := r.funcs[ref.Function]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("external function '%s' is not registered", ref.Function)
	}
	args := append(append([]any{}, engineArgs...), ref.ExtraArgs...)
	value, err := fn(args, ref.ExtraKwargs)
	if err != nil {
		return nil, fmt.Errorf("external function '%s' failed: %w", ref.Function, err)
	}
	return value, nil
}

// ParseSpec parses a reference map of the form
// {function: name, extra_args: [...], extra_kwargs: {...}}.
func ParseSpec(m map[string]any) (*Reference, error) {
	rawName, ok := m["function"]
	if !ok {
		return nil, fmt.Errorf("external function reference is missing 'function'")
	}
	name, ok := rawName.(string)
	if !ok || name == "" {
		return nil, fmt.Errorf("external function name must be a non-empty string, got %v", rawName)
	}
	ref := &Reference{Function: name}
	if rawArgs, ok := m["extra_args"]; ok {
		args, ok := rawArgs.([]any)
		if !ok {
			return nil, fmt.Errorf("extra_args for '%s' must be a list", name)
		}
		ref.ExtraArgs = args
	}
	if rawKwargs, ok := m["extra_kwargs"]; ok {
		kwargs, ok := rawKwargs.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("extra_kwargs for '%s' must be a mapping", name)
		}
		ref.ExtraKwargs = kwargs
	}
	return ref, nil
}

// ParseTagged recognises a value of the form {"$ext": {...}} and returns the
// parsed reference. The second return value reports whether the value was a
// tagged reference at all; the error is only meaningful when it was.
func ParseTagged(value any) (*Reference, bool, error) {
	m, ok := value.(map[string]any)
	if !ok {
		return nil, false, nil
	}
	inner, ok := m[RefKey]
	if !ok {
		return nil, false, nil
	}
	spec, ok := inner.(map[string]any)
	if !ok {
		return nil, true, fmt.Errorf("%s value must be a mapping, got %v", RefKey, inner)
	}
	ref, err := ParseSpec(spec)
	return ref, true, err
}

// HasRefKey reports whether a map block contains the $ext tag at its top
// level. Used by the verifier to detect misplaced external-validator blocks.
func HasRefKey(block map[string]any) bool {
	_, ok := block[RefKey]
	return ok
}
