// Package registry is the process-global named-function registry.
// Compiler stages publish themselves here under well-known names and
// drivers look them up without importing the implementing package.
package registry

import (
	"sort"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

var (
	mu    sync.Mutex
	funcs = map[string]any{}
)

// Register publishes fn under name. Registering a name twice is an
// error: global names are owned by exactly one package.
func Register(name string, fn any) error {
	if fn == nil {
		return errors.Errorf("registry: cannot register nil under %q", name)
	}
	mu.Lock()
	defer mu.Unlock()
	if _, found := funcs[name]; found {
		return errors.Errorf("registry: %q is already registered", name)
	}
	funcs[name] = fn
	return nil
}

// MustRegister is Register for init-time use, where a duplicate name is
// a programming error.
func MustRegister(name string, fn any) {
	if err := Register(name, fn); err != nil {
		exceptions.Panicf("%+v", err)
	}
}

// Lookup returns the function registered under name.
func Lookup(name string) (any, error) {
	mu.Lock()
	defer mu.Unlock()
	fn, found := funcs[name]
	if !found {
		return nil, errors.Errorf("registry: no function registered under %q", name)
	}
	return fn, nil
}

// Names returns all registered names, sorted.
func Names() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(funcs))
	for name := range funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
