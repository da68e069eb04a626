// Package extension lets device specific code hook into a session.
package extension

import (
	"fmt"
	"sort"
	"sync"

	epyq "github.com/epcpower/goepyq"
)

// Extension is notified once a device session is fully built
type Extension interface {
	PostInit() error
	// Files besides the matrix and hierarchy the session depends on
	ReferencedFiles(cfg map[string]string) []string
}

type Factory func() Extension

// Default does nothing
type Default struct{}

func (Default) PostInit() error {
	return nil
}

func (Default) ReferencedFiles(cfg map[string]string) []string {
	return nil
}

var (
	mu        sync.Mutex
	factories = map[string]Factory{}
)

func init() {
	Register("", func() Extension { return Default{} })
	Register("none", func() Extension { return Default{} })
}

// Register an extension factory, a later registration replaces an earlier one
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[name] = factory
}

// New creates the extension registered under name
func New(name string) (Extension, error) {
	mu.Lock()
	factory, ok := factories[name]
	mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: extension %q, available %v", epyq.ErrNotFound, name, Available())
	}
	return factory(), nil
}

func Available() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		if name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
