// Package gateway owns handler construction and routing: the registry of
// known platforms, the factory that builds handlers from configuration,
// and the manager that routes inbound webhooks to the right handler.
package gateway

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/chatrelay/chatrelay/pkg/platform"
)

// Constructor builds a handler for one platform from its config section.
// Constructors must not perform network I/O; clients are dialed lazily.
type Constructor func(cfg platform.Config, logger zerolog.Logger) (platform.Handler, error)

// Registry maps platform types to handler constructors. It is populated
// once at startup and read-only afterwards, so concurrent reads need no
// coordination beyond the guard around registration.
type Registry struct {
	mu    sync.RWMutex
	ctors map[platform.PlatformType]Constructor
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		ctors: make(map[platform.PlatformType]Constructor),
	}
}

// Register adds a constructor for a platform.
func (r *Registry) Register(t platform.PlatformType, ctor Constructor) error {
	if ctor == nil {
		return fmt.Errorf("constructor for %q is required", t)
	}
	if _, err := platform.ParsePlatformType(string(t)); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.ctors[t]; exists {
		return fmt.Errorf("platform %q already registered", t)
	}
	r.ctors[t] = ctor
	return nil
}

// Constructor returns the constructor for a platform.
func (r *Registry) Constructor(t platform.PlatformType) (Constructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctor, ok := r.ctors[t]
	return ctor, ok
}

// AvailablePlatforms returns the sorted set of platforms this binary can
// build, independent of configuration. A platform can be known without
// being configured.
func (r *Registry) AvailablePlatforms() []platform.PlatformType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	platforms := make([]platform.PlatformType, 0, len(r.ctors))
	for t := range r.ctors {
		platforms = append(platforms, t)
	}
	sort.Slice(platforms, func(i, j int) bool { return platforms[i] < platforms[j] })
	return platforms
}
