package core

import (
	"fmt"
	"sort"
	"sync"

	"github.com/batteryhawk/core/pkg/battery"
)

// ProtocolFactory creates a protocol family codec. Each concrete family
// (bm6, legacy) registers one factory under its battery.ProtocolFamily
// name.
type ProtocolFactory func() battery.ProtocolFamilyCodec

// ProtocolRegistry maps a device's protocol family to the codec that
// understands its wire format. Grounded on the teacher's transport/
// protocol factory registry idiom: register by type string, create,
// list.
type ProtocolRegistry struct {
	mu        sync.RWMutex
	factories map[battery.ProtocolFamily]ProtocolFactory
}

// NewProtocolRegistry creates an empty protocol family registry.
func NewProtocolRegistry() *ProtocolRegistry {
	return &ProtocolRegistry{
		factories: make(map[battery.ProtocolFamily]ProtocolFactory),
	}
}

// Register adds a factory for the given family, overwriting any existing
// registration.
func (r *ProtocolRegistry) Register(family battery.ProtocolFamily, factory ProtocolFactory) error {
	if factory == nil {
		return fmt.Errorf("core: protocol factory for %s is nil", family)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[family] = factory
	return nil
}

// Create instantiates the codec registered for family.
func (r *ProtocolRegistry) Create(family battery.ProtocolFamily) (battery.ProtocolFamilyCodec, error) {
	r.mu.RLock()
	factory, ok := r.factories[family]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("core: no protocol codec registered for family %s", family)
	}
	return factory(), nil
}

// List returns every registered family name, sorted.
func (r *ProtocolRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for family := range r.factories {
		names = append(names, string(family))
	}
	sort.Strings(names)
	return names
}
