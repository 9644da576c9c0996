package jobs

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ternarybob/aperture/internal/models"
)

// Registry holds the named job definitions available for submission.
// Registration happens at startup; lookups are concurrent-safe.
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]*models.JobDefinition
}

// NewRegistry creates an empty job definition registry
func NewRegistry() *Registry {
	return &Registry{
		definitions: make(map[string]*models.JobDefinition),
	}
}

// Register adds a definition, rejecting duplicates and invalid definitions
func (r *Registry) Register(def *models.JobDefinition) error {
	if def == nil {
		return fmt.Errorf("cannot register nil job definition")
	}
	if err := def.Validate(); err != nil {
		return fmt.Errorf("invalid job definition: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.definitions[def.Name]; exists {
		return fmt.Errorf("job type %q is already registered", def.Name)
	}

	r.definitions[def.Name] = def
	return nil
}

// Get returns the definition for a job type
func (r *Registry) Get(name string) (*models.JobDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, exists := r.definitions[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, name)
	}
	return def, nil
}

// Has reports whether a job type is registered
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.definitions[name]
	return exists
}

// List returns all registered job type names, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.definitions))
	for name := range r.definitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the process-wide registry instance
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}
