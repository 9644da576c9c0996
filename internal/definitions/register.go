package definitions

import (
	"github.com/ternarybob/aperture/internal/interfaces"
	"github.com/ternarybob/aperture/internal/jobs"
)

// RegisterBuiltins registers the four built-in catalog jobs: scan,
// detect_duplicates, detect_bursts and auto_tag.
func RegisterBuiltins(registry *jobs.Registry, catalog interfaces.CatalogStore, metadata interfaces.MetadataProvider) error {
	defs := []func() error{
		func() error { return registry.Register(NewScanDefinition(catalog, metadata)) },
		func() error { return registry.Register(NewDuplicatesDefinition(catalog)) },
		func() error { return registry.Register(NewBurstsDefinition(catalog)) },
		func() error { return registry.Register(NewTaggingDefinition(catalog)) },
	}
	for _, register := range defs {
		if err := register(); err != nil {
			return err
		}
	}
	return nil
}
