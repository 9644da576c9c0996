package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/aperture/internal/models"
)

// CatalogStore provides the catalog and image reads/writes that the
// built-in job definitions depend on.
type CatalogStore interface {
	GetCatalog(ctx context.Context, catalogID string) (*models.Catalog, error)

	// Image lookups used by discovery
	ListImagePaths(ctx context.Context, catalogID string) (map[string]string, error) // path -> image ID
	ListImagesWithoutHashes(ctx context.Context, catalogID string) ([]*models.Image, error)
	ListHashedImages(ctx context.Context, catalogID string) ([]*models.Image, error)
	ListImagesWithCaptureTime(ctx context.Context, catalogID string) ([]*models.Image, error)
	ListUntaggedImageIDs(ctx context.Context, catalogID string) ([]string, error)
	ListImageIDs(ctx context.Context, catalogID string) ([]string, error)
	GetImage(ctx context.Context, imageID string) (*models.Image, error)

	// Writes performed by processing
	UpsertImage(ctx context.Context, image *models.Image) error
	UpdateImageHashes(ctx context.Context, imageID, dhash, ahash, whash string) error
	UpdateImageBurst(ctx context.Context, imageID, burstID string, sequence int) error
	WriteImageTags(ctx context.Context, tags []models.ImageTag) error

	// Analysis results
	ReplaceBursts(ctx context.Context, catalogID string, bursts []*models.Burst) error
	ReplaceDuplicateGroups(ctx context.Context, catalogID string, groups []*models.DuplicateGroup) error
}

// ImageMetadata is the subset of capture metadata scan extracts per file
type ImageMetadata struct {
	CapturedAt  *time.Time
	CameraMake  string
	CameraModel string
}

// MetadataProvider extracts capture metadata from a media file. The scan
// definition tolerates a nil provider and files the provider cannot read.
type MetadataProvider interface {
	Extract(ctx context.Context, path string) (*ImageMetadata, error)
}
