package badger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/aperture/internal/common"
	"github.com/ternarybob/aperture/internal/models"
)

// CatalogStore serves catalog and image queries from embedded Badger.
// Tag rows are keyed image/tag/source to mirror the relational layout.
type CatalogStore struct {
	db     *BadgerDB
	logger arbor.ILogger
}

type tagRecord struct {
	Key        string `badgerhold:"key"`
	ImageID    string `badgerhold:"index"`
	Tag        string
	Confidence float64
	Source     string
}

// NewCatalogStore creates a Badger-backed catalog store
func NewCatalogStore(db *BadgerDB, logger arbor.ILogger) *CatalogStore {
	if logger == nil {
		logger = common.GetLogger()
	}
	return &CatalogStore{db: db, logger: logger}
}

// UpsertCatalog stores a catalog record (used by setup and tests)
func (s *CatalogStore) UpsertCatalog(ctx context.Context, catalog *models.Catalog) error {
	if catalog.ID == "" {
		return fmt.Errorf("catalog ID is required")
	}
	catalog.UpdatedAt = time.Now().UTC()
	if catalog.CreatedAt.IsZero() {
		catalog.CreatedAt = catalog.UpdatedAt
	}
	if err := s.db.Store().Upsert(catalog.ID, catalog); err != nil {
		return fmt.Errorf("failed to upsert catalog: %w", err)
	}
	return nil
}

// GetCatalog fetches a catalog by ID
func (s *CatalogStore) GetCatalog(ctx context.Context, catalogID string) (*models.Catalog, error) {
	var catalog models.Catalog
	if err := s.db.Store().Get(catalogID, &catalog); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("catalog %s not found", catalogID)
		}
		return nil, fmt.Errorf("failed to get catalog: %w", err)
	}
	return &catalog, nil
}

// ListImagePaths returns file path -> image ID for a catalog
func (s *CatalogStore) ListImagePaths(ctx context.Context, catalogID string) (map[string]string, error) {
	images, err := s.findImages(badgerhold.Where("CatalogID").Eq(catalogID))
	if err != nil {
		return nil, err
	}
	paths := make(map[string]string, len(images))
	for _, img := range images {
		paths[img.FilePath] = img.ID
	}
	return paths, nil
}

// ListImagesWithoutHashes returns images missing a perceptual hash
func (s *CatalogStore) ListImagesWithoutHashes(ctx context.Context, catalogID string) ([]*models.Image, error) {
	images, err := s.findImages(badgerhold.Where("CatalogID").Eq(catalogID).
		And("FileType").Eq("image").And("DHash").Eq(""))
	if err != nil {
		return nil, err
	}
	sortImagesByID(images)
	return images, nil
}

// ListHashedImages returns images that have a perceptual hash, the input
// set for duplicate grouping
func (s *CatalogStore) ListHashedImages(ctx context.Context, catalogID string) ([]*models.Image, error) {
	images, err := s.findImages(badgerhold.Where("CatalogID").Eq(catalogID).
		And("DHash").Ne(""))
	if err != nil {
		return nil, err
	}
	sortImagesByID(images)
	return images, nil
}

// ListImagesWithCaptureTime returns images with capture metadata, sorted
// by capture time for burst grouping
func (s *CatalogStore) ListImagesWithCaptureTime(ctx context.Context, catalogID string) ([]*models.Image, error) {
	images, err := s.findImages(badgerhold.Where("CatalogID").Eq(catalogID))
	if err != nil {
		return nil, err
	}

	withTime := images[:0]
	for _, img := range images {
		if img.CapturedAt != nil {
			withTime = append(withTime, img)
		}
	}
	sort.Slice(withTime, func(i, j int) bool {
		if withTime[i].CapturedAt.Equal(*withTime[j].CapturedAt) {
			return withTime[i].ID < withTime[j].ID
		}
		return withTime[i].CapturedAt.Before(*withTime[j].CapturedAt)
	})
	return withTime, nil
}

// ListUntaggedImageIDs returns image IDs with no tag rows
func (s *CatalogStore) ListUntaggedImageIDs(ctx context.Context, catalogID string) ([]string, error) {
	images, err := s.findImages(badgerhold.Where("CatalogID").Eq(catalogID).
		And("FileType").Eq("image"))
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, img := range images {
		count, err := s.db.Store().Count(&tagRecord{}, badgerhold.Where("ImageID").Eq(img.ID))
		if err != nil {
			return nil, fmt.Errorf("failed to count tags for image %s: %w", img.ID, err)
		}
		if count == 0 {
			ids = append(ids, img.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ListImageIDs returns all image IDs in a catalog, sorted
func (s *CatalogStore) ListImageIDs(ctx context.Context, catalogID string) ([]string, error) {
	images, err := s.findImages(badgerhold.Where("CatalogID").Eq(catalogID).
		And("FileType").Eq("image"))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(images))
	for _, img := range images {
		ids = append(ids, img.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

// GetImage fetches one image by ID
func (s *CatalogStore) GetImage(ctx context.Context, imageID string) (*models.Image, error) {
	var img models.Image
	if err := s.db.Store().Get(imageID, &img); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("image %s not found", imageID)
		}
		return nil, fmt.Errorf("failed to get image: %w", err)
	}
	return &img, nil
}

// UpsertImage inserts or refreshes an image, matching existing rows by
// catalog and path
func (s *CatalogStore) UpsertImage(ctx context.Context, image *models.Image) error {
	existing, err := s.findImages(badgerhold.Where("CatalogID").Eq(image.CatalogID).
		And("FilePath").Eq(image.FilePath))
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if len(existing) > 0 {
		// Keep the original ID and derived columns, refresh scan fields
		current := existing[0]
		current.FileName = image.FileName
		current.FileType = image.FileType
		current.FileSizeBytes = image.FileSizeBytes
		current.Checksum = image.Checksum
		current.CapturedAt = image.CapturedAt
		current.CameraMake = image.CameraMake
		current.CameraModel = image.CameraModel
		current.UpdatedAt = now
		if err := s.db.Store().Update(current.ID, current); err != nil {
			return fmt.Errorf("failed to update image %s: %w", image.FilePath, err)
		}
		return nil
	}

	image.CreatedAt = now
	image.UpdatedAt = now
	if err := s.db.Store().Insert(image.ID, image); err != nil {
		return fmt.Errorf("failed to insert image %s: %w", image.FilePath, err)
	}
	return nil
}

// UpdateImageHashes stores the perceptual hashes for an image
func (s *CatalogStore) UpdateImageHashes(ctx context.Context, imageID, dhash, ahash, whash string) error {
	img, err := s.GetImage(ctx, imageID)
	if err != nil {
		return err
	}
	img.DHash = dhash
	img.AHash = ahash
	img.WHash = whash
	img.UpdatedAt = time.Now().UTC()
	if err := s.db.Store().Update(imageID, img); err != nil {
		return fmt.Errorf("failed to update hashes for image %s: %w", imageID, err)
	}
	return nil
}

// UpdateImageBurst assigns an image to a burst with its sequence position
func (s *CatalogStore) UpdateImageBurst(ctx context.Context, imageID, burstID string, sequence int) error {
	img, err := s.GetImage(ctx, imageID)
	if err != nil {
		return err
	}
	img.BurstID = burstID
	img.BurstSequence = sequence
	img.UpdatedAt = time.Now().UTC()
	if err := s.db.Store().Update(imageID, img); err != nil {
		return fmt.Errorf("failed to update burst for image %s: %w", imageID, err)
	}
	return nil
}

// WriteImageTags stores tag rows, replacing duplicates from the same source
func (s *CatalogStore) WriteImageTags(ctx context.Context, tags []models.ImageTag) error {
	for _, tag := range tags {
		record := &tagRecord{
			Key:        tag.ImageID + "/" + tag.Tag + "/" + tag.Source,
			ImageID:    tag.ImageID,
			Tag:        tag.Tag,
			Confidence: tag.Confidence,
			Source:     tag.Source,
		}
		if err := s.db.Store().Upsert(record.Key, record); err != nil {
			return fmt.Errorf("failed to store tag %s for image %s: %w", tag.Tag, tag.ImageID, err)
		}
	}
	return nil
}

// ReplaceBursts swaps a catalog's burst set
func (s *CatalogStore) ReplaceBursts(ctx context.Context, catalogID string, bursts []*models.Burst) error {
	if err := s.db.Store().DeleteMatching(&models.Burst{},
		badgerhold.Where("CatalogID").Eq(catalogID)); err != nil {
		return fmt.Errorf("failed to clear bursts: %w", err)
	}
	for _, burst := range bursts {
		if err := s.db.Store().Insert(burst.ID, burst); err != nil {
			return fmt.Errorf("failed to insert burst %s: %w", burst.ID, err)
		}
	}
	return nil
}

// ReplaceDuplicateGroups swaps a catalog's duplicate groups
func (s *CatalogStore) ReplaceDuplicateGroups(ctx context.Context, catalogID string, groups []*models.DuplicateGroup) error {
	if err := s.db.Store().DeleteMatching(&models.DuplicateGroup{},
		badgerhold.Where("CatalogID").Eq(catalogID)); err != nil {
		return fmt.Errorf("failed to clear duplicate groups: %w", err)
	}
	for _, group := range groups {
		if err := s.db.Store().Insert(group.ID, group); err != nil {
			return fmt.Errorf("failed to insert duplicate group %s: %w", group.ID, err)
		}
	}
	return nil
}

func (s *CatalogStore) findImages(query *badgerhold.Query) ([]*models.Image, error) {
	var images []models.Image
	if err := s.db.Store().Find(&images, query); err != nil {
		return nil, fmt.Errorf("failed to query images: %w", err)
	}
	result := make([]*models.Image, len(images))
	for i := range images {
		result[i] = &images[i]
	}
	return result, nil
}

func sortImagesByID(images []*models.Image) {
	sort.Slice(images, func(i, j int) bool { return images[i].ID < images[j].ID })
}
