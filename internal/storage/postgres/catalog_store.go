package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/aperture/internal/common"
	"github.com/ternarybob/aperture/internal/models"
)

// CatalogStore serves the catalog and image queries used by the built-in
// job definitions.
type CatalogStore struct {
	db     *sql.DB
	logger arbor.ILogger
}

// NewCatalogStore creates a Postgres-backed catalog store
func NewCatalogStore(db *sql.DB, logger arbor.ILogger) *CatalogStore {
	if logger == nil {
		logger = common.GetLogger()
	}
	return &CatalogStore{db: db, logger: logger}
}

// GetCatalog fetches a catalog by ID
func (s *CatalogStore) GetCatalog(ctx context.Context, catalogID string) (*models.Catalog, error) {
	var catalog models.Catalog
	var paths []byte

	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, source_paths, created_at, updated_at
		FROM catalogs WHERE id = $1`, catalogID).
		Scan(&catalog.ID, &catalog.Name, &paths, &catalog.CreatedAt, &catalog.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("catalog %s not found", catalogID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get catalog %s: %w", catalogID, err)
	}

	if err := json.Unmarshal(paths, &catalog.SourcePaths); err != nil {
		return nil, fmt.Errorf("failed to unmarshal source paths: %w", err)
	}
	return &catalog, nil
}

// ListImagePaths returns file path -> image ID for a catalog
func (s *CatalogStore) ListImagePaths(ctx context.Context, catalogID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT file_path, id FROM images WHERE catalog_id = $1`, catalogID)
	if err != nil {
		return nil, fmt.Errorf("failed to list image paths: %w", err)
	}
	defer rows.Close()

	paths := make(map[string]string)
	for rows.Next() {
		var path, id string
		if err := rows.Scan(&path, &id); err != nil {
			return nil, err
		}
		paths[path] = id
	}
	return paths, rows.Err()
}

// ListImagesWithoutHashes returns images missing a perceptual hash
func (s *CatalogStore) ListImagesWithoutHashes(ctx context.Context, catalogID string) ([]*models.Image, error) {
	return s.queryImages(ctx, `
		WHERE catalog_id = $1 AND file_type = 'image' AND (dhash IS NULL OR dhash = '')
		ORDER BY id`, catalogID)
}

// ListHashedImages returns images that have a perceptual hash, the input
// set for duplicate grouping
func (s *CatalogStore) ListHashedImages(ctx context.Context, catalogID string) ([]*models.Image, error) {
	return s.queryImages(ctx, `
		WHERE catalog_id = $1 AND dhash IS NOT NULL AND dhash <> ''
		ORDER BY id`, catalogID)
}

// ListImagesWithCaptureTime returns images that have capture metadata,
// ordered by capture time for burst grouping
func (s *CatalogStore) ListImagesWithCaptureTime(ctx context.Context, catalogID string) ([]*models.Image, error) {
	return s.queryImages(ctx, `
		WHERE catalog_id = $1 AND captured_at IS NOT NULL
		ORDER BY captured_at, id`, catalogID)
}

// ListUntaggedImageIDs returns image IDs with no tag rows
func (s *CatalogStore) ListUntaggedImageIDs(ctx context.Context, catalogID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.id FROM images i
		WHERE i.catalog_id = $1 AND i.file_type = 'image'
		  AND NOT EXISTS (SELECT 1 FROM image_tags t WHERE t.image_id = i.id)
		ORDER BY i.id`, catalogID)
	if err != nil {
		return nil, fmt.Errorf("failed to list untagged images: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// ListImageIDs returns all image IDs in a catalog
func (s *CatalogStore) ListImageIDs(ctx context.Context, catalogID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM images WHERE catalog_id = $1 AND file_type = 'image' ORDER BY id`,
		catalogID)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// GetImage fetches one image by ID
func (s *CatalogStore) GetImage(ctx context.Context, imageID string) (*models.Image, error) {
	images, err := s.queryImages(ctx, ` WHERE id = $1`, imageID)
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("image %s not found", imageID)
	}
	return images[0], nil
}

// UpsertImage inserts or refreshes an image row keyed by catalog and path
func (s *CatalogStore) UpsertImage(ctx context.Context, image *models.Image) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO images (id, catalog_id, file_path, file_name, file_type,
		                    file_size_bytes, checksum, captured_at, camera_make, camera_model,
		                    created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10, NOW(), NOW())
		ON CONFLICT (catalog_id, file_path) DO UPDATE SET
			file_name = EXCLUDED.file_name,
			file_type = EXCLUDED.file_type,
			file_size_bytes = EXCLUDED.file_size_bytes,
			checksum = EXCLUDED.checksum,
			captured_at = EXCLUDED.captured_at,
			camera_make = EXCLUDED.camera_make,
			camera_model = EXCLUDED.camera_model,
			updated_at = NOW()`,
		image.ID, image.CatalogID, image.FilePath, image.FileName, image.FileType,
		image.FileSizeBytes, image.Checksum, image.CapturedAt,
		image.CameraMake, image.CameraModel)
	if err != nil {
		return fmt.Errorf("failed to upsert image %s: %w", image.FilePath, err)
	}
	return nil
}

// UpdateImageHashes stores the perceptual hashes for an image
func (s *CatalogStore) UpdateImageHashes(ctx context.Context, imageID, dhash, ahash, whash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE images SET dhash = $2, ahash = $3, whash = $4, updated_at = NOW()
		WHERE id = $1`, imageID, dhash, ahash, whash)
	if err != nil {
		return fmt.Errorf("failed to update hashes for image %s: %w", imageID, err)
	}
	return nil
}

// UpdateImageBurst assigns an image to a burst with its sequence position
func (s *CatalogStore) UpdateImageBurst(ctx context.Context, imageID, burstID string, sequence int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE images SET burst_id = NULLIF($2, ''), burst_sequence = $3, updated_at = NOW()
		WHERE id = $1`, imageID, burstID, sequence)
	if err != nil {
		return fmt.Errorf("failed to update burst for image %s: %w", imageID, err)
	}
	return nil
}

// WriteImageTags inserts tag rows, replacing duplicates from the same source
func (s *CatalogStore) WriteImageTags(ctx context.Context, tags []models.ImageTag) error {
	if len(tags) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tag transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO image_tags (image_id, tag, confidence, source)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (image_id, tag, source) DO UPDATE SET confidence = EXCLUDED.confidence`)
	if err != nil {
		return fmt.Errorf("failed to prepare tag insert: %w", err)
	}
	defer stmt.Close()

	for _, tag := range tags {
		if _, err := stmt.ExecContext(ctx, tag.ImageID, tag.Tag, tag.Confidence, tag.Source); err != nil {
			return fmt.Errorf("failed to insert tag %s for image %s: %w", tag.Tag, tag.ImageID, err)
		}
	}
	return tx.Commit()
}

// ReplaceBursts swaps a catalog's burst set in one transaction
func (s *CatalogStore) ReplaceBursts(ctx context.Context, catalogID string, bursts []*models.Burst) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin burst transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM bursts WHERE catalog_id = $1`, catalogID); err != nil {
		return fmt.Errorf("failed to clear bursts: %w", err)
	}

	for _, burst := range bursts {
		ids, err := json.Marshal(burst.ImageIDs)
		if err != nil {
			return fmt.Errorf("failed to marshal burst image IDs: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO bursts (id, catalog_id, camera, start_time, end_time, image_ids)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			burst.ID, catalogID, burst.Camera, burst.StartTime, burst.EndTime, ids)
		if err != nil {
			return fmt.Errorf("failed to insert burst %s: %w", burst.ID, err)
		}
	}
	return tx.Commit()
}

// ReplaceDuplicateGroups swaps a catalog's duplicate groups in one transaction
func (s *CatalogStore) ReplaceDuplicateGroups(ctx context.Context, catalogID string, groups []*models.DuplicateGroup) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin duplicate-group transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM duplicate_groups WHERE catalog_id = $1`, catalogID); err != nil {
		return fmt.Errorf("failed to clear duplicate groups: %w", err)
	}

	for _, group := range groups {
		ids, err := json.Marshal(group.ImageIDs)
		if err != nil {
			return fmt.Errorf("failed to marshal group image IDs: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO duplicate_groups (id, catalog_id, kind, image_ids)
			VALUES ($1, $2, $3, $4)`,
			group.ID, catalogID, group.Kind, ids)
		if err != nil {
			return fmt.Errorf("failed to insert duplicate group %s: %w", group.ID, err)
		}
	}
	return tx.Commit()
}

func (s *CatalogStore) queryImages(ctx context.Context, where string, args ...interface{}) ([]*models.Image, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, catalog_id, file_path, file_name, file_type, file_size_bytes,
		       COALESCE(checksum, ''), COALESCE(dhash, ''), COALESCE(ahash, ''),
		       COALESCE(whash, ''), captured_at, COALESCE(camera_make, ''),
		       COALESCE(camera_model, ''), COALESCE(burst_id, ''),
		       COALESCE(burst_sequence, 0), created_at, updated_at
		FROM images`+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query images: %w", err)
	}
	defer rows.Close()

	var images []*models.Image
	for rows.Next() {
		var img models.Image
		var capturedAt sql.NullTime
		err := rows.Scan(&img.ID, &img.CatalogID, &img.FilePath, &img.FileName,
			&img.FileType, &img.FileSizeBytes, &img.Checksum, &img.DHash, &img.AHash,
			&img.WHash, &capturedAt, &img.CameraMake, &img.CameraModel,
			&img.BurstID, &img.BurstSequence, &img.CreatedAt, &img.UpdatedAt)
		if err != nil {
			return nil, err
		}
		if capturedAt.Valid {
			t := capturedAt.Time
			img.CapturedAt = &t
		}
		images = append(images, &img)
	}
	return images, rows.Err()
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
