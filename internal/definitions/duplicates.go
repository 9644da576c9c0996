package definitions

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/ternarybob/aperture/internal/analysis"
	"github.com/ternarybob/aperture/internal/interfaces"
	"github.com/ternarybob/aperture/internal/models"
)

// defaultSimilarityDistance is the Hamming cutoff for near-duplicate
// grouping; 5 of 64 bits corresponds to a similarity score of 93.
const defaultSimilarityDistance = 5

// hashItem is the work unit for duplicate detection: one unhashed image
type hashItem struct {
	ImageID string `json:"image_id"`
	Path    string `json:"path"`
}

// NewDuplicatesDefinition builds the "detect_duplicates" job: compute
// perceptual hashes for unhashed images, then group the whole catalog by
// exact checksum and Hamming-close hashes.
func NewDuplicatesDefinition(catalog interfaces.CatalogStore) *models.JobDefinition {
	return &models.JobDefinition{
		Name: "detect_duplicates",
		Discover: func(ctx context.Context, catalogID string, params map[string]interface{}) ([]json.RawMessage, error) {
			images, err := catalog.ListImagesWithoutHashes(ctx, catalogID)
			if err != nil {
				return nil, err
			}

			items := make([]json.RawMessage, 0, len(images))
			for _, img := range images {
				data, merr := json.Marshal(hashItem{ImageID: img.ID, Path: img.FilePath})
				if merr != nil {
					return nil, merr
				}
				items = append(items, data)
			}
			return items, nil
		},
		Process: func(ctx context.Context, raw json.RawMessage, catalogID string, params map[string]interface{}) (map[string]interface{}, error) {
			var item hashItem
			if err := json.Unmarshal(raw, &item); err != nil {
				return nil, fmt.Errorf("invalid hash item: %w", err)
			}

			img, err := decodeImageFile(item.Path)
			if err != nil {
				// Undecodable files are recorded as item errors, never fatal
				return nil, err
			}

			dhash := analysis.FormatHash(analysis.DHash(img))
			ahash := analysis.FormatHash(analysis.AHash(img))
			whash := analysis.FormatHash(analysis.WHash(img))

			if err := catalog.UpdateImageHashes(ctx, item.ImageID, dhash, ahash, whash); err != nil {
				return nil, err
			}
			return map[string]interface{}{"images_hashed": 1}, nil
		},
		Finalize: func(ctx context.Context, batches []*models.JobBatch, catalogID string, params map[string]interface{}) (map[string]interface{}, error) {
			hashed, err := catalog.ListHashedImages(ctx, catalogID)
			if err != nil {
				return nil, err
			}

			inputs := make([]analysis.HashedImage, 0, len(hashed))
			for _, img := range hashed {
				inputs = append(inputs, analysis.HashedImage{
					ID:       img.ID,
					Checksum: img.Checksum,
					DHash:    img.DHash,
				})
			}

			maxDistance := defaultSimilarityDistance
			if v, ok := params["similarity_distance"]; ok {
				if n, ok := v.(float64); ok && n >= 0 {
					maxDistance = int(n)
				}
			}

			exact := analysis.GroupByExactMatch(inputs)
			similar := analysis.FindSimilarGroups(inputs, maxDistance)

			groups := make([]*models.DuplicateGroup, 0, len(exact)+len(similar))
			for _, ids := range exact {
				groups = append(groups, &models.DuplicateGroup{
					ID:        "dup_" + uuid.New().String(),
					CatalogID: catalogID,
					Kind:      "exact",
					ImageIDs:  ids,
				})
			}
			for _, ids := range similar {
				groups = append(groups, &models.DuplicateGroup{
					ID:        "dup_" + uuid.New().String(),
					CatalogID: catalogID,
					Kind:      "similar",
					ImageIDs:  ids,
				})
			}

			if err := catalog.ReplaceDuplicateGroups(ctx, catalogID, groups); err != nil {
				return nil, err
			}

			hashedCount := 0
			for _, batch := range batches {
				hashedCount += int(toInt64(batch.Results["images_hashed"]))
			}
			return map[string]interface{}{
				"images_hashed":  hashedCount,
				"exact_groups":   len(exact),
				"similar_groups": len(similar),
			}, nil
		},
		BatchSize:      1000,
		MaxWorkers:     4,
		RetryOnFailure: true,
		MaxRetries:     3,
		Timeout:        time.Hour,
	}
}

func decodeImageFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return img, nil
}
