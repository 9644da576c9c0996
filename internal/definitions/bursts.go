package definitions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ternarybob/aperture/internal/analysis"
	"github.com/ternarybob/aperture/internal/interfaces"
	"github.com/ternarybob/aperture/internal/models"
)

// burstItem is the work unit for burst detection: one timestamped capture.
// Discovery emits items in capture-time order, so each batch is a
// contiguous time slice of the catalog.
type burstItem struct {
	ImageID    string    `json:"image_id"`
	Camera     string    `json:"camera"`
	CapturedAt time.Time `json:"captured_at"`
}

// burstGroupResult is the serialized form a batch reports for each burst
// it found; finalize merges groups across batch boundaries.
type burstGroupResult struct {
	Camera    string    `json:"camera"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	ImageIDs  []string  `json:"image_ids"`
}

// NewBurstsDefinition builds the "detect_bursts" job: group time-sorted
// captures into rapid-succession runs per camera. Single worker so slices
// complete in order; finalize stitches bursts that span slice boundaries.
func NewBurstsDefinition(catalog interfaces.CatalogStore) *models.JobDefinition {
	return &models.JobDefinition{
		Name: "detect_bursts",
		Discover: func(ctx context.Context, catalogID string, params map[string]interface{}) ([]json.RawMessage, error) {
			images, err := catalog.ListImagesWithCaptureTime(ctx, catalogID)
			if err != nil {
				return nil, err
			}

			items := make([]json.RawMessage, 0, len(images))
			for _, img := range images {
				data, merr := json.Marshal(burstItem{
					ImageID:    img.ID,
					Camera:     img.CameraKey(),
					CapturedAt: img.CapturedAt.UTC(),
				})
				if merr != nil {
					return nil, merr
				}
				items = append(items, data)
			}
			return items, nil
		},
		ProcessBatch: func(ctx context.Context, items []json.RawMessage, catalogID string, params map[string]interface{}, result *models.BatchResult) error {
			shots := make([]analysis.Shot, 0, len(items))
			for _, raw := range items {
				var item burstItem
				if err := json.Unmarshal(raw, &item); err != nil {
					return fmt.Errorf("invalid burst item: %w", err)
				}
				shots = append(shots, analysis.Shot{
					ImageID:    item.ImageID,
					Camera:     item.Camera,
					CapturedAt: item.CapturedAt,
				})
			}

			// Runs shorter than the minimum are kept here (minSize 1) so a
			// burst split across the slice boundary is not lost before the
			// merge pass; finalize applies the real minimum.
			groups := analysis.GroupBursts(shots, burstGap(params), 1)

			serialized := make([]burstGroupResult, 0, len(groups))
			for _, group := range groups {
				ids := make([]string, len(group.Shots))
				for i, shot := range group.Shots {
					ids[i] = shot.ImageID
				}
				serialized = append(serialized, burstGroupResult{
					Camera:    group.Camera,
					StartTime: group.StartTime,
					EndTime:   group.EndTime,
					ImageIDs:  ids,
				})
			}

			data, err := json.Marshal(serialized)
			if err != nil {
				return fmt.Errorf("failed to serialize burst groups: %w", err)
			}
			result.MergeResult("groups", string(data))
			for range items {
				result.RecordSuccess()
			}
			return nil
		},
		Finalize: func(ctx context.Context, batches []*models.JobBatch, catalogID string, params map[string]interface{}) (map[string]interface{}, error) {
			var groups []analysis.BurstGroup
			for _, batch := range batches {
				raw, ok := batch.Results["groups"].(string)
				if !ok || raw == "" {
					continue
				}
				var serialized []burstGroupResult
				if err := json.Unmarshal([]byte(raw), &serialized); err != nil {
					return nil, fmt.Errorf("failed to decode burst groups from batch %s: %w", batch.ID, err)
				}
				for _, g := range serialized {
					shots := make([]analysis.Shot, len(g.ImageIDs))
					for i, id := range g.ImageIDs {
						shots[i] = analysis.Shot{ImageID: id, Camera: g.Camera}
					}
					groups = append(groups, analysis.BurstGroup{
						Camera:    g.Camera,
						StartTime: g.StartTime,
						EndTime:   g.EndTime,
						Shots:     shots,
					})
				}
			}

			merged := analysis.MergeAdjacentBursts(groups, burstGap(params), minBurstSize(params))

			bursts := make([]*models.Burst, 0, len(merged))
			imagesInBursts := 0
			for _, group := range merged {
				burst := &models.Burst{
					ID:        "burst_" + uuid.New().String(),
					CatalogID: catalogID,
					Camera:    group.Camera,
					StartTime: group.StartTime,
					EndTime:   group.EndTime,
				}
				for seq, shot := range group.Shots {
					burst.ImageIDs = append(burst.ImageIDs, shot.ImageID)
					if err := catalog.UpdateImageBurst(ctx, shot.ImageID, burst.ID, seq+1); err != nil {
						return nil, err
					}
					imagesInBursts++
				}
				bursts = append(bursts, burst)
			}

			if err := catalog.ReplaceBursts(ctx, catalogID, bursts); err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"bursts_found":     len(bursts),
				"images_in_bursts": imagesInBursts,
			}, nil
		},
		BatchSize:      5000,
		MaxWorkers:     1,
		RetryOnFailure: true,
		MaxRetries:     3,
		Timeout:        time.Hour,
	}
}

func burstGap(params map[string]interface{}) time.Duration {
	if v, ok := params["burst_gap_seconds"]; ok {
		if n, ok := v.(float64); ok && n > 0 {
			return time.Duration(n * float64(time.Second))
		}
	}
	return analysis.DefaultBurstGap
}

func minBurstSize(params map[string]interface{}) int {
	if v, ok := params["min_burst_size"]; ok {
		if n, ok := v.(float64); ok && n > 0 {
			return int(n)
		}
	}
	return analysis.DefaultMinBurstSize
}
