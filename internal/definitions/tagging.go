package definitions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ternarybob/aperture/internal/interfaces"
	"github.com/ternarybob/aperture/internal/models"
)

// Inference backend selection. "combined" runs openclip and falls back to
// ollama per image when openclip returns nothing.
const (
	backendOpenCLIP = "openclip"
	backendOllama   = "ollama"
	backendCombined = "combined"

	defaultOpenCLIPHost = "http://localhost:8291"
	defaultOllamaHost   = "http://localhost:11434"
	defaultOllamaModel  = "llava"

	inferenceTimeout = 5 * time.Minute
)

// tagItem is the work unit for auto-tagging: one image to classify
type tagItem struct {
	ImageID string `json:"image_id"`
}

// inferenceBackend produces tags for a set of images. Release frees any
// held resources (model handles, sessions) and must run on all paths.
type inferenceBackend interface {
	Name() string
	TagImages(ctx context.Context, images []*models.Image) ([]models.ImageTag, error)
	Release()
}

// NewTaggingDefinition builds the "auto_tag" job: run an inference
// backend over catalog images and store the resulting tags. Batches fail
// wholesale when the backend errors; a run of failed batches triggers the
// controller's requeue with tag_mode narrowed to untagged images.
func NewTaggingDefinition(catalog interfaces.CatalogStore) *models.JobDefinition {
	return &models.JobDefinition{
		Name: "auto_tag",
		Discover: func(ctx context.Context, catalogID string, params map[string]interface{}) ([]json.RawMessage, error) {
			tagMode := "all"
			if v, ok := params["tag_mode"].(string); ok && v != "" {
				tagMode = v
			}

			var ids []string
			var err error
			if tagMode == "untagged_only" {
				ids, err = catalog.ListUntaggedImageIDs(ctx, catalogID)
			} else {
				ids, err = catalog.ListImageIDs(ctx, catalogID)
			}
			if err != nil {
				return nil, err
			}

			items := make([]json.RawMessage, 0, len(ids))
			for _, id := range ids {
				data, merr := json.Marshal(tagItem{ImageID: id})
				if merr != nil {
					return nil, merr
				}
				items = append(items, data)
			}
			return items, nil
		},
		ProcessBatch: func(ctx context.Context, items []json.RawMessage, catalogID string, params map[string]interface{}, result *models.BatchResult) error {
			backend, err := newInferenceBackend(params)
			if err != nil {
				return err
			}
			defer backend.Release()

			images := make([]*models.Image, 0, len(items))
			for _, raw := range items {
				var item tagItem
				if err := json.Unmarshal(raw, &item); err != nil {
					return fmt.Errorf("invalid tag item: %w", err)
				}
				img, err := catalog.GetImage(ctx, item.ImageID)
				if err != nil {
					return err
				}
				images = append(images, img)
			}

			tags, err := backend.TagImages(ctx, images)
			if err != nil {
				return fmt.Errorf("%s inference failed: %w", backend.Name(), err)
			}

			if err := catalog.WriteImageTags(ctx, tags); err != nil {
				return err
			}

			for range items {
				result.RecordSuccess()
			}
			result.MergeResult("images_tagged", len(images))
			return nil
		},
		Finalize: func(ctx context.Context, batches []*models.JobBatch, catalogID string, params map[string]interface{}) (map[string]interface{}, error) {
			tagged := 0
			for _, batch := range batches {
				tagged += int(toInt64(batch.Results["images_tagged"]))
			}
			// A requeued predecessor carries its running total forward
			if v, ok := params["images_tagged"]; ok {
				tagged += int(toInt64(v))
			}
			return map[string]interface{}{"images_tagged": tagged}, nil
		},
		BatchSize:      500,
		MaxWorkers:     1,
		RetryOnFailure: true,
		MaxRetries:     3,
		Timeout:        2 * time.Hour,
	}
}

// newInferenceBackend resolves the backend named in job parameters.
// Hosts come from OPENCLIP_HOST and OLLAMA_HOST.
func newInferenceBackend(params map[string]interface{}) (inferenceBackend, error) {
	name := backendOpenCLIP
	if v, ok := params["tag_backend"].(string); ok && v != "" {
		name = v
	}

	client := &http.Client{Timeout: inferenceTimeout}
	switch name {
	case backendOpenCLIP:
		return &openCLIPBackend{host: envOr("OPENCLIP_HOST", defaultOpenCLIPHost), client: client}, nil
	case backendOllama:
		return &ollamaBackend{host: envOr("OLLAMA_HOST", defaultOllamaHost), client: client}, nil
	case backendCombined:
		return &combinedBackend{
			primary:  &openCLIPBackend{host: envOr("OPENCLIP_HOST", defaultOpenCLIPHost), client: client},
			fallback: &ollamaBackend{host: envOr("OLLAMA_HOST", defaultOllamaHost), client: client},
		}, nil
	default:
		return nil, fmt.Errorf("unknown tag backend: %s", name)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// openCLIPBackend tags images through a vectorized HTTP batch endpoint
type openCLIPBackend struct {
	host   string
	client *http.Client
}

func (b *openCLIPBackend) Name() string { return backendOpenCLIP }

func (b *openCLIPBackend) TagImages(ctx context.Context, images []*models.Image) ([]models.ImageTag, error) {
	paths := make([]string, len(images))
	byPath := make(map[string]string, len(images))
	for i, img := range images {
		paths[i] = img.FilePath
		byPath[img.FilePath] = img.ID
	}

	reqBody, err := json.Marshal(map[string]interface{}{"paths": paths})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.host+"/tag", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openclip request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("openclip returned status %d", resp.StatusCode)
	}

	var parsed struct {
		Results []struct {
			Path string `json:"path"`
			Tags []struct {
				Tag        string  `json:"tag"`
				Confidence float64 `json:"confidence"`
			} `json:"tags"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode openclip response: %w", err)
	}

	var tags []models.ImageTag
	for _, r := range parsed.Results {
		imageID, ok := byPath[r.Path]
		if !ok {
			continue
		}
		for _, t := range r.Tags {
			tags = append(tags, models.ImageTag{
				ImageID:    imageID,
				Tag:        strings.ToLower(t.Tag),
				Confidence: t.Confidence,
				Source:     backendOpenCLIP,
			})
		}
	}
	return tags, nil
}

func (b *openCLIPBackend) Release() {}

// ollamaBackend tags one image at a time through the Ollama generate API
type ollamaBackend struct {
	host   string
	client *http.Client
}

func (b *ollamaBackend) Name() string { return backendOllama }

func (b *ollamaBackend) TagImages(ctx context.Context, images []*models.Image) ([]models.ImageTag, error) {
	var tags []models.ImageTag
	for _, img := range images {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		imageTags, err := b.tagOne(ctx, img)
		if err != nil {
			return nil, err
		}
		tags = append(tags, imageTags...)
	}
	return tags, nil
}

func (b *ollamaBackend) tagOne(ctx context.Context, img *models.Image) ([]models.ImageTag, error) {
	reqBody, err := json.Marshal(map[string]interface{}{
		"model":  defaultOllamaModel,
		"prompt": "List up to five short tags describing this photo, comma separated.",
		"images": []string{img.FilePath},
		"stream": false,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.host+"/api/generate", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}

	var parsed struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode ollama response: %w", err)
	}

	var tags []models.ImageTag
	for _, raw := range strings.Split(parsed.Response, ",") {
		tag := strings.ToLower(strings.TrimSpace(raw))
		if tag == "" {
			continue
		}
		tags = append(tags, models.ImageTag{
			ImageID:    img.ID,
			Tag:        tag,
			Confidence: 0.5,
			Source:     backendOllama,
		})
	}
	return tags, nil
}

func (b *ollamaBackend) Release() {}

// combinedBackend prefers openclip and falls back to ollama for images
// that received no tags
type combinedBackend struct {
	primary  *openCLIPBackend
	fallback *ollamaBackend
}

func (b *combinedBackend) Name() string { return backendCombined }

func (b *combinedBackend) TagImages(ctx context.Context, images []*models.Image) ([]models.ImageTag, error) {
	tags, err := b.primary.TagImages(ctx, images)
	if err != nil {
		return nil, err
	}

	taggedIDs := make(map[string]bool, len(tags))
	for _, tag := range tags {
		taggedIDs[tag.ImageID] = true
	}

	var untagged []*models.Image
	for _, img := range images {
		if !taggedIDs[img.ID] {
			untagged = append(untagged, img)
		}
	}
	if len(untagged) == 0 {
		return tags, nil
	}

	fallbackTags, err := b.fallback.TagImages(ctx, untagged)
	if err != nil {
		return nil, err
	}
	return append(tags, fallbackTags...), nil
}

func (b *combinedBackend) Release() {
	b.primary.Release()
	b.fallback.Release()
}
