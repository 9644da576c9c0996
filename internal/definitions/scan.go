package definitions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/aperture/internal/common"
	"github.com/ternarybob/aperture/internal/interfaces"
	"github.com/ternarybob/aperture/internal/models"
)

// Media extensions recognized by the scanner. RAW formats count as images.
var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".bmp": true,
	".tiff": true, ".tif": true, ".webp": true, ".heic": true, ".heif": true,
	".raw": true, ".cr2": true, ".cr3": true, ".nef": true, ".arw": true,
	".dng": true, ".orf": true, ".rw2": true,
}

var videoExtensions = map[string]bool{
	".mp4": true, ".mov": true, ".avi": true, ".mkv": true, ".m4v": true,
	".wmv": true, ".flv": true, ".webm": true, ".mts": true, ".m2ts": true,
}

const checksumChunkSize = 8192

// scanItem is the work unit for the scan job: one media file path
type scanItem struct {
	Path string `json:"path"`
}

// NewScanDefinition builds the "scan" job: walk the catalog's source
// directories, checksum and classify each media file, and upsert it into
// the image table.
func NewScanDefinition(catalog interfaces.CatalogStore, metadata interfaces.MetadataProvider) *models.JobDefinition {
	return &models.JobDefinition{
		Name: "scan",
		Discover: func(ctx context.Context, catalogID string, params map[string]interface{}) ([]json.RawMessage, error) {
			cat, err := catalog.GetCatalog(ctx, catalogID)
			if err != nil {
				return nil, err
			}

			var items []json.RawMessage
			for _, root := range cat.SourcePaths {
				err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
					if err != nil {
						// Unreadable subtrees are skipped, not fatal
						return nil
					}
					if ctx.Err() != nil {
						return ctx.Err()
					}
					if d.IsDir() {
						if strings.HasPrefix(d.Name(), ".") && path != root {
							return filepath.SkipDir
						}
						return nil
					}
					ext := strings.ToLower(filepath.Ext(path))
					if !imageExtensions[ext] && !videoExtensions[ext] {
						return nil
					}
					data, merr := json.Marshal(scanItem{Path: path})
					if merr != nil {
						return merr
					}
					items = append(items, data)
					return nil
				})
				if err != nil {
					return nil, fmt.Errorf("failed to walk %s: %w", root, err)
				}
			}
			return items, nil
		},
		Process: func(ctx context.Context, raw json.RawMessage, catalogID string, params map[string]interface{}) (map[string]interface{}, error) {
			var item scanItem
			if err := json.Unmarshal(raw, &item); err != nil {
				return nil, fmt.Errorf("invalid scan item: %w", err)
			}

			info, err := os.Stat(item.Path)
			if err != nil {
				return nil, fmt.Errorf("failed to stat %s: %w", item.Path, err)
			}

			checksum, err := checksumFile(item.Path)
			if err != nil {
				return nil, err
			}

			fileType := "image"
			ext := strings.ToLower(filepath.Ext(item.Path))
			if videoExtensions[ext] {
				fileType = "video"
			}

			image := &models.Image{
				ID:            common.NewImageID(),
				CatalogID:     catalogID,
				FilePath:      item.Path,
				FileName:      filepath.Base(item.Path),
				FileType:      fileType,
				FileSizeBytes: info.Size(),
				Checksum:      checksum,
			}

			if metadata != nil && fileType == "image" {
				if meta, merr := metadata.Extract(ctx, item.Path); merr == nil && meta != nil {
					image.CapturedAt = meta.CapturedAt
					image.CameraMake = meta.CameraMake
					image.CameraModel = meta.CameraModel
				}
			}
			if image.CapturedAt == nil {
				// Fall back to the filesystem mtime so burst and timeline
				// views still have an ordering
				mtime := info.ModTime().UTC()
				image.CapturedAt = &mtime
			}

			if err := catalog.UpsertImage(ctx, image); err != nil {
				return nil, err
			}

			result := map[string]interface{}{
				"total_files":      1,
				"total_size_bytes": info.Size(),
			}
			if fileType == "video" {
				result["total_videos"] = 1
			} else {
				result["total_images"] = 1
			}
			return result, nil
		},
		Finalize: func(ctx context.Context, batches []*models.JobBatch, catalogID string, params map[string]interface{}) (map[string]interface{}, error) {
			result := map[string]interface{}{
				"total_files":      0,
				"total_images":     0,
				"total_videos":     0,
				"total_size_bytes": 0,
			}
			for _, batch := range batches {
				sumCounters(result, batch.Results,
					"total_files", "total_images", "total_videos", "total_size_bytes")
			}
			return result, nil
		},
		BatchSize:      500,
		MaxWorkers:     4,
		RetryOnFailure: true,
		MaxRetries:     3,
		Timeout:        30 * time.Minute,
	}
}

// checksumFile streams a file through SHA-256 in fixed-size chunks
func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, checksumChunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", path, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// sumCounters adds numeric batch-result values into the running totals
func sumCounters(dst map[string]interface{}, src map[string]interface{}, keys ...string) {
	for _, key := range keys {
		v, ok := src[key]
		if !ok {
			continue
		}
		dst[key] = toInt64(dst[key]) + toInt64(v)
	}
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}
