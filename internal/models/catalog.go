package models

import "time"

// Catalog is a named collection of photo source directories
type Catalog struct {
	ID          string    `json:"id" badgerhold:"key"`
	Name        string    `json:"name"`
	SourcePaths []string  `json:"source_paths"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Image is one cataloged media file with its derived analysis columns
type Image struct {
	ID            string     `json:"id" badgerhold:"key"`
	CatalogID     string     `json:"catalog_id" badgerhold:"index"`
	FilePath      string     `json:"file_path"`
	FileName      string     `json:"file_name"`
	FileType      string     `json:"file_type"` // "image" or "video"
	FileSizeBytes int64      `json:"file_size_bytes"`
	Checksum      string     `json:"checksum,omitempty"` // sha256 hex
	DHash         string     `json:"dhash,omitempty"`    // 64-bit perceptual hashes, hex
	AHash         string     `json:"ahash,omitempty"`
	WHash         string     `json:"whash,omitempty"`
	CapturedAt    *time.Time `json:"captured_at,omitempty"`
	CameraMake    string     `json:"camera_make,omitempty"`
	CameraModel   string     `json:"camera_model,omitempty"`
	BurstID       string     `json:"burst_id,omitempty"`
	BurstSequence int        `json:"burst_sequence,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// CameraKey identifies the capturing device for burst grouping
func (i *Image) CameraKey() string {
	return i.CameraMake + "/" + i.CameraModel
}

// ImageTag is one tag assignment produced by an inference backend
type ImageTag struct {
	ImageID    string  `json:"image_id"`
	Tag        string  `json:"tag"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"` // "openclip", "ollama", "combined"
}

// DuplicateGroup records a set of images judged identical or near-identical
type DuplicateGroup struct {
	ID        string   `json:"id" badgerhold:"key"`
	CatalogID string   `json:"catalog_id" badgerhold:"index"`
	Kind      string   `json:"kind"` // "exact" or "similar"
	ImageIDs  []string `json:"image_ids"`
}

// Burst records a run of images shot in rapid succession on one camera
type Burst struct {
	ID        string    `json:"id" badgerhold:"key"`
	CatalogID string    `json:"catalog_id" badgerhold:"index"`
	Camera    string    `json:"camera"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	ImageIDs  []string  `json:"image_ids"`
}
