package models

import (
	"testing"
	"time"
)

func TestPercentComplete(t *testing.T) {
	tests := []struct {
		current, total int
		want           int
	}{
		{0, 10, 0},
		{1, 3, 33}, // floor, not round
		{2, 3, 66},
		{5, 10, 50},
		{10, 10, 100},
		{15, 10, 100}, // clamped high
		{-1, 10, 0},   // clamped low
		{5, 0, 0},     // indeterminate
		{5, -1, 0},
	}
	for _, tt := range tests {
		if got := PercentComplete(tt.current, tt.total); got != tt.want {
			t.Errorf("PercentComplete(%d, %d) = %d, want %d", tt.current, tt.total, got, tt.want)
		}
	}
}

func TestProgressPayloads(t *testing.T) {
	t.Run("progress payload", func(t *testing.T) {
		payload := NewProgressPayload("job_1", 3, 12, "Hashing images", "processing")

		if payload.Status != JobStatusProgress {
			t.Errorf("Expected PROGRESS, got %s", payload.Status)
		}
		if payload.Progress.Percent != 25 {
			t.Errorf("Expected 25%%, got %d", payload.Progress.Percent)
		}
		if _, err := time.Parse(ProgressTimestampLayout, payload.Timestamp); err != nil {
			t.Errorf("Timestamp %q does not match layout: %v", payload.Timestamp, err)
		}
	})

	t.Run("completion payload", func(t *testing.T) {
		payload := NewCompletionPayload("job_1", JobStatusSuccess, map[string]interface{}{"total_items": 5})

		if payload.Progress.Current != 100 || payload.Progress.Total != 100 || payload.Progress.Percent != 100 {
			t.Errorf("Terminal payload should report 100/100/100, got %+v", payload.Progress)
		}
		if payload.Result["total_items"] != 5 {
			t.Errorf("Result not carried: %v", payload.Result)
		}
	})

	t.Run("encode decode", func(t *testing.T) {
		data, err := NewProgressPayload("job_1", 1, 4, "", "discovery").Encode()
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}

		decoded, err := DecodeProgressPayload(data)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if decoded.JobID != "job_1" || decoded.Progress.Phase != "discovery" {
			t.Errorf("Round trip mismatch: %+v", decoded)
		}
	})

	t.Run("decode normalizes STARTED", func(t *testing.T) {
		decoded, err := DecodeProgressPayload([]byte(`{"job_id":"job_1","status":"STARTED","progress":{"current":0,"total":0,"percent":0},"timestamp":"2025-06-01T12:00:00.000000"}`))
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if decoded.Status != JobStatusProgress {
			t.Errorf("Expected STARTED normalized to PROGRESS, got %s", decoded.Status)
		}
	})

	t.Run("decode rejects malformed payload", func(t *testing.T) {
		if _, err := DecodeProgressPayload([]byte(`{broken`)); err == nil {
			t.Error("Expected decode error")
		}
	})
}
