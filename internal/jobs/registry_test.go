package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ternarybob/aperture/internal/models"
)

func testDefinition(name string) *models.JobDefinition {
	return &models.JobDefinition{
		Name: name,
		Discover: func(ctx context.Context, catalogID string, params map[string]interface{}) ([]json.RawMessage, error) {
			return nil, nil
		},
		Process: func(ctx context.Context, item json.RawMessage, catalogID string, params map[string]interface{}) (map[string]interface{}, error) {
			return nil, nil
		},
	}
}

func TestRegistry_Register(t *testing.T) {
	t.Run("registers and resolves a definition", func(t *testing.T) {
		r := NewRegistry()
		if err := r.Register(testDefinition("scan")); err != nil {
			t.Fatalf("Register failed: %v", err)
		}

		def, err := r.Get("scan")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if def.Name != "scan" {
			t.Errorf("Expected definition name 'scan', got %q", def.Name)
		}
		if !r.Has("scan") {
			t.Error("Has should report registered type")
		}
	})

	t.Run("rejects duplicate registration", func(t *testing.T) {
		r := NewRegistry()
		if err := r.Register(testDefinition("scan")); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		if err := r.Register(testDefinition("scan")); err == nil {
			t.Error("Expected error on duplicate registration")
		}
	})

	t.Run("rejects nil definition", func(t *testing.T) {
		r := NewRegistry()
		if err := r.Register(nil); err == nil {
			t.Error("Expected error on nil definition")
		}
	})

	t.Run("rejects definition without discover", func(t *testing.T) {
		r := NewRegistry()
		def := testDefinition("broken")
		def.Discover = nil
		if err := r.Register(def); err == nil {
			t.Error("Expected validation error for missing Discover")
		}
	})
}

func TestRegistry_Get_Unknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("nope")
	if !errors.Is(err, ErrUnknownJobType) {
		t.Errorf("Expected ErrUnknownJobType, got %v", err)
	}
}

func TestRegistry_List_Sorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"detect_bursts", "auto_tag", "scan"} {
		if err := r.Register(testDefinition(name)); err != nil {
			t.Fatalf("Register(%s) failed: %v", name, err)
		}
	}

	got := r.List()
	want := []string{"auto_tag", "detect_bursts", "scan"}
	if len(got) != len(want) {
		t.Fatalf("Expected %d types, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("List()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
