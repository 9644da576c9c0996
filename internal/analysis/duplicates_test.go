package analysis

import (
	"reflect"
	"testing"
)

func TestGroupByExactMatch(t *testing.T) {
	images := []HashedImage{
		{ID: "img_c", Checksum: "aaa"},
		{ID: "img_a", Checksum: "aaa"},
		{ID: "img_b", Checksum: "bbb"},
		{ID: "img_d", Checksum: "ccc"},
		{ID: "img_e", Checksum: "ccc"},
		{ID: "img_f", Checksum: ""},
		{ID: "img_g", Checksum: ""},
	}

	groups := GroupByExactMatch(images)
	want := [][]string{
		{"img_a", "img_c"},
		{"img_d", "img_e"},
	}
	if !reflect.DeepEqual(groups, want) {
		t.Errorf("GroupByExactMatch = %v, want %v", groups, want)
	}
}

func TestFindSimilarGroups(t *testing.T) {
	t.Run("transitive chains collapse", func(t *testing.T) {
		// a-b distance 1, b-c distance 1, a-c distance 2: one group
		images := []HashedImage{
			{ID: "img_a", DHash: FormatHash(0b0000)},
			{ID: "img_b", DHash: FormatHash(0b0001)},
			{ID: "img_c", DHash: FormatHash(0b0011)},
			{ID: "img_z", DHash: FormatHash(^uint64(0))},
		}

		groups := FindSimilarGroups(images, 1)
		want := [][]string{{"img_a", "img_b", "img_c"}}
		if !reflect.DeepEqual(groups, want) {
			t.Errorf("FindSimilarGroups = %v, want %v", groups, want)
		}
	})

	t.Run("distance threshold separates groups", func(t *testing.T) {
		images := []HashedImage{
			{ID: "img_a", DHash: FormatHash(0)},
			{ID: "img_b", DHash: FormatHash(0b111)}, // distance 3 from a
		}

		if groups := FindSimilarGroups(images, 2); len(groups) != 0 {
			t.Errorf("Expected no groups beyond threshold, got %v", groups)
		}
		if groups := FindSimilarGroups(images, 3); len(groups) != 1 {
			t.Errorf("Expected one group at threshold, got %v", groups)
		}
	})

	t.Run("invalid hashes are skipped", func(t *testing.T) {
		images := []HashedImage{
			{ID: "img_a", DHash: FormatHash(0)},
			{ID: "img_bad", DHash: "not-a-hash"},
			{ID: "img_b", DHash: FormatHash(1)},
		}

		groups := FindSimilarGroups(images, 2)
		want := [][]string{{"img_a", "img_b"}}
		if !reflect.DeepEqual(groups, want) {
			t.Errorf("FindSimilarGroups = %v, want %v", groups, want)
		}
	})
}
