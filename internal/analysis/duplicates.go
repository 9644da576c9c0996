package analysis

import (
	"sort"
)

// HashedImage is the input to duplicate grouping: an image ID with its
// exact checksum and perceptual hash.
type HashedImage struct {
	ID       string
	Checksum string
	DHash    string
}

// GroupByExactMatch groups images sharing a checksum. Only groups with
// two or more members are returned, ordered by their smallest member ID.
func GroupByExactMatch(images []HashedImage) [][]string {
	byChecksum := make(map[string][]string)
	for _, img := range images {
		if img.Checksum == "" {
			continue
		}
		byChecksum[img.Checksum] = append(byChecksum[img.Checksum], img.ID)
	}

	var groups [][]string
	for _, ids := range byChecksum {
		if len(ids) < 2 {
			continue
		}
		sort.Strings(ids)
		groups = append(groups, ids)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i][0] < groups[j][0] })
	return groups
}

// FindSimilarGroups groups images whose perceptual hashes are within
// maxDistance Hamming bits of each other. Similarity is transitive via
// union-find, so chains of near-duplicates collapse into one group.
func FindSimilarGroups(images []HashedImage, maxDistance int) [][]string {
	type hashed struct {
		id   string
		hash uint64
	}

	var candidates []hashed
	for _, img := range images {
		h, err := ParseHash(img.DHash)
		if err != nil {
			continue
		}
		candidates = append(candidates, hashed{id: img.ID, hash: h})
	}

	parent := make([]int, len(candidates))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			if HammingDistance(candidates[i].hash, candidates[j].hash) <= maxDistance {
				union(i, j)
			}
		}
	}

	members := make(map[int][]string)
	for i, c := range candidates {
		root := find(i)
		members[root] = append(members[root], c.id)
	}

	var groups [][]string
	for _, ids := range members {
		if len(ids) < 2 {
			continue
		}
		sort.Strings(ids)
		groups = append(groups, ids)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i][0] < groups[j][0] })
	return groups
}
