package analysis

import (
	"time"
)

// Burst grouping defaults: shots on the same camera no more than
// DefaultBurstGap apart form a burst; runs shorter than
// DefaultMinBurstSize are ignored.
const (
	DefaultBurstGap     = 2 * time.Second
	DefaultMinBurstSize = 3
)

// Shot is one capture considered for burst grouping. Inputs must be
// sorted by capture time.
type Shot struct {
	ImageID    string
	Camera     string
	CapturedAt time.Time
}

// BurstGroup is a run of shots taken in rapid succession on one camera
type BurstGroup struct {
	Camera    string
	StartTime time.Time
	EndTime   time.Time
	Shots     []Shot
}

// GroupBursts walks time-sorted shots and collects runs where consecutive
// shots share a camera and are at most maxGap apart. Runs shorter than
// minSize are dropped.
func GroupBursts(shots []Shot, maxGap time.Duration, minSize int) []BurstGroup {
	if maxGap <= 0 {
		maxGap = DefaultBurstGap
	}
	if minSize <= 0 {
		minSize = DefaultMinBurstSize
	}

	var groups []BurstGroup
	var current []Shot

	flush := func() {
		if len(current) >= minSize {
			groups = append(groups, newBurstGroup(current))
		}
		current = nil
	}

	for _, shot := range shots {
		if len(current) == 0 {
			current = append(current, shot)
			continue
		}

		prev := current[len(current)-1]
		if shot.Camera == prev.Camera && shot.CapturedAt.Sub(prev.CapturedAt) <= maxGap {
			current = append(current, shot)
			continue
		}

		flush()
		current = append(current, shot)
	}
	flush()

	return groups
}

// MergeAdjacentBursts joins bursts whose boundaries touch: same camera and
// the gap between one burst's last shot and the next burst's first shot at
// most maxGap. Groups are assumed ordered by start time, as produced by
// grouping consecutive slices of a time-sorted catalog. The merged set is
// re-filtered by minSize.
func MergeAdjacentBursts(groups []BurstGroup, maxGap time.Duration, minSize int) []BurstGroup {
	if maxGap <= 0 {
		maxGap = DefaultBurstGap
	}
	if minSize <= 0 {
		minSize = DefaultMinBurstSize
	}
	if len(groups) == 0 {
		return nil
	}

	merged := []BurstGroup{groups[0]}
	for _, group := range groups[1:] {
		last := &merged[len(merged)-1]
		if group.Camera == last.Camera && group.StartTime.Sub(last.EndTime) <= maxGap {
			last.Shots = append(last.Shots, group.Shots...)
			last.EndTime = group.EndTime
			continue
		}
		merged = append(merged, group)
	}

	result := merged[:0]
	for _, group := range merged {
		if len(group.Shots) >= minSize {
			result = append(result, group)
		}
	}
	return result
}

func newBurstGroup(shots []Shot) BurstGroup {
	group := BurstGroup{
		Camera:    shots[0].Camera,
		StartTime: shots[0].CapturedAt,
		EndTime:   shots[len(shots)-1].CapturedAt,
		Shots:     make([]Shot, len(shots)),
	}
	copy(group.Shots, shots)
	return group
}
