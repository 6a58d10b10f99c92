package scoring

import (
	"sort"
	"time"
)

// Level is the qualitative verification band derived from the trust score.
type Level int

const (
	LevelUnverified Level = iota
	LevelMinimal
	LevelStandard
	LevelEnhanced
	LevelComplete
)

// String returns the wire name of a level.
func (l Level) String() string {
	switch l {
	case LevelUnverified:
		return "unverified"
	case LevelMinimal:
		return "minimal"
	case LevelStandard:
		return "standard"
	case LevelEnhanced:
		return "enhanced"
	case LevelComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Threshold returns the minimum score for a level. A score exactly at a
// threshold yields the higher level.
func (l Level) Threshold() int {
	switch l {
	case LevelMinimal:
		return 100
	case LevelStandard:
		return 250
	case LevelEnhanced:
		return 400
	case LevelComplete:
		return 600
	default:
		return 0
	}
}

var levelOrder = []Level{LevelUnverified, LevelMinimal, LevelStandard, LevelEnhanced, LevelComplete}

// LevelFor maps a trust score to a verification level. Monotonic
// non-decreasing in score.
func LevelFor(score int) Level {
	level := LevelUnverified
	for _, l := range levelOrder {
		if score >= l.Threshold() {
			level = l
		}
	}
	return level
}

// Score computes the trust score from per-method counts of valid
// (non-revoked, non-expired) completions. Counts above a method's multiplier
// and completions of methods not applicable to the class contribute nothing.
func Score(counts map[Method]int, class SubjectClass) int {
	total := 0
	for m, n := range counts {
		if n <= 0 || !Applicable(m, class) {
			continue
		}
		ms := methodTable[m]
		if n > ms.MaxMultiplier {
			n = ms.MaxMultiplier
		}
		total += n * ms.BasePoints
	}
	return total
}

// IsExpired reports whether a completion with the given expiry is no longer
// valid at now. The bound is inclusive: a completion is still valid at
// exactly its expiry instant. A nil expiry never expires.
func IsExpired(expiresAt *time.Time, now time.Time) bool {
	if expiresAt == nil {
		return false
	}
	return now.After(*expiresAt)
}

// ExpiryFor derives a completion's expiry from its completion time, or nil
// when the method does not decay.
func ExpiryFor(m Method, completedAt time.Time) *time.Time {
	days := DecayDays(m)
	if days == 0 {
		return nil
	}
	t := completedAt.UTC().Add(time.Duration(days) * 24 * time.Hour)
	return &t
}

// Path is one suggested set of methods that together reach the next level.
type Path struct {
	Methods []Method `json:"methods"`
	Points  int      `json:"points"`
	Effort  int      `json:"effort"`
}

// NextLevelResult describes what a subject needs to advance one level.
type NextLevelResult struct {
	TargetLevel    Level  `json:"target_level"`
	PointsNeeded   int    `json:"points_needed"`
	SuggestedPaths []Path `json:"suggested_paths"`
	// ProgressPct is how far between the current and target thresholds the
	// current score sits, 0-100.
	ProgressPct float64 `json:"progress_pct"`
}

const maxSuggestedPaths = 5

// NextLevel returns the next achievable level, the points still needed, and
// up to five suggested method sets that would close the gap. Paths are ranked
// by total added points ascending, then estimated effort ascending, with a
// lexicographic tie-break on method names. At LevelComplete the result has a
// zero PointsNeeded and no paths.
func NextLevel(score int, class SubjectClass, counts map[Method]int) NextLevelResult {
	current := LevelFor(score)
	if current == LevelComplete {
		return NextLevelResult{TargetLevel: LevelComplete, ProgressPct: 100}
	}
	target := levelOrder[int(current)+1]
	needed := target.Threshold() - score

	span := target.Threshold() - current.Threshold()
	progress := float64(score-current.Threshold()) / float64(span) * 100
	if progress < 0 {
		progress = 0
	}

	type candidate struct {
		method Method
		points int // remaining capacity × base points
		effort Effort
	}
	var cands []candidate
	for _, m := range AllMethods() {
		if !Applicable(m, class) {
			continue
		}
		ms := methodTable[m]
		remaining := ms.MaxMultiplier - counts[m]
		if remaining <= 0 {
			continue
		}
		cands = append(cands, candidate{m, remaining * ms.BasePoints, ms.Effort})
	}

	// Enumerate minimal qualifying subsets. The candidate set per class is
	// small (a dozen methods at most), so exhaustive enumeration is fine.
	var paths []Path
	for mask := 1; mask < 1<<len(cands); mask++ {
		total, effort := 0, 0
		for i, c := range cands {
			if mask&(1<<i) != 0 {
				total += c.points
				effort += int(c.effort)
			}
		}
		if total < needed {
			continue
		}
		// Minimality: dropping any single member must break the path.
		minimal := true
		for i := range cands {
			if mask&(1<<i) != 0 && total-cands[i].points >= needed {
				minimal = false
				break
			}
		}
		if !minimal {
			continue
		}
		p := Path{Points: total, Effort: effort}
		for i, c := range cands {
			if mask&(1<<i) != 0 {
				p.Methods = append(p.Methods, c.method)
			}
		}
		paths = append(paths, p)
	}

	sort.Slice(paths, func(i, j int) bool {
		if paths[i].Points != paths[j].Points {
			return paths[i].Points < paths[j].Points
		}
		if paths[i].Effort != paths[j].Effort {
			return paths[i].Effort < paths[j].Effort
		}
		return lessMethods(paths[i].Methods, paths[j].Methods)
	})
	if len(paths) > maxSuggestedPaths {
		paths = paths[:maxSuggestedPaths]
	}

	return NextLevelResult{
		TargetLevel:    target,
		PointsNeeded:   needed,
		SuggestedPaths: paths,
		ProgressPct:    progress,
	}
}

func lessMethods(a, b []Method) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}
