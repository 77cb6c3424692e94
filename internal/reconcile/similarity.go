package reconcile

import (
	"math"
	"strings"
	"time"
)

const (
	weightTitle    = 0.4
	weightTime     = 0.4
	weightLocation = 0.2

	// Start times this far apart have zero time proximity.
	proximityHorizon = time.Hour

	DefaultSimilarityThreshold = 0.8
	DefaultMirrorPrefix        = "📱 "
)

// Matcher scores how likely two records describe the same event.
type Matcher struct {
	Threshold float64
	// MirrorPrefix is stripped from titles before comparison. Mirrored
	// events in source B carry it.
	MirrorPrefix string
}

func NewMatcher(threshold float64, mirrorPrefix string) Matcher {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultSimilarityThreshold
	}
	return Matcher{Threshold: threshold, MirrorPrefix: mirrorPrefix}
}

func (m Matcher) title(s string) string {
	if m.MirrorPrefix != "" {
		s = strings.ReplaceAll(s, m.MirrorPrefix, "")
	}
	return strings.TrimSpace(s)
}

// Similarity is the weighted blend of title similarity, start time
// proximity and location similarity, in [0,1]. It is symmetric.
func (m Matcher) Similarity(a, b EventRecord) float64 {
	s := weightTitle*TextSimilarity(m.title(a.Title), m.title(b.Title)) +
		weightTime*TimeProximity(a.Start, b.Start) +
		weightLocation*TextSimilarity(a.Location, b.Location)
	return math.Min(1, s)
}

// IsMatch reports whether b is the counterpart of a.
func (m Matcher) IsMatch(a, b EventRecord) bool {
	if Linked(a, b) {
		return true
	}
	return m.Similarity(a, b) >= m.Threshold
}

// Linked reports whether either record names the other as its linkage id.
func Linked(a, b EventRecord) bool {
	return (b.LinkedID != "" && b.LinkedID == a.ID) || (a.LinkedID != "" && a.LinkedID == b.ID)
}

// TimeProximity falls linearly from 1 at equal times to 0 at one hour apart.
// Two zero times are equal; a single zero time scores 0.
func TimeProximity(a, b time.Time) float64 {
	switch {
	case a.IsZero() && b.IsZero():
		return 1
	case a.IsZero() || b.IsZero():
		return 0
	}
	return math.Max(0, 1-absDuration(a.Sub(b)).Seconds()/proximityHorizon.Seconds())
}

// TextSimilarity compares trimmed, lower-cased strings: equal scores 1,
// containment either way 0.8, otherwise the Jaccard index of their character
// sets. Two empty strings score 1, exactly one empty scores 0.
func TextSimilarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	switch {
	case a == "" && b == "":
		return 1
	case a == "" || b == "":
		return 0
	case a == b:
		return 1
	case strings.Contains(a, b) || strings.Contains(b, a):
		return 0.8
	}

	set := make(map[rune]uint8, len(a)+len(b))
	for _, r := range a {
		set[r] |= 1
	}
	for _, r := range b {
		set[r] |= 2
	}
	shared := 0
	for _, v := range set {
		if v == 3 {
			shared++
		}
	}
	return float64(shared) / float64(len(set))
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
