// Package behavior turns raw event windows into the five-component
// behavioral vector and the identity state derived from it.
package behavior

import (
	"sort"
	"time"

	"github.com/morphlab/adapt/internal/store"
)

// Vector is the behavioral fingerprint of one user window. Every
// component lives in [0,1]; 0.5 means "no signal either way".
type Vector struct {
	ExplorationScore  float64 `json:"exploration_score"`
	HesitationScore   float64 `json:"hesitation_score"`
	EngagementDepth   float64 `json:"engagement_depth"`
	DecisionVelocity  float64 `json:"decision_velocity"`
	ContentFocusRatio float64 `json:"content_focus_ratio"`
}

// Neutral is the vector used when no events are available.
func Neutral() Vector {
	return Vector{
		ExplorationScore:  0.5,
		HesitationScore:   0.5,
		EngagementDepth:   0.5,
		DecisionVelocity:  0.5,
		ContentFocusRatio: 0.5,
	}
}

// AsMap renders the vector under its wire names, for session storage
// and API responses.
func (v Vector) AsMap() map[string]float64 {
	return map[string]float64{
		"exploration_score":   v.ExplorationScore,
		"hesitation_score":    v.HesitationScore,
		"engagement_depth":    v.EngagementDepth,
		"decision_velocity":   v.DecisionVelocity,
		"content_focus_ratio": v.ContentFocusRatio,
	}
}

// FromMap rebuilds a Vector from its stored map form. Missing components
// fall back to neutral.
func FromMap(m map[string]float64) Vector {
	v := Neutral()
	if m == nil {
		return v
	}
	if x, ok := m["exploration_score"]; ok {
		v.ExplorationScore = x
	}
	if x, ok := m["hesitation_score"]; ok {
		v.HesitationScore = x
	}
	if x, ok := m["engagement_depth"]; ok {
		v.EngagementDepth = x
	}
	if x, ok := m["decision_velocity"]; ok {
		v.DecisionVelocity = x
	}
	if x, ok := m["content_focus_ratio"]; ok {
		v.ContentFocusRatio = x
	}
	return v
}

// Signals carries the non-vector facts the classifier needs about the
// same window.
type Signals struct {
	EventCount        int
	ConversionPresent bool
	SessionDuration   time.Duration
	Revisits          int
}

// Hesitation signal weights and the weighted count at which the score
// crosses 0.5.
const (
	weightHesitation = 1.0
	weightIdleStart  = 0.7
	weightDirChange  = 0.5
	weightLongHover  = 0.6
	hesitationKnee   = 4.0
)

const (
	longHoverMS      = 2000
	maxDwellPerEvent = 120 * time.Second
	// Seconds of view-to-action gap at which velocity reads 0.5.
	velocityGapScale = 10.0
)

// Aggregate reduces an event window to a vector plus classifier
// signals. An empty window yields Neutral() and zeroed signals; a
// component with no supporting events stays at 0.5.
func Aggregate(events []*store.Event, now time.Time) (Vector, Signals) {
	if len(events) == 0 {
		return Neutral(), Signals{}
	}

	sorted := make([]*store.Event, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	sig := Signals{EventCount: len(sorted)}
	elapsed := now.Sub(sorted[0].Timestamp)
	if elapsed < time.Second {
		elapsed = time.Second
	}
	sig.SessionDuration = elapsed

	views := map[string]int{}
	var viewTotal int
	var hesitations, idleStarts, dirChanges, fastScrolls, longHovers int
	var dwell time.Duration
	var dwellSeen bool
	var hiddenAt time.Time
	var hidden time.Duration
	var gaps []time.Duration
	var pendingView *store.Event

	for _, e := range sorted {
		switch e.EventName {
		case EventComponentViewed:
			viewTotal++
			views[e.ComponentID]++
			pendingView = e
		case EventMouseHesitation:
			hesitations++
		case EventMouseIdleStart:
			idleStarts++
		case EventScrollDirectionChange:
			dirChanges++
		case EventScrollFast:
			fastScrolls++
		case EventHover:
			if propMillis(e, "duration_ms") >= longHoverMS {
				longHovers++
			}
		case EventTimeOnComponent:
			if ms := propMillis(e, "duration_ms"); ms > 0 {
				d := time.Duration(ms) * time.Millisecond
				if d > maxDwellPerEvent {
					d = maxDwellPerEvent
				}
				dwell += d
				dwellSeen = true
			}
		case EventTabHidden:
			hiddenAt = e.Timestamp
		case EventTabVisible:
			if !hiddenAt.IsZero() && e.Timestamp.After(hiddenAt) {
				hidden += e.Timestamp.Sub(hiddenAt)
			}
			hiddenAt = time.Time{}
		}

		if ConversionSignals[e.EventName] {
			sig.ConversionPresent = true
		}

		switch e.EventName {
		case EventClick, EventProductClick, EventDoubleClick, EventAddToCart, EventFormSubmit, EventConversionCompleted:
			if pendingView != nil {
				gaps = append(gaps, e.Timestamp.Sub(pendingView.Timestamp))
				pendingView = nil
			}
		}
	}
	if !hiddenAt.IsZero() && now.After(hiddenAt) {
		hidden += now.Sub(hiddenAt)
	}
	for _, n := range views {
		if n > 1 {
			sig.Revisits += n - 1
		}
	}

	vec := Neutral()

	if viewTotal > 0 {
		vec.ExplorationScore = clamp01(float64(len(views)) / float64(viewTotal))
	}

	weighted := float64(hesitations)*weightHesitation +
		float64(idleStarts)*weightIdleStart +
		float64(dirChanges)*weightDirChange +
		float64(longHovers)*weightLongHover
	vec.HesitationScore = clamp01(weighted / (weighted + hesitationKnee))

	if dwellSeen {
		vec.EngagementDepth = clamp01(dwell.Seconds() / elapsed.Seconds())
	}

	if len(gaps) > 0 {
		g := median(gaps).Seconds()
		vec.DecisionVelocity = clamp01(1 / (1 + g/velocityGapScale))
	}

	distraction := float64(dirChanges+fastScrolls) / float64(len(sorted))
	vec.ContentFocusRatio = clamp01(1 - distraction - hidden.Seconds()/elapsed.Seconds())

	return vec, sig
}

func propMillis(e *store.Event, key string) int64 {
	if e.Properties == nil {
		return 0
	}
	switch v := e.Properties[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	}
	return 0
}

func median(ds []time.Duration) time.Duration {
	sort.Slice(ds, func(i, j int) bool { return ds[i] < ds[j] })
	n := len(ds)
	if n%2 == 1 {
		return ds[n/2]
	}
	return (ds[n/2-1] + ds[n/2]) / 2
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
