package behavior

// Identity states, most decisive first. Classification walks this
// order and returns the first state whose rule holds.
const (
	StateImpulseBuyer      = "impulse_buyer"
	StateReadyToDecide     = "ready_to_decide"
	StateConfident         = "confident"
	StateOverwhelmed       = "overwhelmed"
	StateCautious          = "cautious"
	StateComparisonFocused = "comparison_focused"
	StateExploratory       = "exploratory"
)

// KnownStates is the closed set of identity states.
var KnownStates = map[string]bool{
	StateImpulseBuyer:      true,
	StateReadyToDecide:     true,
	StateConfident:         true,
	StateOverwhelmed:       true,
	StateCautious:          true,
	StateComparisonFocused: true,
	StateExploratory:       true,
}

// Rule thresholds on vector components.
const (
	impulseVelocity       = 0.8
	impulseHesitation     = 0.2
	readyVelocity         = 0.6
	confidentVelocity     = 0.5
	confidentExploration  = 0.4
	overwhelmedHesitation = 0.5
	overwhelmedFocus      = 0.5
	cautiousHesitation    = 0.5
	comparisonEngagement  = 0.5
	comparisonRevisits    = 2
	cautiousSessionSecs   = 60
)

// marginScale is the vector-component distance at which a near-miss on
// a higher-priority rule stops depressing confidence.
const marginScale = 0.3

// Classify maps a window's vector and signals to an identity state and
// a confidence in [0.5, 0.95]. Confidence reflects how close the window
// came to matching a higher-priority state: a tight miss keeps it near
// 0.5, a clear miss pushes it toward 0.95. An empty window is always
// exploratory at exactly 0.5.
func Classify(vec Vector, sig Signals) (string, float64) {
	if sig.EventCount == 0 {
		return StateExploratory, 0.5
	}

	var margins []float64
	miss := func(ms ...float64) {
		for _, m := range ms {
			if m > 0 {
				margins = append(margins, m)
			}
		}
	}

	if vec.DecisionVelocity >= impulseVelocity && vec.HesitationScore <= impulseHesitation {
		return StateImpulseBuyer, confidence(margins)
	}
	miss(impulseVelocity-vec.DecisionVelocity, vec.HesitationScore-impulseHesitation)

	if vec.DecisionVelocity >= readyVelocity && sig.ConversionPresent {
		return StateReadyToDecide, confidence(margins)
	}
	miss(readyVelocity - vec.DecisionVelocity)

	if vec.DecisionVelocity >= confidentVelocity && vec.ExplorationScore <= confidentExploration {
		return StateConfident, confidence(margins)
	}
	miss(confidentVelocity-vec.DecisionVelocity, vec.ExplorationScore-confidentExploration)

	if vec.HesitationScore >= overwhelmedHesitation && vec.ContentFocusRatio <= overwhelmedFocus {
		return StateOverwhelmed, confidence(margins)
	}
	miss(overwhelmedHesitation-vec.HesitationScore, vec.ContentFocusRatio-overwhelmedFocus)

	if vec.HesitationScore >= cautiousHesitation &&
		sig.SessionDuration.Seconds() >= cautiousSessionSecs &&
		!sig.ConversionPresent {
		return StateCautious, confidence(margins)
	}
	miss(cautiousHesitation - vec.HesitationScore)

	if vec.EngagementDepth >= comparisonEngagement && sig.Revisits >= comparisonRevisits {
		return StateComparisonFocused, confidence(margins)
	}
	miss(comparisonEngagement - vec.EngagementDepth)

	return StateExploratory, confidence(margins)
}

// confidence converts near-miss margins into [0.5, 0.95]. Only vector
// component distances count; rules that failed solely on a boolean
// signal contribute nothing.
func confidence(margins []float64) float64 {
	if len(margins) == 0 {
		return 0.95
	}
	d := margins[0]
	for _, m := range margins[1:] {
		if m < d {
			d = m
		}
	}
	if d >= marginScale {
		return 0.95
	}
	return 0.5 + 0.45*(d/marginScale)
}
