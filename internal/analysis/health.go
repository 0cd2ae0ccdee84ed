package analysis

import (
	"github.com/agora-ai/agora/internal/model"
)

// Component weights of the composite health score. They sum to 1.
const (
	weightCoherence     = 0.40
	weightContradiction = 0.30
	weightLoop          = 0.20
	weightCitation      = 0.10

	// tooSimilar is the consecutive-message similarity above which a
	// pair counts against coherence.
	tooSimilar = 0.92
)

// clampScore bounds a component score to [0,100].
func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

// coherenceScore penalizes the fraction of consecutive message pairs
// that are near-duplicates. An empty conversation is fully coherent.
func coherenceScore(consecutiveSims []float64) float64 {
	if len(consecutiveSims) == 0 {
		return 100
	}
	over := 0
	for _, s := range consecutiveSims {
		if s >= tooSimilar {
			over++
		}
	}
	return clampScore(100 - 100*float64(over)/float64(len(consecutiveSims)))
}

// contradictionScore penalizes unresolved contradictions by severity.
func contradictionScore(open map[model.Severity]int) float64 {
	penalty := 25*float64(open[model.SeverityCritical]) +
		10*float64(open[model.SeverityHigh]) +
		4*float64(open[model.SeverityMedium]) +
		1*float64(open[model.SeverityLow])
	if penalty > 100 {
		penalty = 100
	}
	return clampScore(100 - penalty)
}

// loopScore penalizes loops whose status is detected or intervened.
func loopScore(activeLoops int) float64 {
	penalty := 20 * float64(activeLoops)
	if penalty > 100 {
		penalty = 100
	}
	return clampScore(100 - penalty)
}

// citationScore grades verified citations against total claims. With no
// citation verification recorded the component stays neutral.
func citationScore(verified, total int) float64 {
	if total == 0 {
		return 100
	}
	return clampScore(100 * float64(verified) / float64(total))
}

// composeHealth combines the component scores into one sample.
func composeHealth(coherence, contradiction, loop, citation float64) float64 {
	overall := weightCoherence*coherence +
		weightContradiction*contradiction +
		weightLoop*loop +
		weightCitation*citation
	return clampScore(overall)
}
