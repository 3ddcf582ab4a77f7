// Package reward turns the independently measured quality metrics of a
// candidate highlight edit into one scalar objective, and supports principled
// removal of any single metric for ablation analysis.
//
// Components are raw per-metric values, by convention normalized to [0,1] by
// the scoring pipeline (retention curves, click-through prediction, LLM
// quality grades, and so on). Weights express their relative importance and
// are always renormalized to sum to 1 before use.
//
// Example:
//
//	fn := reward.NewFunction(nil) // reference weights
//	sig := fn.Compute(map[string]float64{"retention": 0.8, "ctr": 0.4})
//	fmt.Printf("total=%.3f dominant=%s\n", sig.Total, sig.DominantComponent())
package reward

import (
	"math"
	"sort"
)

// Reference component weights for the highlight-edit objective. The set sums
// to 1.0 and is the baseline configuration every ablation is measured against.
const (
	WeightRetention  = 0.30
	WeightCTR        = 0.20
	WeightEngagement = 0.15
	WeightWatchTime  = 0.15
	WeightLLMQuality = 0.10
	WeightDiversity  = 0.10
)

// DefaultWeights returns a fresh copy of the reference weight configuration.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		"retention":   WeightRetention,
		"ctr":         WeightCTR,
		"engagement":  WeightEngagement,
		"watch_time":  WeightWatchTime,
		"llm_quality": WeightLLMQuality,
		"diversity":   WeightDiversity,
	}
}

// Signal is an immutable scored reward: the weighted total, the raw component
// values it was computed from, and the normalized weights that were applied.
//
// Invariant: Total == Σ Weights[k] * Components[k] over the keys of Weights.
type Signal struct {
	Total      float64            `json:"total"`
	Components map[string]float64 `json:"components"`
	Weights    map[string]float64 `json:"weights"`
}

// Reweight recomputes the total against a different, caller-supplied
// weighting while keeping the same components. Useful for what-if sensitivity
// analysis without re-running trials.
func (s Signal) Reweight(newWeights map[string]float64) Signal {
	return computeSignal(s.Components, newWeights)
}

// DominantComponent returns the component with the largest raw value. Ties
// break to the lexicographically smallest name so output is deterministic.
// Empty components yield "".
func (s Signal) DominantComponent() string {
	best := ""
	bestVal := math.Inf(-1)
	for _, name := range sortedKeys(s.Components) {
		if v := s.Components[name]; v > bestVal {
			bestVal = v
			best = name
		}
	}
	return best
}

// Function computes reward signals from component metrics using a fixed
// weight configuration. A Function is immutable; Ablate returns derived
// instances and never mutates the receiver.
type Function struct {
	weights map[string]float64
}

// NewFunction creates a reward function with the given weights. A nil map
// selects the reference configuration. The weights are copied and normalized
// lazily at each Compute, so callers may pass unnormalized importances.
func NewFunction(weights map[string]float64) *Function {
	if weights == nil {
		weights = DefaultWeights()
	}
	return &Function{weights: copyMap(weights)}
}

// Weights returns a copy of the function's raw (unnormalized) weight map.
func (f *Function) Weights() map[string]float64 {
	return copyMap(f.weights)
}

// ComponentNames returns the weighted component names in sorted order.
func (f *Function) ComponentNames() []string {
	return sortedKeys(f.weights)
}

// Compute scores a set of component metrics.
//
// Weights are normalized to sum to 1; a weight map summing to zero yields a
// zero total with empty normalized weights rather than dividing by zero.
// Components absent from the input are treated as 0.
func (f *Function) Compute(components map[string]float64) Signal {
	return computeSignal(components, f.weights)
}

// Ablate returns a new Function with the named component removed and the
// remaining weights renormalized. Ablating a name that is not present, or
// ablating every component down to an empty map, is well defined: the empty
// function scores every input as 0.
func (f *Function) Ablate(name string) *Function {
	remaining := make(map[string]float64, len(f.weights))
	for k, v := range f.weights {
		if k != name {
			remaining[k] = v
		}
	}

	var sum float64
	for _, v := range remaining {
		sum += v
	}
	if sum > 0 {
		for k := range remaining {
			remaining[k] /= sum
		}
	}
	return &Function{weights: remaining}
}

func computeSignal(components, weights map[string]float64) Signal {
	var sum float64
	for _, w := range weights {
		sum += w
	}

	normalized := make(map[string]float64, len(weights))
	total := 0.0
	if sum > 0 {
		for k, w := range weights {
			nw := w / sum
			normalized[k] = nw
			total += nw * components[k] // absent components read as 0
		}
	}

	return Signal{
		Total:      total,
		Components: copyMap(components),
		Weights:    normalized,
	}
}

func copyMap(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
