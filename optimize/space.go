// Package optimize provides Bayesian optimization over bounded parameter
// spaces for tuning highlight-edit settings against an expensive, black-box
// scoring function.
//
// The search loop is strictly sequential: Suggest proposes the next edit
// parameters, the caller renders and scores a candidate edit, and Observe
// feeds the reward back into the optimizer's posterior.
//
// Example:
//
//	space, _ := optimize.NewParameterSpace([]optimize.ParameterBound{
//	    {Name: "clip_length", Low: 2, High: 12},
//	    {Name: "zoom_intensity", Low: 0, High: 1},
//	})
//	opt, _ := optimize.NewOptimizer(optimize.OptimizerConfig{Space: space, Seed: 42})
//	for i := 0; i < 30; i++ {
//	    params, _ := opt.Suggest()
//	    reward := renderAndScore(params)
//	    opt.Observe(params, reward)
//	}
//	best, score := opt.Best()
package optimize

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
)

// ParamType specifies the type of a tunable parameter.
type ParamType string

const (
	// ParamContinuous represents a continuous parameter (float)
	ParamContinuous ParamType = "continuous"
	// ParamInteger represents an integer-valued parameter
	ParamInteger ParamType = "integer"
	// ParamCategorical represents a categorical parameter encoded as an index range
	ParamCategorical ParamType = "categorical"
)

// ParameterBound defines one tunable dimension of the search space.
//
// A zero-valued Type is treated as continuous. LogScale samples the dimension
// log-uniformly, which suits scale-like parameters (e.g. transition speed).
type ParameterBound struct {
	Name     string
	Low      float64
	High     float64
	Type     ParamType
	LogScale bool
}

// ParameterSpace is an ordered, immutable set of parameter bounds.
//
// Declaration order is significant: it defines the dict↔array conversion used
// for all vectorized operations.
type ParameterSpace struct {
	bounds []ParameterBound
	index  map[string]int
	logger *slog.Logger
}

// NewParameterSpace creates a parameter space from an ordered list of bounds.
//
// Names must be unique and each Low must be strictly less than High.
func NewParameterSpace(bounds []ParameterBound) (*ParameterSpace, error) {
	if len(bounds) == 0 {
		return nil, fmt.Errorf("parameter space requires at least one bound")
	}

	index := make(map[string]int, len(bounds))
	owned := make([]ParameterBound, len(bounds))
	for i, b := range bounds {
		if b.Name == "" {
			return nil, fmt.Errorf("parameter %d has empty name", i)
		}
		if _, dup := index[b.Name]; dup {
			return nil, fmt.Errorf("duplicate parameter name %q", b.Name)
		}
		if !(b.Low < b.High) {
			return nil, fmt.Errorf("parameter %q: low %v must be less than high %v", b.Name, b.Low, b.High)
		}
		if b.LogScale && b.Low <= 0 {
			return nil, fmt.Errorf("parameter %q: log scale requires positive low bound", b.Name)
		}
		if b.Type == "" {
			b.Type = ParamContinuous
		}
		index[b.Name] = i
		owned[i] = b
	}

	return &ParameterSpace{
		bounds: owned,
		index:  index,
		logger: slog.Default(),
	}, nil
}

// Dimension returns the number of parameters in the space.
func (s *ParameterSpace) Dimension() int {
	return len(s.bounds)
}

// Names returns parameter names in declaration order.
func (s *ParameterSpace) Names() []string {
	names := make([]string, len(s.bounds))
	for i, b := range s.bounds {
		names[i] = b.Name
	}
	return names
}

// Bounds returns a copy of the parameter bounds in declaration order.
func (s *ParameterSpace) Bounds() []ParameterBound {
	out := make([]ParameterBound, len(s.bounds))
	copy(out, s.bounds)
	return out
}

// ArrayBounds returns the lower and upper bound vectors in declaration order.
func (s *ParameterSpace) ArrayBounds() (lows, highs []float64) {
	lows = make([]float64, len(s.bounds))
	highs = make([]float64, len(s.bounds))
	for i, b := range s.bounds {
		lows[i] = b.Low
		highs[i] = b.High
	}
	return lows, highs
}

// DictToArray converts a named parameter map to a flat vector in declaration
// order. Every declared parameter must be present and no unknown names are
// allowed.
func (s *ParameterSpace) DictToArray(params map[string]float64) ([]float64, error) {
	for name := range params {
		if _, ok := s.index[name]; !ok {
			return nil, fmt.Errorf("unknown parameter %q", name)
		}
	}

	out := make([]float64, len(s.bounds))
	for i, b := range s.bounds {
		v, ok := params[b.Name]
		if !ok {
			return nil, fmt.Errorf("missing parameter %q", b.Name)
		}
		out[i] = v
	}
	return out, nil
}

// ArrayToDict converts a flat vector back to a named parameter map.
func (s *ParameterSpace) ArrayToDict(values []float64) (map[string]float64, error) {
	if len(values) != len(s.bounds) {
		return nil, fmt.Errorf("got %d values, space has %d dimensions", len(values), len(s.bounds))
	}
	out := make(map[string]float64, len(values))
	for i, b := range s.bounds {
		out[b.Name] = values[i]
	}
	return out, nil
}

// RandomSample draws one configuration uniformly at random within the bounds.
//
// The caller owns the RNG so repeated runs with the same seed reproduce the
// same draws.
func (s *ParameterSpace) RandomSample(rng *rand.Rand) map[string]float64 {
	out := make(map[string]float64, len(s.bounds))
	for _, b := range s.bounds {
		out[b.Name] = s.scaleUnit(b, rng.Float64())
	}
	return out
}

// randomArray draws one configuration as a flat vector.
func (s *ParameterSpace) randomArray(rng *rand.Rand) []float64 {
	out := make([]float64, len(s.bounds))
	for i, b := range s.bounds {
		out[i] = s.scaleUnit(b, rng.Float64())
	}
	return out
}

// SobolSamples returns n quasi-random configurations from a Sobol sequence
// scaled to the space bounds, for spread-out coverage before any model exists.
//
// If the space has more dimensions than the direction-number table supports,
// it degrades to seeded pseudo-random sampling and logs a warning.
func (s *ParameterSpace) SobolSamples(n int) []map[string]float64 {
	if n <= 0 {
		return nil
	}

	out := make([]map[string]float64, 0, n)
	seq, ok := newSobolSequence(len(s.bounds))
	if !ok {
		s.logger.Warn("sobol sequence unavailable for this dimensionality, using pseudo-random initial design",
			"dimension", len(s.bounds), "max_supported", sobolMaxDim)
		rng := rand.New(rand.NewPCG(uint64(len(s.bounds)), uint64(n)))
		for i := 0; i < n; i++ {
			out = append(out, s.RandomSample(rng))
		}
		return out
	}

	for i := 0; i < n; i++ {
		unit := seq.Next()
		cfg := make(map[string]float64, len(s.bounds))
		for j, b := range s.bounds {
			cfg[b.Name] = s.scaleUnit(b, unit[j])
		}
		out = append(out, cfg)
	}
	return out
}

// sobolArrays is SobolSamples in flat-vector form, used for the optimizer's
// initial schedule.
func (s *ParameterSpace) sobolArrays(n int) [][]float64 {
	samples := s.SobolSamples(n)
	out := make([][]float64, len(samples))
	for i, cfg := range samples {
		arr, _ := s.DictToArray(cfg)
		out[i] = arr
	}
	return out
}

// scaleUnit maps u in [0,1) onto the bound's range, honoring log scale and
// integer rounding.
func (s *ParameterSpace) scaleUnit(b ParameterBound, u float64) float64 {
	var v float64
	if b.LogScale {
		v = math.Exp(math.Log(b.Low) + u*(math.Log(b.High)-math.Log(b.Low)))
	} else {
		v = b.Low + u*(b.High-b.Low)
	}
	return s.quantize(b, v)
}

// quantize snaps a raw value onto the bound's type and clamps it in range.
func (s *ParameterSpace) quantize(b ParameterBound, v float64) float64 {
	if b.Type == ParamInteger || b.Type == ParamCategorical {
		v = math.Round(v)
	}
	if v < b.Low {
		v = b.Low
	}
	if v > b.High {
		v = b.High
	}
	return v
}

// Contains reports whether every value lies within its declared bound.
func (s *ParameterSpace) Contains(params map[string]float64) bool {
	arr, err := s.DictToArray(params)
	if err != nil {
		return false
	}
	for i, b := range s.bounds {
		if arr[i] < b.Low || arr[i] > b.High {
			return false
		}
	}
	return true
}
