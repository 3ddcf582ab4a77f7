package optimize

import (
	"fmt"
	"log/slog"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// OptimizationResult is a summary snapshot of an optimization run, derived
// from the observation history and recomputed on demand.
type OptimizationResult struct {
	BestParams    map[string]float64   `json:"best_params"`
	BestReward    float64              `json:"best_reward"`
	AllParams     []map[string]float64 `json:"all_params"`
	AllRewards    []float64            `json:"all_rewards"`
	NTrials       int                  `json:"n_trials"`
	GPUncertainty []float64            `json:"gp_uncertainty"`
}

// OptimizerConfig contains configuration for Optimizer.
type OptimizerConfig struct {
	// Space defines the search domain (required).
	Space *ParameterSpace

	// NInitial is the number of quasi-random exploration points evaluated
	// before the surrogate model takes over (default: 5).
	NInitial int

	// NCandidates is the number of random candidates scored per model-guided
	// suggestion (default: 256).
	NCandidates int

	// Seed drives the optimizer's single reusable RNG. Runs with the same
	// seed and observation history produce identical suggestions (default: 1).
	Seed uint64

	// Regressor overrides the surrogate model (default: GPRegressor).
	Regressor Regressor

	// Logger for degradation warnings (default: slog.Default()).
	Logger *slog.Logger
}

// Optimizer sequentially proposes parameter settings that trade off
// exploration and exploitation of an unknown reward surface.
//
// Phase A (fewer observations than NInitial) walks a precomputed Sobol
// schedule for spread-out coverage. Phase B fits the surrogate to the full
// history and picks the best of NCandidates random points by Thompson
// Sampling: one independent draw from Normal(mean(x), std(x)) per candidate,
// highest draw wins. High-uncertainty points occasionally sample large values
// (exploration) while high-mean points sample large values consistently
// (exploitation), with no separate exploration weight to tune.
//
// An Optimizer is single-writer state and is not safe for concurrent use;
// callers needing background optimization must run the whole
// suggest/evaluate/observe loop on one goroutine.
type Optimizer struct {
	space       *ParameterSpace
	nInitial    int
	nCandidates int
	rng         *rand.Rand
	logger      *slog.Logger

	regressor Regressor
	fallback  *FallbackRegressor
	active    Regressor
	stale     bool

	initial [][]float64 // precomputed Sobol schedule

	x           [][]float64
	y           []float64
	uncertainty []float64 // mean candidate std, committed per observation

	// pendingStd holds the last model-guided Suggest's mean candidate std
	// until Observe commits it, so repeated Suggest calls without a matching
	// Observe do not inflate the uncertainty history.
	pendingStd float64
	hasPending bool
}

// NewOptimizer creates a new Bayesian optimizer over the given space.
func NewOptimizer(cfg OptimizerConfig) (*Optimizer, error) {
	if cfg.Space == nil {
		return nil, fmt.Errorf("parameter space is required")
	}
	if cfg.NInitial <= 0 {
		cfg.NInitial = 5
	}
	if cfg.NCandidates <= 0 {
		cfg.NCandidates = 256
	}
	if cfg.Seed == 0 {
		cfg.Seed = 1
	}
	if cfg.Regressor == nil {
		cfg.Regressor = NewGPRegressor(1e-6)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Optimizer{
		space:       cfg.Space,
		nInitial:    cfg.NInitial,
		nCandidates: cfg.NCandidates,
		rng:         rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		logger:      cfg.Logger,
		regressor:   cfg.Regressor,
		fallback:    NewFallbackRegressor(),
		initial:     cfg.Space.sobolArrays(cfg.NInitial),
		stale:       true,
	}, nil
}

// NObservations returns the number of rewards observed so far.
func (o *Optimizer) NObservations() int {
	return len(o.y)
}

// Suggest proposes the next parameter setting to evaluate. It has no side
// effects on the observation history; the surrogate is refit lazily when the
// history changed since the last fit.
func (o *Optimizer) Suggest() (map[string]float64, error) {
	if len(o.y) < o.nInitial {
		return o.space.ArrayToDict(o.initial[len(o.y)])
	}

	o.ensureFitted()

	bestSample := 0.0
	var best []float64
	var stdSum float64
	for i := 0; i < o.nCandidates; i++ {
		candidate := o.space.randomArray(o.rng)
		mean, std := o.active.Predict(candidate)
		stdSum += std

		sample := mean
		if std > 0 {
			sample = distuv.Normal{Mu: mean, Sigma: std, Src: o.rng}.Rand()
		}
		if best == nil || sample > bestSample {
			bestSample = sample
			best = candidate
		}
	}
	o.pendingStd = stdSum / float64(o.nCandidates)
	o.hasPending = true

	return o.space.ArrayToDict(best)
}

// Observe appends one (params, reward) observation to the history. It must be
// called in the same order suggestions were issued; the surrogate is not
// retrained eagerly.
func (o *Optimizer) Observe(params map[string]float64, reward float64) error {
	arr, err := o.space.DictToArray(params)
	if err != nil {
		return fmt.Errorf("observe: %w", err)
	}
	o.x = append(o.x, arr)
	o.y = append(o.y, reward)
	if o.hasPending {
		o.uncertainty = append(o.uncertainty, o.pendingStd)
		o.hasPending = false
	}
	o.stale = true
	return nil
}

// Best returns the observed parameter setting with the highest reward, or
// (nil, 0) before any observation.
func (o *Optimizer) Best() (map[string]float64, float64) {
	if len(o.y) == 0 {
		return nil, 0
	}
	bestIdx := 0
	for i, v := range o.y {
		if v > o.y[bestIdx] {
			bestIdx = i
		}
	}
	params, _ := o.space.ArrayToDict(o.x[bestIdx])
	return params, o.y[bestIdx]
}

// Predict returns the surrogate's posterior mean and standard deviation at
// the given parameters, fitting lazily if needed.
func (o *Optimizer) Predict(params map[string]float64) (mean, std float64, err error) {
	arr, err := o.space.DictToArray(params)
	if err != nil {
		return 0, 0, err
	}
	o.ensureFitted()
	mean, std = o.active.Predict(arr)
	return mean, std, nil
}

// Result materializes the full history plus the tracked mean model
// uncertainty over time. GPUncertainty holds one entry per observation made
// in the model-guided phase, recorded from the Suggest that preceded it.
func (o *Optimizer) Result() *OptimizationResult {
	allParams := make([]map[string]float64, len(o.x))
	for i, arr := range o.x {
		allParams[i], _ = o.space.ArrayToDict(arr)
	}
	allRewards := make([]float64, len(o.y))
	copy(allRewards, o.y)

	uncertainty := make([]float64, len(o.uncertainty))
	copy(uncertainty, o.uncertainty)

	bestParams, bestReward := o.Best()
	return &OptimizationResult{
		BestParams:    bestParams,
		BestReward:    bestReward,
		AllParams:     allParams,
		AllRewards:    allRewards,
		NTrials:       len(o.y),
		GPUncertainty: uncertainty,
	}
}

// UncertaintySurface evaluates the posterior standard deviation on a
// resolution×resolution grid over the first two dimensions, with all other
// dimensions fixed at their bound midpoints. Consumed by external
// visualization tooling.
func (o *Optimizer) UncertaintySurface(resolution int) ([][]float64, error) {
	if o.space.Dimension() < 2 {
		return nil, fmt.Errorf("uncertainty surface requires at least 2 dimensions, space has %d", o.space.Dimension())
	}
	if resolution < 2 {
		return nil, fmt.Errorf("resolution must be at least 2, got %d", resolution)
	}

	o.ensureFitted()

	lows, highs := o.space.ArrayBounds()
	point := make([]float64, o.space.Dimension())
	for d := 2; d < len(point); d++ {
		point[d] = (lows[d] + highs[d]) / 2
	}

	surface := make([][]float64, resolution)
	for i := 0; i < resolution; i++ {
		row := make([]float64, resolution)
		point[0] = lows[0] + float64(i)/float64(resolution-1)*(highs[0]-lows[0])
		for j := 0; j < resolution; j++ {
			point[1] = lows[1] + float64(j)/float64(resolution-1)*(highs[1]-lows[1])
			_, std := o.active.Predict(point)
			row[j] = std
		}
		surface[i] = row
	}
	return surface, nil
}

// ensureFitted refits the active surrogate when the history changed. A failed
// GP fit degrades to the fallback regressor with a warning rather than
// aborting the run.
func (o *Optimizer) ensureFitted() {
	if !o.stale {
		return
	}
	o.stale = false

	// Nothing to fit yet: answer queries from the untrained fallback
	// posterior. Not a degradation, so no warning.
	if len(o.y) == 0 {
		o.fallback.Fit(nil, nil)
		o.active = o.fallback
		return
	}

	if err := o.regressor.Fit(o.x, o.y); err != nil {
		o.logger.Warn("surrogate fit failed, degrading to constant-posterior fallback",
			"error", err, "n_observations", len(o.y))
		o.fallback.Fit(o.x, o.y)
		o.active = o.fallback
		return
	}
	o.active = o.regressor
}
