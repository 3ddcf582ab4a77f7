// Package ablation quantifies each reward component's causal contribution to
// achievable edit quality by removing it, renormalizing the remaining
// weights, and re-optimizing from scratch.
//
// Each component's re-optimization is a fully independent run over the same
// parameter space; the reference runner executes them sequentially but there
// is no shared mutable state beyond the read-only space and baseline reward.
package ablation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/fragline/cliptune/optimize"
	"github.com/fragline/cliptune/reward"
	"github.com/fragline/cliptune/tracking"
)

// EvaluateFunc is the sole integration point with the surrounding video
// pipeline: it renders or simulates a candidate edit for the given parameters
// and returns the per-component quality metrics, conventionally in [0,1].
// It may be arbitrarily expensive.
type EvaluateFunc func(ctx context.Context, params map[string]float64) (map[string]float64, error)

// Result is the outcome of ablating one reward component. A positive Delta
// means removing the component hurt achievable reward (it was valuable); a
// negative Delta means removing it helped.
type Result struct {
	Component      string             `json:"component_removed"`
	BaselineReward float64            `json:"baseline_reward"`
	AblatedReward  float64            `json:"ablated_reward"`
	Delta          float64            `json:"delta"`
	BestParams     map[string]float64 `json:"ablated_best_params"`
}

// RunnerConfig contains configuration for Runner.
type RunnerConfig struct {
	// Space is the parameter space every re-optimization searches (required).
	Space *optimize.ParameterSpace

	// Reward is the full reward function whose components are ablated
	// one at a time (default: reference weights).
	Reward *reward.Function

	// Evaluate scores candidate parameter settings (required).
	Evaluate EvaluateFunc

	// NTrialsPerAblation is the exact number of suggest/evaluate/observe
	// cycles each component's loop runs (default: 15).
	NTrialsPerAblation int

	// NInitial is the quasi-random design size of each fresh optimizer
	// (default: 5).
	NInitial int

	// Seed drives the run; each component's optimizer derives its own seed
	// from it so runs are reproducible (default: 1).
	Seed uint64

	// Tracker receives trial and ablation records (optional).
	Tracker *tracking.Tracker

	// OnTrialReward, if set, is called with each completed trial's composite
	// reward, labelled with the removed component ("baseline" for the full
	// reward run). Lets callers feed reward histograms without coupling the
	// runner to a metrics backend (optional).
	OnTrialReward func(ctx context.Context, component string, total float64)

	// Logger for progress and degradation warnings (default: slog.Default()).
	Logger *slog.Logger
}

// Runner drives one full ablation study.
type Runner struct {
	space    *optimize.ParameterSpace
	rewardFn *reward.Function
	evaluate EvaluateFunc
	nTrials  int
	nInitial int
	seed     uint64
	tracker  *tracking.Tracker
	onReward func(ctx context.Context, component string, total float64)
	logger   *slog.Logger
}

// NewRunner creates an ablation runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Space == nil {
		return nil, fmt.Errorf("parameter space is required")
	}
	if cfg.Evaluate == nil {
		return nil, fmt.Errorf("evaluate function is required")
	}
	if cfg.Reward == nil {
		cfg.Reward = reward.NewFunction(nil)
	}
	if cfg.NTrialsPerAblation <= 0 {
		cfg.NTrialsPerAblation = 15
	}
	if cfg.NInitial <= 0 {
		cfg.NInitial = 5
	}
	if cfg.Seed == 0 {
		cfg.Seed = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Runner{
		space:    cfg.Space,
		rewardFn: cfg.Reward,
		evaluate: cfg.Evaluate,
		nTrials:  cfg.NTrialsPerAblation,
		nInitial: cfg.NInitial,
		seed:     cfg.Seed,
		tracker:  cfg.Tracker,
		onReward: cfg.OnTrialReward,
		logger:   cfg.Logger,
	}, nil
}

// RunBaseline optimizes against the full, un-ablated reward function and
// returns the run result. Its BestReward is the baseline input to
// RunFullAblation.
func (r *Runner) RunBaseline(ctx context.Context) (*optimize.OptimizationResult, error) {
	opt, err := r.runLoop(ctx, r.rewardFn, r.seed, "baseline")
	if err != nil {
		return nil, err
	}
	return opt.Result(), nil
}

// RunFullAblation removes each weighted component in turn, re-optimizes from
// scratch against the renormalized remainder, and reports the reward delta
// versus the baseline, sorted by delta descending (most important component
// first).
//
// If a component's evaluation loop fails, the results already computed for
// other components are returned alongside the error rather than discarded.
func (r *Runner) RunFullAblation(ctx context.Context, baselineReward float64) ([]Result, error) {
	components := r.rewardFn.ComponentNames()
	results := make([]Result, 0, len(components))

	for i, component := range components {
		ablated := r.rewardFn.Ablate(component)

		opt, err := r.runLoop(ctx, ablated, r.seed+uint64(i)+1, component)
		if err != nil {
			sortByDelta(results)
			return results, fmt.Errorf("ablation of %q failed: %w", component, err)
		}

		best, bestReward := opt.Best()
		res := Result{
			Component:      component,
			BaselineReward: baselineReward,
			AblatedReward:  bestReward,
			Delta:          baselineReward - bestReward,
			BestParams:     best,
		}
		results = append(results, res)

		r.logger.Info("ablation component complete",
			"component", component, "ablated_reward", bestReward, "delta", res.Delta)
	}

	sortByDelta(results)
	return results, nil
}

// runLoop runs exactly nTrials suggest/evaluate/observe cycles on a fresh
// optimizer, scoring each trial with the given reward function.
func (r *Runner) runLoop(ctx context.Context, fn *reward.Function, seed uint64, label string) (*optimize.Optimizer, error) {
	opt, err := optimize.NewOptimizer(optimize.OptimizerConfig{
		Space:    r.space,
		NInitial: r.nInitial,
		Seed:     seed,
		Logger:   r.logger,
	})
	if err != nil {
		return nil, err
	}

	var runID string
	if r.tracker != nil {
		runID = r.tracker.StartRun(ctx, "ablation/"+label, map[string]string{"component": label})
		defer r.tracker.EndRun(ctx, runID)
	}

	for trial := 1; trial <= r.nTrials; trial++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		params, err := opt.Suggest()
		if err != nil {
			return nil, fmt.Errorf("suggest failed at trial %d: %w", trial, err)
		}

		metrics, err := r.evaluate(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("evaluation failed at trial %d: %w", trial, err)
		}

		sig := fn.Compute(metrics)
		if r.onReward != nil {
			r.onReward(ctx, label, sig.Total)
		}
		if err := opt.Observe(params, sig.Total); err != nil {
			return nil, fmt.Errorf("observe failed at trial %d: %w", trial, err)
		}

		if r.tracker != nil {
			r.tracker.LogTrial(ctx, runID, tracking.Trial{
				TrialNum:   trial,
				Params:     params,
				Reward:     &sig,
				SubMetrics: metrics,
				Timestamp:  time.Now().UTC(),
			})
		}
	}

	return opt, nil
}

// LogResults records the ablation deltas on the tracker, if one is set.
func (r *Runner) LogResults(ctx context.Context, runID string, results []Result) {
	if r.tracker == nil {
		return
	}
	for _, res := range results {
		r.tracker.LogAblation(ctx, runID, tracking.AblationRecord{
			Component:      res.Component,
			BaselineReward: res.BaselineReward,
			AblatedReward:  res.AblatedReward,
			Delta:          res.Delta,
		})
	}
}

func sortByDelta(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Delta != results[j].Delta {
			return results[i].Delta > results[j].Delta
		}
		return results[i].Component < results[j].Component
	})
}

// FormatTable renders ablation results as a fixed-width text table with the
// component name, baseline and ablated rewards, delta, and percentage impact
// relative to the baseline.
func FormatTable(results []Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-14s %10s %10s %10s %9s\n", "COMPONENT", "BASELINE", "ABLATED", "DELTA", "IMPACT")
	b.WriteString(strings.Repeat("-", 57))
	b.WriteByte('\n')

	for _, r := range results {
		impact := "n/a"
		if r.BaselineReward != 0 {
			impact = fmt.Sprintf("%+.1f%%", r.Delta/r.BaselineReward*100)
		}
		fmt.Fprintf(&b, "%-14s %10.4f %10.4f %+10.4f %9s\n",
			r.Component, r.BaselineReward, r.AblatedReward, r.Delta, impact)
	}
	return b.String()
}
