package optimize

import (
	"bytes"
	"fmt"
	"log/slog"
	"math"
	"testing"
)

func unitSpace(t *testing.T) *ParameterSpace {
	t.Helper()
	space, err := NewParameterSpace([]ParameterBound{
		{Name: "x", Low: 0, High: 1},
		{Name: "y", Low: 0, High: 1},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return space
}

// TestNewOptimizer tests construction and defaults.
func TestNewOptimizer(t *testing.T) {
	if _, err := NewOptimizer(OptimizerConfig{}); err == nil {
		t.Error("expected error for missing space")
	}

	opt, err := NewOptimizer(OptimizerConfig{Space: unitSpace(t)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opt.nInitial != 5 {
		t.Errorf("expected default nInitial 5, got %d", opt.nInitial)
	}
	if opt.nCandidates != 256 {
		t.Errorf("expected default nCandidates 256, got %d", opt.nCandidates)
	}
	if opt.NObservations() != 0 {
		t.Errorf("expected empty history, got %d observations", opt.NObservations())
	}
}

// TestInitialPhaseSobol tests that the first NInitial suggestions are distinct
// in-bounds quasi-random points, independent of any observations.
func TestInitialPhaseSobol(t *testing.T) {
	space := unitSpace(t)
	opt, err := NewOptimizer(OptimizerConfig{Space: space, NInitial: 3, Seed: 42})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		params, err := opt.Suggest()
		if err != nil {
			t.Fatalf("suggest %d failed: %v", i, err)
		}
		if !space.Contains(params) {
			t.Errorf("suggestion %d out of bounds: %v", i, params)
		}
		key := fmt.Sprintf("%v/%v", params["x"], params["y"])
		if seen[key] {
			t.Errorf("duplicate initial suggestion: %v", params)
		}
		seen[key] = true

		if err := opt.Observe(params, float64(i)*0.1); err != nil {
			t.Fatalf("observe %d failed: %v", i, err)
		}
	}
}

// TestBestTracksMaxReward tests that Best returns the highest-reward
// observation regardless of order.
func TestBestTracksMaxReward(t *testing.T) {
	opt, err := NewOptimizer(OptimizerConfig{Space: unitSpace(t), NInitial: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if params, reward := opt.Best(); params != nil || reward != 0 {
		t.Error("expected empty best before any observation")
	}

	rewards := []float64{0.2, 0.8, 0.5}
	var winner map[string]float64
	for i, r := range rewards {
		params, err := opt.Suggest()
		if err != nil {
			t.Fatalf("suggest failed: %v", err)
		}
		if r == 0.8 {
			winner = params
		}
		if err := opt.Observe(params, r); err != nil {
			t.Fatalf("observe failed: %v", err)
		}
		if opt.NObservations() != i+1 {
			t.Errorf("expected %d observations, got %d", i+1, opt.NObservations())
		}
	}

	bestParams, bestReward := opt.Best()
	if bestReward != 0.8 {
		t.Errorf("expected best reward 0.8, got %v", bestReward)
	}
	for k, v := range winner {
		if bestParams[k] != v {
			t.Errorf("best params mismatch on %s: %v != %v", k, bestParams[k], v)
		}
	}
}

// TestObserveValidatesParams tests that malformed observations are rejected
// without corrupting the history.
func TestObserveValidatesParams(t *testing.T) {
	opt, err := NewOptimizer(OptimizerConfig{Space: unitSpace(t)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := opt.Observe(map[string]float64{"x": 0.5}, 1); err == nil {
		t.Error("expected error for missing parameter")
	}
	if err := opt.Observe(map[string]float64{"x": 0.5, "y": 0.5, "z": 1}, 1); err == nil {
		t.Error("expected error for unknown parameter")
	}
	if opt.NObservations() != 0 {
		t.Errorf("failed observations must not be recorded, got %d", opt.NObservations())
	}
}

// TestModelGuidedPhase tests that past the initial design, suggestions come
// from the surrogate and remain in bounds.
func TestModelGuidedPhase(t *testing.T) {
	space := unitSpace(t)
	opt, err := NewOptimizer(OptimizerConfig{
		Space:       space,
		NInitial:    3,
		NCandidates: 64,
		Seed:        7,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Peak at (0.7, 0.3).
	objective := func(p map[string]float64) float64 {
		dx, dy := p["x"]-0.7, p["y"]-0.3
		return 1 - dx*dx - dy*dy
	}

	for i := 0; i < 12; i++ {
		params, err := opt.Suggest()
		if err != nil {
			t.Fatalf("suggest %d failed: %v", i, err)
		}
		if !space.Contains(params) {
			t.Errorf("suggestion %d out of bounds: %v", i, params)
		}
		if err := opt.Observe(params, objective(params)); err != nil {
			t.Fatalf("observe %d failed: %v", i, err)
		}
	}

	result := opt.Result()
	if result.NTrials != 12 {
		t.Errorf("expected 12 trials, got %d", result.NTrials)
	}
	if len(result.GPUncertainty) == 0 {
		t.Error("expected uncertainty history from model-guided suggestions")
	}
	if result.BestReward <= 0.5 {
		t.Errorf("optimizer failed to find a decent point, best reward %v", result.BestReward)
	}
}

// TestDeterministicWithSeed tests that two optimizers with matching seeds and
// histories produce identical suggestion streams.
func TestDeterministicWithSeed(t *testing.T) {
	run := func() []map[string]float64 {
		opt, err := NewOptimizer(OptimizerConfig{
			Space:       unitSpace(t),
			NInitial:    2,
			NCandidates: 32,
			Seed:        99,
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		var out []map[string]float64
		for i := 0; i < 6; i++ {
			params, err := opt.Suggest()
			if err != nil {
				t.Fatalf("suggest failed: %v", err)
			}
			out = append(out, params)
			if err := opt.Observe(params, params["x"]+params["y"]); err != nil {
				t.Fatalf("observe failed: %v", err)
			}
		}
		return out
	}

	a, b := run(), run()
	for i := range a {
		for k, v := range a[i] {
			if b[i][k] != v {
				t.Errorf("run diverged at suggestion %d key %s: %v != %v", i, k, b[i][k], v)
			}
		}
	}
}

// TestRepeatedSuggestDoesNotInflateUncertainty tests that the uncertainty
// history grows only with observations, not with Suggest calls.
func TestRepeatedSuggestDoesNotInflateUncertainty(t *testing.T) {
	opt, err := NewOptimizer(OptimizerConfig{
		Space:       unitSpace(t),
		NInitial:    2,
		NCandidates: 16,
		Seed:        3,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 2; i++ {
		params, err := opt.Suggest()
		if err != nil {
			t.Fatalf("suggest failed: %v", err)
		}
		if err := opt.Observe(params, 0.5+float64(i)*0.1); err != nil {
			t.Fatalf("observe failed: %v", err)
		}
	}

	// Model-guided suggestions with no matching Observe.
	var last map[string]float64
	for i := 0; i < 4; i++ {
		params, err := opt.Suggest()
		if err != nil {
			t.Fatalf("suggest failed: %v", err)
		}
		last = params
	}
	if n := len(opt.Result().GPUncertainty); n != 0 {
		t.Errorf("expected no uncertainty entries before the next observation, got %d", n)
	}

	if err := opt.Observe(last, 0.7); err != nil {
		t.Fatalf("observe failed: %v", err)
	}
	if n := len(opt.Result().GPUncertainty); n != 1 {
		t.Errorf("expected 1 uncertainty entry after the observation, got %d", n)
	}
}

// TestPredictBeforeObservations tests that querying a fresh optimizer yields
// the untrained posterior without logging a degradation warning.
func TestPredictBeforeObservations(t *testing.T) {
	var buf bytes.Buffer
	opt, err := NewOptimizer(OptimizerConfig{
		Space:  unitSpace(t),
		Logger: slog.New(slog.NewTextHandler(&buf, nil)),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mean, std, err := opt.Predict(map[string]float64{"x": 0.5, "y": 0.5})
	if err != nil {
		t.Fatalf("predict failed: %v", err)
	}
	if mean != 0 || std != 1 {
		t.Errorf("expected untrained posterior (0, 1), got (%v, %v)", mean, std)
	}
	if buf.Len() != 0 {
		t.Errorf("empty-history query should not log, got: %s", buf.String())
	}
}

// TestPredictAfterObservations tests the lazy-fit posterior query.
func TestPredictAfterObservations(t *testing.T) {
	opt, err := NewOptimizer(OptimizerConfig{Space: unitSpace(t), NInitial: 2, Seed: 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 5; i++ {
		params, err := opt.Suggest()
		if err != nil {
			t.Fatalf("suggest failed: %v", err)
		}
		if err := opt.Observe(params, params["x"]); err != nil {
			t.Fatalf("observe failed: %v", err)
		}
	}

	mean, std, err := opt.Predict(map[string]float64{"x": 0.5, "y": 0.5})
	if err != nil {
		t.Fatalf("predict failed: %v", err)
	}
	if math.IsNaN(mean) || math.IsNaN(std) || std < 0 {
		t.Errorf("invalid posterior (%v, %v)", mean, std)
	}

	if _, _, err := opt.Predict(map[string]float64{"x": 0.5}); err == nil {
		t.Error("expected error for malformed query")
	}
}

// TestFallbackDegradation tests that a failing surrogate degrades to the
// constant posterior instead of aborting the run.
func TestFallbackDegradation(t *testing.T) {
	opt, err := NewOptimizer(OptimizerConfig{
		Space:       unitSpace(t),
		NInitial:    2,
		NCandidates: 16,
		Regressor:   failingRegressor{},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 5; i++ {
		params, err := opt.Suggest()
		if err != nil {
			t.Fatalf("suggest %d failed during degradation: %v", i, err)
		}
		if err := opt.Observe(params, 0.5); err != nil {
			t.Fatalf("observe failed: %v", err)
		}
	}

	mean, _, err := opt.Predict(map[string]float64{"x": 0.5, "y": 0.5})
	if err != nil {
		t.Fatalf("predict failed: %v", err)
	}
	if math.Abs(mean-0.5) > 1e-12 {
		t.Errorf("fallback should predict the running mean 0.5, got %v", mean)
	}
}

type failingRegressor struct{}

func (failingRegressor) Fit([][]float64, []float64) error {
	return fmt.Errorf("deliberate fit failure")
}

func (failingRegressor) Predict([]float64) (float64, float64) { return 0, 0 }

// TestUncertaintySurface tests grid shape and validation.
func TestUncertaintySurface(t *testing.T) {
	opt, err := NewOptimizer(OptimizerConfig{Space: unitSpace(t), NInitial: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 4; i++ {
		params, err := opt.Suggest()
		if err != nil {
			t.Fatalf("suggest failed: %v", err)
		}
		if err := opt.Observe(params, params["x"]*params["y"]); err != nil {
			t.Fatalf("observe failed: %v", err)
		}
	}

	surface, err := opt.UncertaintySurface(5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(surface) != 5 {
		t.Fatalf("expected 5 rows, got %d", len(surface))
	}
	for i, row := range surface {
		if len(row) != 5 {
			t.Fatalf("row %d: expected 5 columns, got %d", i, len(row))
		}
		for j, v := range row {
			if v < 0 || math.IsNaN(v) {
				t.Errorf("invalid std at (%d,%d): %v", i, j, v)
			}
		}
	}

	if _, err := opt.UncertaintySurface(1); err == nil {
		t.Error("expected error for resolution below 2")
	}

	narrow, err := NewOptimizer(OptimizerConfig{Space: mustSpace(t, []ParameterBound{{Name: "x", Low: 0, High: 1}})})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := narrow.UncertaintySurface(5); err == nil {
		t.Error("expected error for 1-dimensional space")
	}
}

func mustSpace(t *testing.T, bounds []ParameterBound) *ParameterSpace {
	t.Helper()
	space, err := NewParameterSpace(bounds)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return space
}
