package tracking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fragline/cliptune/reward"
)

// memStore is an in-memory Store for tests. failAfter < 0 means never fail.
type memStore struct {
	mu        sync.Mutex
	calls     int
	failAfter int

	started  []string
	metrics  map[string][]metricLine
	params   map[string]map[string]float64
	ended    []string
	artifact []string
}

func newMemStore(failAfter int) *memStore {
	return &memStore{
		failAfter: failAfter,
		metrics:   make(map[string][]metricLine),
		params:    make(map[string]map[string]float64),
	}
}

func (m *memStore) tick() error {
	m.calls++
	if m.failAfter >= 0 && m.calls > m.failAfter {
		return errors.New("sink down")
	}
	return nil
}

func (m *memStore) StartRun(_ context.Context, name string, _ map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.tick(); err != nil {
		return "", err
	}
	id := "run-" + name
	m.started = append(m.started, id)
	return id, nil
}

func (m *memStore) LogMetric(_ context.Context, runID, key string, value float64, step int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.tick(); err != nil {
		return err
	}
	m.metrics[runID] = append(m.metrics[runID], metricLine{Key: key, Value: value, Step: step})
	return nil
}

func (m *memStore) LogParams(_ context.Context, runID string, params map[string]float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.tick(); err != nil {
		return err
	}
	m.params[runID] = params
	return nil
}

func (m *memStore) LogArtifact(_ context.Context, runID, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.tick(); err != nil {
		return err
	}
	m.artifact = append(m.artifact, path)
	return nil
}

func (m *memStore) EndRun(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.tick(); err != nil {
		return err
	}
	m.ended = append(m.ended, runID)
	return nil
}

func (m *memStore) metricKeys(runID string) map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make(map[string]bool)
	for _, line := range m.metrics[runID] {
		keys[line.Key] = true
	}
	return keys
}

// TestTrackerFanOut tests that trial logs reach every healthy sink.
func TestTrackerFanOut(t *testing.T) {
	ctx := context.Background()
	a, b := newMemStore(-1), newMemStore(-1)
	tracker := NewTracker([]Store{a, b}, nil)

	runID := tracker.StartRun(ctx, "baseline", map[string]string{"component": "baseline"})
	if runID == "" {
		t.Fatal("expected non-empty run handle")
	}

	sig := reward.NewFunction(nil).Compute(map[string]float64{"retention": 0.8, "ctr": 0.4})
	tracker.LogTrial(ctx, runID, Trial{
		TrialNum:   1,
		Params:     map[string]float64{"clip_length": 7},
		Reward:     &sig,
		SubMetrics: map[string]float64{"retention": 0.8},
		Timestamp:  time.Now().UTC(),
	})
	tracker.EndRun(ctx, runID)

	for i, s := range []*memStore{a, b} {
		keys := s.metricKeys("run-baseline")
		for _, want := range []string{"reward_total", "component.retention", "metric.retention", "param.clip_length"} {
			if !keys[want] {
				t.Errorf("sink %d missing metric %q", i, want)
			}
		}
		if len(s.ended) != 1 {
			t.Errorf("sink %d: run not ended", i)
		}
	}
}

// TestTrackerNeverFails tests that a dead sink degrades silently while the
// healthy sink keeps receiving events.
func TestTrackerNeverFails(t *testing.T) {
	ctx := context.Background()
	healthy := newMemStore(-1)
	dead := newMemStore(0) // fails from the first call
	tracker := NewTracker([]Store{dead, healthy}, nil)

	runID := tracker.StartRun(ctx, "study", nil)

	sig := reward.NewFunction(nil).Compute(map[string]float64{"retention": 1})
	tracker.LogTrial(ctx, runID, Trial{TrialNum: 1, Params: map[string]float64{"x": 1}, Reward: &sig})
	tracker.LogParams(ctx, runID, map[string]float64{"seed": 1})
	tracker.LogAblation(ctx, runID, AblationRecord{
		Component: "retention", BaselineReward: 0.8, AblatedReward: 0.6, Delta: 0.2,
	})
	tracker.EndRun(ctx, runID)

	keys := healthy.metricKeys("run-study")
	for _, want := range []string{"reward_total", "ablation.delta.retention", "ablation.baseline.retention"} {
		if !keys[want] {
			t.Errorf("healthy sink missing %q", want)
		}
	}
	if healthy.params["run-study"] == nil {
		t.Error("healthy sink missing run params")
	}
	if len(dead.metrics) != 0 {
		t.Error("dead sink should have recorded nothing")
	}
}

// TestTrackerFailedSinkExcluded tests that a sink failing StartRun is dropped
// from the run and stops receiving calls.
func TestTrackerFailedSinkExcluded(t *testing.T) {
	ctx := context.Background()
	dead := newMemStore(0)
	tracker := NewTracker([]Store{dead}, nil)

	runID := tracker.StartRun(ctx, "x", nil)
	callsAfterStart := dead.calls

	sig := reward.NewFunction(nil).Compute(nil)
	tracker.LogTrial(ctx, runID, Trial{TrialNum: 1, Reward: &sig})
	tracker.EndRun(ctx, runID)

	if dead.calls != callsAfterStart {
		t.Errorf("excluded sink received %d extra calls", dead.calls-callsAfterStart)
	}
}

// TestTrackerNoSinks tests the zero-sink tracker.
func TestTrackerNoSinks(t *testing.T) {
	ctx := context.Background()
	tracker := NewTracker(nil, nil)

	runID := tracker.StartRun(ctx, "empty", nil)
	tracker.LogTrial(ctx, runID, Trial{TrialNum: 1})
	tracker.LogArtifact(ctx, runID, "/nowhere")
	tracker.EndRun(ctx, runID)
	// No panics, no errors: that is the whole contract.
}

// TestTrackerUnknownRun tests that logging against a closed or bogus handle
// is a silent no-op.
func TestTrackerUnknownRun(t *testing.T) {
	ctx := context.Background()
	s := newMemStore(-1)
	tracker := NewTracker([]Store{s}, nil)

	tracker.LogTrial(ctx, "no-such-run", Trial{TrialNum: 1})
	if len(s.metrics) != 0 {
		t.Error("unknown run should log nothing")
	}

	runID := tracker.StartRun(ctx, "short", nil)
	tracker.EndRun(ctx, runID)
	tracker.LogParams(ctx, runID, map[string]float64{"late": 1})
	if s.params["run-short"] != nil {
		t.Error("logging after EndRun should be a no-op")
	}
}
