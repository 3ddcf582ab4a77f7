// Package tracking records optimization trials and ablation deltas to
// external experiment sinks.
//
// A Tracker fans log calls out to one or more Store backends (file-based JSON
// run directories, Redis, a live WebSocket feed) with at-least-once
// semantics. Sink failures are counted and logged but never propagated:
// losing a log call degrades observability, it must never abort a trial.
package tracking

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/fragline/cliptune/reward"
)

// Trial is the append-only record of one suggest/evaluate/observe cycle.
// TrialNum is 1-based and monotonically increasing within a run.
type Trial struct {
	TrialNum   int                `json:"trial_num"`
	Params     map[string]float64 `json:"parameters"`
	Reward     *reward.Signal     `json:"reward,omitempty"`
	SubMetrics map[string]float64 `json:"sub_metrics,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
}

// AblationRecord is the logged form of one ablation study result.
type AblationRecord struct {
	Component      string  `json:"component_removed"`
	BaselineReward float64 `json:"baseline_reward"`
	AblatedReward  float64 `json:"ablated_reward"`
	Delta          float64 `json:"delta"`
}

// Store is the external metrics-sink contract. Implementations may be
// file-based or remote; both must tolerate duplicate log calls
// (at-least-once delivery).
type Store interface {
	// StartRun opens a new run and returns the sink's native run ID.
	StartRun(ctx context.Context, name string, tags map[string]string) (string, error)

	// LogMetric appends one metric observation at the given step.
	LogMetric(ctx context.Context, runID, key string, value float64, step int) error

	// LogParams records run-level parameters.
	LogParams(ctx context.Context, runID string, params map[string]float64) error

	// LogArtifact records a file produced by the run.
	LogArtifact(ctx context.Context, runID, path string) error

	// EndRun closes the run.
	EndRun(ctx context.Context, runID string) error
}

// storeRun pairs a sink with its native ID for one tracker run.
type storeRun struct {
	store Store
	id    string
}

// Tracker coordinates experiment logging across sinks. It holds no
// algorithmic state: it is a side-effecting collaborator of the optimization
// loop and all of its methods are safe to call even when every sink is down.
type Tracker struct {
	stores  []Store
	logger  *slog.Logger
	dropped metric.Int64Counter

	mu   sync.Mutex
	runs map[string][]storeRun
}

// NewTracker creates a tracker fanning out to the given sinks. A tracker with
// no sinks is valid and logs nothing.
func NewTracker(stores []Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}

	meter := otel.Meter("github.com/fragline/cliptune/tracking")
	dropped, err := meter.Int64Counter(
		"cliptune.tracker.dropped_events",
		metric.WithDescription("Log calls lost to sink failures"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("tracker drop counter unavailable", "error", err)
	}

	return &Tracker{
		stores:  stores,
		logger:  logger,
		dropped: dropped,
		runs:    make(map[string][]storeRun),
	}
}

// StartRun opens a run on every sink and returns the tracker's run handle.
// Sinks that fail to open are excluded from the run and counted as drops.
func (t *Tracker) StartRun(ctx context.Context, name string, tags map[string]string) string {
	runID := uuid.New().String()

	var opened []storeRun
	for _, s := range t.stores {
		id, err := s.StartRun(ctx, name, tags)
		if err != nil {
			t.drop(ctx, "start_run", err)
			continue
		}
		opened = append(opened, storeRun{store: s, id: id})
	}

	t.mu.Lock()
	t.runs[runID] = opened
	t.mu.Unlock()
	return runID
}

// LogTrial records one trial: the total reward, each reward component, each
// sub-metric, and the trial's parameter values, all at step TrialNum.
func (t *Tracker) LogTrial(ctx context.Context, runID string, trial Trial) {
	for _, sr := range t.runsFor(runID) {
		if trial.Reward != nil {
			t.logMetric(ctx, sr, "reward_total", trial.Reward.Total, trial.TrialNum)
			for k, v := range trial.Reward.Components {
				t.logMetric(ctx, sr, "component."+k, v, trial.TrialNum)
			}
		}
		for k, v := range trial.SubMetrics {
			t.logMetric(ctx, sr, "metric."+k, v, trial.TrialNum)
		}
		for k, v := range trial.Params {
			t.logMetric(ctx, sr, "param."+k, v, trial.TrialNum)
		}
	}
}

// LogAblation records the reward delta measured for one removed component.
func (t *Tracker) LogAblation(ctx context.Context, runID string, rec AblationRecord) {
	for _, sr := range t.runsFor(runID) {
		t.logMetric(ctx, sr, "ablation.baseline."+rec.Component, rec.BaselineReward, 0)
		t.logMetric(ctx, sr, "ablation.ablated."+rec.Component, rec.AblatedReward, 0)
		t.logMetric(ctx, sr, "ablation.delta."+rec.Component, rec.Delta, 0)
	}
}

// LogParams records run-level parameters on every sink.
func (t *Tracker) LogParams(ctx context.Context, runID string, params map[string]float64) {
	for _, sr := range t.runsFor(runID) {
		if err := sr.store.LogParams(ctx, sr.id, params); err != nil {
			t.drop(ctx, "log_params", err)
		}
	}
}

// LogArtifact records a produced file on every sink.
func (t *Tracker) LogArtifact(ctx context.Context, runID, path string) {
	for _, sr := range t.runsFor(runID) {
		if err := sr.store.LogArtifact(ctx, sr.id, path); err != nil {
			t.drop(ctx, "log_artifact", err)
		}
	}
}

// EndRun closes the run on every sink and releases the handle.
func (t *Tracker) EndRun(ctx context.Context, runID string) {
	for _, sr := range t.runsFor(runID) {
		if err := sr.store.EndRun(ctx, sr.id); err != nil {
			t.drop(ctx, "end_run", err)
		}
	}

	t.mu.Lock()
	delete(t.runs, runID)
	t.mu.Unlock()
}

func (t *Tracker) runsFor(runID string) []storeRun {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runs[runID]
}

func (t *Tracker) logMetric(ctx context.Context, sr storeRun, key string, value float64, step int) {
	if err := sr.store.LogMetric(ctx, sr.id, key, value, step); err != nil {
		t.drop(ctx, "log_metric", err)
	}
}

func (t *Tracker) drop(ctx context.Context, op string, err error) {
	t.logger.Warn("tracking sink failure, event dropped", "op", op, "error", err)
	if t.dropped != nil {
		t.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	}
}
