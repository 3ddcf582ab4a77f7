package tracking

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// LiveEvent is the JSON payload pushed to connected dashboard clients for
// each logged experiment event.
type LiveEvent struct {
	Type      string             `json:"type"` // run_started, metric, params, artifact, run_ended
	RunID     string             `json:"run_id"`
	Name      string             `json:"name,omitempty"`
	Key       string             `json:"key,omitempty"`
	Value     float64            `json:"value,omitempty"`
	Step      int                `json:"step,omitempty"`
	Params    map[string]float64 `json:"params,omitempty"`
	Path      string             `json:"path,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// LiveBroadcaster is a Store that streams experiment events to WebSocket
// clients instead of persisting them, for live monitoring of long tuning
// runs. Slow or broken clients are disconnected rather than allowed to block
// the optimization loop.
type LiveBroadcaster struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

const liveWriteTimeout = 5 * time.Second

// NewLiveBroadcaster creates a broadcaster with no connected clients.
func NewLiveBroadcaster(logger *slog.Logger) *LiveBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &LiveBroadcaster{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		logger:  logger,
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the request to a WebSocket and registers the client for
// event delivery. Incoming frames are drained and discarded; the stream is
// one-way.
func (b *LiveBroadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("live client upgrade failed", "error", err)
		return
	}

	b.mu.Lock()
	b.clients[conn] = struct{}{}
	b.mu.Unlock()

	go func() {
		defer b.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (b *LiveBroadcaster) remove(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	conn.Close()
	delete(b.clients, conn)
}

// ClientCount returns the number of connected clients.
func (b *LiveBroadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// StartRun broadcasts a run-started event.
func (b *LiveBroadcaster) StartRun(_ context.Context, name string, _ map[string]string) (string, error) {
	runID := uuid.New().String()
	b.broadcast(LiveEvent{Type: "run_started", RunID: runID, Name: name, Timestamp: time.Now().UTC()})
	return runID, nil
}

// LogMetric broadcasts one metric observation.
func (b *LiveBroadcaster) LogMetric(_ context.Context, runID, key string, value float64, step int) error {
	b.broadcast(LiveEvent{Type: "metric", RunID: runID, Key: key, Value: value, Step: step, Timestamp: time.Now().UTC()})
	return nil
}

// LogParams broadcasts run parameters.
func (b *LiveBroadcaster) LogParams(_ context.Context, runID string, params map[string]float64) error {
	b.broadcast(LiveEvent{Type: "params", RunID: runID, Params: params, Timestamp: time.Now().UTC()})
	return nil
}

// LogArtifact broadcasts an artifact path.
func (b *LiveBroadcaster) LogArtifact(_ context.Context, runID, path string) error {
	b.broadcast(LiveEvent{Type: "artifact", RunID: runID, Path: path, Timestamp: time.Now().UTC()})
	return nil
}

// EndRun broadcasts a run-ended event.
func (b *LiveBroadcaster) EndRun(_ context.Context, runID string) error {
	b.broadcast(LiveEvent{Type: "run_ended", RunID: runID, Timestamp: time.Now().UTC()})
	return nil
}

// Close disconnects all clients.
func (b *LiveBroadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.clients {
		conn.Close()
	}
	b.clients = make(map[*websocket.Conn]struct{})
	return nil
}

func (b *LiveBroadcaster) broadcast(event LiveEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for conn := range b.clients {
		conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
		if err := conn.WriteJSON(event); err != nil {
			b.logger.Warn("live client dropped", "error", err)
			conn.Close()
			delete(b.clients, conn)
		}
	}
}
