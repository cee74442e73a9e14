package display

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bioview/bioview/internal/pipeline"
)

const (
	DefaultRefreshInterval = 33 * time.Millisecond // ~30 fps

	feedWriteTimeout = time.Second
)

// WithFeedLogger sets the logger for the feed
func WithFeedLogger(logger *slog.Logger) func(*Feed) {
	return func(f *Feed) {
		f.logger = logger
	}
}

// WithRefreshInterval sets the push cadence
func WithRefreshInterval(interval time.Duration) func(*Feed) {
	return func(f *Feed) {
		f.interval = interval
	}
}

// Snapshot is one push to a UI client: the current channel windows plus the
// annotation and event overlays. Clients are pure consumers.
type Snapshot struct {
	Time        time.Time             `json:"time"`
	Channels    map[string][]float64  `json:"channels"`
	Annotations []pipeline.Annotation `json:"annotations,omitempty"`
	Events      []pipeline.Event      `json:"events,omitempty"`
}

// Feed pushes display snapshots to websocket clients on a fixed cadence.
// A client that cannot keep up within the write timeout is dropped; the
// pipeline itself never waits for the network.
type Feed struct {
	pipeline *Pipeline
	interval time.Duration

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}

	logger *slog.Logger
}

// NewFeed creates a feed over a display pipeline
func NewFeed(p *Pipeline, options ...func(*Feed)) *Feed {
	f := Feed{
		pipeline: p,
		interval: DefaultRefreshInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		clients: make(map[*websocket.Conn]struct{}),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&f)
	}

	return &f
}

// Handler upgrades incoming connections and registers them for pushes
func (f *Feed) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			f.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
			return
		}

		f.mu.Lock()
		f.clients[conn] = struct{}{}
		n := len(f.clients)
		f.mu.Unlock()

		f.logger.Info("display client connected", slog.Int("clients", n))

		// Drain (and discard) client messages to notice disconnects
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					f.drop(conn)
					return
				}
			}
		}()
	})
}

// Run pushes snapshots until the context is cancelled
func (f *Feed) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	defer f.closeAll()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		f.mu.Lock()
		idle := len(f.clients) == 0
		f.mu.Unlock()
		if idle {
			continue
		}

		snapshot := Snapshot{
			Time:        time.Now(),
			Channels:    f.pipeline.Windows(),
			Annotations: f.pipeline.Annotations(),
			Events:      f.pipeline.Events(),
		}

		payload, err := json.Marshal(&snapshot)
		if err != nil {
			f.logger.Error(err.Error())
			continue
		}

		f.broadcast(payload)
	}
}

func (f *Feed) broadcast(payload []byte) {
	f.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(f.clients))
	for conn := range f.clients {
		conns = append(conns, conn)
	}
	f.mu.Unlock()

	for _, conn := range conns {
		_ = conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			f.drop(conn)
		}
	}
}

func (f *Feed) drop(conn *websocket.Conn) {
	f.mu.Lock()
	_, ok := f.clients[conn]
	delete(f.clients, conn)
	n := len(f.clients)
	f.mu.Unlock()

	if ok {
		_ = conn.Close()
		f.logger.Info("display client disconnected", slog.Int("clients", n))
	}
}

func (f *Feed) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for conn := range f.clients {
		_ = conn.Close()
		delete(f.clients, conn)
	}
}
