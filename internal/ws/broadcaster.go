// Package ws fans progress events out to WebSocket subscribers. Each job
// gets a room keyed by its progress id; a late subscriber first receives
// the tracker snapshot so it never joins blind.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/archon-labs/archon/internal/progress"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// SnapshotProvider supplies the current state of a job for replay on
// subscribe. Satisfied by the progress tracker.
type SnapshotProvider interface {
	Snapshot(jobID string) (progress.Record, bool)
}

// Message is the wire envelope sent to clients.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type client struct {
	conn *websocket.Conn
	// writeMu serializes writes; gorilla connections do not allow
	// concurrent writers.
	writeMu sync.Mutex
}

func (c *client) send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Config tunes the broadcaster.
type Config struct {
	// ThrottleInterval rate-limits mid-stage delta events per room;
	// zero disables throttling. Terminal and stage-boundary events are
	// always delivered.
	ThrottleInterval time.Duration
}

// Broadcaster implements the progress Sink interface over WebSocket
// rooms.
type Broadcaster struct {
	cfg      Config
	snapshot SnapshotProvider
	logger   *zap.Logger

	mu       sync.RWMutex
	rooms    map[string]map[*client]struct{}
	limiters map[string]*rate.Limiter
}

// NewBroadcaster builds a broadcaster; snapshot may be nil to disable
// replay.
func NewBroadcaster(cfg Config, snapshot SnapshotProvider, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		cfg:      cfg,
		snapshot: snapshot,
		logger:   logger,
		rooms:    make(map[string]map[*client]struct{}),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Handle upgrades the connection and subscribes it to the room named by
// the progress_id query parameter.
func (b *Broadcaster) Handle(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("progress_id")
	if jobID == "" {
		http.Error(w, "progress_id query parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{conn: conn}

	b.mu.Lock()
	room, ok := b.rooms[jobID]
	if !ok {
		room = make(map[*client]struct{})
		b.rooms[jobID] = room
	}
	room[c] = struct{}{}
	b.mu.Unlock()

	b.logger.Debug("websocket client subscribed", zap.String("progress_id", jobID))

	// Replay current state so the subscriber is not blind until the
	// next live event.
	if b.snapshot != nil {
		if record, ok := b.snapshot.Snapshot(jobID); ok {
			if err := c.send(Message{Type: "progress_snapshot", Payload: record}); err != nil {
				b.logger.Debug("snapshot replay failed", zap.Error(err))
			}
		}
	}

	defer func() {
		b.mu.Lock()
		if room, ok := b.rooms[jobID]; ok {
			delete(room, c)
			if len(room) == 0 {
				delete(b.rooms, jobID)
				delete(b.limiters, jobID)
			}
		}
		b.mu.Unlock()
		_ = conn.Close()
		b.logger.Debug("websocket client disconnected", zap.String("progress_id", jobID))
	}()

	// Drain client frames to detect disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				b.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

// Consume fans a batch out to the matching rooms. Implements the
// progress sink contract; delivery failures only drop that client's
// message.
func (b *Broadcaster) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		if b.throttled(evt) {
			continue
		}
		for _, c := range b.roomClients(evt.JobID) {
			if err := c.send(Message{Type: "crawl_progress", Payload: evt}); err != nil {
				b.logger.Debug("websocket send failed",
					zap.String("progress_id", evt.JobID), zap.Error(err))
			}
		}
	}
	return nil
}

// Close closes every subscriber connection.
func (b *Broadcaster) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for jobID, room := range b.rooms {
		for c := range room {
			_ = c.conn.Close()
		}
		delete(b.rooms, jobID)
		delete(b.limiters, jobID)
	}
	return nil
}

func (b *Broadcaster) roomClients(jobID string) []*client {
	b.mu.RLock()
	defer b.mu.RUnlock()
	room := b.rooms[jobID]
	clients := make([]*client, 0, len(room))
	for c := range room {
		clients = append(clients, c)
	}
	return clients
}

// throttled reports whether a mid-stage delta should be dropped for
// rate limiting. Terminal events and stage entries/exits pass through.
func (b *Broadcaster) throttled(evt progress.Event) bool {
	if b.cfg.ThrottleInterval <= 0 {
		return false
	}
	if evt.Terminal() {
		return false
	}
	b.mu.Lock()
	limiter, ok := b.limiters[evt.JobID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(b.cfg.ThrottleInterval), 1)
		b.limiters[evt.JobID] = limiter
	}
	b.mu.Unlock()
	return !limiter.Allow()
}
