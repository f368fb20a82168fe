// Package dashboard: handler.go bridges engine events onto the WebSocket
// server.
package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/taskkeep/taskkeep/internal/engine"
)

// Handler subscribes to engine status transitions and publishes them,
// along with periodic snapshots, to the dashboard server.
type Handler struct {
	server *Server
	engine *engine.Engine
	logger *log.Logger

	interval time.Duration
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewHandler wires an engine to a dashboard server. interval controls
// how often a full snapshot is pushed (default: 5s).
func NewHandler(server *Server, eng *engine.Engine, interval time.Duration, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Handler{
		server:   server,
		engine:   eng,
		logger:   logger,
		interval: interval,
	}
}

// Start installs the engine notify hook and begins the snapshot loop.
func (h *Handler) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	h.engine.SetNotify(h.onStatus)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				h.pushSnapshot(loopCtx)
			}
		}
	}()
}

// Stop removes the hook and stops the snapshot loop.
func (h *Handler) Stop() {
	h.engine.SetNotify(nil)
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

// onStatus forwards a status transition to connected clients.
func (h *Handler) onStatus(ev engine.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Printf("Failed to marshal status event: %v", err)
		return
	}
	h.server.Broadcast(Message{
		Type:      MessageTypeStatus,
		Timestamp: time.Now(),
		Data:      data,
	})
}

// pushSnapshot broadcasts the full engine projection.
func (h *Handler) pushSnapshot(ctx context.Context) {
	snap, err := h.engine.Snapshot(ctx)
	if err != nil {
		h.logger.Printf("Failed to read snapshot: %v", err)
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		h.logger.Printf("Failed to marshal snapshot: %v", err)
		return
	}
	h.server.Broadcast(Message{
		Type:      MessageTypeSnapshot,
		Timestamp: time.Now(),
		Data:      data,
	})
}
