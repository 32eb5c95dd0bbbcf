// Package opsui pushes live progress over a loopback websocket for the
// CLI's --progress-report view: per-task state transitions from a running
// user query and job state transitions from the replica Controller.
package opsui

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/lsst/qserv/internal/common"
	"github.com/lsst/qserv/internal/dispatch"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // loopback only; the listener binds 127.0.0.1
	},
}

// Message is the envelope every feed entry travels in.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// QueryProgress is one per-task transition of a running user query.
type QueryProgress struct {
	QueryID int64     `json:"query_id"`
	JobID   int       `json:"job_id"`
	State   string    `json:"state"`
	At      time.Time `json:"at"`
}

// JobProgress is one replica-job transition.
type JobProgress struct {
	JobID         string    `json:"job_id"`
	Kind          string    `json:"kind"`
	State         string    `json:"state"`
	ExtendedState string    `json:"extended_state,omitempty"`
	At            time.Time `json:"at"`
}

// Feed accepts websocket clients and broadcasts progress messages to all of
// them.
type Feed struct {
	mu          sync.RWMutex
	clients     map[*websocket.Conn]bool
	clientMutex map[*websocket.Conn]*sync.Mutex
	logger      arbor.ILogger
	config      *common.WebSocketConfig
}

// NewFeed creates the progress feed.
func NewFeed(config *common.WebSocketConfig, logger arbor.ILogger) *Feed {
	return &Feed{
		clients:     make(map[*websocket.Conn]bool),
		clientMutex: make(map[*websocket.Conn]*sync.Mutex),
		logger:      logger,
		config:      config,
	}
}

// Serve starts the loopback listener. Blocks; run it on its own goroutine.
func (f *Feed) Serve() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/progress", f.handleClient)
	addr := fmt.Sprintf("127.0.0.1:%d", f.config.Port)
	f.logger.Info().Str("addr", addr).Msg("Progress feed listening")
	return http.ListenAndServe(addr, mux)
}

func (f *Feed) handleClient(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	f.mu.Lock()
	f.clients[conn] = true
	f.clientMutex[conn] = &sync.Mutex{}
	total := len(f.clients)
	f.mu.Unlock()

	f.logger.Info().Msgf("Progress client connected (total: %d)", total)

	defer func() {
		f.mu.Lock()
		delete(f.clients, conn)
		delete(f.clientMutex, conn)
		remaining := len(f.clients)
		f.mu.Unlock()

		conn.Close()
		f.logger.Info().Msgf("Progress client disconnected (remaining: %d)", remaining)
	}()

	// Keep the connection alive; the feed is push-only.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				f.logger.Warn().Err(err).Msg("WebSocket error")
			}
			break
		}
	}
}

// broadcast sends one message to every connected client.
func (f *Feed) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		f.logger.Error().Err(err).Msg("Failed to marshal progress message")
		return
	}

	f.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(f.clients))
	mutexes := make([]*sync.Mutex, 0, len(f.clients))
	for conn := range f.clients {
		clients = append(clients, conn)
		mutexes = append(mutexes, f.clientMutex[conn])
	}
	f.mu.RUnlock()

	for i, conn := range clients {
		mutex := mutexes[i]
		mutex.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		mutex.Unlock()

		if err != nil {
			f.logger.Warn().Err(err).Msg("Failed to send progress to client")
		}
	}
}

// QueryObserver adapts the feed to the Executive's observer hook.
func (f *Feed) QueryObserver() dispatch.Observer {
	return func(queryID dispatch.QueryID, jobID int, state dispatch.JobState) {
		f.broadcast(Message{
			Type: "query_progress",
			Payload: QueryProgress{
				QueryID: int64(queryID),
				JobID:   jobID,
				State:   state.String(),
				At:      time.Now(),
			},
		})
	}
}

// NotifyJob publishes one replica-job transition; wire it as the job's
// notify callback.
func (f *Feed) NotifyJob(jobID, kind, state, extendedState string) {
	f.broadcast(Message{
		Type: "job_progress",
		Payload: JobProgress{
			JobID:         jobID,
			Kind:          kind,
			State:         state,
			ExtendedState: extendedState,
			At:            time.Now(),
		},
	})
}

// ClientCount reports connected clients, for tests and status lines.
func (f *Feed) ClientCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}
