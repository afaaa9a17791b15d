// Package httpapi exposes the sync daemon over HTTP: the webhook receiver,
// the notification stream, and the scope control surface.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/courtflow/schedsync/internal/logging"
	"github.com/courtflow/schedsync/internal/schedsync"
)

// Coordinator is the scheduling surface the server drives.
type Coordinator interface {
	Trigger(scopeID string, reason schedsync.TriggerReason) bool
	NoteWebhook(scopeID string)
	Status(scopeID string) schedsync.ScopeSnapshot
}

// ChannelValidator checks webhook notifications against registered push
// channels.
type ChannelValidator interface {
	Validate(channelID, resourceID, token string) (string, bool)
	Snapshot() []schedsync.SyncChannel
}

type ServerConfig struct {
	// HeartbeatInterval is how often idle stream connections are pinged.
	HeartbeatInterval time.Duration
}

type Server struct {
	coordinator Coordinator
	channels    ChannelValidator
	broadcaster *schedsync.Broadcaster
	cfg         ServerConfig
	log         *slog.Logger
}

func NewServer(coordinator Coordinator, channels ChannelValidator, broadcaster *schedsync.Broadcaster, cfg ServerConfig) *Server {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 25 * time.Second
	}
	return &Server{
		coordinator: coordinator,
		channels:    channels,
		broadcaster: broadcaster,
		cfg:         cfg,
		log:         logging.Component("httpapi"),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/webhooks/calendar" && r.Method == http.MethodPost {
		s.handleWebhook(w, r)
		return
	}
	if r.URL.Path == "/v1/notifications/stream" && r.Method == http.MethodGet {
		s.handleStream(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) == 4 && parts[0] == "v1" && parts[1] == "scopes" {
		scopeID := parts[2]
		if scopeID == "" {
			writeError(w, http.StatusNotFound, "not_found", "route not found")
			return
		}
		switch {
		case parts[3] == "sync" && r.Method == http.MethodPost:
			s.handleSyncTrigger(w, r, scopeID)
			return
		case parts[3] == "status" && r.Method == http.MethodGet:
			s.handleStatus(w, r, scopeID)
			return
		}
	}

	writeError(w, http.StatusNotFound, "not_found", "route not found")
}

// handleWebhook is the push-notification receiver. It always answers 200 so
// the provider never retries or tears the channel down; validation failures
// are logged and dropped. The notification body carries nothing useful, only
// the headers matter.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	channelID := r.Header.Get("X-Goog-Channel-Id")
	resourceID := r.Header.Get("X-Goog-Resource-Id")
	state := r.Header.Get("X-Goog-Resource-State")
	token := r.Header.Get("X-Goog-Channel-Token")

	scopeID, ok := s.channels.Validate(channelID, resourceID, token)
	if !ok {
		s.log.Warn("webhook rejected", "channel", channelID, "state", state)
		w.WriteHeader(http.StatusOK)
		return
	}

	s.coordinator.NoteWebhook(scopeID)

	// The initial "sync" message confirms channel creation; it does not
	// signal a calendar change.
	if state != "sync" {
		queued := s.coordinator.Trigger(scopeID, schedsync.TriggerWebhook)
		s.log.Debug("webhook received", "scope", scopeID, "state", state, "queued", queued)
	}

	w.WriteHeader(http.StatusOK)
}

// handleStream serves the notification stream over a websocket. Clients pass
// last_seen_seq to replay events they missed while disconnected; idle
// connections get a ping every heartbeat interval.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	lastSeen := uint64(0)
	if raw := strings.TrimSpace(r.URL.Query().Get("last_seen_seq")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid last_seen_seq")
			return
		}
		lastSeen = parsed
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("stream accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	sub := s.broadcaster.Subscribe(lastSeen)
	defer s.broadcaster.Unsubscribe(sub)

	ctx := r.Context()
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case evt := <-sub.C:
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancel()
			if err != nil {
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// handleSyncTrigger enqueues a manual reconciliation pass. The response says
// whether the trigger was accepted or coalesced into work already scheduled.
func (s *Server) handleSyncTrigger(w http.ResponseWriter, _ *http.Request, scopeID string) {
	queued := s.coordinator.Trigger(scopeID, schedsync.TriggerManual)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"scopeId": scopeID,
		"queued":  queued,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request, scopeID string) {
	snapshot := s.coordinator.Status(scopeID)
	var channel *schedsync.SyncChannel
	for _, ch := range s.channels.Snapshot() {
		if ch.ScopeID == scopeID {
			copied := ch
			channel = &copied
			break
		}
	}
	writeJSON(w, http.StatusOK, struct {
		schedsync.ScopeSnapshot
		Channel *schedsync.SyncChannel `json:"channel,omitempty"`
		Stream  streamStatus           `json:"stream"`
	}{
		ScopeSnapshot: snapshot,
		Channel:       channel,
		Stream: streamStatus{
			LastSeq:     s.broadcaster.LastSeq(),
			Subscribers: s.broadcaster.SubscriberCount(),
		},
	})
}

type streamStatus struct {
	LastSeq     uint64 `json:"lastSeq"`
	Subscribers int    `json:"subscribers"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
