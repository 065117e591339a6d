package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/meridianhq/configurator/internal/api/middleware"
	"github.com/meridianhq/configurator/internal/apierr"
)

// upgrader mirrors the teacher's silence_ws.go Upgrader: generous
// buffers, origin checking deferred to the reverse proxy in front of
// this service rather than enforced here.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// watchMessage is one frame sent down a /watch connection.
type watchMessage struct {
	Type      string    `json:"type"`
	ConfigID  string     `json:"configId,omitempty"`
	Version   int64      `json:"version,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Watch handles GET /projects/{projectId}/configs/{name}/watch: upgrades
// to a websocket and streams "upsert"/"delete" events for the named
// config until the client disconnects.
//
// Unlike the teacher's WebSocketHub (a shared broadcast hub fed by one
// register/unregister/broadcast channel triple), each connection here
// subscribes directly to internal/eventbus.Client and filters to its
// own configId — there is no cross-connection fanout to coordinate, so
// a hub would only add bookkeeping this handler doesn't need.
func (h *Handler) Watch(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		apierr.WriteError(w, apierr.Internal("event watching is not enabled on this process").WithRequestID(middleware.GetRequestID(r.Context())))
		return
	}

	vars := mux.Vars(r)
	projectID, name := vars["projectId"], vars["name"]
	if !h.requireProjectAccess(w, r, projectID) {
		return
	}

	cfg, err := h.store.GetConfig(r.Context(), projectID, name)
	if err != nil {
		h.sendError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("watch: upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	events, unsubscribe := h.events.Subscribe(ctx, 16)
	defer unsubscribe()

	h.logger.Info("watch: connection opened", "configId", cfg.ID)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if evt.ConfigID != cfg.ID {
				continue
			}
			msg := watchMessage{Type: evt.Kind, ConfigID: evt.ConfigID, Version: evt.Version, Timestamp: time.Now().UTC()}
			if err := conn.WriteJSON(msg); err != nil {
				h.logger.Debug("watch: write failed, closing", "error", err)
				return
			}
		}
	}
}
