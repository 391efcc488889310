package controllerapi

import (
	"context"
	"net/http"

	"github.com/cuemby/hyac/pkg/db"
	"github.com/cuemby/hyac/pkg/log"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Every origin is accepted: no allowlist or host check is applied to
	// the upgrade request.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type subscribeFrame struct {
	Type   string `json:"type"`
	FuncID string `json:"funcId"`
}

// handleWebsocketLogs streams LogEntry inserts for app_id, filtered to
// whichever function_id the client last subscribed to via a
// {"type":"subscribe"|"unsubscribe", "funcId": ...} frame. Per-connection
// authentication is not implemented.
func (s *Server) handleWebsocketLogs(w http.ResponseWriter, r *http.Request) {
	appID := mux.Vars(r)["app_id"]
	if _, err := s.store.Collection("applications").FindOne(r.Context(), map[string]any{"app_id": appID}); err != nil {
		http.Error(w, "application not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	logger := log.WithComponent("controllerapi.logs_ws").With().Str("app_id", appID).Logger()
	ctx := r.Context()

	var cancelWatch func()
	stopWatch := func() {
		if cancelWatch != nil {
			cancelWatch()
			cancelWatch = nil
		}
	}
	defer stopWatch()

	currentFuncID := ""
	for {
		var frame subscribeFrame
		if err := conn.ReadJSON(&frame); err != nil {
			logger.Debug().Err(err).Msg("client disconnected from log stream")
			return
		}

		switch frame.Type {
		case "subscribe":
			if frame.FuncID == "" {
				_ = conn.WriteJSON(map[string]any{"error": "funcId is required for subscription"})
				continue
			}
			if _, err := s.store.Collection("functions").FindOne(ctx, map[string]any{
				"app_id": appID, "function_id": frame.FuncID,
			}); err != nil {
				_ = conn.WriteJSON(map[string]any{"error": "function " + frame.FuncID + " not found"})
				continue
			}
			if frame.FuncID == currentFuncID {
				continue
			}
			stopWatch()
			currentFuncID = frame.FuncID
			cancelWatch = s.streamLogs(ctx, conn, appID, currentFuncID, logger)
		case "unsubscribe":
			stopWatch()
			currentFuncID = ""
		}
	}
}

// streamLogs subscribes to log_entries inserts for (appID, funcID) and
// forwards each one to conn as JSON until the returned cancel func is
// called or the watch channel closes.
func (s *Server) streamLogs(ctx context.Context, conn *websocket.Conn, appID, funcID string, logger zerolog.Logger) func() {
	events, cancel, err := s.store.Watch(ctx, db.WatchOptions{
		Collection: "log_entries",
		Operations: []db.Operation{db.OpInsert},
		Match: func(doc map[string]any) bool {
			docApp, _ := doc["app_id"].(string)
			docFunc, _ := doc["function_id"].(string)
			return docApp == appID && docFunc == funcID
		},
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to subscribe to log entries")
		_ = conn.WriteJSON(map[string]any{"error": "failed to subscribe to logs"})
		return func() {}
	}

	go func() {
		for ev := range events {
			if err := conn.WriteJSON(ev.FullDocument); err != nil {
				cancel()
				return
			}
		}
	}()
	return cancel
}
