package ws

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ihmily/comfy-deploy/internal/task"
)

// Handler upgrades and serves the machine- and task-scoped push endpoints.
type Handler struct {
	directory *Directory
	registry  *task.Registry
	clock     task.Clock
	logger    *zap.Logger
	upgrader  websocket.Upgrader
}

// NewHandler wires the directory, registry, and clock.
func NewHandler(directory *Directory, registry *task.Registry, clock task.Clock, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		directory: directory,
		registry:  registry,
		clock:     clock,
		logger:    logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Machine serves /api/v1/ws/machine/{machine_id}: it registers as the sole
// connection for the machine (replacing any prior one), replays a
// `connected` event, adopts tasks already mapped to the machine's identity,
// and answers ping/close frames until disconnect.
func (h *Handler) Machine(w http.ResponseWriter, r *http.Request) {
	machineID := chi.URLParam(r, "machine_id")
	if machineID == "" {
		http.Error(w, "no machine ID provided", http.StatusBadRequest)
		return
	}
	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("machine websocket upgrade failed",
			zap.String("machine_id", machineID), zap.Error(err))
		return
	}
	conn := NewSocketConn(raw)
	if prev := h.directory.SetMachineConn(machineID, conn); prev != nil {
		_ = prev.Close()
	}

	if err := conn.WriteJSON(map[string]any{
		"event": "connected",
		"data": map[string]any{
			"machine_id": machineID,
			"message":    "WebSocket connection established",
			"timestamp":  h.clock.Now().Unix(),
		},
	}); err != nil {
		h.logger.Warn("machine websocket greeting failed",
			zap.String("machine_id", machineID), zap.Error(err))
	}

	// Adopt tasks this machine already owns through the client mapping.
	if taskID, ok := h.registry.TaskForClient(machineID); ok {
		h.directory.AddMachineTask(machineID, taskID)
	}

	defer func() {
		if h.directory.RemoveMachineConn(machineID, conn) {
			h.logger.Debug("machine websocket closed", zap.String("machine_id", machineID))
		}
		_ = conn.Close()
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		switch string(data) {
		case "close":
			return
		case "ping":
			if err := conn.WriteJSON(map[string]any{
				"event": "pong",
				"data":  map[string]any{"timestamp": h.clock.Now().Unix()},
			}); err != nil {
				return
			}
		}
	}
}

// Task serves the task-scoped push endpoint: the connection joins the
// task's subscriber set and receives every delivery for it until the peer
// disconnects. Inbound frames are ignored.
func (h *Handler) Task(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "prompt_id")
	if taskID == "" {
		http.Error(w, "no task ID provided", http.StatusBadRequest)
		return
	}
	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("task websocket upgrade failed",
			zap.String("task_id", taskID), zap.Error(err))
		return
	}
	conn := NewSocketConn(raw)
	h.directory.AddTaskConn(taskID, conn)
	defer func() {
		h.directory.RemoveTaskConn(taskID, conn)
		_ = conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
