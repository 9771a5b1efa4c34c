package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ihmily/comfy-deploy/internal/delivery"
	"github.com/ihmily/comfy-deploy/internal/engine"
	"github.com/ihmily/comfy-deploy/internal/graph"
)

type executeRequest struct {
	Prompt      graph.Graph `json:"prompt"`
	CallbackURL string      `json:"callback_url"`
	TaskID      string      `json:"task_id"`
	ClientID    string      `json:"client_id"`
}

// execute handles POST /api/v1/execute: seed injection, submission to the
// engine, external-tracking registration, and the task_queued callback.
func (s *Server) execute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", s.logger)
		return
	}
	if len(req.Prompt) == 0 {
		writeError(w, http.StatusBadRequest, "No workflow data provided", s.logger)
		return
	}
	if req.CallbackURL != "" && !validCallbackURL(req.CallbackURL) {
		writeError(w, http.StatusBadRequest, "invalid callback URL", s.logger)
		return
	}

	promptID := req.TaskID
	if promptID == "" {
		id, err := s.idGen.NewID()
		if err != nil {
			s.logger.Error("generate task id failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to generate task ID", s.logger)
			return
		}
		promptID = id
	}
	clientID := req.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("comfy-deploy-%d", s.clock.Now().Unix())
	}

	graph.ApplyRandomSeeds(req.Prompt)

	// Register tracking state before submission so the start event cannot
	// race past the externally-tracked check.
	s.registry.MarkAPICreated(promptID)
	s.registry.MapClient(clientID, promptID)
	if req.CallbackURL != "" {
		s.registry.SetCallbackURL(promptID, req.CallbackURL)
	}

	err := s.engine.Submit(r.Context(), engine.Submission{
		TaskID:   promptID,
		ClientID: clientID,
		Graph:    req.Prompt,
	})
	if err != nil {
		s.registry.Cleanup(promptID)
		if errors.Is(err, engine.ErrInvalidGraph) {
			writeError(w, http.StatusBadRequest, "Task validation failed", s.logger)
			return
		}
		s.logger.Error("workflow submission failed",
			zap.String("prompt_id", promptID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error(), s.logger)
		return
	}
	s.metrics.TaskSubmitted()

	// A client ID that names a connected machine associates the task with
	// that machine and notifies it immediately.
	if s.directory.HasMachine(clientID) {
		s.directory.AddMachineTask(clientID, promptID)
		if conn, ok := s.directory.MachineConn(clientID); ok {
			notify := map[string]any{
				"event": "task_created",
				"data": map[string]any{
					"prompt_id": promptID,
					"client_id": clientID,
					"status":    "created",
					"message":   "Task created",
					"timestamp": s.clock.Now().Unix(),
				},
			}
			if err := conn.WriteJSON(notify); err != nil {
				s.logger.Warn("task created notification failed",
					zap.String("machine_id", clientID), zap.Error(err))
			}
		}
	}

	s.queue.Enqueue(delivery.Item{
		TaskID:  promptID,
		Channel: delivery.Callback,
		Event:   "task_queued",
		Payload: map[string]any{
			"prompt_id": promptID,
			"client_id": clientID,
			"status":    "queued",
			"message":   "Task queued",
			"timestamp": s.clock.Now().Unix(),
		},
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"prompt_id": promptID,
		"client_id": clientID,
		"status":    "submitted",
	}, s.logger)
}

// status handles GET /api/v1/status/{prompt_id}: history first, then the
// live queue, 404 when the engine has never seen the task.
func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	promptID := chi.URLParam(r, "prompt_id")
	if promptID == "" {
		writeError(w, http.StatusBadRequest, "No task ID provided", s.logger)
		return
	}

	if entry, ok := s.engine.History(promptID); ok {
		resp := map[string]any{
			"prompt_id":  promptID,
			"status":     entry.Status,
			"completed":  entry.Completed,
			"has_output": len(entry.Outputs) > 0,
			"outputs":    entry.Outputs,
		}
		if entry.Completed && !entry.Failed {
			resp["raw_outputs"] = entry.Outputs
		}
		if entry.Failed && entry.ErrorMsg != "" {
			resp["error"] = entry.ErrorMsg
		}
		writeJSON(w, http.StatusOK, resp, s.logger)
		return
	}

	snap := s.engine.Snapshot()
	for _, id := range snap.Running {
		if id != promptID {
			continue
		}
		resp := map[string]any{
			"prompt_id": promptID,
			"status":    "running",
		}
		if prog, ok := s.registry.Progress(promptID); ok {
			resp["progress"] = prog.Percent
			resp["current_node"] = prog.CurrentNode
		} else {
			resp["progress"] = 0
		}
		writeJSON(w, http.StatusOK, resp, s.logger)
		return
	}
	for i, id := range snap.Pending {
		if id != promptID {
			continue
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"prompt_id": promptID,
			"status":    "queued",
			"position":  i + 1,
		}, s.logger)
		return
	}

	writeError(w, http.StatusNotFound, "Task not found", s.logger)
}

// output handles GET /api/v1/output/{prompt_id}/{node_id}.
func (s *Server) output(w http.ResponseWriter, r *http.Request) {
	promptID := chi.URLParam(r, "prompt_id")
	nodeID := chi.URLParam(r, "node_id")
	if promptID == "" || nodeID == "" {
		writeError(w, http.StatusBadRequest, "No task ID or node ID provided", s.logger)
		return
	}

	var (
		nodeOutput map[string]any
		found      bool
	)
	if entry, ok := s.engine.History(promptID); ok {
		nodeOutput, found = entry.Outputs[nodeID]
	} else if _, ok := s.registry.Progress(promptID); ok {
		nodeOutput, found = s.registry.NodeOutput(promptID, nodeID)
	} else {
		writeError(w, http.StatusNotFound, "Task not found", s.logger)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "Node output not found", s.logger)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"prompt_id": promptID,
		"node_id":   nodeID,
		"output":    nodeOutput,
	}, s.logger)
}

// toggleEventListener handles GET /api/v1/toggle_event_listener. Without
// the enable parameter it only reports the current state.
func (s *Server) toggleEventListener(w http.ResponseWriter, r *http.Request) {
	if raw := r.URL.Query().Get("enable"); raw != "" {
		if enable, err := strconv.ParseBool(raw); err == nil {
			s.toggles.SetHandling(enable)
			s.logger.Info("event listener toggled", zap.Bool("enabled", enable))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"event_listener_enabled": s.toggles.HandlingEnabled(),
	}, s.logger)
}

// toggleVerboseLogging handles GET /api/v1/toggle_verbose_logging.
func (s *Server) toggleVerboseLogging(w http.ResponseWriter, r *http.Request) {
	if raw := r.URL.Query().Get("enable"); raw != "" {
		if enable, err := strconv.ParseBool(raw); err == nil {
			s.toggles.SetVerbose(enable)
			s.logger.Info("verbose logging toggled", zap.Bool("enabled", enable))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"verbose_logging_enabled": s.toggles.VerboseEnabled(),
	}, s.logger)
}

func validCallbackURL(raw string) bool {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
