package controllerapi

import (
	"net/http"
	"time"

	"github.com/cuemby/hyac/pkg/db"
	"github.com/cuemby/hyac/pkg/errors"
	"github.com/cuemby/hyac/pkg/types"
	"github.com/google/uuid"
)

// The scheduler handlers only ever touch the scheduled_tasks collection;
// pkg/scheduler's own change-feed watch is what keeps the in-process cron
// engine in sync with whatever these handlers write.

func (s *Server) handleSchedulerGet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AppID string `json:"appId"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	filter := map[string]any{}
	if req.AppID != "" {
		filter["app_id"] = req.AppID
	}
	docs, err := s.store.Collection("scheduled_tasks").Find(r.Context(), filter)
	if err != nil {
		s.writeError(w, errors.Fatal("failed to list scheduled tasks", err))
		return
	}
	s.writeOK(w, map[string]any{"items": docs})
}

type schedulerUpsertRequest struct {
	TaskID        string         `json:"task_id"`
	Name          string         `json:"name"`
	AppID         string         `json:"appId"`
	FunctionID    string         `json:"function_id"`
	Trigger       string         `json:"trigger"`
	TriggerConfig map[string]any `json:"trigger_config"`
	Params        map[string]any `json:"params"`
	Body          map[string]any `json:"body"`
	Enabled       bool           `json:"enabled"`
}

func (s *Server) handleSchedulerUpsert(w http.ResponseWriter, r *http.Request) {
	var req schedulerUpsertRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	trigger := types.TriggerType(req.Trigger)
	if trigger != types.TriggerTypeCron && trigger != types.TriggerTypeInterval {
		s.writeError(w, errors.Validation("trigger must be %q or %q", types.TriggerTypeCron, types.TriggerTypeInterval))
		return
	}
	if req.AppID == "" || req.FunctionID == "" {
		s.writeError(w, errors.Validation("appId and function_id are required"))
		return
	}

	ctx := r.Context()
	if fn, err := s.store.Collection("functions").FindOne(ctx, map[string]any{"app_id": req.AppID, "function_id": req.FunctionID}); err == db.ErrNotFound {
		s.writeError(w, errors.NotFound("function %q not found", req.FunctionID))
		return
	} else if err != nil {
		s.writeError(w, errors.Fatal("failed to look up function", err))
		return
	} else if decoded := decodeFunction(fn); decoded.FunctionType == types.FunctionTypeCommon {
		s.writeError(w, errors.Validation("common functions may not carry a scheduled task"))
		return
	}

	now := time.Now()
	taskID := req.TaskID
	isNew := taskID == ""
	if isNew {
		taskID = uuid.New().String()
	}

	doc := map[string]any{
		"task_id":        taskID,
		"name":           req.Name,
		"app_id":         req.AppID,
		"function_id":    req.FunctionID,
		"trigger":        string(trigger),
		"trigger_config": req.TriggerConfig,
		"params":         req.Params,
		"body":           req.Body,
		"enabled":        req.Enabled,
		"is_system_task": false,
		"updated_at":     now,
	}
	if isNew {
		doc["created_at"] = now
		if err := s.store.Collection("scheduled_tasks").InsertOne(ctx, doc); err != nil {
			s.writeError(w, errors.Fatal("failed to create scheduled task", err))
			return
		}
	} else {
		if err := s.store.Collection("scheduled_tasks").ReplaceOne(ctx, map[string]any{"task_id": taskID}, doc, true); err != nil {
			s.writeError(w, errors.Fatal("failed to update scheduled task", err))
			return
		}
	}
	s.writeOK(w, map[string]any{"task_id": taskID})
}

func (s *Server) handleSchedulerDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskID string `json:"task_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.TaskID == "" {
		s.writeError(w, errors.Validation("task_id is required"))
		return
	}
	if err := s.store.Collection("scheduled_tasks").DeleteOne(r.Context(), map[string]any{"task_id": req.TaskID}); err != nil && err != db.ErrNotFound {
		s.writeError(w, errors.Fatal("failed to delete scheduled task", err))
		return
	}
	s.writeOK(w, map[string]any{"task_id": req.TaskID})
}

func (s *Server) handleSchedulerTrigger(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskID string `json:"task_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.TaskID == "" {
		s.writeError(w, errors.Validation("task_id is required"))
		return
	}
	if s.sched == nil {
		s.writeError(w, errors.Fatal("scheduler is not configured", nil))
		return
	}
	if err := s.sched.Trigger(r.Context(), req.TaskID); err != nil {
		s.writeError(w, errors.Fatal("failed to trigger scheduled task", err))
		return
	}
	s.writeOK(w, map[string]any{"task_id": req.TaskID})
}
