package controllerapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/hyac/pkg/db"
	"github.com/cuemby/hyac/pkg/errors"
	"github.com/cuemby/hyac/pkg/types"
	"github.com/google/uuid"
)

type applicationTransition string

const (
	applicationTransitionStart   applicationTransition = "start"
	applicationTransitionStop    applicationTransition = "stop"
	applicationTransitionRestart applicationTransition = "restart"
	applicationTransitionDelete  applicationTransition = "delete"
)

// allowedFrom is the application status state machine: the states a
// transition may be requested from.
// A transitional status also allows a same-action re-request, so a client
// retrying an in-flight start/stop/restart/delete gets the same pending
// status back instead of a 409.
var allowedFrom = map[applicationTransition]map[types.ApplicationStatus]bool{
	applicationTransitionStart: {
		types.ApplicationStatusStopped:  true,
		types.ApplicationStatusError:    true,
		types.ApplicationStatusStarting: true,
	},
	applicationTransitionStop: {
		types.ApplicationStatusRunning:  true,
		types.ApplicationStatusStopping: true,
	},
	applicationTransitionRestart: {
		types.ApplicationStatusRunning:  true,
		types.ApplicationStatusStarting: true,
	},
	applicationTransitionDelete: {
		types.ApplicationStatusStopped:  true,
		types.ApplicationStatusError:    true,
		types.ApplicationStatusRunning:  true,
		types.ApplicationStatusDeleting: true,
	},
}

var transitionTask = map[applicationTransition]types.TaskAction{
	applicationTransitionStart:   types.TaskActionStartApp,
	applicationTransitionStop:    types.TaskActionStopApp,
	applicationTransitionRestart: types.TaskActionRestartApp,
	applicationTransitionDelete:  types.TaskActionDeleteApp,
}

var transitionPendingStatus = map[applicationTransition]types.ApplicationStatus{
	applicationTransitionStart:   types.ApplicationStatusStarting,
	applicationTransitionStop:    types.ApplicationStatusStopping,
	applicationTransitionRestart: types.ApplicationStatusStarting,
	applicationTransitionDelete:  types.ApplicationStatusDeleting,
}

type createApplicationRequest struct {
	AppName     string `json:"appName"`
	Description string `json:"description"`
}

func (s *Server) handleApplicationsCreate(w http.ResponseWriter, r *http.Request) {
	var req createApplicationRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.AppName == "" {
		s.writeError(w, errors.Validation("appName is required"))
		return
	}

	ctx := r.Context()
	if existing, _ := s.store.Collection("applications").FindOne(ctx, map[string]any{"app_name": req.AppName}); existing != nil {
		s.writeError(w, errors.Conflict("application name %q is already in use", req.AppName))
		return
	}

	now := time.Now()
	app := types.Application{
		AppID:       uuid.New().String(),
		AppName:     req.AppName,
		Description: req.Description,
		Status:      types.ApplicationStatusStarting,
		DBPassword:  uuid.New().String(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Collection("applications").InsertOne(ctx, encodeApplication(app)); err != nil {
		s.writeError(w, errors.Fatal("failed to create application", err))
		return
	}
	if err := s.enqueueTask(ctx, types.TaskActionStartApp, app.AppID); err != nil {
		s.writeError(w, errors.Fatal("failed to enqueue start task", err))
		return
	}
	s.writeOK(w, map[string]any{"app_id": app.AppID, "status": app.Status})
}

func (s *Server) handleApplicationsTransition(t applicationTransition) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			AppID string `json:"appId"`
		}
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
		if req.AppID == "" {
			s.writeError(w, errors.Validation("appId is required"))
			return
		}

		ctx := r.Context()
		doc, err := s.store.Collection("applications").FindOne(ctx, map[string]any{"app_id": req.AppID})
		if err == db.ErrNotFound {
			s.writeError(w, errors.NotFound("application %q not found", req.AppID))
			return
		} else if err != nil {
			s.writeError(w, errors.Fatal("failed to look up application", err))
			return
		}
		app := decodeApplication(doc)

		if !allowedFrom[t][app.Status] {
			s.writeError(w, errors.Conflict("application %q cannot %s from state %q", req.AppID, t, app.Status))
			return
		}

		pending := transitionPendingStatus[t]
		if err := s.store.Collection("applications").UpdateOne(ctx, map[string]any{"app_id": req.AppID}, map[string]any{
			"$set": map[string]any{"status": string(pending), "updated_at": time.Now()},
		}); err != nil {
			s.writeError(w, errors.Fatal("failed to transition application", err))
			return
		}
		if err := s.enqueueTask(ctx, transitionTask[t], req.AppID); err != nil {
			s.writeError(w, errors.Fatal("failed to enqueue task", err))
			return
		}
		s.writeOK(w, map[string]any{"app_id": req.AppID, "status": pending})
	}
}

func (s *Server) handleApplicationsData(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Page   int `json:"page"`
		Length int `json:"length"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Page < 1 {
		req.Page = 1
	}
	if req.Length < 1 || req.Length > 200 {
		req.Length = 20
	}

	ctx := r.Context()
	docs, err := s.store.Collection("applications").Find(ctx, map[string]any{})
	if err != nil {
		s.writeError(w, errors.Fatal("failed to list applications", err))
		return
	}

	start := (req.Page - 1) * req.Length
	end := start + req.Length
	if start > len(docs) {
		start = len(docs)
	}
	if end > len(docs) {
		end = len(docs)
	}

	items := make([]types.Application, 0, end-start)
	for _, doc := range docs[start:end] {
		items = append(items, *decodeApplication(doc))
	}
	s.writeOK(w, map[string]any{"items": items, "total": len(docs), "page": req.Page, "length": req.Length})
}

type updateDescriptionRequest struct {
	AppID       string `json:"appId"`
	Description string `json:"description"`
}

func (s *Server) handleApplicationsUpdateDescription(w http.ResponseWriter, r *http.Request) {
	var req updateDescriptionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.AppID == "" {
		s.writeError(w, errors.Validation("appId is required"))
		return
	}
	if _, ok := s.lookupApplication(w, r, req.AppID); !ok {
		return
	}
	if err := s.saveApplicationFields(r, req.AppID, map[string]any{"description": req.Description}); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeOK(w, map[string]any{"app_id": req.AppID})
}

type updateDependenciesRequest struct {
	AppID        string               `json:"appId"`
	Dependencies []types.Dependency `json:"dependencies"`
}

func (s *Server) handleApplicationsUpdateDependencies(w http.ResponseWriter, r *http.Request) {
	var req updateDependenciesRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.AppID == "" {
		s.writeError(w, errors.Validation("appId is required"))
		return
	}
	if _, ok := s.lookupApplication(w, r, req.AppID); !ok {
		return
	}
	deps := make([]any, 0, len(req.Dependencies))
	for _, d := range req.Dependencies {
		if d.Name == "" {
			s.writeError(w, errors.Validation("dependency name is required"))
			return
		}
		deps = append(deps, map[string]any{"name": d.Name, "version": d.Version})
	}
	if err := s.saveApplicationFields(r, req.AppID, map[string]any{"common_dependencies": deps}); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeOK(w, map[string]any{"app_id": req.AppID})
}

// enqueueTask mirrors pkg/taskqueue's own Task insert shape (the API and
// the worker share exactly one Task document format).
func (s *Server) enqueueTask(ctx context.Context, action types.TaskAction, appID string) error {
	now := time.Now()
	return s.store.Collection("tasks").InsertOne(ctx, map[string]any{
		"task_id":    fmt.Sprintf("%s-%d", appID, now.UnixNano()),
		"action":     string(action),
		"payload":    map[string]any{"app_id": appID},
		"status":     string(types.TaskStatusPending),
		"created_at": now,
		"updated_at": now,
	})
}
