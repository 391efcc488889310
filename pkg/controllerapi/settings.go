package controllerapi

import (
	"net/http"
	"time"

	"github.com/cuemby/hyac/pkg/db"
	"github.com/cuemby/hyac/pkg/errors"
	"github.com/cuemby/hyac/pkg/types"
)

func (s *Server) lookupApplication(w http.ResponseWriter, r *http.Request, appID string) (map[string]any, bool) {
	doc, err := s.store.Collection("applications").FindOne(r.Context(), map[string]any{"app_id": appID})
	if err == db.ErrNotFound {
		s.writeError(w, errors.NotFound("application %q not found", appID))
		return nil, false
	}
	if err != nil {
		s.writeError(w, errors.Fatal("failed to look up application", err))
		return nil, false
	}
	return doc, true
}

type envAddRequest struct {
	AppID string `json:"appId"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (s *Server) handleSettingsEnvAdd(w http.ResponseWriter, r *http.Request) {
	var req envAddRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.AppID == "" || req.Key == "" {
		s.writeError(w, errors.Validation("appId and key are required"))
		return
	}
	doc, ok := s.lookupApplication(w, r, req.AppID)
	if !ok {
		return
	}
	app := decodeApplication(doc)

	replaced := false
	for i, v := range app.EnvironmentVariables {
		if v.Key == req.Key {
			app.EnvironmentVariables[i].Value = req.Value
			replaced = true
			break
		}
	}
	if !replaced {
		app.EnvironmentVariables = append(app.EnvironmentVariables, types.EnvironmentVariable{Key: req.Key, Value: req.Value})
	}

	if err := s.saveApplicationFields(r, req.AppID, map[string]any{
		"environment_variables": encodeApplication(*app)["environment_variables"],
	}); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeOK(w, map[string]any{"app_id": req.AppID})
}

type envRemoveRequest struct {
	AppID string `json:"appId"`
	Key   string `json:"key"`
}

func (s *Server) handleSettingsEnvRemove(w http.ResponseWriter, r *http.Request) {
	var req envRemoveRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.AppID == "" || req.Key == "" {
		s.writeError(w, errors.Validation("appId and key are required"))
		return
	}
	doc, ok := s.lookupApplication(w, r, req.AppID)
	if !ok {
		return
	}
	app := decodeApplication(doc)

	kept := app.EnvironmentVariables[:0]
	for _, v := range app.EnvironmentVariables {
		if v.Key != req.Key {
			kept = append(kept, v)
		}
	}
	app.EnvironmentVariables = kept

	if err := s.saveApplicationFields(r, req.AppID, map[string]any{
		"environment_variables": encodeApplication(*app)["environment_variables"],
	}); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeOK(w, map[string]any{"app_id": req.AppID})
}

type corsUpdateRequest struct {
	AppID          string   `json:"appId"`
	AllowedOrigins []string `json:"allowed_origins"`
	AllowedMethods []string `json:"allowed_methods"`
}

func (s *Server) handleSettingsCORSUpdate(w http.ResponseWriter, r *http.Request) {
	var req corsUpdateRequest
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
	if err := s.saveApplicationFields(r, req.AppID, map[string]any{
		"cors": map[string]any{
			"allowed_origins": toAnySlice(req.AllowedOrigins),
			"allowed_methods": toAnySlice(req.AllowedMethods),
		},
	}); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeOK(w, map[string]any{"app_id": req.AppID})
}

type notificationUpdateRequest struct {
	AppID      string `json:"appId"`
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

func (s *Server) handleSettingsNotificationUpdate(w http.ResponseWriter, r *http.Request) {
	var req notificationUpdateRequest
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
	if err := s.saveApplicationFields(r, req.AppID, map[string]any{
		"notification": map[string]any{"enabled": req.Enabled, "webhook_url": req.WebhookURL},
	}); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeOK(w, map[string]any{"app_id": req.AppID})
}

type aiConfigUpdateRequest struct {
	AppID    string `json:"appId"`
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
}

func (s *Server) handleSettingsAIConfigUpdate(w http.ResponseWriter, r *http.Request) {
	var req aiConfigUpdateRequest
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
	if err := s.saveApplicationFields(r, req.AppID, map[string]any{
		"ai": map[string]any{"provider": req.Provider, "api_key": req.APIKey},
	}); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeOK(w, map[string]any{"app_id": req.AppID})
}

func (s *Server) saveApplicationFields(r *http.Request, appID string, fields map[string]any) error {
	fields["updated_at"] = time.Now()
	return s.store.Collection("applications").UpdateOne(r.Context(), map[string]any{"app_id": appID}, map[string]any{"$set": fields})
}
