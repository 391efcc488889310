// Package controllerapi implements the controller's management HTTP API:
// applications, functions, settings, and scheduler CRUD under the
// {code, msg, data} envelope, a websocket log stream, and the catch-all
// lazy-start proxy route, wired with gorilla/mux
// (mux.NewRouter + router.HandleFunc(path, handler).Methods(...)).
package controllerapi

import (
	"context"
	"net/http"
	"time"

	"github.com/cuemby/hyac/pkg/blob"
	"github.com/cuemby/hyac/pkg/db"
	"github.com/cuemby/hyac/pkg/lazyproxy"
	"github.com/cuemby/hyac/pkg/log"
	"github.com/cuemby/hyac/pkg/orchestrator"
	"github.com/cuemby/hyac/pkg/scheduler"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Orchestrator is the subset of *orchestrator.Orchestrator the API needs. It
// is handed to the catch-all lazy-start proxy, which starts a cold
// application's container inline on its first request; the management
// endpoints' lifecycle transitions go through Task documents instead.
type Orchestrator interface {
	StartAppContainer(ctx context.Context, cfg orchestrator.StartConfig) (*orchestrator.RunningApp, error)
}

// Server is the controller's management HTTP API.
type Server struct {
	store      db.Store
	blob       blob.Store
	sched      *scheduler.Scheduler
	router     *mux.Router
	baseDomain string
	devMode    bool
	logger     zerolog.Logger
}

// Config carries Server's external collaborators and settings.
type Config struct {
	Store      db.Store
	Blob       blob.Store
	Scheduler  *scheduler.Scheduler
	Orch       Orchestrator
	BaseDomain string
	DevMode    bool
}

// New builds the controller API router with every management route
// wired, plus the catch-all lazy-start proxy as the last-registered route.
func New(cfg Config) *Server {
	s := &Server{
		store:      cfg.Store,
		blob:       cfg.Blob,
		sched:      cfg.Scheduler,
		baseDomain: cfg.BaseDomain,
		devMode:    cfg.DevMode,
		logger:     log.WithComponent("controllerapi"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/__server_health__", s.handleServerHealth).Methods(http.MethodGet)

	r.HandleFunc("/applications/create", s.handleApplicationsCreate).Methods(http.MethodPost)
	r.HandleFunc("/applications/start", s.handleApplicationsTransition(applicationTransitionStart)).Methods(http.MethodPost)
	r.HandleFunc("/applications/stop", s.handleApplicationsTransition(applicationTransitionStop)).Methods(http.MethodPost)
	r.HandleFunc("/applications/restart", s.handleApplicationsTransition(applicationTransitionRestart)).Methods(http.MethodPost)
	r.HandleFunc("/applications/delete", s.handleApplicationsTransition(applicationTransitionDelete)).Methods(http.MethodPost)
	r.HandleFunc("/applications/data", s.handleApplicationsData).Methods(http.MethodPost)
	r.HandleFunc("/applications/update_description", s.handleApplicationsUpdateDescription).Methods(http.MethodPost)
	r.HandleFunc("/applications/update_dependencies", s.handleApplicationsUpdateDependencies).Methods(http.MethodPost)

	r.HandleFunc("/function/create", s.handleFunctionCreate).Methods(http.MethodPost)
	r.HandleFunc("/function/update_code", s.handleFunctionUpdateCode).Methods(http.MethodPost)
	r.HandleFunc("/function/delete", s.handleFunctionDelete).Methods(http.MethodPost)
	r.HandleFunc("/function/proxy_test", s.handleFunctionProxyTest).Methods(http.MethodPost)

	r.HandleFunc("/settings/env_add", s.handleSettingsEnvAdd).Methods(http.MethodPost)
	r.HandleFunc("/settings/env_remove", s.handleSettingsEnvRemove).Methods(http.MethodPost)
	r.HandleFunc("/settings/cors_update", s.handleSettingsCORSUpdate).Methods(http.MethodPost)
	r.HandleFunc("/settings/notification_update", s.handleSettingsNotificationUpdate).Methods(http.MethodPost)
	r.HandleFunc("/settings/ai_config_update", s.handleSettingsAIConfigUpdate).Methods(http.MethodPost)

	r.HandleFunc("/scheduler/get", s.handleSchedulerGet).Methods(http.MethodPost)
	r.HandleFunc("/scheduler/upsert", s.handleSchedulerUpsert).Methods(http.MethodPost)
	r.HandleFunc("/scheduler/delete", s.handleSchedulerDelete).Methods(http.MethodPost)
	r.HandleFunc("/scheduler/trigger", s.handleSchedulerTrigger).Methods(http.MethodPost)

	r.HandleFunc("/logs/websocket_logs/{app_id}", s.handleWebsocketLogs)

	proxy := lazyproxy.New(cfg.Store, cfg.Orch, cfg.BaseDomain)
	r.PathPrefix("/").Handler(proxy)

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleServerHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{}
	status := http.StatusOK

	if _, err := s.store.Collection("applications").Find(ctx, map[string]any{}); err != nil {
		checks["db"] = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		checks["db"] = "ok"
	}

	if _, err := s.blob.BucketExists(ctx, "__healthcheck__"); err != nil {
		checks["blob"] = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		checks["blob"] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, map[string]any{"checks": checks})
}
