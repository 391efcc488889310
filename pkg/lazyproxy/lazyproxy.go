// Package lazyproxy implements the catch-all lazy-start reverse proxy:
// the controller's fallback handler for hosts the edge proxy does not yet
// have a route for, starting the application container synchronously on
// the first request to a cold subdomain and proxying once it's ready.
package lazyproxy

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/cuemby/hyac/pkg/db"
	"github.com/cuemby/hyac/pkg/log"
	"github.com/cuemby/hyac/pkg/metrics"
	"github.com/cuemby/hyac/pkg/orchestrator"
	"github.com/cuemby/hyac/pkg/types"
)

const runtimePort = 8001

// Starter is the subset of *orchestrator.Orchestrator the lazy-start proxy
// needs: the idempotent, blocking start protocol.
type Starter interface {
	StartAppContainer(ctx context.Context, cfg orchestrator.StartConfig) (*orchestrator.RunningApp, error)
}

// Proxy is the catch-all HTTP handler registered as the edge proxy's
// fallback route.
type Proxy struct {
	store      db.Store
	starter    Starter
	baseDomain string
}

// New builds a lazy-start proxy. baseDomain is stripped from the request
// Host to recover the app_id_lc subdomain component.
func New(store db.Store, starter Starter, baseDomain string) *Proxy {
	return &Proxy{store: store, starter: starter, baseDomain: strings.ToLower(baseDomain)}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	appIDLower, ok := p.subdomain(r.Host)
	if !ok {
		http.Error(w, "unknown host", http.StatusNotFound)
		return
	}

	logger := log.WithAppID(appIDLower)

	app, err := p.lookupApp(r.Context(), appIDLower)
	if err != nil {
		logger.Warn().Err(err).Msg("lazy-start proxy: no application for host")
		http.Error(w, "application not found", http.StatusNotFound)
		return
	}

	timer := metrics.NewTimer()
	running, err := p.starter.StartAppContainer(r.Context(), orchestrator.StartConfig{
		AppID:      app.AppID,
		Host:       r.Host,
		Env:        buildEnv(app),
		DBPassword: app.DBPassword,
	})
	timer.ObserveDuration(metrics.LazyProxyWaitDuration)
	if err != nil {
		metrics.LazyProxyColdStartsTotal.Inc()
		logger.Error().Err(err).Msg("lazy-start proxy: start failed")
		http.Error(w, "application failed to start", http.StatusBadGateway)
		return
	}
	metrics.LazyProxyColdStartsTotal.Inc()

	target := &url.URL{Scheme: "http", Host: running.ContainerName + ":" + strconv.Itoa(runtimePort)}
	httputil.NewSingleHostReverseProxy(target).ServeHTTP(w, r)
}

// subdomain strips the configured base domain (and an optional :port) from
// host, returning the lowercased leading label as app_id_lc.
func (p *Proxy) subdomain(host string) (string, bool) {
	host = strings.ToLower(host)
	if i := strings.IndexByte(host, ':'); i != -1 {
		host = host[:i]
	}
	suffix := "." + p.baseDomain
	if !strings.HasSuffix(host, suffix) {
		return "", false
	}
	label := strings.TrimSuffix(host, suffix)
	if label == "" || strings.Contains(label, ".") {
		return "", false
	}
	return label, true
}

// lookupApp finds the Application whose app_id case-insensitively matches
// appIDLower. Document stores in this corpus do not offer a case-folding
// index, so routing compares against the lowercased app_id in process;
// application counts in a self-hosted deployment are small enough that this
// linear scan is not a bottleneck.
func (p *Proxy) lookupApp(ctx context.Context, appIDLower string) (*types.Application, error) {
	docs, err := p.store.Collection("applications").Find(ctx, nil)
	if err != nil {
		return nil, err
	}
	for _, doc := range docs {
		id, _ := doc["app_id"].(string)
		if strings.ToLower(id) == appIDLower {
			return docToApplication(doc), nil
		}
	}
	return nil, db.ErrNotFound
}

func docToApplication(doc map[string]any) *types.Application {
	app := &types.Application{}
	if v, ok := doc["app_id"].(string); ok {
		app.AppID = v
	}
	if v, ok := doc["app_name"].(string); ok {
		app.AppName = v
	}
	if v, ok := doc["status"].(string); ok {
		app.Status = types.ApplicationStatus(v)
	}
	if v, ok := doc["db_password"].(string); ok {
		app.DBPassword = v
	}
	if rawVars, ok := doc["environment_variables"].([]any); ok {
		for _, rv := range rawVars {
			m, ok := rv.(map[string]any)
			if !ok {
				continue
			}
			key, _ := m["key"].(string)
			value, _ := m["value"].(string)
			app.EnvironmentVariables = append(app.EnvironmentVariables, types.EnvironmentVariable{Key: key, Value: value})
		}
	}
	return app
}

// buildEnv assembles the runtime container's environment from the
// Application's persisted variables plus the fixed identity variables the
// orchestrator's start protocol requires.
func buildEnv(app *types.Application) map[string]string {
	env := make(map[string]string, len(app.EnvironmentVariables)+1)
	for _, v := range app.EnvironmentVariables {
		env[v.Key] = v.Value
	}
	env["APP_ID"] = app.AppID
	return env
}
