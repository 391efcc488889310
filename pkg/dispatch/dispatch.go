// Package dispatch implements the runtime process's catch-all HTTP route:
// resolve an endpoint Function by id, compile/prepare it, bind arguments
// by the handler's declared parameter names, invoke it, and record a
// FunctionMetric and captured logs.
package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/hyac/pkg/appmeta"
	"github.com/cuemby/hyac/pkg/blob"
	"github.com/cuemby/hyac/pkg/codecache"
	"github.com/cuemby/hyac/pkg/compile"
	"github.com/cuemby/hyac/pkg/db"
	"github.com/cuemby/hyac/pkg/errors"
	"github.com/cuemby/hyac/pkg/log"
	"github.com/cuemby/hyac/pkg/metrics"
	"github.com/cuemby/hyac/pkg/notify"
	"github.com/cuemby/hyac/pkg/runtimeenv"
	"github.com/cuemby/hyac/pkg/types"
	"github.com/dop251/goja"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// CommonNamespace is the subset of *common.Namespace dispatch needs: a
// goja global builder exposing every loaded common function as a callable
// property.
type CommonNamespace interface {
	Bind(ctx context.Context, vm *goja.Runtime) *goja.Object
}

// cachedEntry is what the code cache stores per endpoint: the compiled
// artifact alongside the Function document it was compiled from, so a
// cache hit never needs a second DB round trip for metadata.
type cachedEntry struct {
	program *compile.Program
	fn      types.Function
}

// Dispatcher is the runtime process's request handler, one instance per
// application process.
type Dispatcher struct {
	appID    string
	store    db.Store
	appStore db.Store // scoped to this application's own dedicated database
	blob     blob.Store
	compiler *compile.Compiler
	cache    *codecache.Cache
	opener   *compile.MinioOpener
	loader   *compile.Loader
	env      *runtimeenv.Facade
	common   CommonNamespace
	notifier notify.Dispatcher
	logger   zerolog.Logger

	wg sync.WaitGroup
}

// New builds a Dispatcher for appID.
func New(appID string, store db.Store, blobStore blob.Store, compiler *compile.Compiler, cache *codecache.Cache, common CommonNamespace) *Dispatcher {
	logger := log.WithComponent("dispatch").With().Str("app_id", appID).Logger()
	fallback := notify.NewLoggingDispatcher(appID, logger)
	return &Dispatcher{
		appID:    appID,
		store:    store,
		appStore: store.ForApp(appID),
		blob:     blobStore,
		compiler: compiler,
		cache:    cache,
		opener:   compile.NewMinioOpener(blobStore, appmeta.AppBucket(appID)),
		loader:   compile.NewLoader(blobStore, appmeta.AppBucket(appID), compiler),
		env:      runtimeenv.New(store, appID),
		common:   common,
		notifier: notify.NewWebhookDispatcher(loadNotificationConfig(store, appID, logger), fallback),
		logger:   logger,
	}
}

// loadNotificationConfig reads the application's notification settings at
// startup; the runtime process doesn't hot-reload them, so a change only
// takes effect on the next container start.
func loadNotificationConfig(store db.Store, appID string, logger zerolog.Logger) types.NotificationConfig {
	doc, err := store.Collection("applications").FindOne(context.Background(), map[string]any{"app_id": appID})
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load notification config, notifications will only be logged")
		return types.NotificationConfig{}
	}
	cfg := types.NotificationConfig{}
	if nested, ok := doc["notification"].(map[string]any); ok {
		if v, ok := nested["enabled"].(bool); ok {
			cfg.Enabled = v
		}
		if v, ok := nested["webhook_url"].(string); ok {
			cfg.WebhookURL = v
		}
	}
	return cfg
}

// Wait blocks until every fire-and-forget metric/log insert spawned by a
// completed request has finished, for graceful shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	funcID := strings.TrimPrefix(r.URL.Path, "/")
	if funcID == "favicon.ico" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	ctx := r.Context()
	start := time.Now()

	entry, err := d.loadFunction(ctx, funcID)
	if err != nil {
		d.logger.Warn().Err(err).Str("function_id", funcID).Msg("function not found")
		http.Error(w, "function not found", http.StatusNotFound)
		return
	}

	var logs []string
	result, invokeErr := d.invoke(ctx, entry, r, &logs)

	d.recordMetric(entry.fn, start, invokeErr)
	d.recordLogs(entry.fn, logs)

	if invokeErr != nil {
		d.logger.Error().Err(invokeErr).Str("function_id", funcID).Msg("handler invocation failed")
		writeJSON(w, http.StatusOK, map[string]any{"code": 1, "msg": invokeErr.Error(), "data": nil})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// loadFunction resolves the endpoint Function by (app_id, function_id),
// consulting the code cache before the database.
func (d *Dispatcher) loadFunction(ctx context.Context, funcID string) (cachedEntry, error) {
	key := codecache.Key(d.appID, funcID)
	if cached, ok := d.cache.Get(key); ok {
		return cached.(cachedEntry), nil
	}

	doc, err := d.store.Collection("functions").FindOne(ctx, map[string]any{
		"app_id":        d.appID,
		"function_id":   funcID,
		"status":        string(types.FunctionStatusPublished),
		"function_type": string(types.FunctionTypeEndpoint),
	})
	if err != nil {
		return cachedEntry{}, err
	}
	fn := decodeFunction(doc)

	prog, err := d.compiler.Compile(ctx, key, fn.Code)
	if err != nil {
		return cachedEntry{}, err
	}

	entry := cachedEntry{program: prog, fn: *fn}
	d.cache.Set(key, entry)
	return entry, nil
}

// invoke prepares a fresh Runtime for entry, binds arguments by parameter
// name, and calls the handler under captured console output.
func (d *Dispatcher) invoke(ctx context.Context, entry cachedEntry, r *http.Request, logs *[]string) (any, error) {
	merged, err := mergedParams(r)
	if err != nil {
		return nil, err
	}

	contextObj := d.buildContext(ctx, entry.fn)
	requestObj := requestSnapshot(r)

	globals := compile.Globals{
		"context": contextObj,
		"request": requestObj,
	}
	if d.common != nil {
		globals["common"] = compile.GlobalBuilder(func(vm *goja.Runtime) any { return d.common.Bind(ctx, vm) })
	}

	prepared, err := compile.Prepare(ctx, entry.program, d.opener, globals)
	if err != nil {
		return nil, err
	}
	*logs = *prepared.Logs

	// context/request are also injected as globals above, so code that
	// doesn't declare them as parameters still sees them; handlers that do
	// declare them get the identical value bound positionally too.
	args := make([]any, len(prepared.Params))
	for i, name := range prepared.Params {
		switch name {
		case "context":
			args[i] = contextObj
		case "request":
			args[i] = requestObj
		default:
			if v, ok := merged[name]; ok {
				args[i] = v
			}
		}
	}

	result, err := prepared.Invoke(args...)
	*logs = *prepared.Logs
	return result, err
}

// buildContext assembles the plain object exposed to the handler as
// "context": app_id, func_id, an env facade, a synchronous and an async
// document-store client scoped to the application's own database, a
// dynamic module loader, and a notification sender. The common-function
// namespace is injected as a separate global ("common") rather than
// folded into context.
func (d *Dispatcher) buildContext(ctx context.Context, fn types.Function) map[string]any {
	collection := func(name string) db.Collection { return d.appStore.Collection(name) }

	return map[string]any{
		"app_id":  d.appID,
		"func_id": fn.FunctionID,
		"env": map[string]any{
			"get": func(key, def string) string { return d.env.Get(key, def) },
			"set": func(key, value string) error { return d.env.Set(ctx, key, value) },
		},
		"db": map[string]any{
			"insert": func(coll string, doc map[string]any) error {
				return collection(coll).InsertOne(ctx, doc)
			},
			"find_one": func(coll string, filter map[string]any) (map[string]any, error) {
				return collection(coll).FindOne(ctx, filter)
			},
			"find": func(coll string, filter map[string]any) ([]map[string]any, error) {
				return collection(coll).Find(ctx, filter)
			},
			"update": func(coll string, filter, update map[string]any) error {
				return collection(coll).UpdateOne(ctx, filter, update)
			},
			"delete": func(coll string, filter map[string]any) error {
				return collection(coll).DeleteOne(ctx, filter)
			},
		},
		"async_db": map[string]any{
			"insert": func(coll string, doc map[string]any) {
				d.wg.Add(1)
				go func() {
					defer d.wg.Done()
					if err := collection(coll).InsertOne(context.Background(), doc); err != nil {
						d.logger.Error().Err(err).Str("collection", coll).Msg("async db insert failed")
					}
				}()
			},
			"update": func(coll string, filter, update map[string]any) {
				d.wg.Add(1)
				go func() {
					defer d.wg.Done()
					if err := collection(coll).UpdateOne(context.Background(), filter, update); err != nil {
						d.logger.Error().Err(err).Str("collection", coll).Msg("async db update failed")
					}
				}()
			},
			"delete": func(coll string, filter map[string]any) {
				d.wg.Add(1)
				go func() {
					defer d.wg.Done()
					if err := collection(coll).DeleteOne(context.Background(), filter); err != nil {
						d.logger.Error().Err(err).Str("collection", coll).Msg("async db delete failed")
					}
				}()
			},
		},
		"loader": map[string]any{
			"load": func(path string) (any, error) { return d.loader.Load(ctx, path) },
		},
		"notify": map[string]any{
			"send": func(event, message string) error { return d.notifier.Notify(ctx, event, message) },
		},
	}
}

// recordMetric writes a FunctionMetric as a fire-and-forget background
// insert so it never adds latency to the response.
func (d *Dispatcher) recordMetric(fn types.Function, start time.Time, invokeErr error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		metric := map[string]any{
			"metric_id":   uuid.New().String(),
			"app_id":      d.appID,
			"function_id": fn.FunctionID,
			"success":     invokeErr == nil,
			"duration_ms": time.Since(start).Milliseconds(),
			"recorded_at": time.Now(),
		}
		outcome := "success"
		if invokeErr != nil {
			outcome = "error"
			kind := errors.KindOf(invokeErr)
			metric["error"] = map[string]any{"type": string(kind), "detail": invokeErr.Error()}
		}
		if err := d.store.Collection("function_metrics").InsertOne(context.Background(), metric); err != nil {
			d.logger.Error().Err(err).Msg("failed to record function metric")
		}
		metrics.FunctionInvocationsTotal.WithLabelValues(outcome).Inc()
		metrics.FunctionInvocationDuration.WithLabelValues(fn.FunctionID).Observe(time.Since(start).Seconds())
	}()
}

// recordLogs forwards captured console output to the per-function log
// sink as individual LogEntry inserts.
func (d *Dispatcher) recordLogs(fn types.Function, lines []string) {
	if len(lines) == 0 {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for _, line := range lines {
			doc := map[string]any{
				"log_id":      uuid.New().String(),
				"app_id":      d.appID,
				"function_id": fn.FunctionID,
				"stream":      "stdout",
				"line":        line,
				"recorded_at": time.Now(),
			}
			if err := d.store.Collection("log_entries").InsertOne(context.Background(), doc); err != nil {
				d.logger.Error().Err(err).Msg("failed to persist function log line")
			}
		}
	}()
}

func decodeFunction(doc map[string]any) *types.Function {
	fn := &types.Function{}
	if v, ok := doc["function_id"].(string); ok {
		fn.FunctionID = v
	}
	if v, ok := doc["app_id"].(string); ok {
		fn.AppID = v
	}
	if v, ok := doc["function_name"].(string); ok {
		fn.FunctionName = v
	}
	if v, ok := doc["code"].(string); ok {
		fn.Code = v
	}
	fn.FunctionType = types.FunctionTypeEndpoint
	fn.Status = types.FunctionStatusPublished
	return fn
}

// mergedParams decodes the request body per its Content-Type and merges it
// with URL query parameters, query parameters taking the lower-priority
// slot so a JSON/form field of the same name wins.
func mergedParams(r *http.Request) (map[string]any, error) {
	merged := map[string]any{}
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			merged[k] = vs[0]
		}
	}

	if r.Body == nil || r.ContentLength == 0 {
		return merged, nil
	}
	contentType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case contentType == "application/json":
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
			return nil, errors.Validation("invalid JSON body: %v", err)
		}
		for k, v := range body {
			merged[k] = v
		}
	case strings.HasPrefix(contentType, "multipart/form-data"):
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			return nil, errors.Validation("invalid multipart body: %v", err)
		}
		for k, vs := range r.Form {
			if len(vs) > 0 {
				merged[k] = vs[0]
			}
		}
	case contentType == "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return nil, errors.Validation("invalid form body: %v", err)
		}
		for k, vs := range r.PostForm {
			if len(vs) > 0 {
				merged[k] = vs[0]
			}
		}
	default:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, errors.Validation("failed to read request body: %v", err)
		}
		merged["body"] = body
	}
	return merged, nil
}

func requestSnapshot(r *http.Request) map[string]any {
	headers := map[string]string{}
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}
	query := map[string]string{}
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			query[k] = vs[0]
		}
	}
	return map[string]any{
		"method":       r.Method,
		"url":          r.URL.String(),
		"headers":      headers,
		"query_params": query,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
