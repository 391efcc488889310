// Package common holds an application's published common-function
// namespace for the runtime process: every function_type=="common",
// status=="published" Function, compiled and ready to be invoked from an
// endpoint handler's injected "common" object.
//
// Every common function is compiled and invoked the same way an endpoint
// handler is: it must expose a callable named "handler". This reuses
// pkg/compile's single handler-shaped artifact abstraction for common
// functions too, instead of introducing a second, namespace-shaped
// compilation mode.
package common

import (
	"context"
	"sync"

	"github.com/cuemby/hyac/pkg/compile"
	"github.com/cuemby/hyac/pkg/db"
	"github.com/cuemby/hyac/pkg/errors"
	"github.com/cuemby/hyac/pkg/log"
	"github.com/cuemby/hyac/pkg/types"
	"github.com/dop251/goja"
	"github.com/rs/zerolog"
)

// Namespace is one application's loaded common-function set.
type Namespace struct {
	store    db.Store
	compiler *compile.Compiler
	appID    string
	opener   *compile.MinioOpener
	logger   zerolog.Logger

	mu       sync.RWMutex
	programs map[string]*compile.Program
}

// New builds an empty Namespace for appID; call ReloadCommon to populate it.
func New(store db.Store, compiler *compile.Compiler, appID string, opener *compile.MinioOpener) *Namespace {
	return &Namespace{
		store:    store,
		compiler: compiler,
		appID:    appID,
		opener:   opener,
		logger:   log.WithComponent("common").With().Str("app_id", appID).Logger(),
		programs: make(map[string]*compile.Program),
	}
}

// ReloadCommon recompiles every published common function for appID and
// atomically swaps the namespace's loaded set, satisfying
// pkg/watchers.CommonLoader. A single function's compile failure is logged
// and skipped rather than aborting the whole reload, matching
// load_all_common_functions's "log the error but don't block other
// functions from loading".
func (n *Namespace) ReloadCommon(ctx context.Context, appID string) error {
	docs, err := n.store.Collection("functions").Find(ctx, map[string]any{
		"app_id":        appID,
		"status":        string(types.FunctionStatusPublished),
		"function_type": string(types.FunctionTypeCommon),
	})
	if err != nil {
		return err
	}

	loaded := make(map[string]*compile.Program, len(docs))
	for _, doc := range docs {
		name, _ := doc["function_name"].(string)
		code, _ := doc["code"].(string)
		if name == "" {
			continue
		}
		key := appID + "::" + name + "::common"
		prog, cerr := n.compiler.Compile(ctx, key, code)
		if cerr != nil {
			n.logger.Error().Err(cerr).Str("function_name", name).Msg("failed to compile common function")
			continue
		}
		loaded[name] = prog
	}

	n.mu.Lock()
	n.programs = loaded
	n.mu.Unlock()
	return nil
}

// Invoke prepares a fresh Runtime for name and calls its handler with args,
// returning its exported result.
func (n *Namespace) Invoke(ctx context.Context, name string, args ...any) (any, error) {
	n.mu.RLock()
	prog, ok := n.programs[name]
	n.mu.RUnlock()
	if !ok {
		return nil, errors.NotFound("common function %q is not loaded for this application", name)
	}

	prepared, err := compile.Prepare(ctx, prog, n.opener, nil)
	if err != nil {
		return nil, err
	}
	return prepared.Invoke(args...)
}

// Names returns the currently loaded common function names.
func (n *Namespace) Names() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	names := make([]string, 0, len(n.programs))
	for name := range n.programs {
		names = append(names, name)
	}
	return names
}

// Bind builds the "common" object injected into an endpoint handler's own
// Runtime: one callable property per loaded common function. Each call
// prepares and runs the common function in its own isolated Runtime (never
// the caller's), since a goja.Runtime is not safe to reenter concurrently
// and every invocation must stay isolated the same way a top-level handler
// invocation is.
func (n *Namespace) Bind(ctx context.Context, vm *goja.Runtime) *goja.Object {
	obj := vm.NewObject()
	for _, name := range n.Names() {
		fnName := name
		_ = obj.Set(fnName, func(call goja.FunctionCall) goja.Value {
			args := make([]any, len(call.Arguments))
			for i, a := range call.Arguments {
				args[i] = a.Export()
			}
			result, err := n.Invoke(ctx, fnName, args...)
			if err != nil {
				panic(vm.ToValue(err.Error()))
			}
			return vm.ToValue(result)
		})
	}
	return obj
}
