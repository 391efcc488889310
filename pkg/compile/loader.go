package compile

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/cuemby/hyac/pkg/blob"
	"github.com/dop251/goja"
)

// Loader implements the dynamic-import capability exposed to a function
// invocation's context: load(path) fetches a source file from the
// application's own bucket and runs it in its own fresh goja.Runtime,
// isolated from the caller's, returning whatever the loaded module
// assigned to module.exports as a plain value the caller's runtime can
// consume.
type Loader struct {
	store    blob.Store
	bucket   string
	compiler *Compiler
}

// NewLoader builds a Loader scoped to appID's primary bucket.
func NewLoader(store blob.Store, bucket string, compiler *Compiler) *Loader {
	return &Loader{store: store, bucket: bucket, compiler: compiler}
}

// bind returns a goja-callable matching the JS-visible load(path) signature.
func (l *Loader) bind(ctx context.Context, vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(vm.ToValue("load: path argument is required"))
		}
		path := call.Arguments[0].String()

		exports, err := l.Load(ctx, path)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return vm.ToValue(exports)
	}
}

// Load fetches path from the app's bucket and executes it as a CommonJS-
// style module: the source sees a "module" object ({exports: {}}) and an
// "exports" alias pointing at module.exports, the same convention every
// loaded common function is written against. The returned value is
// module.exports, exported as a plain Go value so it can cross into the
// caller's own Runtime via vm.ToValue.
func (l *Loader) Load(ctx context.Context, path string) (any, error) {
	objectName := strings.TrimPrefix(path, "/")
	rc, _, err := l.store.GetObject(ctx, l.bucket, objectName)
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", path, err)
	}
	defer rc.Close()

	source, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", path, err)
	}

	key := l.bucket + "::" + objectName
	var prog *Program
	if l.compiler != nil {
		prog, err = l.compiler.Compile(ctx, key, string(source))
	} else {
		var raw *goja.Program
		raw, err = goja.Compile(key, string(source), false)
		if err == nil {
			prog = &Program{Key: key, source: raw}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", path, err)
	}

	moduleVM := goja.New()
	module := moduleVM.NewObject()
	exportsObj := moduleVM.NewObject()
	_ = module.Set("exports", exportsObj)
	_ = moduleVM.Set("module", module)
	_ = moduleVM.Set("exports", exportsObj)

	if _, err := moduleVM.RunProgram(prog.source); err != nil {
		return nil, fmt.Errorf("run loaded module %q: %w", path, err)
	}

	return moduleVM.Get("module").ToObject(moduleVM).Get("exports").Export(), nil
}
