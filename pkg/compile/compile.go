// Package compile turns a function's source text into an executable goja
// artifact and runs it: a per-invocation goja.Runtime with injected
// globals and a named entry point, plus an Opener capability for reading
// blob-backed function assets threaded explicitly through context.Context.
package compile

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/cuemby/hyac/pkg/errors"
	"github.com/cuemby/hyac/pkg/metrics"
	"github.com/dop251/goja"
	"golang.org/x/sync/singleflight"
)

// Program is a compiled function artifact: an isolated goja program, safe to
// run independently by any number of concurrent Runtimes.
type Program struct {
	Key    string
	source *goja.Program
}

// Compiler compiles function source into Programs, coalescing concurrent
// compiles of the same cache key into a single goja.Compile call.
type Compiler struct {
	group singleflight.Group
}

// New builds a Compiler.
func New() *Compiler {
	return &Compiler{}
}

// Compile translates source into a Program. Concurrent callers sharing key
// block on, and share the result of, a single underlying compile.
func (c *Compiler) Compile(ctx context.Context, key, source string) (*Program, error) {
	timer := metrics.NewTimer()
	v, err, _ := c.group.Do(key, func() (any, error) {
		prog, cerr := goja.Compile(key, source, false)
		if cerr != nil {
			return nil, errors.Fatal(fmt.Sprintf("compilation failed for %q", key), cerr)
		}
		return &Program{Key: key, source: prog}, nil
	})
	timer.ObserveDuration(metrics.CompileDuration)
	if err != nil {
		return nil, err
	}
	return v.(*Program), nil
}

// Globals are the values injected into a freshly prepared Runtime before the
// program is run, over and above console and minio_open (which Prepare
// always wires itself). A value may be a GlobalBuilder when it needs the
// Runtime itself to construct (e.g. an object holding bound callables).
type Globals map[string]any

// GlobalBuilder defers constructing a global value until Prepare's fresh
// Runtime exists, for globals — like a namespace object of callables —
// that can only be built against a specific *goja.Runtime.
type GlobalBuilder func(*goja.Runtime) any

// Prepared is a Runtime that has executed a Program's top-level statements
// and is ready to have its handler invoked.
type Prepared struct {
	Runtime *goja.Runtime
	Handler goja.Callable
	Params  []string
	Logs    *[]string
}

// entryPointName is the callable every function must expose.
const entryPointName = "handler"

// Prepare runs prog in a fresh, isolated goja.Runtime — one per invocation,
// never shared or pooled — with console, minio_open, and globals injected,
// and asserts that the program exposes a callable named "handler".
func Prepare(ctx context.Context, prog *Program, opener *MinioOpener, globals Globals) (*Prepared, error) {
	vm := goja.New()

	logs := make([]string, 0)
	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		logs = append(logs, joinLogArgs(parts))
		return goja.Undefined()
	})
	_ = vm.Set("console", console)

	if opener != nil {
		_ = vm.Set("minio_open", opener.bind(ctx, vm))
	}

	for name, val := range globals {
		if builder, ok := val.(GlobalBuilder); ok {
			val = builder(vm)
		}
		_ = vm.Set(name, val)
	}

	if _, err := vm.RunProgram(prog.source); err != nil {
		return nil, errors.Fatal(fmt.Sprintf("executing module %q", prog.Key), err)
	}

	handlerVal := vm.Get(entryPointName)
	handler, ok := goja.AssertFunction(handlerVal)
	if !ok {
		return nil, errors.Fatal(fmt.Sprintf("module %q does not expose a handler", prog.Key), nil)
	}

	return &Prepared{
		Runtime: vm,
		Handler: handler,
		Params:  paramNames(handlerVal),
		Logs:    &logs,
	}, nil
}

// Invoke calls the prepared handler with args (already bound in parameter
// order by the caller) and exports its return value, round-tripping
// through JSON when it is not already a plain Go value.
func (p *Prepared) Invoke(args ...any) (any, error) {
	values := make([]goja.Value, len(args))
	for i, a := range args {
		values[i] = p.Runtime.ToValue(a)
	}
	result, err := p.Handler(goja.Undefined(), values...)
	if err != nil {
		return nil, errors.Fatal(fmt.Sprintf("handler %q raised", entryPointName), err)
	}
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, nil
	}
	exported := result.Export()
	if _, ok := exported.(map[string]any); ok {
		return exported, nil
	}
	raw, merr := json.Marshal(exported)
	if merr != nil {
		return exported, nil
	}
	var out any
	if uerr := json.Unmarshal(raw, &out); uerr != nil {
		return exported, nil
	}
	return out, nil
}

func joinLogArgs(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " "
		}
		out += p
	}
	return out
}

// paramRe extracts a JS function's declared parameter list from its own
// source text (goja exposes no reflection API for this), so arguments can
// be bound by matching the handler's declared parameter names.
var paramRe = regexp.MustCompile(`function\s*[^(]*\(([^)]*)\)`)

func paramNames(v goja.Value) []string {
	if _, ok := goja.AssertFunction(v); !ok {
		return nil
	}
	src := v.String()
	m := paramRe.FindStringSubmatch(src)
	if m == nil || m[1] == "" {
		return nil
	}
	var names []string
	cur := ""
	for _, r := range m[1] {
		switch r {
		case ',':
			if n := trimSpace(cur); n != "" {
				names = append(names, n)
			}
			cur = ""
		default:
			cur += string(r)
		}
	}
	if n := trimSpace(cur); n != "" {
		names = append(names, n)
	}
	return names
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t' || s[start] == '\n') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t' || s[end-1] == '\n') {
		end--
	}
	return s[start:end]
}
