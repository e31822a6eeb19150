// Package sandbox evaluates the `code` step kind's inline transformation
// in an isolated, deterministic JavaScript VM: no wall clock, RNG,
// network, or filesystem access, bounded memory/stack, and a hard CPU
// deadline. A fresh VM is created per call and discarded on return.
package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// Config bounds one sandbox invocation.
type Config struct {
	MemoryBytes int64
	StackDepth  int
	Deadline    time.Duration
}

// DefaultConfig matches the engine's documented sandbox defaults.
func DefaultConfig() Config {
	return Config{
		MemoryBytes: 64 * 1024 * 1024,
		StackDepth:  2048, // approximates a 1 MiB native stack budget
		Deadline:    10 * time.Second,
	}
}

// Result is one evaluation's output plus any console output captured for
// observability.
type Result struct {
	Output interface{}
	Logs   []string
}

// Evaluator runs `code` step sources under Config's bounds.
type Evaluator struct {
	cfg Config
}

// New builds an Evaluator bound by cfg.
func New(cfg Config) *Evaluator {
	return &Evaluator{cfg: cfg}
}

// Run compiles source, expecting it to assign its transformation function
// to module.exports (a default-export idiom), calls that function with
// arg, and returns its JSON-compatible return value.
//
// Sandbox errors (transpile failure, runtime exception, deadline,
// resource exhaustion) are all non-retryable by default; the caller
// decides retryability from the step's own retry policy.
func (e *Evaluator) Run(ctx context.Context, source string, arg interface{}) (result *Result, err error) {
	vm := goja.New()
	vm.SetMaxCallStackSize(e.cfg.StackDepth)
	if limErr := vm.SetMemoryLimit(e.cfg.MemoryBytes); limErr != nil {
		return nil, fmt.Errorf("sandbox: configure memory limit: %w", limErr)
	}

	logs := newLogSink()
	installConsole(vm, logs)
	disableNondeterminism(vm)

	deadline := e.cfg.Deadline
	if deadline <= 0 {
		deadline = DefaultConfig().Deadline
	}
	timer := time.AfterFunc(deadline, func() { vm.Interrupt("deadline exceeded") })
	defer timer.Stop()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt("cancelled")
		case <-done:
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sandbox: runtime panic: %v", r)
		}
	}()

	wrapped := `(function(module, exports) {
		` + source + `
		return module.exports;
	})({exports: {}}, undefined)`

	program, compileErr := goja.Compile("code-step.js", wrapped, true)
	if compileErr != nil {
		return nil, fmt.Errorf("sandbox: compile: %w", compileErr)
	}

	exported, runErr := vm.RunProgram(program)
	if runErr != nil {
		return nil, classifyRunError(runErr)
	}

	fn, ok := goja.AssertFunction(exported)
	if !ok {
		return nil, fmt.Errorf("sandbox: code step must export a single-argument default function")
	}

	jsArg := vm.ToValue(arg)
	ret, callErr := fn(goja.Undefined(), jsArg)
	if callErr != nil {
		return nil, classifyRunError(callErr)
	}

	return &Result{Output: ret.Export(), Logs: logs.lines}, nil
}

func classifyRunError(err error) error {
	if ie, ok := err.(*goja.InterruptedError); ok {
		return fmt.Errorf("sandbox: interrupted: %v", ie.Value())
	}
	return fmt.Errorf("sandbox: %w", err)
}

// disableNondeterminism removes the VM's only built-in source of wall
// clock and randomness; goja never wires in network or filesystem access
// so there is nothing to strip for those.
func disableNondeterminism(vm *goja.Runtime) {
	throwDisabled := func(name string) func(goja.FunctionCall) goja.Value {
		return func(goja.FunctionCall) goja.Value {
			panic(vm.NewTypeError(fmt.Sprintf("%s is not available in the sandbox", name)))
		}
	}
	_ = vm.Set("Date", throwDisabled("Date"))
	if mathObj := vm.GlobalObject().Get("Math"); mathObj != nil {
		if obj := mathObj.ToObject(vm); obj != nil {
			_ = obj.Set("random", throwDisabled("Math.random"))
		}
	}
}
