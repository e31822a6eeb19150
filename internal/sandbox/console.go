package sandbox

import (
	"fmt"
	"strings"

	"github.com/dop251/goja"
)

type logSink struct {
	lines []string
}

func newLogSink() *logSink { return &logSink{} }

func (s *logSink) add(level string, args []goja.Value) {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.String()
	}
	s.lines = append(s.lines, fmt.Sprintf("[%s] %s", level, strings.Join(parts, " ")))
}

// installConsole wires a minimal console stub (log/info/warn/error) into
// the VM so `code` steps can emit diagnostics without any I/O capability;
// nothing is written anywhere except the in-memory sink returned to the
// caller as Result.Logs.
func installConsole(vm *goja.Runtime, sink *logSink) {
	console := vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error"} {
		level := level
		_ = console.Set(level, func(call goja.FunctionCall) goja.Value {
			sink.add(level, call.Arguments)
			return goja.Undefined()
		})
	}
	_ = vm.Set("console", console)
}
