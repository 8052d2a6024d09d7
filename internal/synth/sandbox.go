package synth

import (
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// DefaultExecTimeout bounds one generated-function invocation. A function
// that spins past it is interrupted and counts as a failed vote.
const DefaultExecTimeout = 2 * time.Second

// Sandbox runs synthesized JavaScript with bounded arguments in and a
// single value or failure out. Each invocation gets a fresh interpreter:
// no state leaks between records, no host access, no I/O.
type Sandbox struct {
	timeout time.Duration
}

func NewSandbox(timeout time.Duration) *Sandbox {
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	return &Sandbox{timeout: timeout}
}

// Check reports whether the code parses. Used at synthesis time to reject
// unusable functions before they join an ensemble.
func (s *Sandbox) Check(code string) error {
	_, err := goja.Compile("synthesized.js", code, true)
	return err
}

// Run evaluates the code, which must define compute(input), and calls it
// with the given input object. The exported result is a plain Go value.
func (s *Sandbox) Run(code string, input map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("synth: sandbox panic: %v", r)
		}
	}()

	vm := goja.New()
	timer := time.AfterFunc(s.timeout, func() {
		vm.Interrupt("execution timeout")
	})
	defer timer.Stop()

	if _, err := vm.RunString(code); err != nil {
		return nil, fmt.Errorf("synth: load function: %w", err)
	}
	fn, ok := goja.AssertFunction(vm.Get("compute"))
	if !ok {
		return nil, fmt.Errorf("synth: code defines no compute function")
	}
	value, err := fn(goja.Undefined(), vm.ToValue(input))
	if err != nil {
		return nil, fmt.Errorf("synth: execute: %w", err)
	}
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	return value.Export(), nil
}
