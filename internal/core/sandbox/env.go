// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sandbox

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// secretReference matches secrets.NAME, secrets['NAME'], and secrets["NAME"]
// — the textual forms the spec requires scanning for before a script ever
// runs (spec §4.4.3), since the Secret Resolver must know in advance which
// secrets to decrypt and hand to the worker rather than exposing a live
// decryption call to untrusted script code.
var secretReference = regexp.MustCompile(`secrets(?:\.([A-Za-z_][A-Za-z0-9_]*)|\[['"]([^'"]+)['"]\])`)

// ReferencedSecrets returns the distinct secret names textually referenced
// in source, in first-seen order.
func ReferencedSecrets(source string) []string {
	seen := map[string]struct{}{}
	var names []string
	for _, m := range secretReference.FindAllStringSubmatch(source, -1) {
		name := m[1]
		if name == "" {
			name = m[2]
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

type consoleBuffer struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newConsole(max int) *consoleBuffer {
	return &consoleBuffer{max: max}
}

func (c *consoleBuffer) log(args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.lines) >= c.max {
		return
	}
	c.lines = append(c.lines, fmt.Sprint(args...))
}

type outputCapture struct {
	mu     sync.Mutex
	values map[string]string
	max    int
}

func newOutput(max int) *outputCapture {
	return &outputCapture{values: make(map[string]string), max: max}
}

func (o *outputCapture) set(key, value string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.values[key]; !exists && len(o.values) >= o.max {
		return
	}
	o.values[key] = value
}

// applyReturn implements spec §4.4.4's result shaping. It only fires when
// the script never called output.set itself: an explicit output.set call
// is the author's own naming of their outputs and takes precedence over
// shaping the return value.
func (o *outputCapture) applyReturn(v goja.Value) {
	o.mu.Lock()
	hasExplicit := len(o.values) > 0
	o.mu.Unlock()
	if hasExplicit {
		return
	}
	if v == nil {
		return
	}

	if obj, ok := v.(*goja.Object); ok {
		keys := obj.Keys()
		for i, k := range keys {
			if i >= maxOutputFields {
				break
			}
			o.set(k, obj.Get(k).String())
		}
		return
	}

	o.set("output_1", v.String())
}

// buildEnv constructs the allow-listed globals handed to the script as
// explicit function arguments (never injected into global scope, so there
// is nothing ambient for an escape to reach — spec §4.4.2's "constructor
// escape" note). The returned stopTimers func must be called once the
// worker is done with vm, pending or not: timers created by user code are
// tracked and force-cancelled on exit (spec §4.4.2).
func buildEnv(vm *goja.Runtime, job Job, console *consoleBuffer, output *outputCapture, deadline time.Duration) (env map[string]goja.Value, stopTimers func(), err error) {
	inputsVal := vm.ToValue(deepCopy(job.Inputs))
	secretsVal := vm.ToValue(deepCopy(toAnyMap(job.Secrets)))
	contextVal := vm.ToValue(deepCopy(job.Context))

	outputObj := vm.NewObject()
	_ = outputObj.Set("set", func(key, value string) {
		output.set(key, value)
	})

	consoleObj := vm.NewObject()
	logFn := func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, a := range call.Arguments {
			args[i] = a.String()
		}
		console.log(args...)
		return goja.Undefined()
	}
	_ = consoleObj.Set("log", logFn)
	_ = consoleObj.Set("error", logFn)
	_ = consoleObj.Set("warn", logFn)

	setTimeoutFn, clearTimeoutFn, stopAllTimers := boundedTimers(vm, deadline)

	return map[string]goja.Value{
		"inputs":       inputsVal,
		"secrets":      secretsVal,
		"context":      contextVal,
		"output":       outputObj,
		"console":      consoleObj,
		"setTimeout":   vm.ToValue(setTimeoutFn),
		"clearTimeout": vm.ToValue(clearTimeoutFn),
	}, stopAllTimers, nil
}

// hardenScript severs every prototype-chain path a script could use to
// recover the Function constructor: Function.prototype.constructor,
// Object.prototype.constructor, and Promise.prototype.constructor (when
// Promise exists) are redefined to undefined and frozen non-configurable,
// closing both the classic "({}).constructor" escape and the
// "Promise.resolve().constructor.constructor(...)" variant (spec §4.4.2).
const hardenScript = `(function() {
	Object.defineProperty(Function.prototype, 'constructor', {value: undefined, writable: false, configurable: false});
	Object.defineProperty(Object.prototype, 'constructor', {value: undefined, writable: false, configurable: false});
	if (typeof Promise !== 'undefined') {
		Object.defineProperty(Promise.prototype, 'constructor', {value: undefined, writable: false, configurable: false});
	}
})();`

// hardenGlobals runs hardenScript and then removes the global Function and
// eval identifiers a script could otherwise reach without ever being handed
// them as an argument. Callers must capture their own reference to the
// Function constructor before calling this.
func hardenGlobals(vm *goja.Runtime) error {
	if _, err := vm.RunString(hardenScript); err != nil {
		return fmt.Errorf("sandbox: failed to harden prototype chain: %w", err)
	}
	global := vm.GlobalObject()
	if err := global.Set("Function", goja.Undefined()); err != nil {
		return fmt.Errorf("sandbox: failed to seal Function global: %w", err)
	}
	if err := global.Set("eval", goja.Undefined()); err != nil {
		return fmt.Errorf("sandbox: failed to seal eval global: %w", err)
	}
	return nil
}

const maxTimers = 20

// boundedTimers implements a minimal setTimeout/clearTimeout pair that
// never outlives the sandbox's own deadline and never schedules more than
// maxTimers concurrent callbacks, preventing a timer-flood from keeping the
// worker's goroutine alive past its useful life. The returned stopAll func
// force-cancels every timer still pending, for the caller to invoke once
// the worker itself is done with vm (spec §4.4.2).
func boundedTimers(vm *goja.Runtime, deadline time.Duration) (setTimeoutFn, clearTimeoutFn func(goja.FunctionCall) goja.Value, stopAllFn func()) {
	var mu sync.Mutex
	timers := map[int64]*time.Timer{}
	var nextID int64

	setTimeoutFn = func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			return goja.Undefined()
		}
		fn, ok := goja.AssertFunction(call.Arguments[0])
		if !ok {
			return goja.Undefined()
		}
		delay := time.Duration(0)
		if len(call.Arguments) >= 2 {
			delay = time.Duration(call.Arguments[1].ToInteger()) * time.Millisecond
		}
		if delay > deadline {
			delay = deadline
		}

		mu.Lock()
		if int64(len(timers)) >= maxTimers {
			mu.Unlock()
			return vm.ToValue(0)
		}
		nextID++
		id := nextID
		t := time.AfterFunc(delay, func() {
			mu.Lock()
			delete(timers, id)
			mu.Unlock()
			_, _ = fn(goja.Undefined())
		})
		timers[id] = t
		mu.Unlock()

		return vm.ToValue(id)
	}

	clearTimeoutFn = func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 1 {
			return goja.Undefined()
		}
		id := call.Arguments[0].ToInteger()
		mu.Lock()
		if t, ok := timers[id]; ok {
			t.Stop()
			delete(timers, id)
		}
		mu.Unlock()
		return goja.Undefined()
	}

	stopAllFn = func() {
		mu.Lock()
		defer mu.Unlock()
		for id, t := range timers {
			t.Stop()
			delete(timers, id)
		}
	}

	return setTimeoutFn, clearTimeoutFn, stopAllFn
}

func toAnyMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// deepCopy recursively copies map/slice structures so the sandbox never
// shares backing storage with the host's own in-memory representation of
// inputs/secrets/context — a script mutating what it believes is its own
// copy cannot corrupt data the host reuses for the audit record.
func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}
