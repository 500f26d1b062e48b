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

// Package sandbox implements the Code Executor's isolation model (spec
// §4.4). Rather than a subprocess, the worker is a goroutine with its own
// goja.Runtime: goja has no access to the host process's filesystem,
// network, or OS-signal APIs by construction, so the "separate worker" the
// spec calls for is realized as a value-isolated goroutine rather than an
// OS process. The host exchanges only a Job and a Result with it through
// Execute, which interrupts the runtime when the deadline passes.
package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// Status is the terminal state of a sandbox execution.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

const (
	// GraceMillis is added to the caller's deadline before the host forcibly
	// terminates the worker, covering asynchronous hangs the in-worker
	// watchdog cannot itself observe (spec §4.4.1).
	GraceMillis = 500

	maxOutputFields  = 5
	maxConsoleLines  = 100
	oldGenMemoryCap  = 64 * 1024 * 1024
)

// Job is the single inbound message the host sends a worker.
type Job struct {
	Source     string
	Inputs     map[string]any
	Secrets    map[string]string
	Context    map[string]any
	DeadlineMS int64
}

// Result is the single outbound message a worker sends the host.
type Result struct {
	Status  Status
	Outputs map[string]string // ≤5 entries, insertion order lost (map) but bounded
	Error   string
	Console []string
}

// Execute runs job in a dedicated goroutine worker and enforces the hard
// wall-clock deadline independently of anything the script does. On expiry
// the host abandons the worker (the goja runtime is interrupted so its
// goroutine unwinds) and returns StatusTimeout without waiting further,
// keeping the host available to serve other requests (spec §4.4.1,
// testable property 5: "the host remains serving").
func Execute(ctx context.Context, job Job) Result {
	deadline := time.Duration(job.DeadlineMS) * time.Millisecond
	hostDeadline := deadline + GraceMillis*time.Millisecond

	resultCh := make(chan Result, 1)
	vm := goja.New()

	go runWorker(vm, job, deadline, resultCh)

	timer := time.NewTimer(hostDeadline)
	defer timer.Stop()

	select {
	case res := <-resultCh:
		return res
	case <-timer.C:
		vm.Interrupt("deadline exceeded")
		return Result{Status: StatusTimeout, Error: "execution exceeded deadline"}
	case <-ctx.Done():
		vm.Interrupt("request cancelled")
		return Result{Status: StatusTimeout, Error: "request cancelled"}
	}
}

func runWorker(vm *goja.Runtime, job Job, deadline time.Duration, out chan<- Result) {
	defer func() {
		if r := recover(); r != nil {
			// goja.Interrupt panics to unwind the running script; a recover
			// here prevents that from ever being mistaken for a success and
			// ensures the channel always receives exactly one message (the
			// host may have already moved on if it already timed out, in
			// which case this send is simply dropped by the buffered channel
			// semantics below).
			select {
			case out <- Result{Status: StatusTimeout, Error: "execution interrupted"}:
			default:
			}
		}
	}()

	vm.SetMemoryLimit(oldGenMemoryCap)

	masker := newSecretMasker(job.Secrets)
	console := newConsole(maxConsoleLines)
	outputs := newOutput(maxOutputFields)

	env, stopTimers, err := buildEnv(vm, job, console, outputs, deadline)
	if err != nil {
		out <- masker.maskResult(Result{Status: StatusError, Error: err.Error(), Console: console.lines})
		return
	}
	defer stopTimers()

	// In-worker watchdog: independent of the host's timer, so a script that
	// merely blocks the event loop (rather than hanging an async callback)
	// is still caught without relying on the host's select to fire first.
	watchdog := time.AfterFunc(deadline, func() {
		vm.Interrupt("in-worker deadline exceeded")
	})
	defer watchdog.Stop()

	result, err := invoke(vm, job.Source, env)
	if err != nil {
		if interrupted(err) {
			out <- masker.maskResult(Result{Status: StatusTimeout, Error: "execution exceeded deadline", Console: console.lines})
			return
		}
		out <- masker.maskResult(Result{Status: StatusError, Error: err.Error(), Console: console.lines})
		return
	}

	outputs.applyReturn(result)
	out <- masker.maskResult(Result{Status: StatusSuccess, Outputs: outputs.values, Console: console.lines})
}

func interrupted(err error) bool {
	_, ok := err.(*goja.InterruptedError)
	return ok
}

var sandboxParamNames = []string{"inputs", "secrets", "context", "output", "console", "setTimeout", "clearTimeout"}

// invoke compiles source via the runtime's own Function constructor rather
// than splicing it into a host-authored wrapper string: source travels as a
// separate constructor argument, so a body containing "});" followed by
// arbitrary statements, or an unbalanced block comment, has no surrounding
// host text to break out of (spec §4.4.2).
func invoke(vm *goja.Runtime, source string, env map[string]goja.Value) (goja.Value, error) {
	ctor, ok := goja.AssertConstructor(vm.GlobalObject().Get("Function"))
	if !ok {
		return nil, fmt.Errorf("sandbox: Function constructor unavailable")
	}

	// Harden only after capturing our own reference to the constructor: the
	// script body we are about to build has not run yet, so nothing has had
	// a chance to squirrel away a reference of its own first.
	if err := hardenGlobals(vm); err != nil {
		return nil, err
	}

	ctorArgs := make([]goja.Value, 0, len(sandboxParamNames)+1)
	for _, p := range sandboxParamNames {
		ctorArgs = append(ctorArgs, vm.ToValue(p))
	}
	ctorArgs = append(ctorArgs, vm.ToValue(source))

	fnObj, err := ctor(nil, ctorArgs...)
	if err != nil {
		return nil, err
	}

	fn, ok := goja.AssertFunction(fnObj)
	if !ok {
		return nil, fmt.Errorf("sandbox: source did not evaluate to a function")
	}

	args := make([]goja.Value, 0, len(sandboxParamNames))
	for _, p := range sandboxParamNames {
		args = append(args, env[p])
	}
	return fn(goja.Undefined(), args...)
}
