// Package scripthost evaluates untrusted, per-device scripts. It exposes
// the two contracts the rest of the gateway needs: a transform script
// (main(payload) -> []NormalizedRecord) and a predicate script
// (main(window) -> bool). Every call runs the script in a fresh runtime —
// scripts are not reentrant and must never share state across messages.
//
// Scripts are real JavaScript, evaluated by an embedded ECMAScript-subset
// interpreter (goja). Compiled programs are cached by source text so that
// a device whose script does not change avoids recompilation on every
// message; a fresh goja.Runtime is still created per call, since a
// script's top-level effects and globals must never leak between
// messages.
package scripthost

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dop251/goja"

	"github.com/shilianming/iotgw/internal/model"
)

// Host compiles and runs scripts. It is safe for concurrent use.
type Host struct {
	mu    sync.RWMutex
	cache map[string]*goja.Program
}

// New builds an empty Host.
func New() *Host {
	return &Host{cache: make(map[string]*goja.Program)}
}

func (h *Host) compile(source string) (*goja.Program, error) {
	h.mu.RLock()
	if p, ok := h.cache[source]; ok {
		h.mu.RUnlock()
		return p, nil
	}
	h.mu.RUnlock()

	program, err := goja.Compile("script", source, false)
	if err != nil {
		return nil, fmt.Errorf("scripthost: compiling: %w", err)
	}

	h.mu.Lock()
	h.cache[source] = program
	h.mu.Unlock()
	return program, nil
}

// load runs program in a fresh runtime and returns its exported main
// function. Go values handed into the runtime are mapped using each
// struct's json tags, so a script sees the same field names the wire
// format uses (e.g. window["temp"][0].value).
func load(program *goja.Program) (*goja.Runtime, goja.Callable, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	if _, err := vm.RunProgram(program); err != nil {
		return nil, nil, fmt.Errorf("scripthost: running script: %w", err)
	}
	fn, ok := goja.AssertFunction(vm.Get("main"))
	if !ok {
		return nil, nil, fmt.Errorf("scripthost: script does not declare function main")
	}
	return vm, fn, nil
}

// stringify calls the runtime's own JSON.stringify on v, matching the
// spec's main(payload) -> JSON.stringify(result) contract bit-for-bit
// rather than relying on a Go-side export/marshal round trip.
func stringify(vm *goja.Runtime, v goja.Value) (string, error) {
	stringifyFn, ok := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("stringify"))
	if !ok {
		return "", fmt.Errorf("scripthost: JSON.stringify unavailable")
	}
	out, err := stringifyFn(goja.Undefined(), v)
	if err != nil {
		return "", fmt.Errorf("scripthost: JSON.stringify: %w", err)
	}
	return out.String(), nil
}

// Transform runs source's main(payload) contract against the raw payload
// string, JSON.stringify's the result, and parses it as a NormalizedRecord
// slice. Each invocation gets a fresh runtime; no state survives between
// calls.
func (h *Host) Transform(source, payload string) ([]model.NormalizedRecord, error) {
	program, err := h.compile(source)
	if err != nil {
		return nil, err
	}
	vm, main, err := load(program)
	if err != nil {
		return nil, err
	}
	result, err := main(goja.Undefined(), vm.ToValue(payload))
	if err != nil {
		return nil, fmt.Errorf("scripthost: running transform: %w", err)
	}
	encoded, err := stringify(vm, result)
	if err != nil {
		return nil, err
	}
	var records []model.NormalizedRecord
	if err := json.Unmarshal([]byte(encoded), &records); err != nil {
		return nil, fmt.Errorf("scripthost: transform output is not a NormalizedRecord array: %w", err)
	}
	return records, nil
}

// Predicate runs source's main(window) contract against the parameter map
// and coerces the result to boolean. A script that returns a non-boolean
// value yields (false, nil). A script that throws, fails to compile, or
// does not declare main yields false together with the error, which
// evaluator callers treat as logged, non-fatal context only.
func (h *Host) Predicate(source string, window map[string][]model.TimedValue) (result bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = false, fmt.Errorf("scripthost: predicate panicked: %v", r)
		}
	}()
	program, cErr := h.compile(source)
	if cErr != nil {
		return false, cErr
	}
	vm, main, lErr := load(program)
	if lErr != nil {
		return false, lErr
	}
	out, rErr := main(goja.Undefined(), vm.ToValue(window))
	if rErr != nil {
		return false, fmt.Errorf("scripthost: running predicate: %w", rErr)
	}
	b, ok := out.Export().(bool)
	if !ok {
		return false, nil
	}
	return b, nil
}
