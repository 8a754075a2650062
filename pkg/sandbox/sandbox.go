// Package sandbox provides the "wasm" rule format: policy predicates
// compiled to WebAssembly and executed under wazero with deny-by-default
// capabilities, a memory ceiling and a wall-clock deadline.
//
// Security properties:
//   - no filesystem, no network, no environment, no ambient authority
//   - memory limited to the configured ceiling
//   - execution interrupted at the context deadline
//
// Any trap, limit violation or timeout is an evaluation error; the policy
// engine converts those to a fail-safe BLOCK upstream.
package sandbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/Mindburn-Labs/arbiter/pkg/canonicalize"
	"github.com/Mindburn-Labs/arbiter/pkg/policy"
)

// FormatWASM is the sandboxed scripting rule format. A rule expression is
// either "base64:<module bytes>" or a content address resolved through the
// configured ModuleSource.
const FormatWASM = "wasm"

// OutputMaxBytes caps stdout+stderr of one evaluation.
const OutputMaxBytes = 64 * 1024

// ModuleSource resolves a content address to WASM module bytes.
type ModuleSource interface {
	Get(ctx context.Context, address string) ([]byte, error)
}

// Config bounds one evaluation.
type Config struct {
	MemoryLimitBytes int64
	WallClockLimit   time.Duration
}

// DefaultConfig is conservative: 16 MiB and 200ms per rule.
func DefaultConfig() Config {
	return Config{
		MemoryLimitBytes: 16 * 1024 * 1024,
		WallClockLimit:   200 * time.Millisecond,
	}
}

// Evaluator runs WASM rule modules. The module reads the canonical JSON of
// the evaluation context on stdin and writes "true" or "false" on stdout.
type Evaluator struct {
	runtime wazero.Runtime
	source  ModuleSource
	limits  Config

	mu       sync.Mutex
	compiled map[string]wazero.CompiledModule
}

// NewEvaluator creates the sandbox evaluator. source may be nil if all rules
// inline their modules with the "base64:" prefix.
func NewEvaluator(ctx context.Context, source ModuleSource, limits Config) (*Evaluator, error) {
	runtimeCfg := wazero.NewRuntimeConfig().
		// Required for the context deadline to actually interrupt a
		// runaway module rather than merely failing afterwards.
		WithCloseOnContextDone(true)
	if limits.MemoryLimitBytes > 0 {
		pages := uint32(limits.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}

	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	return &Evaluator{
		runtime:  r,
		source:   source,
		limits:   limits,
		compiled: make(map[string]wazero.CompiledModule),
	}, nil
}

// Format implements policy.Evaluator.
func (e *Evaluator) Format() string { return FormatWASM }

// Evaluate implements policy.Evaluator.
func (e *Evaluator) Evaluate(ctx context.Context, expression string, ec *policy.EvalContext) (bool, error) {
	compiled, err := e.module(ctx, expression)
	if err != nil {
		return false, err
	}

	if e.limits.WallClockLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.limits.WallClockLimit)
		defer cancel()
	}

	input, err := canonicalize.Canonical(ec)
	if err != nil {
		return false, fmt.Errorf("encode context: %w", err)
	}

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName(""). // anonymous: concurrent evaluations must not collide
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)
	// Deny-by-default: no WithFSConfig, no WithEnv, no WithRandSource.

	mod, err := e.runtime.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		if ctx.Err() != nil {
			return false, fmt.Errorf("wasm rule exceeded wall-clock limit (%s)", e.limits.WallClockLimit)
		}
		return false, fmt.Errorf("wasm execution failed: %w", err)
	}
	defer func() { _ = mod.Close(ctx) }()

	if stdout.Len()+stderr.Len() > OutputMaxBytes {
		return false, fmt.Errorf("wasm rule output exceeds %d bytes", OutputMaxBytes)
	}

	return parseResult(stdout.String())
}

// Close releases the wazero runtime.
func (e *Evaluator) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

func (e *Evaluator) module(ctx context.Context, expression string) (wazero.CompiledModule, error) {
	e.mu.Lock()
	cached, ok := e.compiled[expression]
	e.mu.Unlock()
	if ok {
		return cached, nil
	}

	var wasmBytes []byte
	var err error
	switch {
	case strings.HasPrefix(expression, "base64:"):
		wasmBytes, err = base64.StdEncoding.DecodeString(strings.TrimPrefix(expression, "base64:"))
		if err != nil {
			return nil, fmt.Errorf("decode inline wasm module: %w", err)
		}
	case e.source != nil:
		wasmBytes, err = e.source.Get(ctx, expression)
		if err != nil {
			return nil, fmt.Errorf("resolve wasm module %s: %w", expression, err)
		}
	default:
		return nil, fmt.Errorf("wasm rule %q: no module source configured", expression)
	}

	compiled, err := e.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compile wasm module: %w", err)
	}

	e.mu.Lock()
	e.compiled[expression] = compiled
	e.mu.Unlock()
	return compiled, nil
}

func parseResult(out string) (bool, error) {
	switch strings.TrimSpace(out) {
	case "true", "1":
		return true, nil
	case "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("wasm rule produced no verdict (stdout %q)", strings.TrimSpace(out))
}
