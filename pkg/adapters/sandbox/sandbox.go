// Package sandbox runs adapter transform hooks as WASM modules with no
// ambient authority: no filesystem, no network, no environment. Input goes
// in on stdin, the transformed JSON comes back on stdout.
package sandbox

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/agenr/agenr/pkg/faults"
)

// Default execution bounds for a transform.
const (
	defaultTimeout     = 5 * time.Second
	defaultMemoryPages = 256 // 16 MiB at 64 KiB per page
)

// Runner executes WASM transforms. One runtime is shared; modules are
// compiled per run and closed afterwards.
type Runner struct {
	initOnce sync.Once
	runtime  wazero.Runtime
	timeout  time.Duration
}

func New() *Runner {
	return &Runner{timeout: defaultTimeout}
}

func (r *Runner) init(ctx context.Context) {
	cfg := wazero.NewRuntimeConfig().WithMemoryLimitPages(defaultMemoryPages)
	r.runtime = wazero.NewRuntimeWithConfig(ctx, cfg)
	// Only stdin/stdout are wired. No FS mounts, no clock, no randomness.
	wasi_snapshot_preview1.MustInstantiate(ctx, r.runtime)
}

// Run executes the module with input on stdin and returns its stdout.
func (r *Runner) Run(ctx context.Context, wasm, input []byte) ([]byte, error) {
	r.initOnce.Do(func() { r.init(context.Background()) })

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	compiled, err := r.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, faults.Wrap(faults.KindInvalid, err, "compile transform module")
	}
	defer func() { _ = compiled.Close(ctx) }()

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("agenr-transform").
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := r.runtime.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, faults.Transient("transform timed out after %v", r.timeout)
		}
		return nil, faults.Wrap(faults.KindInvalid, err, "run transform module")
	}
	defer func() { _ = mod.Close(ctx) }()

	if stderr.Len() > 0 {
		return nil, faults.Invalid("transform wrote to stderr: %s", stderr.String())
	}
	return stdout.Bytes(), nil
}

// Close frees the shared runtime.
func (r *Runner) Close() error {
	if r.runtime == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.runtime.Close(ctx)
}
