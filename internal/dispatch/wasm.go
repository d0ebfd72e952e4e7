package dispatch

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// WasmExecutor runs a WASI command module with argv [name, input]. The module
// may import env.host_log(ptr, len) to log through the daemon.
type WasmExecutor struct {
	name     string
	rt       wazero.Runtime
	compiled wazero.CompiledModule
	env      map[string]string
	timeout  time.Duration
	logger   *slog.Logger
	mu       sync.Mutex
}

func NewWasmExecutor(ctx context.Context, tier, modulePath string, env map[string]string, timeout time.Duration, logger *slog.Logger) (*WasmExecutor, error) {
	wasmBytes, err := os.ReadFile(modulePath)
	if err != nil {
		return nil, fmt.Errorf("read wasm module: %w", err)
	}
	name := strings.TrimSuffix(filepath.Base(modulePath), filepath.Ext(modulePath))
	return newWasmExecutor(ctx, tier, name, wasmBytes, env, timeout, logger)
}

func newWasmExecutor(ctx context.Context, tier, name string, wasmBytes []byte, env map[string]string, timeout time.Duration, logger *slog.Logger) (*WasmExecutor, error) {
	logger = logger.With(slog.String("component", "wasm-executor"), slog.String("tier", tier))
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	if err := instantiateHostModule(ctx, rt, logger); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("compile module: %w", err)
	}
	return &WasmExecutor{
		name:     name,
		rt:       rt,
		compiled: compiled,
		env:      env,
		timeout:  timeout,
		logger:   logger,
	}, nil
}

func (w *WasmExecutor) Invoke(ctx context.Context, input string) (Output, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ctx, cancel := withTimeout(ctx, w.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	moduleConfig := wazero.NewModuleConfig().
		WithName("").
		WithArgs(w.name, input).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithSysWalltime().
		WithSysNanotime().
		WithRandSource(rand.Reader)
	for k, v := range w.env {
		moduleConfig = moduleConfig.WithEnv(k, v)
	}

	mod, err := w.rt.InstantiateModule(ctx, w.compiled, moduleConfig)
	if mod != nil {
		defer mod.Close(context.Background())
	}
	if stderr.Len() > 0 {
		w.logger.Debug("module stderr", slog.String("stderr", strings.TrimSpace(stderr.String())))
	}
	if err == nil {
		return Output{Stdout: stdout.Bytes()}, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Output{Stdout: stdout.Bytes(), ExitCode: -1}, fmt.Errorf("wasm module %s: %w", w.name, ctxErr)
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return Output{Stdout: stdout.Bytes(), ExitCode: int(exitErr.ExitCode())}, nil
	}
	return Output{ExitCode: -1}, fmt.Errorf("run wasm module %s: %w", w.name, err)
}

// Close releases the compiled module and its runtime.
func (w *WasmExecutor) Close(ctx context.Context) error {
	if w == nil || w.rt == nil {
		return nil
	}
	return w.rt.Close(ctx)
}

func instantiateHostModule(ctx context.Context, rt wazero.Runtime, logger *slog.Logger) error {
	builder := rt.NewHostModuleBuilder("env")
	hostLogFn := api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
		ptr := api.DecodeU32(stack[0])
		length := api.DecodeU32(stack[1])
		if length == 0 {
			return
		}
		mem := mod.Memory()
		if mem == nil {
			logger.Warn("host_log: module has no memory", slog.Uint64("ptr", uint64(ptr)), slog.Uint64("len", uint64(length)))
			return
		}
		data, ok := mem.Read(ptr, length)
		if !ok {
			logger.Warn("host_log: unable to read memory", slog.Uint64("ptr", uint64(ptr)), slog.Uint64("len", uint64(length)))
			return
		}
		logger.Info("agent log", slog.String("message", string(data)))
	})
	builder.NewFunctionBuilder().
		WithGoModuleFunction(hostLogFn, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		WithName("host_log").
		Export("host_log")

	_, err := builder.Instantiate(ctx)
	return err
}
