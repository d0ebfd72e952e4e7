package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-dispatch/internal/bus"
	"github.com/loqalabs/loqa-dispatch/internal/config"
)

// Output is what an executor produced for one input.
type Output struct {
	Stdout   []byte
	ExitCode int
}

// Executor runs one agent invocation. A non-zero exit is reported through
// Output.ExitCode; err is reserved for failures to run at all.
type Executor interface {
	Invoke(ctx context.Context, input string) (Output, error)
}

// NewExecutor builds the executor described by cfg. busClient is only needed
// for mode=nats.
func NewExecutor(ctx context.Context, tier string, cfg config.ExecutorConfig, busClient *bus.Client, logger *slog.Logger) (Executor, error) {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	switch cfg.Mode {
	case "exec", "":
		if err := cfg.RequireExecutor("dispatch." + tier); err != nil {
			return nil, err
		}
		return NewExecExecutor(cfg.Command, cfg.WorkingDir, cfg.ExtraEnv, timeout)
	case "wasm":
		return NewWasmExecutor(ctx, tier, cfg.Module, cfg.ExtraEnv, timeout, logger)
	case "nats":
		if busClient == nil {
			return nil, fmt.Errorf("dispatch.%s mode=nats requires a bus connection", tier)
		}
		return NewNATSExecutor(busClient, tier, cfg.Subject, timeout), nil
	default:
		return nil, fmt.Errorf("unsupported executor mode %q", cfg.Mode)
	}
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
