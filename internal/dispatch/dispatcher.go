package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	ErrFastExecutorFailed = errors.New("fast executor failed")
	ErrFullExecutorFailed = errors.New("full executor failed")
	ErrDispatchCancelled  = errors.New("dispatch cancelled")
)

type State int

const (
	StateIdle State = iota
	StateFastRunning
	StateEscalating
	StateFullRunning
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFastRunning:
		return "fast_running"
	case StateEscalating:
		return "escalating"
	case StateFullRunning:
		return "full_running"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Reason explains why the fast tier handed over to the full tier.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonFastFailed    Reason = "fast_failed"
	ReasonNoOutcome     Reason = "no_outcome"
	ReasonIncomplete    Reason = "incomplete"
	ReasonHandoff       Reason = "handoff"
	ReasonUnknownStatus Reason = "unknown_status"
)

type Result struct {
	Success       bool
	Error         error
	Escalated     bool
	Reason        Reason
	FallbackInput string
	Outcome       *Outcome
}

// Dispatcher runs the fast executor and escalates to the full executor when
// the fast one fails, reports no outcome, or does not report completion.
type Dispatcher struct {
	fast    Executor
	full    Executor
	framing Framing
	logger  *slog.Logger

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
}

func New(fast, full Executor, framing Framing, logger *slog.Logger) *Dispatcher {
	if framing == nil {
		framing = SentinelFraming{}
	}
	return &Dispatcher{
		fast:    fast,
		full:    full,
		framing: framing,
		logger:  logger.With(slog.String("component", "dispatcher")),
	}
}

func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Dispatcher) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// Dispatch hands text to the fast executor and, when needed, to the full
// executor. Fast failures are recovered here; full failures end the run.
func (d *Dispatcher) Dispatch(ctx context.Context, text string) Result {
	runCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.state = StateFastRunning
	d.mu.Unlock()
	defer func() {
		cancel()
		d.mu.Lock()
		d.cancel = nil
		d.state = StateDone
		d.mu.Unlock()
	}()

	tracer := otel.Tracer("loqa-dispatch/dispatch")

	fastCtx, fastSpan := tracer.Start(runCtx, "dispatch.fast")
	out, err := d.fast.Invoke(fastCtx, text)
	fastSpan.SetAttributes(attribute.Int("exit_code", out.ExitCode))
	if err != nil {
		fastSpan.RecordError(err)
	}
	fastSpan.End()

	if runCtx.Err() != nil {
		return Result{Error: fmt.Errorf("%w: %w", ErrDispatchCancelled, runCtx.Err())}
	}

	escalate, reason, input, outcome := d.decide(out, err, text)
	if !escalate {
		d.logger.Info("fast executor completed the command")
		return Result{Success: true, Outcome: outcome}
	}

	d.setState(StateEscalating)
	d.logger.Info("escalating to full executor",
		slog.String("reason", string(reason)),
		slog.Bool("continuation", input != text),
	)
	result := Result{Escalated: true, Reason: reason, FallbackInput: input, Outcome: outcome}

	d.setState(StateFullRunning)
	fullCtx, fullSpan := tracer.Start(runCtx, "dispatch.full")
	fullSpan.SetAttributes(attribute.String("reason", string(reason)))
	out, err = d.full.Invoke(fullCtx, input)
	defer fullSpan.End()

	switch {
	case err != nil:
		result.Error = fmt.Errorf("%w: %w", ErrFullExecutorFailed, err)
	case out.ExitCode != 0:
		result.Error = fmt.Errorf("%w: exit code %d", ErrFullExecutorFailed, out.ExitCode)
	default:
		result.Success = true
		return result
	}
	fullSpan.RecordError(result.Error)
	fullSpan.SetStatus(codes.Error, result.Error.Error())
	d.logger.Warn("full executor failed", slogError(result.Error))
	return result
}

// decide applies the escalation rules in order.
func (d *Dispatcher) decide(out Output, err error, text string) (bool, Reason, string, *Outcome) {
	if err != nil {
		d.logger.Warn("fast executor failed", slogError(fmt.Errorf("%w: %w", ErrFastExecutorFailed, err)))
		return true, ReasonFastFailed, text, nil
	}
	if out.ExitCode != 0 {
		d.logger.Warn("fast executor failed", slogError(fmt.Errorf("%w: exit code %d", ErrFastExecutorFailed, out.ExitCode)))
		return true, ReasonFastFailed, text, nil
	}
	outcome, parseErr := d.framing.Parse(out.Stdout)
	if parseErr != nil {
		d.logger.Info("fast executor reported no outcome", slogError(parseErr), slog.String("protocol", d.framing.Name()))
		return true, ReasonNoOutcome, text, nil
	}

	switch outcome.Normalized() {
	case StatusIncomplete, StatusHandoff:
		reason := ReasonIncomplete
		if outcome.Normalized() == StatusHandoff {
			reason = ReasonHandoff
		}
		input := text
		if outcome.Handoff != nil {
			if remaining := strings.TrimSpace(string(outcome.Handoff.RemainingSteps)); remaining != "" {
				input = remaining
			}
		}
		return true, reason, input, outcome
	case StatusComplete:
		return false, ReasonNone, "", outcome
	default:
		d.logger.Info("fast executor reported an unrecognised status", slog.String("status", outcome.Status))
		return true, ReasonUnknownStatus, text, outcome
	}
}

// Cancel aborts the in-flight executor. It is a no-op when idle.
func (d *Dispatcher) Cancel() {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close releases executors that hold resources.
func (d *Dispatcher) Close(ctx context.Context) error {
	var errs []error
	for _, ex := range []Executor{d.fast, d.full} {
		if closer, ok := ex.(interface{ Close(context.Context) error }); ok {
			if err := closer.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
