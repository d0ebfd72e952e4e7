package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeExecutor struct {
	mu     sync.Mutex
	inputs []string
	out    Output
	err    error
	block  bool
}

func (f *fakeExecutor) Invoke(ctx context.Context, input string) (Output, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, input)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return Output{ExitCode: -1}, ctx.Err()
	}
	return f.out, f.err
}

func (f *fakeExecutor) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.inputs...)
}

func sentinel(body string) []byte {
	return []byte("working\nSTEP_AGENT_RESULT_START\n" + body + "\nSTEP_AGENT_RESULT_END\n")
}

func TestDispatchCompleteSkipsFull(t *testing.T) {
	t.Parallel()

	fast := &fakeExecutor{out: Output{Stdout: sentinel(`{"status":"complete"}`)}}
	full := &fakeExecutor{}
	result := New(fast, full, nil, newLogger()).Dispatch(context.Background(), "open safari")

	if !result.Success || result.Escalated || result.Error != nil {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(full.calls()) != 0 {
		t.Fatal("full executor must not run after a complete outcome")
	}
	if got := fast.calls(); len(got) != 1 || got[0] != "open safari" {
		t.Fatalf("unexpected fast inputs %v", got)
	}
}

func TestDispatchEscalation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		fast      *fakeExecutor
		reason    Reason
		wantInput string
	}{
		{
			name:      "non-zero exit",
			fast:      &fakeExecutor{out: Output{Stdout: sentinel(`{"status":"complete"}`), ExitCode: 1}},
			reason:    ReasonFastFailed,
			wantInput: "open safari",
		},
		{
			name:      "spawn error",
			fast:      &fakeExecutor{out: Output{ExitCode: -1}, err: errors.New("exec: not found")},
			reason:    ReasonFastFailed,
			wantInput: "open safari",
		},
		{
			name:      "no markers",
			fast:      &fakeExecutor{out: Output{Stdout: []byte("done!\n")}},
			reason:    ReasonNoOutcome,
			wantInput: "open safari",
		},
		{
			name:      "incomplete",
			fast:      &fakeExecutor{out: Output{Stdout: sentinel(`{"status":"INCOMPLETE"}`)}},
			reason:    ReasonIncomplete,
			wantInput: "open safari",
		},
		{
			name:      "handoff with continuation",
			fast:      &fakeExecutor{out: Output{Stdout: sentinel(`{"status":"handoff","handoff":{"remaining_steps":"navigate to example.com"}}`)}},
			reason:    ReasonHandoff,
			wantInput: "navigate to example.com",
		},
		{
			name:      "handoff with blank continuation",
			fast:      &fakeExecutor{out: Output{Stdout: sentinel(`{"status":"handoff","handoff":{"remaining_steps":"  "}}`)}},
			reason:    ReasonHandoff,
			wantInput: "open safari",
		},
		{
			name:      "unknown status",
			fast:      &fakeExecutor{out: Output{Stdout: sentinel(`{"status":"maybe"}`)}},
			reason:    ReasonUnknownStatus,
			wantInput: "open safari",
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			full := &fakeExecutor{}
			result := New(tc.fast, full, nil, newLogger()).Dispatch(context.Background(), "open safari")
			if !result.Success || !result.Escalated {
				t.Fatalf("expected escalated success, got %+v", result)
			}
			if result.Reason != tc.reason {
				t.Fatalf("expected reason %s, got %s", tc.reason, result.Reason)
			}
			got := full.calls()
			if len(got) != 1 || got[0] != tc.wantInput {
				t.Fatalf("expected full input %q, got %v", tc.wantInput, got)
			}
			if result.FallbackInput != tc.wantInput {
				t.Fatalf("fallback input mismatch: %q", result.FallbackInput)
			}
		})
	}
}

func TestDispatchFullFailure(t *testing.T) {
	t.Parallel()

	fast := &fakeExecutor{out: Output{ExitCode: 2}}
	full := &fakeExecutor{out: Output{ExitCode: 3}}
	result := New(fast, full, nil, newLogger()).Dispatch(context.Background(), "do it")
	if result.Success {
		t.Fatal("expected failure")
	}
	if !errors.Is(result.Error, ErrFullExecutorFailed) {
		t.Fatalf("expected ErrFullExecutorFailed, got %v", result.Error)
	}
	if len(full.calls()) != 1 {
		t.Fatal("full executor must not be retried")
	}

	full = &fakeExecutor{out: Output{ExitCode: -1}, err: errors.New("spawn failed")}
	result = New(fast, full, nil, newLogger()).Dispatch(context.Background(), "do it")
	if result.Success || !errors.Is(result.Error, ErrFullExecutorFailed) {
		t.Fatalf("expected full spawn failure, got %+v", result)
	}
}

func TestDispatchCancel(t *testing.T) {
	t.Parallel()

	fast := &fakeExecutor{block: true}
	full := &fakeExecutor{}
	dispatcher := New(fast, full, nil, newLogger())
	dispatcher.Cancel()

	done := make(chan Result, 1)
	go func() { done <- dispatcher.Dispatch(context.Background(), "wait") }()

	deadline := time.Now().Add(2 * time.Second)
	for dispatcher.State() != StateFastRunning {
		if time.Now().After(deadline) {
			t.Fatal("dispatcher never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	dispatcher.Cancel()

	select {
	case result := <-done:
		if result.Success || !errors.Is(result.Error, ErrDispatchCancelled) {
			t.Fatalf("expected cancelled result, got %+v", result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not return after cancel")
	}
	if len(full.calls()) != 0 {
		t.Fatal("cancelled dispatch must not escalate")
	}
	if dispatcher.State() != StateDone {
		t.Fatalf("expected done state, got %s", dispatcher.State())
	}
}

func TestDispatchWithExecScripts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	marker := filepath.Join(dir, "full.txt")
	fastScript := writeScript(t, dir, "fast.sh", "#!/usr/bin/env bash\n"+
		"echo \"fast got: $1\"\n"+
		"echo STEP_AGENT_RESULT_START\n"+
		"echo '{\"status\":\"incomplete\",\"handoff\":{\"remaining_steps\":\"finish the email\"}}'\n"+
		"echo STEP_AGENT_RESULT_END\n")
	fullScript := writeScript(t, dir, "full.sh", "#!/usr/bin/env bash\nprintf '%s' \"$1\" > "+marker+"\n")

	fast, err := NewExecExecutor(fastScript, "", nil, time.Second*10)
	if err != nil {
		t.Fatalf("fast executor: %v", err)
	}
	full, err := NewExecExecutor(fullScript, "", nil, time.Second*10)
	if err != nil {
		t.Fatalf("full executor: %v", err)
	}

	result := New(fast, full, SentinelFraming{}, newLogger()).Dispatch(context.Background(), "write an email to bob")
	if !result.Success || !result.Escalated {
		t.Fatalf("unexpected result %+v", result)
	}
	data, err := os.ReadFile(marker)
	if err != nil {
		t.Fatalf("full executor did not run: %v", err)
	}
	if string(data) != "finish the email" {
		t.Fatalf("full executor received %q", data)
	}
}

func TestDispatchJSONLWithExecScripts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fastScript := writeScript(t, dir, "fast.sh", "#!/usr/bin/env bash\n"+
		"echo '{\"step_agent_result\":{\"status\":\"complete\"}}'\n")
	fullScript := writeScript(t, dir, "full.sh", "#!/usr/bin/env bash\nexit 9\n")

	fast, _ := NewExecExecutor(fastScript, "", nil, 0)
	full, _ := NewExecExecutor(fullScript, "", nil, 0)
	result := New(fast, full, JSONLFraming{}, newLogger()).Dispatch(context.Background(), "mute")
	if !result.Success || result.Escalated {
		t.Fatalf("expected fast completion, got %+v", result)
	}
}

func TestExecExecutorExitCodesAndEnv(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	script := writeScript(t, dir, "agent.sh", "#!/usr/bin/env bash\necho \"$AGENT_MODE:$1\"\nexit 4\n")
	executor, err := NewExecExecutor(script, dir, map[string]string{"AGENT_MODE": "quick"}, 0)
	if err != nil {
		t.Fatalf("executor: %v", err)
	}
	out, err := executor.Invoke(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out.ExitCode != 4 {
		t.Fatalf("expected exit code 4, got %d", out.ExitCode)
	}
	if string(out.Stdout) != "quick:hello world\n" {
		t.Fatalf("unexpected stdout %q", out.Stdout)
	}

	missing, err := NewExecExecutor(filepath.Join(dir, "missing-agent"), "", nil, 0)
	if err != nil {
		t.Fatalf("executor: %v", err)
	}
	if _, err := missing.Invoke(context.Background(), "x"); err == nil {
		t.Fatal("expected spawn error")
	}
}

func TestExecExecutorTimeout(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	script := writeScript(t, dir, "slow.sh", "#!/usr/bin/env bash\nexec sleep 5\n")
	executor, _ := NewExecExecutor(script, "", nil, 50*time.Millisecond)
	started := time.Now()
	if _, err := executor.Invoke(context.Background(), "x"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(started) > 3*time.Second {
		t.Fatal("timeout did not kill the executor")
	}
}

func writeScript(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}
