package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// ExecExecutor runs a local agent process with the input as its final argument.
type ExecExecutor struct {
	cmd        []string
	workingDir string
	env        []string
	timeout    time.Duration
}

func NewExecExecutor(command, workingDir string, extraEnv map[string]string, timeout time.Duration) (*ExecExecutor, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse executor command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("executor command empty")
	}
	var env []string
	if len(extraEnv) > 0 {
		env = os.Environ()
		for k, v := range extraEnv {
			env = append(env, k+"="+v)
		}
	}
	return &ExecExecutor{cmd: args, workingDir: workingDir, env: env, timeout: timeout}, nil
}

func (e *ExecExecutor) Invoke(ctx context.Context, input string) (Output, error) {
	ctx, cancel := withTimeout(ctx, e.timeout)
	defer cancel()

	args := append(append([]string{}, e.cmd[1:]...), input)
	cmd := exec.CommandContext(ctx, e.cmd[0], args...)
	cmd.Dir = e.workingDir
	cmd.Env = e.env
	cmd.WaitDelay = 2 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return Output{Stdout: stdout.Bytes()}, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Output{Stdout: stdout.Bytes(), ExitCode: -1}, fmt.Errorf("executor %s: %w", e.cmd[0], ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return Output{Stdout: stdout.Bytes(), ExitCode: exitErr.ExitCode()}, nil
	}
	return Output{ExitCode: -1}, fmt.Errorf("executor %s failed to run: %w: %s", e.cmd[0], err, strings.TrimSpace(stderr.String()))
}
