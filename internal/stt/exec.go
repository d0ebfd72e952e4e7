package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/loqalabs/loqa-dispatch/internal/config"
	"github.com/mattn/go-shellwords"
)

// ExecBackend runs a local recognizer that prints a JSON object on stdout.
type ExecBackend struct {
	cmd       []string
	modelPath string
}

func NewExecBackend(cfg config.STTConfig) (*ExecBackend, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &ExecBackend{cmd: args, modelPath: cfg.ModelPath}, nil
}

func (b *ExecBackend) Recognize(ctx context.Context, path string, language string) (map[string]any, error) {
	cmdArgs := append([]string{}, b.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", path)
	if b.modelPath != "" {
		cmdArgs = append(cmdArgs, "--model", b.modelPath)
	}
	if language != "" {
		cmdArgs = append(cmdArgs, "--language", language)
	}

	command := exec.CommandContext(ctx, b.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("stt command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var resp map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decode stt response: %w", err)
	}
	return resp, nil
}
