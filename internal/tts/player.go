package tts

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/mattn/go-shellwords"
)

// DefaultPlayerCommand returns the platform audio player.
func DefaultPlayerCommand() string {
	if runtime.GOOS == "darwin" {
		return "afplay"
	}
	return "ffplay -nodisp -autoexit -loglevel quiet"
}

// CommandPlayer runs a CLI player with the file path as its last argument.
type CommandPlayer struct {
	argv []string
}

func NewCommandPlayer(command string) (*CommandPlayer, error) {
	if strings.TrimSpace(command) == "" {
		command = DefaultPlayerCommand()
	}
	args, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse player command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("player command empty")
	}
	return &CommandPlayer{argv: args}, nil
}

func (p *CommandPlayer) Play(ctx context.Context, path string) error {
	args := append(append([]string{}, p.argv[1:]...), path)
	cmd := exec.CommandContext(ctx, p.argv[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("player failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
