package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

const DefaultCaptureCommand = "sox -d -q -r 16000 -c 1 -e signed-integer -b 16 -t raw -"

// Source opens a stream of raw little-endian 16-bit PCM.
type Source interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream is a live PCM stream. Stop is idempotent.
type Stream interface {
	io.Reader
	Stop() error
}

// CommandSource runs a capture CLI that writes PCM to stdout.
type CommandSource struct {
	argv  []string
	grace time.Duration
}

func NewCommandSource(command string, grace time.Duration) (*CommandSource, error) {
	if strings.TrimSpace(command) == "" {
		command = DefaultCaptureCommand
	}
	argv, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("capture command is empty")
	}
	if grace <= 0 {
		grace = 1200 * time.Millisecond
	}
	return &CommandSource{argv: argv, grace: grace}, nil
}

func (s *CommandSource) Open(ctx context.Context) (Stream, error) {
	path, err := exec.LookPath(s.argv[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, s.argv[0], err)
	}

	cmd := exec.CommandContext(ctx, path, s.argv[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = s.grace

	// Wait must not close the read end before buffered PCM is drained.
	stdout, writer, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create capture stdout pipe: %w", err)
	}
	cmd.Stdout = writer
	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = writer.Close()
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	_ = writer.Close()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	return &commandStream{
		stdout:  stdout,
		stderr:  &stderr,
		process: cmd.Process,
		waitErr: waitErr,
		grace:   s.grace,
	}, nil
}

type commandStream struct {
	stdout io.ReadCloser
	stderr *bytes.Buffer

	process *os.Process
	waitErr <-chan error
	grace   time.Duration

	stopOnce sync.Once
	stopErr  error
}

func (s *commandStream) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

// Stop interrupts the capture process, kills it after the grace period, and
// releases the pipe.
func (s *commandStream) Stop() error {
	s.stopOnce.Do(func() {
		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}

		select {
		case err, ok := <-s.waitErr:
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		case <-time.After(s.grace):
			if s.process != nil {
				_ = s.process.Kill()
			}
			err, ok := <-s.waitErr
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		}

		if closeErr := s.stdout.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
			if s.stopErr == nil {
				s.stopErr = closeErr
			}
		}

		if s.stopErr != nil && s.stderr.Len() > 0 {
			s.stopErr = fmt.Errorf("%w: %s", s.stopErr, strings.TrimSpace(s.stderr.String()))
		}
	})
	return s.stopErr
}

func normalizeStopErr(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
