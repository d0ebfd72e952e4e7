package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dispatch/internal/config"
)

var (
	ErrAlreadyRecording  = errors.New("already recording")
	ErrSourceUnavailable = errors.New("audio source unavailable")
	ErrSourceEnded       = errors.New("audio source ended before the utterance completed")
	ErrCaptureTimeout    = errors.New("capture exceeded maximum duration")
	ErrCaptureCancelled  = errors.New("capture cancelled")
)

type CaptureOptions struct {
	SampleRate       int
	Channels         int
	ChunkSize        int
	SilenceThreshold int
	SilenceDuration  time.Duration
	MaxDuration      time.Duration
	Now              func() time.Time
}

// Capturer records one utterance at a time, ending it once the SilenceGate
// reports enough trailing silence.
type Capturer struct {
	source Source
	opts   CaptureOptions
	logger *slog.Logger

	mu     sync.Mutex
	active *captureSession

	openSink func(path string, sampleRate, channels int) (recordingSink, error)
}

// recordingSink receives whole PCM samples for one capture session.
type recordingSink interface {
	Write(pcm []byte) error
	Close() (*Recording, error)
	Abort()
}

func openWAVSink(path string, sampleRate, channels int) (recordingSink, error) {
	sink, err := newWAVSink(path, sampleRate, channels)
	if err != nil {
		return nil, err
	}
	return sink, nil
}

type captureSession struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

type readResult struct {
	complete bool
	err      error
	sinkErr  error
}

func NewCapturer(source Source, opts CaptureOptions, logger *slog.Logger) *Capturer {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.Channels <= 0 {
		opts.Channels = 1
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 4096
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Capturer{
		source:   source,
		opts:     opts,
		logger:   logger.With(slog.String("component", "capture")),
		openSink: openWAVSink,
	}
}

// NewCapturerFromConfig builds a Capturer backed by the configured capture CLI.
func NewCapturerFromConfig(cfg config.CaptureConfig, logger *slog.Logger) (*Capturer, error) {
	source, err := NewCommandSource(cfg.Command, time.Duration(cfg.StopGraceMS)*time.Millisecond)
	if err != nil {
		return nil, err
	}
	return NewCapturer(source, CaptureOptions{
		SampleRate:       cfg.SampleRate,
		Channels:         cfg.Channels,
		ChunkSize:        cfg.ChunkSize,
		SilenceThreshold: cfg.SilenceThreshold,
		SilenceDuration:  time.Duration(cfg.SilenceDurationMS) * time.Millisecond,
		MaxDuration:      time.Duration(cfg.MaxDurationMS) * time.Millisecond,
	}, logger), nil
}

func (c *Capturer) IsRecording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// Start records into dest until the utterance completes and returns the
// sealed Recording. On any failure the partial file is removed.
func (c *Capturer) Start(ctx context.Context, dest string) (*Recording, error) {
	sessCtx, cancel := context.WithCancelCause(ctx)
	sess := &captureSession{cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		cancel(nil)
		return nil, ErrAlreadyRecording
	}
	c.active = sess
	c.mu.Unlock()

	defer func() {
		cancel(nil)
		c.mu.Lock()
		c.active = nil
		c.mu.Unlock()
		close(sess.done)
	}()

	stream, err := c.source.Open(sessCtx)
	if err != nil {
		return nil, err
	}
	sink, err := c.openSink(dest, c.opts.SampleRate, c.opts.Channels)
	if err != nil {
		_ = stream.Stop()
		return nil, err
	}

	gate := NewSilenceGate(c.opts.SilenceThreshold, c.opts.SilenceDuration, WithClock(c.opts.Now))
	started := time.Now()
	c.logger.Debug("capture started", slog.String("path", dest))

	done := make(chan readResult, 1)
	go c.pump(stream, sink, gate, done)

	var timeout <-chan time.Time
	if c.opts.MaxDuration > 0 {
		timer := time.NewTimer(c.opts.MaxDuration)
		defer timer.Stop()
		timeout = timer.C
	}

	var (
		res      readResult
		received bool
		failure  error
	)
	select {
	case res = <-done:
		received = true
		if !res.complete && sessCtx.Err() != nil {
			failure = cancelCause(sessCtx)
		}
	case <-sessCtx.Done():
		failure = cancelCause(sessCtx)
	case <-timeout:
		failure = ErrCaptureTimeout
	}

	stopErr := stream.Stop()
	if !received {
		res = <-done
	}

	switch {
	case failure != nil:
	case res.err != nil:
		failure = res.err
		if stopErr != nil {
			failure = fmt.Errorf("%w (stop: %v)", failure, stopErr)
		}
	case res.sinkErr != nil:
		failure = fmt.Errorf("write recording: %w", res.sinkErr)
	}
	if failure != nil {
		sink.Abort()
		c.logger.Warn("capture failed", slogError(failure), slog.Duration("elapsed", time.Since(started)))
		return nil, failure
	}
	if stopErr != nil {
		c.logger.Debug("capture source stop reported an error", slogError(stopErr))
	}

	rec, err := sink.Close()
	if err != nil {
		sink.Abort()
		return nil, err
	}
	c.logger.Info("capture complete",
		slog.String("path", rec.Path),
		slog.Duration("duration", rec.Duration),
		slog.Int64("bytes", rec.Size),
	)
	return rec, nil
}

// pump reads PCM, classifies each chunk and appends it to the sink in
// lockstep. A sink failure is remembered but does not stop classification.
func (c *Capturer) pump(stream Stream, sink recordingSink, gate *SilenceGate, done chan<- readResult) {
	buf := make([]byte, c.opts.ChunkSize)
	var carry []byte
	var sinkErr error

	for {
		n, err := stream.Read(buf)
		if n > 0 {
			pending := append(carry, buf[:n]...)
			whole := len(pending) &^ 1
			chunk := pending[:whole]
			carry = append(carry[:0:0], pending[whole:]...)

			if len(chunk) > 0 {
				silent := gate.Classify(chunk)
				if sinkErr == nil {
					sinkErr = sink.Write(chunk)
				}
				if gate.Observe(silent) {
					done <- readResult{complete: true, sinkErr: sinkErr}
					return
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrSourceEnded
			} else {
				err = fmt.Errorf("read audio: %w", err)
			}
			done <- readResult{err: err, sinkErr: sinkErr}
			return
		}
	}
}

// Stop cancels the active capture, if any, and waits for it to unwind. The
// pending Start returns ErrCaptureCancelled.
func (c *Capturer) Stop() {
	c.mu.Lock()
	sess := c.active
	c.mu.Unlock()
	if sess == nil {
		return
	}
	sess.cancel(ErrCaptureCancelled)
	<-sess.done
}

func cancelCause(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil || errors.Is(cause, ErrCaptureCancelled) {
		return ErrCaptureCancelled
	}
	return fmt.Errorf("%w: %w", ErrCaptureCancelled, cause)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
