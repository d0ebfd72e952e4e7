package audio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-audio/wav"
)

type afterMode int

const (
	afterEOF afterMode = iota
	afterBlock
)

type fakeStream struct {
	mu       sync.Mutex
	data     []byte
	readSize int
	after    afterMode

	stopOnce sync.Once
	stopped  chan struct{}
}

func newFakeStream(data []byte, readSize int, after afterMode) *fakeStream {
	return &fakeStream{data: data, readSize: readSize, after: after, stopped: make(chan struct{})}
}

func (s *fakeStream) Read(p []byte) (int, error) {
	select {
	case <-s.stopped:
		return 0, os.ErrClosed
	default:
	}
	s.mu.Lock()
	if len(s.data) > 0 {
		n := s.readSize
		if n <= 0 || n > len(p) {
			n = len(p)
		}
		if n > len(s.data) {
			n = len(s.data)
		}
		copy(p, s.data[:n])
		s.data = s.data[n:]
		s.mu.Unlock()
		return n, nil
	}
	s.mu.Unlock()
	if s.after == afterEOF {
		return 0, io.EOF
	}
	<-s.stopped
	return 0, os.ErrClosed
}

func (s *fakeStream) Stop() error {
	s.stopOnce.Do(func() { close(s.stopped) })
	return nil
}

type fakeSource struct {
	stream *fakeStream
	err    error
	opens  atomic.Int32
}

func (f *fakeSource) Open(context.Context) (Stream, error) {
	f.opens.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.stream, nil
}

// stepClock advances by step on every call.
func stepClock(step time.Duration) func() time.Time {
	var calls atomic.Int64
	base := time.Unix(1700000000, 0)
	return func() time.Time {
		n := calls.Add(1) - 1
		return base.Add(time.Duration(n) * step)
	}
}

func repeatSample(value int16, count int) []byte {
	samples := make([]int16, count)
	for i := range samples {
		samples[i] = value
	}
	return pcm(samples...)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCapturer(source Source, maxDuration time.Duration) *Capturer {
	return NewCapturer(source, CaptureOptions{
		SampleRate:       16000,
		Channels:         1,
		ChunkSize:        4096,
		SilenceThreshold: 500,
		SilenceDuration:  time.Second,
		MaxDuration:      maxDuration,
		Now:              stepClock(100 * time.Millisecond),
	}, newTestLogger())
}

func TestCapturerCompletesOnSilence(t *testing.T) {
	t.Parallel()

	data := append(repeatSample(4000, 200), repeatSample(10, 4000)...)
	source := &fakeSource{stream: newFakeStream(data, 320, afterBlock)}
	capturer := newTestCapturer(source, 0)

	dest := filepath.Join(t.TempDir(), "utterance.wav")
	rec, err := capturer.Start(context.Background(), dest)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer rec.Remove()

	if rec.Path != dest {
		t.Fatalf("unexpected path %q", rec.Path)
	}
	if rec.SampleRate != 16000 || rec.Channels != 1 || rec.BitDepth != 16 {
		t.Fatalf("unexpected format: %+v", rec)
	}
	if rec.Duration <= 0 {
		t.Fatalf("expected positive duration, got %s", rec.Duration)
	}
	if capturer.IsRecording() {
		t.Fatal("capturer should be idle after completion")
	}

	first, err := OpenRecording(dest)
	if err != nil {
		t.Fatalf("open recording: %v", err)
	}
	second, err := OpenRecording(dest)
	if err != nil {
		t.Fatalf("reopen recording: %v", err)
	}
	if first.Size != rec.Size || second.Size != rec.Size {
		t.Fatalf("sealed recording size changed: %d %d %d", rec.Size, first.Size, second.Size)
	}
	if diff := first.Duration - rec.Duration; diff > time.Millisecond || diff < -time.Millisecond {
		t.Fatalf("duration mismatch: header %s, capture %s", first.Duration, rec.Duration)
	}

	if err := rec.Remove(); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(dest); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected recording to be deleted, stat err=%v", err)
	}
	if err := rec.Remove(); err != nil {
		t.Fatalf("second remove should be a no-op: %v", err)
	}
}

func TestCapturerCarriesOddBytes(t *testing.T) {
	t.Parallel()

	data := repeatSample(258, 200)
	source := &fakeSource{stream: newFakeStream(data, 3, afterBlock)}
	capturer := newTestCapturer(source, 0)

	dest := filepath.Join(t.TempDir(), "odd.wav")
	rec, err := capturer.Start(context.Background(), dest)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer rec.Remove()

	file, err := os.Open(dest)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer file.Close()
	buf, err := wav.NewDecoder(file).FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	// Eleven observations: odd reads yield one sample, even reads two.
	if len(buf.Data) != 16 {
		t.Fatalf("expected 16 samples, got %d", len(buf.Data))
	}
	for i, sample := range buf.Data {
		if sample != 258 {
			t.Fatalf("sample %d split across reads: got %d", i, sample)
		}
	}
}

func TestCapturerRejectsSecondStart(t *testing.T) {
	t.Parallel()

	source := &fakeSource{stream: newFakeStream(repeatSample(4000, 100), 0, afterBlock)}
	capturer := newTestCapturer(source, 0)
	dir := t.TempDir()
	first := filepath.Join(dir, "first.wav")

	errCh := make(chan error, 1)
	go func() {
		_, err := capturer.Start(context.Background(), first)
		errCh <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !capturer.IsRecording() {
		if time.Now().After(deadline) {
			t.Fatal("capture never became active")
		}
		time.Sleep(5 * time.Millisecond)
	}

	second := filepath.Join(dir, "second.wav")
	if _, err := capturer.Start(context.Background(), second); !errors.Is(err, ErrAlreadyRecording) {
		t.Fatalf("expected ErrAlreadyRecording, got %v", err)
	}
	if _, err := os.Stat(second); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("rejected start must not create a file")
	}
	if !capturer.IsRecording() {
		t.Fatal("active session must be untouched")
	}

	capturer.Stop()
	capturer.Stop()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrCaptureCancelled) {
			t.Fatalf("expected ErrCaptureCancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("start did not return after stop")
	}
	if capturer.IsRecording() {
		t.Fatal("capturer should be idle after stop")
	}
	if _, err := os.Stat(first); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("partial recording should be removed after cancel")
	}

	source.stream = newFakeStream(repeatSample(0, 4000), 320, afterBlock)
	rec, err := capturer.Start(context.Background(), filepath.Join(dir, "third.wav"))
	if err != nil {
		t.Fatalf("capturer not reusable after stop: %v", err)
	}
	rec.Remove()
	if got := source.opens.Load(); got != 2 {
		t.Fatalf("expected two source opens, got %d", got)
	}
}

func TestCapturerSourceEnded(t *testing.T) {
	t.Parallel()

	source := &fakeSource{stream: newFakeStream(repeatSample(4000, 500), 320, afterEOF)}
	capturer := newTestCapturer(source, 0)
	dest := filepath.Join(t.TempDir(), "ended.wav")

	_, err := capturer.Start(context.Background(), dest)
	if !errors.Is(err, ErrSourceEnded) {
		t.Fatalf("expected ErrSourceEnded, got %v", err)
	}
	if _, statErr := os.Stat(dest); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatal("partial recording should be removed")
	}
}

func TestCapturerMaxDuration(t *testing.T) {
	t.Parallel()

	source := &fakeSource{stream: newFakeStream(repeatSample(4000, 500), 320, afterBlock)}
	capturer := newTestCapturer(source, 50*time.Millisecond)
	dest := filepath.Join(t.TempDir(), "long.wav")

	_, err := capturer.Start(context.Background(), dest)
	if !errors.Is(err, ErrCaptureTimeout) {
		t.Fatalf("expected ErrCaptureTimeout, got %v", err)
	}
	if _, statErr := os.Stat(dest); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatal("partial recording should be removed")
	}
}

func TestCapturerContextCancel(t *testing.T) {
	t.Parallel()

	source := &fakeSource{stream: newFakeStream(nil, 0, afterBlock)}
	capturer := newTestCapturer(source, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := capturer.Start(ctx, filepath.Join(t.TempDir(), "ctx.wav"))
	if !errors.Is(err, ErrCaptureCancelled) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected cancelled with deadline cause, got %v", err)
	}
}

func TestCapturerSourceUnavailable(t *testing.T) {
	t.Parallel()

	source := &fakeSource{err: ErrSourceUnavailable}
	capturer := newTestCapturer(source, 0)
	if _, err := capturer.Start(context.Background(), filepath.Join(t.TempDir(), "x.wav")); !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
	if capturer.IsRecording() {
		t.Fatal("failed start must release the capturer")
	}
}

func TestStopWhenIdleIsNoop(t *testing.T) {
	t.Parallel()

	capturer := newTestCapturer(&fakeSource{}, 0)
	capturer.Stop()
	if capturer.IsRecording() {
		t.Fatal("idle capturer reports recording")
	}
}

var errDiskFull = errors.New("disk full")

// failingSink writes the file like the real sink but rejects every chunk
// after the first.
type failingSink struct {
	recordingSink
	writes int
}

func (s *failingSink) Write(pcm []byte) error {
	s.writes++
	if s.writes > 1 {
		return errDiskFull
	}
	return s.recordingSink.Write(pcm)
}

func TestCapturerSinkWriteFailure(t *testing.T) {
	t.Parallel()

	data := append(repeatSample(4000, 200), repeatSample(10, 4000)...)
	source := &fakeSource{stream: newFakeStream(data, 320, afterBlock)}
	capturer := newTestCapturer(source, 0)
	sink := &failingSink{}
	capturer.openSink = func(path string, sampleRate, channels int) (recordingSink, error) {
		inner, err := openWAVSink(path, sampleRate, channels)
		if err != nil {
			return nil, err
		}
		sink.recordingSink = inner
		return sink, nil
	}

	dest := filepath.Join(t.TempDir(), "full.wav")
	rec, err := capturer.Start(context.Background(), dest)
	if rec != nil {
		t.Fatalf("expected no recording, got %+v", rec)
	}
	if !errors.Is(err, errDiskFull) || !strings.Contains(err.Error(), "write recording") {
		t.Fatalf("expected write recording error, got %v", err)
	}
	if sink.writes != 2 {
		t.Fatalf("sink should not be written after its first failure, got %d writes", sink.writes)
	}
	if _, statErr := os.Stat(dest); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatal("partial recording should be removed after a write failure")
	}
	if capturer.IsRecording() {
		t.Fatal("capturer should be idle after a write failure")
	}
}
