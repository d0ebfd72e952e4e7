package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const BitDepth = 16

// Recording is a sealed WAV file produced by one capture session. The file is
// owned by whoever holds the Recording and should be removed after use.
type Recording struct {
	Path       string
	SampleRate int
	Channels   int
	BitDepth   int
	Size       int64
	Duration   time.Duration
}

// Remove deletes the backing file. Removing an already deleted file is not an
// error.
func (r *Recording) Remove() error {
	if r == nil || r.Path == "" {
		return nil
	}
	if err := os.Remove(r.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// OpenRecording inspects an existing WAV file and describes it.
func OpenRecording(path string) (*Recording, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%s is not a valid wav file", path)
	}
	// Duration() counts the whole RIFF chunk; only the data chunk is audio.
	if err := dec.FwdToPCM(); err != nil {
		return nil, fmt.Errorf("find wav data chunk: %w", err)
	}
	var duration time.Duration
	if bytesPerSec := int64(dec.SampleRate) * int64(dec.NumChans) * int64(dec.BitDepth) / 8; bytesPerSec > 0 {
		duration = time.Duration(dec.PCMLen()) * time.Second / time.Duration(bytesPerSec)
	}
	return &Recording{
		Path:       path,
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
		Size:       info.Size(),
		Duration:   duration,
	}, nil
}

// wavSink streams PCM chunks into a WAV file and seals it on Close.
type wavSink struct {
	file       *os.File
	enc        *wav.Encoder
	sampleRate int
	channels   int
	samples    int64
	buf        *goaudio.IntBuffer
}

func newWAVSink(path string, sampleRate, channels int) (*wavSink, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}
	return &wavSink{
		file:       file,
		enc:        wav.NewEncoder(file, sampleRate, BitDepth, channels, 1),
		sampleRate: sampleRate,
		channels:   channels,
		buf: &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
			SourceBitDepth: BitDepth,
		},
	}, nil
}

// Write appends whole 16-bit samples; callers keep odd trailing bytes.
func (s *wavSink) Write(pcm []byte) error {
	n := len(pcm) / 2
	if n == 0 {
		return nil
	}
	if cap(s.buf.Data) < n {
		s.buf.Data = make([]int, n)
	}
	s.buf.Data = s.buf.Data[:n]
	for i := 0; i < n; i++ {
		s.buf.Data[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	if err := s.enc.Write(s.buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	s.samples += int64(n)
	return nil
}

// Close seals the WAV header and returns the finished Recording.
func (s *wavSink) Close() (*Recording, error) {
	if s.samples == 0 {
		// The encoder only emits its header on the first write.
		s.buf.Data = s.buf.Data[:0]
		if err := s.enc.Write(s.buf); err != nil {
			s.Abort()
			return nil, fmt.Errorf("write wav header: %w", err)
		}
	}
	encErr := s.enc.Close()
	var size int64
	if info, err := s.file.Stat(); err == nil {
		size = info.Size()
	}
	closeErr := s.file.Close()
	if err := errors.Join(encErr, closeErr); err != nil {
		return nil, fmt.Errorf("seal recording: %w", err)
	}
	frames := s.samples / int64(s.channels)
	return &Recording{
		Path:       s.file.Name(),
		SampleRate: s.sampleRate,
		Channels:   s.channels,
		BitDepth:   BitDepth,
		Size:       size,
		Duration:   time.Duration(frames) * time.Second / time.Duration(s.sampleRate),
	}, nil
}

// Abort closes and deletes a partial recording.
func (s *wavSink) Abort() {
	_ = s.file.Close()
	_ = os.Remove(s.file.Name())
}
