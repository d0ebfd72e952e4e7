package tts

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"strings"
	"time"

	"github.com/loqalabs/loqa-dispatch/internal/config"
)

var DefaultPhrases = []string{
	"(excited) Got it!",
	"(excited) On it!",
	"(excited) Sure thing!",
	"(excited) Understood!",
	"(excited) Will do!",
	"(excited) Okay!",
	"(excited) Roger that!",
	"(excited) Absolutely!",
	"(excited) You got it!",
	"(excited) Right away!",
}

// Announcer speaks a short acknowledgement. It is best effort: failures are
// logged and never returned.
type Announcer struct {
	synth   Synthesizer
	player  Player
	phrases []string
	voice   string
	model   string
	format  string
	timeout time.Duration
	tempDir string
	pick    func(n int) int
	logger  *slog.Logger
}

type AnnouncerOption func(*Announcer)

// WithPicker overrides the phrase chooser; pick returns an index in [0, n).
func WithPicker(pick func(n int) int) AnnouncerOption {
	return func(a *Announcer) { a.pick = pick }
}

func WithTempDir(dir string) AnnouncerOption {
	return func(a *Announcer) { a.tempDir = dir }
}

func NewAnnouncer(synth Synthesizer, player Player, cfg config.TTSConfig, logger *slog.Logger, opts ...AnnouncerOption) *Announcer {
	phrases := append([]string{}, DefaultPhrases...)
	for _, p := range cfg.Phrases {
		if strings.TrimSpace(p) != "" {
			phrases = append(phrases, p)
		}
	}
	format := cfg.Format
	if format == "" {
		format = "mp3"
	}
	a := &Announcer{
		synth:   synth,
		player:  player,
		phrases: phrases,
		voice:   cfg.Voice,
		model:   cfg.Model,
		format:  format,
		timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
		pick:    rand.IntN,
		logger:  logger.With(slog.String("component", "tts")),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewAnnouncerFromConfig wires the synthesizer and player named by cfg. The
// http synthesizer uses apiKey.
func NewAnnouncerFromConfig(cfg config.TTSConfig, apiKey string, logger *slog.Logger) (*Announcer, error) {
	var (
		synth Synthesizer
		err   error
	)
	switch cfg.Mode {
	case "http":
		synth = NewHTTPSynth(cfg.Endpoint, apiKey, nil)
	case "exec":
		synth, err = NewExecSynth(cfg.Command)
		if err != nil {
			return nil, err
		}
	case "mock":
		synth = NewMockSynth(16000)
		// The mock only renders wav.
		cfg.Format = "wav"
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
	player, err := NewCommandPlayer(cfg.PlayerCommand)
	if err != nil {
		return nil, err
	}
	return NewAnnouncer(synth, player, cfg, logger), nil
}

// Phrases returns a copy of the phrase set.
func (a *Announcer) Phrases() []string {
	return append([]string{}, a.phrases...)
}

// Announce synthesizes one phrase, plays it and removes the temporary clip.
func (a *Announcer) Announce(ctx context.Context) {
	if len(a.phrases) == 0 {
		return
	}
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	phrase := a.phrases[a.pick(len(a.phrases))]
	logger := a.logger.With(slog.String("phrase", phrase))

	clip, err := a.synth.Synthesize(ctx, SynthRequest{Text: phrase, Voice: a.voice, Model: a.model, Format: a.format})
	if err != nil {
		logger.Warn("confirmation synthesis failed", slogError(err))
		return
	}

	file, err := os.CreateTemp(a.tempDir, "confirmation_*."+a.format)
	if err != nil {
		logger.Warn("confirmation temp file failed", slogError(err))
		return
	}
	path := file.Name()
	defer func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn("failed to remove confirmation clip", slogError(err))
		}
	}()

	_, writeErr := file.Write(clip)
	closeErr := file.Close()
	if writeErr != nil || closeErr != nil {
		logger.Warn("confirmation write failed", slog.Any("write_error", writeErr), slog.Any("close_error", closeErr))
		return
	}

	if err := a.player.Play(ctx, path); err != nil {
		logger.Warn("confirmation playback failed", slogError(err))
		return
	}
	logger.Debug("confirmation played")
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
