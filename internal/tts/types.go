package tts

import "context"

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	Text   string
	Voice  string
	Model  string
	Format string
}

// Synthesizer turns text into an encoded audio clip in req.Format.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) ([]byte, error)
}

// Player plays an audio file to completion.
type Player interface {
	Play(ctx context.Context, path string) error
}
