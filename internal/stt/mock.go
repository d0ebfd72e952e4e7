package stt

import (
	"context"
	"os"
)

// MockBackend answers every recording with a fixed transcript.
type MockBackend struct {
	text string
}

func NewMockBackend(text string) *MockBackend {
	if text == "" {
		text = "open the calendar"
	}
	return &MockBackend{text: text}
}

func (m *MockBackend) Recognize(_ context.Context, path string, _ string) (map[string]any, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return map[string]any{"text": m.text, "bytes": info.Size()}, nil
}
