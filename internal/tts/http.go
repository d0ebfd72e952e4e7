package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const DefaultEndpoint = "https://api.fish.audio/v1/tts"

type httpSynth struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

type httpRequest struct {
	Text        string `json:"text"`
	ReferenceID string `json:"reference_id,omitempty"`
	Format      string `json:"format,omitempty"`
}

// NewHTTPSynth talks to a fish.audio style text-to-speech endpoint.
func NewHTTPSynth(endpoint, apiKey string, client *http.Client) Synthesizer {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &httpSynth{endpoint: endpoint, apiKey: apiKey, client: client}
}

func (s *httpSynth) Synthesize(ctx context.Context, req SynthRequest) ([]byte, error) {
	body, err := json.Marshal(httpRequest{Text: req.Text, ReferenceID: req.Voice, Format: req.Format})
	if err != nil {
		return nil, fmt.Errorf("marshal tts request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build tts request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	if req.Model != "" {
		httpReq.Header.Set("model", req.Model)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("tts request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read tts response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tts status %s: %s", resp.Status, bytes.TrimSpace(data))
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("tts response was empty")
	}
	return data, nil
}
