package audio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Synthesizer turns text into a raw 16-bit mono PCM stream.
type Synthesizer interface {
	Speak(ctx context.Context, text string) (io.ReadCloser, error)
}

// HTTPSynthesizer streams PCM from a speech vendor's synthesis endpoint.
type HTTPSynthesizer struct {
	endpoint string
	apiKey   string
	voice    string
	client   *http.Client
}

// NewHTTPSynthesizer creates a synthesizer for the given endpoint.
func NewHTTPSynthesizer(endpoint, apiKey, voice string) *HTTPSynthesizer {
	return &HTTPSynthesizer{
		endpoint: endpoint,
		apiKey:   apiKey,
		voice:    voice,
		client: &http.Client{
			// Connect/handshake bound; the body streams unbounded.
			Timeout: 0,
			Transport: &http.Transport{
				ResponseHeaderTimeout: 15 * time.Second,
			},
		},
	}
}

type speakRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

// Speak requests synthesis and returns the PCM body stream.
func (s *HTTPSynthesizer) Speak(ctx context.Context, text string) (io.ReadCloser, error) {
	body, err := json.Marshal(speakRequest{Text: text, Voice: s.voice})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("speech request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("speech endpoint returned %d", resp.StatusCode)
	}
	return resp.Body, nil
}
