package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// Service renders reply text to audio via an OpenAI-compatible /audio/speech
// endpoint. Speech is best-effort: callers that get an error should degrade to
// a response without audio rather than fail the whole reply.
type Service struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	voice      string
}

// NewService creates a new speech rendering service
func NewService(baseURL, apiKey, model, voice string) *Service {
	return &Service{
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		voice:   voice,
	}
}

type speechRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format"`
}

// Synthesize converts text to speech and returns base64-encoded audio bytes.
func (s *Service) Synthesize(ctx context.Context, text string) (string, error) {
	if text == "" {
		return "", nil
	}

	payload, err := json.Marshal(speechRequest{
		Model:          s.model,
		Input:          text,
		Voice:          s.voice,
		ResponseFormat: "mp3",
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal speech request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/audio/speech", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build speech request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("speech request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
		return "", fmt.Errorf("speech request returned %d: %s", resp.StatusCode, string(body))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read audio: %w", err)
	}

	log.Printf("🔊 [SPEECH] Rendered %d chars of text to %d audio bytes", len(text), len(audio))

	return base64.StdEncoding.EncodeToString(audio), nil
}
