package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/sessionlens/api/internal/apperr"
	"github.com/sessionlens/api/internal/config"
	"github.com/sessionlens/api/internal/model"
)

// Transcriber turns preprocessed audio into timestamped text.
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte) ([]model.TranscriptSegment, error)
}

// Diarizer turns preprocessed audio into anonymous speaker turns.
type Diarizer interface {
	Diarize(ctx context.Context, wav []byte) ([]model.SpeakerTurn, error)
}

// SpeechClient implements Transcriber and Diarizer against the speech
// microservices. Both accept a multipart "file" upload.
type SpeechClient struct {
	httpClient       *http.Client
	transcriptionURL string
	diarizationURL   string
	apiKey           string
}

type transcribeResponse struct {
	Segments []model.TranscriptSegment `json:"segments"`
	Language string                    `json:"language,omitempty"`
}

type diarizeResponse struct {
	Segments []model.SpeakerTurn `json:"segments"`
}

// NewSpeechClient creates a new speech services client
func NewSpeechClient(cfg *config.SpeechConfig) *SpeechClient {
	return &SpeechClient{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		transcriptionURL: strings.TrimRight(cfg.TranscriptionURL, "/"),
		diarizationURL:   strings.TrimRight(cfg.DiarizationURL, "/"),
		apiKey:           cfg.APIKey,
	}
}

// Transcribe sends audio to the transcription endpoint
func (c *SpeechClient) Transcribe(ctx context.Context, wav []byte) ([]model.TranscriptSegment, error) {
	const op = "transcribe"
	var out transcribeResponse
	if err := c.postAudio(ctx, op, c.transcriptionURL+"/transcribe", wav, &out); err != nil {
		return nil, err
	}
	if len(out.Segments) == 0 {
		return nil, apperr.Parsef(op, "transcription returned no segments")
	}
	return out.Segments, nil
}

// Diarize sends audio to the diarization endpoint
func (c *SpeechClient) Diarize(ctx context.Context, wav []byte) ([]model.SpeakerTurn, error) {
	const op = "diarize"
	var out diarizeResponse
	if err := c.postAudio(ctx, op, c.diarizationURL+"/diarize", wav, &out); err != nil {
		return nil, err
	}
	if len(out.Segments) == 0 {
		return nil, apperr.Parsef(op, "diarization returned no segments")
	}
	return out.Segments, nil
}

// postAudio uploads wav as a multipart form and decodes the JSON response
func (c *SpeechClient) postAudio(ctx context.Context, op, url string, wav []byte, result any) error {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	fw, err := w.CreateFormFile("file", "session.wav")
	if err != nil {
		return err
	}
	if _, err = fw.Write(wav); err != nil {
		return err
	}
	if err = w.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &b)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.FromTransport(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.FromTransport(op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return apperr.FromStatus(op, resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, result); err != nil {
		return apperr.Parsef(op, "decode response: %v", err)
	}
	return nil
}

// HealthCheck checks that both speech services answer
func (c *SpeechClient) HealthCheck(ctx context.Context) error {
	for _, base := range []string{c.transcriptionURL, c.diarizationURL} {
		if err := ping(ctx, c.httpClient, base+"/health"); err != nil {
			return err
		}
	}
	return nil
}

// IsConfigured returns true if the client has valid configuration
func (c *SpeechClient) IsConfigured() bool {
	return c.transcriptionURL != "" && c.diarizationURL != ""
}

func ping(ctx context.Context, hc *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s unhealthy: status %d", url, resp.StatusCode)
	}
	return nil
}
