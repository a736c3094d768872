// Package transcribe turns recorded questions into text with an
// OpenAI-compatible speech-to-text endpoint.
package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ati-tutor/tutor-chat/internal/config"
)

const (
	DefaultModel    = openai.Whisper1
	DefaultLanguage = "pt"
)

// ErrEmptyAudio is returned for a recording with no bytes.
var ErrEmptyAudio = errors.New("empty audio")

// Audio is one recording. Name only needs a meaningful extension.
type Audio struct {
	Name   string
	Data   []byte
	Prompt string
}

// Error is a non-200 answer from the transcription endpoint. Body is the
// response body exactly as the endpoint sent it.
type Error struct {
	Status int
	Body   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("transcription failed with status %d: %s", e.Status, e.Body)
}

type Client struct {
	baseURL  string
	model    string
	language string
}

func NewClient(baseURL, model, language string) *Client {
	if model == "" {
		model = DefaultModel
	}
	if language == "" {
		language = DefaultLanguage
	}
	return &Client{baseURL: baseURL, model: model, language: language}
}

// Transcribe uploads the recording and returns the plain-text transcript.
func (c *Client) Transcribe(ctx context.Context, apiKey string, audio Audio) (string, error) {
	if len(audio.Data) == 0 {
		return "", ErrEmptyAudio
	}
	name := filepath.Base(audio.Name)
	if name == "." || name == "/" || filepath.Ext(name) == "" {
		name = "audio.wav"
	}

	cfg := openai.DefaultConfig(apiKey)
	if c.baseURL != "" {
		cfg.BaseURL = c.baseURL
	}
	rec := &errorBodyRecorder{doer: http.DefaultClient}
	cfg.HTTPClient = rec
	client := openai.NewClientWithConfig(cfg)

	config.Debugf("Transcribing %s (%d bytes) with %s", name, len(audio.Data), c.model)
	resp, err := client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.model,
		FilePath: name,
		Reader:   bytes.NewReader(audio.Data),
		Prompt:   audio.Prompt,
		Language: c.language,
		Format:   openai.AudioResponseFormatText,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return "", &Error{Status: apiErr.HTTPStatusCode, Body: rec.bodyOr(apiErr.Message)}
		}
		var reqErr *openai.RequestError
		if errors.As(err, &reqErr) {
			return "", &Error{Status: reqErr.HTTPStatusCode, Body: rec.bodyOr(string(reqErr.Body))}
		}
		return "", fmt.Errorf("transcription request failed: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// errorBodyRecorder keeps a copy of a failed response body so errors carry
// it verbatim instead of the SDK's parsed message.
type errorBodyRecorder struct {
	doer openai.HTTPDoer
	body []byte
}

func (r *errorBodyRecorder) Do(req *http.Request) (*http.Response, error) {
	resp, err := r.doer.Do(req)
	if err != nil || resp.StatusCode < http.StatusBadRequest {
		return resp, err
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("reading error response: %w", err)
	}
	r.body = data
	resp.Body = io.NopCloser(bytes.NewReader(data))
	return resp, nil
}

func (r *errorBodyRecorder) bodyOr(fallback string) string {
	if len(r.body) > 0 {
		return string(r.body)
	}
	return fallback
}
