package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/ati-tutor/tutor-chat/internal/config"
	"github.com/ati-tutor/tutor-chat/internal/store"
)

const (
	defaultMaxRetries     = 5
	defaultRetryBaseDelay = 2 * time.Second
	maxErrorBody          = 64 << 10
)

// ChatModel is the part of the gateway the orchestrators depend on.
type ChatModel interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
	Stream(ctx context.Context, req CompletionRequest) (*Stream, error)
}

type CompletionRequest struct {
	Messages    []store.Message
	APIKey      string
	Model       string
	Temperature float64
}

// Completion is the result of StreamCompletion: Text for a plain request,
// Stream for a streamed one.
type Completion struct {
	Text   string
	Stream *Stream
}

// LLMService talks to an OpenAI-compatible chat-completions endpoint.
type LLMService struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

var _ ChatModel = (*LLMService)(nil)

type Option func(*LLMService)

func WithMaxRetries(n int) Option {
	return func(s *LLMService) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

func WithRetryBaseDelay(d time.Duration) Option {
	return func(s *LLMService) { s.baseDelay = d }
}

// WithSleeper replaces the backoff sleep, mainly for tests.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *LLMService) { s.sleep = fn }
}

func WithHTTPClient(c *http.Client) Option {
	return func(s *LLMService) { s.httpClient = c }
}

func NewLLMService(baseURL string, opts ...Option) *LLMService {
	if baseURL == "" {
		baseURL = config.DefaultOpenAIBaseURL
	}
	s := &LLMService{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{},
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultRetryBaseDelay,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Complete sends a non-streamed request and returns the reply text.
func (s *LLMService) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	c, err := s.StreamCompletion(ctx, req, false)
	if err != nil {
		return "", err
	}
	return c.Text, nil
}

// Stream sends a streamed request. The caller owns the returned Stream.
func (s *LLMService) Stream(ctx context.Context, req CompletionRequest) (*Stream, error) {
	c, err := s.StreamCompletion(ctx, req, true)
	if err != nil {
		return nil, err
	}
	return c.Stream, nil
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionBody struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// StreamCompletion sends one chat-completion request. Rate-limited responses
// are retried with exponential backoff; every other failure returns at once.
func (s *LLMService) StreamCompletion(ctx context.Context, req CompletionRequest, stream bool) (*Completion, error) {
	if len(req.Messages) == 0 {
		return nil, ErrEmptyMessages
	}
	if req.Temperature < 0 || req.Temperature > 2 {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidTemperature, req.Temperature)
	}
	if strings.TrimSpace(req.APIKey) == "" {
		return nil, fmt.Errorf("%w: no API key", ErrAuthentication)
	}
	model := req.Model
	if model == "" {
		model = config.DefaultChatModel
	}

	body := completionBody{
		Model:       model,
		Messages:    make([]wireMessage, len(req.Messages)),
		Temperature: req.Temperature,
		Stream:      stream,
	}
	for i, m := range req.Messages {
		body.Messages[i] = wireMessage{Role: string(m.Role), Content: m.Content}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode completion request: %w", err)
	}

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		resp, err := s.post(ctx, req.APIKey, payload, stream)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
			resp.Body.Close()
			delay := s.baseDelay << attempt
			log.Printf("Model service rate limited (attempt %d/%d), retrying in %s", attempt+1, s.maxRetries, delay)
			if err := s.sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, statusError(resp)
		}

		if stream {
			return &Completion{Stream: newStream(resp.Body)}, nil
		}
		defer resp.Body.Close()
		var decoded completionResponse
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &TransportError{Status: resp.StatusCode, Err: err}
		}
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, &TransportError{Status: resp.StatusCode, Body: truncate(string(raw)), Err: fmt.Errorf("decoding response: %w", err)}
		}
		if len(decoded.Choices) == 0 {
			return nil, &TransportError{Status: resp.StatusCode, Body: truncate(string(raw)), Err: errors.New("response has no choices")}
		}
		return &Completion{Text: decoded.Choices[0].Message.Content}, nil
	}

	return nil, fmt.Errorf("%w after %d attempts", ErrRateLimitExceeded, s.maxRetries)
}

func (s *LLMService) post(ctx context.Context, apiKey string, payload []byte, stream bool) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build completion request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &TransportError{Err: err}
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	te := &TransportError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		te.Err = ErrAuthentication
	}
	return te
}

func truncate(s string) string {
	const limit = 512
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
