package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ati-tutor/tutor-chat/internal/store"
)

// fakeModel answers with canned text and records every request.
type fakeModel struct {
	mu       sync.Mutex
	requests []CompletionRequest
	respond  func(req CompletionRequest) (string, error)
	// breakStream makes streams fail after their first fragment.
	breakStream bool
}

func replyWith(text string) *fakeModel {
	return &fakeModel{respond: func(CompletionRequest) (string, error) { return text, nil }}
}

func failWith(err error) *fakeModel {
	return &fakeModel{respond: func(CompletionRequest) (string, error) { return "", err }}
}

func (m *fakeModel) record(req CompletionRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := req
	cp.Messages = append([]store.Message(nil), req.Messages...)
	m.requests = append(m.requests, cp)
}

func (m *fakeModel) calls() []CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CompletionRequest(nil), m.requests...)
}

func (m *fakeModel) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	m.record(req)
	return m.respond(req)
}

func (m *fakeModel) Stream(ctx context.Context, req CompletionRequest) (*Stream, error) {
	m.record(req)
	text, err := m.respond(req)
	if err != nil {
		return nil, err
	}
	var sse strings.Builder
	for i, word := range strings.SplitAfter(text, " ") {
		if m.breakStream && i == 1 {
			break
		}
		fmt.Fprintf(&sse, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", word)
	}
	var body io.Reader = strings.NewReader(sse.String())
	if m.breakStream {
		body = io.MultiReader(body, errReader{})
	} else {
		body = io.MultiReader(body, strings.NewReader("data: [DONE]\n\n"))
	}
	return newStream(io.NopCloser(body)), nil
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("connection reset by peer") }

// keywordEmbedder maps text onto counts of a fixed vocabulary, so related
// texts point the same way and unrelated ones are orthogonal.
type keywordEmbedder struct {
	vocabulary []string
	err        error
	queries    []string
	builds     atomic.Int32
}

func newKeywordEmbedder() *keywordEmbedder {
	return &keywordEmbedder{vocabulary: []string{"fotossíntese", "luz", "clorofila", "mitocôndria", "energia", "célula"}}
}

func (e *keywordEmbedder) Model() string { return "keyword-test" }

func (e *keywordEmbedder) vector(text string) []float32 {
	text = strings.ToLower(text)
	vec := make([]float32, len(e.vocabulary))
	for i, w := range e.vocabulary {
		vec[i] = float32(strings.Count(text, w))
	}
	return vec
}

func (e *keywordEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	e.builds.Add(1)
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

func (e *keywordEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	e.queries = append(e.queries, text)
	return e.vector(text), nil
}
