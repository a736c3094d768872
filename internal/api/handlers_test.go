package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ati-tutor/tutor-chat/internal/auth"
	"github.com/ati-tutor/tutor-chat/internal/config"
	"github.com/ati-tutor/tutor-chat/internal/core"
	"github.com/ati-tutor/tutor-chat/internal/store"
	"github.com/ati-tutor/tutor-chat/internal/transcribe"
)

const reply = "Plants turn light into food."

// fakeUpstream answers chat completions and transcriptions like an
// OpenAI-compatible service.
func fakeUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer sk-rejected-key" {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"error":{"message":"Incorrect API key provided"}}`)
			return
		}
		switch r.URL.Path {
		case "/chat/completions":
			var body struct {
				Stream bool `json:"stream"`
			}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			if !body.Stream {
				w.Header().Set("Content-Type", "application/json")
				fmt.Fprintf(w, `{"choices":[{"message":{"content":%q}}]}`, reply)
				return
			}
			w.Header().Set("Content-Type", "text/event-stream")
			for _, word := range strings.SplitAfter(reply, " ") {
				fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", word)
			}
			io.WriteString(w, "data: [DONE]\n\n")
		case "/audio/transcriptions":
			w.Header().Set("Content-Type", "text/plain")
			io.WriteString(w, "Como funciona a fotossíntese?")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

type keywordEmbedder struct{}

var vocabulary = []string{"fotossíntese", "luz", "clorofila", "mitocôndria", "energia", "célula"}

func (keywordEmbedder) Model() string { return "keyword-test" }

func (keywordEmbedder) vector(text string) []float32 {
	text = strings.ToLower(text)
	vec := make([]float32, len(vocabulary))
	for i, w := range vocabulary {
		vec[i] = float32(strings.Count(text, w))
	}
	return vec
}

func (e keywordEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

func (e keywordEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return e.vector(text), nil
}

type testEnv struct {
	router http.Handler
	store  *store.MemoryStore
	docs   string
}

func newTestEnv(t *testing.T, apiKey string) *testEnv {
	t.Helper()
	upstream := fakeUpstream(t)
	dir := t.TempDir()
	docs := filepath.Join(dir, "arquivos")

	st := store.NewMemoryStore(store.WithCredentialFallback(apiKey))
	creds := auth.NewCredentials(st)
	llm := core.NewLLMService(upstream.URL)
	rag := core.NewRAGService(keywordEmbedder{}, llm, nil)
	tutor := core.NewTutorService(rag, docs, filepath.Join(dir, "tutor.yaml"), config.DefaultTutorSettings(), 0, creds.Key)
	h := NewAPIHandler(core.NewChatService(st, llm), tutor, creds, transcribe.NewClient(upstream.URL, "", ""), Options{
		DocumentsDir: docs,
		ChatModel:    config.DefaultChatModel,
	})
	return &testEnv{router: NewRouter(h), store: st, docs: docs}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestCredentialRoutes(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do(t, http.MethodGet, "/api/credential", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[CredentialResponse](t, rec).Configured)

	rec = env.do(t, http.MethodPost, "/api/chat", ChatRequest{Message: "oi"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/tutor/init", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "building the index embeds with the API key")

	rec = env.do(t, http.MethodPut, "/api/credential", PutCredentialRequest{APIKey: ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/credential", PutCredentialRequest{APIKey: "sk-abcdefghijklmnop12345"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sk-ab***12345", decode[CredentialResponse](t, rec).Masked)

	rec = env.do(t, http.MethodGet, "/api/credential", nil)
	resp := decode[CredentialResponse](t, rec)
	assert.True(t, resp.Configured)
	assert.Equal(t, "sk-ab***12345", resp.Masked)
	assert.NotContains(t, rec.Body.String(), "abcdefghijklmnop")
}

func TestChatAndConversations(t *testing.T) {
	env := newTestEnv(t, "sk-test")

	rec := env.do(t, http.MethodPost, "/api/chat", ChatRequest{Message: "Explain photosynthesis in 5 words"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[core.TurnResult](t, rec)
	assert.Equal(t, reply, res.Reply)
	assert.Equal(t, "explainphotosynthesisin5wo", res.StorageKey)

	rec = env.do(t, http.MethodPost, "/api/chat", ChatRequest{StorageKey: res.StorageKey, Message: "And in 3?"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/conversations", nil)
	metas := decode[[]store.ConversationMeta](t, rec)
	require.Len(t, metas, 1)
	assert.Equal(t, 4, metas[0].MessageCount)

	rec = env.do(t, http.MethodGet, "/api/conversations/"+res.StorageKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	conv := decode[ConversationResponse](t, rec)
	assert.Equal(t, store.UserMessage("Explain photosynthesis in 5 words"), conv.Messages[0])
	assert.Equal(t, store.AssistantMessage(reply), conv.Messages[3])

	rec = env.do(t, http.MethodDelete, "/api/conversations/"+res.StorageKey, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/conversations/"+res.StorageKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/chat", ChatRequest{StorageKey: "missing", Message: "oi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatStream(t *testing.T) {
	env := newTestEnv(t, "sk-test")

	rec := env.do(t, http.MethodPost, "/api/chat", ChatRequest{Message: "Explain photosynthesis in 5 words", Stream: true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, `data: {"fragment":"Plants "}`)
	assert.Contains(t, body, `data: {"fragment":"food."}`)
	assert.Contains(t, body, "event: done\n")
	assert.Contains(t, body, `"storage_key":"explainphotosynthesisin5wo"`)

	msgs, err := env.store.LoadByKey("explainphotosynthesisin5wo")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestChatRejectedKey(t *testing.T) {
	env := newTestEnv(t, "sk-rejected-key")

	rec := env.do(t, http.MethodPost, "/api/chat", ChatRequest{Message: "oi"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, decode[errorResponse](t, rec).Error, "chave")

	rec = env.do(t, http.MethodPost, "/api/chat", ChatRequest{Message: "oi", Stream: true})
	assert.Contains(t, rec.Body.String(), "event: error\n")

	keys, err := env.store.ListConversations()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestChatValidation(t *testing.T) {
	env := newTestEnv(t, "sk-test")
	rec := env.do(t, http.MethodPost, "/api/chat", ChatRequest{Message: "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	temp := 3.0
	rec = env.do(t, http.MethodPost, "/api/chat", ChatRequest{Message: "oi", Temperature: &temp})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func upload(t *testing.T, env *testEnv, files map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range files {
		fw, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		io.WriteString(fw, content)
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/api/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func TestTutorFlow(t *testing.T) {
	env := newTestEnv(t, "sk-test")

	rec := env.do(t, http.MethodPost, "/api/tutor/ask", AskRequest{Question: "luz?"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/tutor/init", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "no documents yet")

	rec = upload(t, env, map[string]string{
		"fotossintese.txt": "A fotossíntese usa luz e clorofila para produzir energia.",
		"celula.md":        "A mitocôndria produz energia para a célula.",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.ElementsMatch(t, []string{"fotossintese.txt", "celula.md"}, decode[UploadResponse](t, rec).Saved)

	rec = env.do(t, http.MethodGet, "/api/documents", nil)
	docs := decode[DocumentsResponse](t, rec)
	assert.Len(t, docs.Files, 2)
	assert.Contains(t, docs.Supported, ".pdf")

	rec = env.do(t, http.MethodPost, "/api/tutor/init", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	status := decode[core.TutorStatus](t, rec)
	assert.True(t, status.Initialized)
	assert.False(t, status.Stale)

	rec = env.do(t, http.MethodPost, "/api/tutor/ask", AskRequest{Question: "O que a clorofila faz?"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var ans struct {
		Answer  string       `json:"answer"`
		Sources []SourceView `json:"sources"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ans))
	assert.Equal(t, reply, ans.Answer)
	require.NotEmpty(t, ans.Sources)
	assert.Equal(t, "fotossintese.txt", ans.Sources[0].SourceName)

	rec = env.do(t, http.MethodPost, "/api/tutor/ask", AskRequest{Question: "E a célula?", Stream: true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "event: done\n")

	rec = env.do(t, http.MethodGet, "/api/tutor/debug", nil)
	debug := decode[DebugResponse](t, rec)
	assert.Len(t, debug.History, 4)
	assert.Contains(t, debug.Prompt, "Human: O que a clorofila faz?")

	rec = upload(t, env, map[string]string{"novo.txt": "luz"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/tutor/status", nil)
	assert.True(t, decode[core.TutorStatus](t, rec).Stale)
}

func TestUploadRejectsUnsupported(t *testing.T) {
	env := newTestEnv(t, "sk-test")
	rec := upload(t, env, map[string]string{"planilha.xlsx": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	_, err := os.Stat(filepath.Join(env.docs, "planilha.xlsx"))
	assert.True(t, os.IsNotExist(err))
}

func TestTutorSettingsRoutes(t *testing.T) {
	env := newTestEnv(t, "sk-test")

	rec := env.do(t, http.MethodGet, "/api/tutor/settings", nil)
	s := decode[config.TutorSettings](t, rec)
	assert.Equal(t, config.SearchMMR, s.SearchType)

	rec = env.do(t, http.MethodPut, "/api/tutor/settings", map[string]any{"search_type": "similarity", "k": 2})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	s = decode[config.TutorSettings](t, rec)
	assert.Equal(t, config.SearchSimilarity, s.SearchType)
	assert.Equal(t, 2, s.K)
	assert.Equal(t, 20, s.FetchK, "fields not sent keep their value")

	rec = env.do(t, http.MethodPut, "/api/tutor/settings", map[string]any{"prompt": "only {question}"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodPut, "/api/tutor/settings", map[string]any{"k": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func postAudio(t *testing.T, env *testEnv, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "pergunta.webm")
	require.NoError(t, err)
	fw.Write(data)
	require.NoError(t, mw.WriteField("prompt", "biologia"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/transcribe", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func TestTranscribe(t *testing.T) {
	env := newTestEnv(t, "sk-test")

	rec := postAudio(t, env, []byte("audio-bytes"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Como funciona a fotossíntese?", decode[TranscribeResponse](t, rec).Text)
}

func TestTranscribeEmptyAudio(t *testing.T) {
	env := newTestEnv(t, "sk-test")

	rec := postAudio(t, env, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "vazio")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrapped: %w", core.ErrAuthentication), http.StatusUnauthorized},
		{core.ErrRateLimitExceeded, http.StatusTooManyRequests},
		{&core.TransportError{Status: 500}, http.StatusBadGateway},
		{&core.TurnError{Err: store.ErrNotFound}, http.StatusNotFound},
		{core.ErrTutorNotInitialized, http.StatusConflict},
		{&transcribe.Error{Status: 400}, http.StatusBadGateway},
		{transcribe.ErrEmptyAudio, http.StatusBadRequest},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
