package api

import (
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ati-tutor/tutor-chat/internal/auth"
	"github.com/ati-tutor/tutor-chat/internal/core"
	"github.com/ati-tutor/tutor-chat/internal/ingest"
	"github.com/ati-tutor/tutor-chat/internal/store"
	"github.com/ati-tutor/tutor-chat/internal/transcribe"
)

const (
	maxJSONBody   = 1 << 20
	maxUploadBody = 64 << 20
	maxAudioBody  = 25 << 20
)

type APIHandler struct {
	chatService  *core.ChatService
	tutorService *core.TutorService
	credentials  *auth.Credentials
	transcriber  *transcribe.Client
	documentsDir string
	chatModel    string
	temperature  float64
}

// Options carries the request defaults the handlers fall back to.
type Options struct {
	DocumentsDir string
	ChatModel    string
	Temperature  float64
}

func NewAPIHandler(cs *core.ChatService, ts *core.TutorService, creds *auth.Credentials, tr *transcribe.Client, opts Options) *APIHandler {
	return &APIHandler{
		chatService:  cs,
		tutorService: ts,
		credentials:  creds,
		transcriber:  tr,
		documentsDir: opts.DocumentsDir,
		chatModel:    opts.ChatModel,
		temperature:  opts.Temperature,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var te *core.TransportError
	var tre *transcribe.Error
	switch {
	case errors.Is(err, core.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, core.ErrRateLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrTutorNotInitialized):
		return http.StatusConflict
	case errors.Is(err, core.ErrEmptyMessages),
		errors.Is(err, core.ErrInvalidTemperature),
		errors.Is(err, core.ErrInvalidTemplate),
		errors.Is(err, ingest.ErrUnsupported),
		errors.Is(err, transcribe.ErrEmptyAudio):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrIndexBuild):
		return http.StatusUnprocessableEntity
	case errors.As(err, &te), errors.As(err, &tre):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func userMessage(err error) string {
	var tre *transcribe.Error
	switch {
	case errors.As(err, &tre):
		return "Erro ao transcrever o áudio: " + tre.Body
	case errors.Is(err, transcribe.ErrEmptyAudio):
		return "O arquivo de áudio está vazio."
	case errors.Is(err, ingest.ErrUnsupported):
		return "Tipo de arquivo não suportado. Envie arquivos " + strings.Join(ingest.NewMultiLoader().SupportedExtensions(), ", ") + "."
	default:
		return core.UserMessage(err)
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		log.Printf("Request failed: %v", err)
	}
	writeError(w, status, userMessage(err))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// Credential

type CredentialResponse struct {
	Configured bool   `json:"configured"`
	Masked     string `json:"masked,omitempty"`
}

func (h *APIHandler) GetCredentialHandler(w http.ResponseWriter, r *http.Request) {
	masked, ok, err := h.credentials.Masked()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CredentialResponse{Configured: ok, Masked: masked})
}

type PutCredentialRequest struct {
	APIKey string `json:"api_key"`
}

func (h *APIHandler) PutCredentialHandler(w http.ResponseWriter, r *http.Request) {
	var req PutCredentialRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.APIKey) == "" {
		writeError(w, http.StatusBadRequest, "api_key is required")
		return
	}
	if err := h.credentials.Set(req.APIKey); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CredentialResponse{Configured: true, Masked: auth.MaskKey(strings.TrimSpace(req.APIKey))})
}

// Chat

type ChatRequest struct {
	StorageKey  string   `json:"storage_key,omitempty"`
	Message     string   `json:"message"`
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Stream      bool     `json:"stream"`
}

func (h *APIHandler) ChatHandler(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "Message content cannot be empty")
		return
	}
	key, err := h.credentials.Key()
	if err != nil {
		writeDomainError(w, err)
		return
	}

	model := req.Model
	if model == "" {
		model = h.chatModel
	}
	temperature := h.temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	cc := h.chatService.NewContext(key, model, temperature, req.Stream)
	if err := h.chatService.SelectConversation(cc, req.StorageKey); err != nil {
		writeDomainError(w, err)
		return
	}

	if !req.Stream {
		res, err := h.chatService.SendMessage(r.Context(), cc, req.Message, nil)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	sse := newSSEWriter(w)
	res, err := h.chatService.SendMessage(r.Context(), cc, req.Message, sse.fragment)
	if err != nil {
		if r.Context().Err() == nil {
			sse.fail(err)
		}
		return
	}
	sse.send("done", res)
}

// Conversations

func (h *APIHandler) ListConversationsHandler(w http.ResponseWriter, r *http.Request) {
	metas, err := h.chatService.ListConversations()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if metas == nil {
		metas = []store.ConversationMeta{}
	}
	writeJSON(w, http.StatusOK, metas)
}

type ConversationResponse struct {
	StorageKey string          `json:"storage_key"`
	Messages   []store.Message `json:"messages"`
}

func (h *APIHandler) GetConversationHandler(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	msgs, err := h.chatService.LoadConversation(key)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ConversationResponse{StorageKey: key, Messages: msgs})
}

func (h *APIHandler) DeleteConversationHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.chatService.DeleteConversation(chi.URLParam(r, "key")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Documents

type DocumentsResponse struct {
	Files     []ingest.FileInfo `json:"files"`
	Supported []string          `json:"supported_extensions"`
}

func (h *APIHandler) ListDocumentsHandler(w http.ResponseWriter, r *http.Request) {
	files, err := ingest.ListDirectory(h.documentsDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		writeDomainError(w, err)
		return
	}
	if files == nil {
		files = []ingest.FileInfo{}
	}
	writeJSON(w, http.StatusOK, DocumentsResponse{Files: files, Supported: ingest.NewMultiLoader().SupportedExtensions()})
}

type UploadResponse struct {
	Saved []string `json:"saved"`
}

// UploadDocumentsHandler stores every multipart "files" part in the
// documents folder. The tutor is marked stale until it is re-initialized.
func (h *APIHandler) UploadDocumentsHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Expected a multipart upload: "+err.Error())
		return
	}

	saved := []string{}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid upload: "+err.Error())
			return
		}
		if part.FormName() != "files" || part.FileName() == "" {
			part.Close()
			continue
		}
		name, err := ingest.SaveUpload(h.documentsDir, part.FileName(), part)
		part.Close()
		if err != nil {
			writeDomainError(w, err)
			return
		}
		saved = append(saved, name)
	}
	if len(saved) == 0 {
		writeError(w, http.StatusBadRequest, "No files in upload")
		return
	}
	log.Printf("Uploaded %d document(s) to %s", len(saved), h.documentsDir)
	h.tutorService.MarkStale()
	writeJSON(w, http.StatusCreated, UploadResponse{Saved: saved})
}

// Tutor

func (h *APIHandler) InitTutorHandler(w http.ResponseWriter, r *http.Request) {
	status, err := h.tutorService.Initialize(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *APIHandler) TutorStatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.tutorService.Status())
}

type SourceView struct {
	SourceName string  `json:"source_name"`
	Page       int     `json:"page,omitempty"`
	ChunkID    int     `json:"chunk_id"`
	Similarity float32 `json:"similarity"`
	Content    string  `json:"content"`
}

func sourceViews(chunks []core.ScoredChunk) []SourceView {
	out := make([]SourceView, len(chunks))
	for i, c := range chunks {
		out[i] = SourceView{
			SourceName: c.Chunk.SourceName,
			Page:       c.Chunk.Page,
			ChunkID:    c.Chunk.ChunkID,
			Similarity: c.Similarity,
			Content:    c.Chunk.Content,
		}
	}
	return out
}

type AskRequest struct {
	Question string `json:"question"`
	Stream   bool   `json:"stream"`
}

type AskResponse struct {
	*core.Answer
	Sources []SourceView `json:"sources"`
}

func (h *APIHandler) AskTutorHandler(w http.ResponseWriter, r *http.Request) {
	var req AskRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "Question cannot be empty")
		return
	}

	if !req.Stream {
		ans, err := h.tutorService.Ask(r.Context(), req.Question)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, AskResponse{Answer: ans, Sources: sourceViews(ans.Sources)})
		return
	}

	// Errors found before the first fragment still get a proper status.
	if !h.tutorService.Status().Initialized {
		writeDomainError(w, core.ErrTutorNotInitialized)
		return
	}
	sse := newSSEWriter(w)
	ans, err := h.tutorService.AskStream(r.Context(), req.Question, sse.fragment)
	if err != nil {
		if r.Context().Err() == nil {
			sse.fail(err)
		}
		return
	}
	sse.send("done", AskResponse{Answer: ans, Sources: sourceViews(ans.Sources)})
}

type DebugResponse struct {
	Prompt  string          `json:"prompt"`
	Sources []SourceView    `json:"sources"`
	History []store.Message `json:"history"`
}

func (h *APIHandler) TutorDebugHandler(w http.ResponseWriter, r *http.Request) {
	info, err := h.tutorService.Debug()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	history := info.History
	if history == nil {
		history = []store.Message{}
	}
	writeJSON(w, http.StatusOK, DebugResponse{Prompt: info.Prompt, Sources: sourceViews(info.Sources), History: history})
}

func (h *APIHandler) GetTutorSettingsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.tutorService.Settings())
}

func (h *APIHandler) PutTutorSettingsHandler(w http.ResponseWriter, r *http.Request) {
	settings := h.tutorService.Settings()
	if !decodeJSON(w, r, &settings) {
		return
	}
	if err := h.tutorService.UpdateSettings(settings); err != nil {
		if errors.Is(err, core.ErrInvalidTemplate) {
			writeDomainError(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.tutorService.Settings())
}

// Transcription

type TranscribeResponse struct {
	Text string `json:"text"`
}

func (h *APIHandler) TranscribeHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAudioBody)
	if err := r.ParseMultipartForm(maxAudioBody); err != nil {
		writeError(w, http.StatusBadRequest, "Expected a multipart form with an audio file: "+err.Error())
		return
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Missing audio file")
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Could not read audio file")
		return
	}

	key, err := h.credentials.Key()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	text, err := h.transcriber.Transcribe(r.Context(), key, transcribe.Audio{
		Name:   hdr.Filename,
		Data:   data,
		Prompt: r.FormValue("prompt"),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TranscribeResponse{Text: text})
}
