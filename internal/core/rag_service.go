package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/ati-tutor/tutor-chat/internal/config"
	"github.com/ati-tutor/tutor-chat/internal/ingest"
	"github.com/ati-tutor/tutor-chat/internal/store"
	"github.com/ati-tutor/tutor-chat/internal/utils"
)

type SearchConfig struct {
	Type           string // config.SearchMMR or config.SearchSimilarity
	K              int
	FetchK         int
	LambdaMult     float64
	ScoreThreshold float64 // 0 disables the threshold
}

func DefaultSearchConfig() SearchConfig {
	return SearchConfig{Type: config.SearchMMR, K: 5, FetchK: 20, LambdaMult: 0.5}
}

func SearchConfigFrom(s config.TutorSettings) SearchConfig {
	return SearchConfig{
		Type:           s.SearchType,
		K:              s.K,
		FetchK:         s.FetchK,
		LambdaMult:     s.LambdaMult,
		ScoreThreshold: s.ScoreThreshold,
	}
}

func (c SearchConfig) validate() error {
	if c.Type != config.SearchMMR && c.Type != config.SearchSimilarity {
		return fmt.Errorf("unknown search type %q", c.Type)
	}
	if c.K < 1 {
		return fmt.Errorf("k must be positive, got %d", c.K)
	}
	return nil
}

// SessionOptions control how a RetrievalSession talks to the model.
type SessionOptions struct {
	Model              string
	Temperature        float64
	Key                KeySource
	CondenseQuestion   bool
	MaxHistoryMessages int // 0 keeps the whole conversation
	NoContextAnswer    string
}

// SnapshotStore persists a built index so restarts can skip re-embedding.
type SnapshotStore interface {
	ReplaceDataChunks(embeddingModel string, chunks []store.DataChunk) error
	LoadDataChunks() (string, []store.DataChunk, error)
}

type RAGService struct {
	embedder  Embedder
	llm       ChatModel
	splitter  *ingest.Splitter
	snapshots SnapshotStore
}

// NewRAGService wires the pipeline. snapshots may be nil.
func NewRAGService(embedder Embedder, llm ChatModel, snapshots SnapshotStore) *RAGService {
	return &RAGService{
		embedder:  embedder,
		llm:       llm,
		splitter:  ingest.NewSplitter(),
		snapshots: snapshots,
	}
}

func (s *RAGService) Embedder() Embedder { return s.embedder }

// BuildIndex splits docs, embeds every chunk and indexes the result.
func (s *RAGService) BuildIndex(ctx context.Context, docs []ingest.Document) (*VectorIndex, error) {
	chunks := s.splitter.Split(docs)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: no text found in %d documents", ErrIndexBuild, len(docs))
	}
	log.Printf("Embedding %d chunks with %s...", len(chunks), s.embedder.Model())

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vecs, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIndexBuild, err)
	}
	if len(vecs) != len(chunks) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d chunks", ErrIndexBuild, len(vecs), len(chunks))
	}

	data := make([]store.DataChunk, len(chunks))
	for i, c := range chunks {
		if len(vecs[i]) == 0 || utils.IsZero(vecs[i]) {
			return nil, fmt.Errorf("%w: empty embedding for chunk %d of %s", ErrIndexBuild, c.ChunkID, c.SourceName)
		}
		data[i] = store.DataChunk{
			ChunkID:    c.ChunkID,
			DocumentID: c.DocumentID,
			SourceName: c.SourceName,
			Page:       c.Page,
			Content:    c.Text,
			Embedding:  vecs[i],
		}
	}

	ix, err := NewVectorIndex(s.embedder.Model(), data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIndexBuild, err)
	}
	log.Printf("Index built with %d chunks (dimension %d).", ix.Len(), ix.Dimension())
	return ix, nil
}

// SaveSnapshot replaces the persisted snapshot with ix.
func (s *RAGService) SaveSnapshot(ix *VectorIndex) error {
	if s.snapshots == nil {
		return nil
	}
	if err := s.snapshots.ReplaceDataChunks(ix.EmbeddingModel(), ix.Chunks()); err != nil {
		return fmt.Errorf("saving index snapshot: %w", err)
	}
	return nil
}

// RestoreIndex loads the persisted snapshot. It returns nil without error
// when there is none or it was built with another embedding model.
func (s *RAGService) RestoreIndex() (*VectorIndex, error) {
	if s.snapshots == nil {
		return nil, nil
	}
	model, chunks, err := s.snapshots.LoadDataChunks()
	if err != nil {
		return nil, fmt.Errorf("loading index snapshot: %w", err)
	}
	if len(chunks) == 0 {
		return nil, nil
	}
	if model != s.embedder.Model() {
		log.Printf("Warning: index snapshot was built with %q, current embedding model is %q. Re-initialize the tutor.", model, s.embedder.Model())
		return nil, nil
	}
	return NewVectorIndex(model, chunks)
}

func (s *RAGService) MakeSession(ix *VectorIndex, search SearchConfig, template string, opts SessionOptions) (*RetrievalSession, error) {
	if ix == nil {
		return nil, ErrTutorNotInitialized
	}
	if template == "" {
		template = DefaultPrompt
	}
	if err := ValidateTemplate(template); err != nil {
		return nil, err
	}
	if err := search.validate(); err != nil {
		return nil, err
	}
	if opts.Key == nil {
		opts.Key = StaticKey("")
	}
	if opts.NoContextAnswer == "" {
		opts.NoContextAnswer = config.DefaultNoContextAnswer
	}
	return &RetrievalSession{
		index:    ix,
		embedder: s.embedder,
		llm:      s.llm,
		search:   search,
		template: template,
		opts:     opts,
	}, nil
}

// Answer is the outcome of one retrieval turn.
type Answer struct {
	Text               string        `json:"answer"`
	Sources            []ScoredChunk `json:"-"`
	Prompt             string        `json:"-"`
	StandaloneQuestion string        `json:"standalone_question"`
	// Grounded is false when no chunk passed the score threshold and the
	// fixed no-context answer was returned.
	Grounded bool `json:"grounded"`
}

// RetrievalSession answers questions over one index while keeping the
// conversation so far. It is not safe for concurrent use.
type RetrievalSession struct {
	index    *VectorIndex
	embedder Embedder
	llm      ChatModel
	search   SearchConfig
	template string
	opts     SessionOptions

	memory      []store.Message
	lastSources []ScoredChunk
}

func (r *RetrievalSession) Index() *VectorIndex { return r.index }

// History returns a copy of the session memory.
func (r *RetrievalSession) History() []store.Message {
	out := make([]store.Message, len(r.memory))
	copy(out, r.memory)
	return out
}

func (r *RetrievalSession) LastSources() []ScoredChunk {
	return r.lastSources
}

// DebugPrompt renders the template with the last retrieved chunks, the
// current history and an empty question.
func (r *RetrievalSession) DebugPrompt() string {
	return RenderPrompt(r.template, FormatContext(r.lastSources), FormatHistory(r.window()), "")
}

func (r *RetrievalSession) window() []store.Message {
	if n := r.opts.MaxHistoryMessages; n > 0 && len(r.memory) > n {
		return r.memory[len(r.memory)-n:]
	}
	return r.memory
}

func (r *RetrievalSession) remember(question, answer string) {
	r.memory = append(r.memory, store.UserMessage(question), store.AssistantMessage(answer))
	if n := r.opts.MaxHistoryMessages; n > 0 && len(r.memory) > n {
		r.memory = append([]store.Message(nil), r.memory[len(r.memory)-n:]...)
	}
}

func (r *RetrievalSession) request(ctx context.Context, prompt string) (CompletionRequest, error) {
	key, err := r.opts.Key()
	if err != nil {
		return CompletionRequest{}, err
	}
	return CompletionRequest{
		Messages:    []store.Message{store.UserMessage(prompt)},
		APIKey:      key,
		Model:       r.opts.Model,
		Temperature: r.opts.Temperature,
	}, nil
}

func (r *RetrievalSession) condense(ctx context.Context, question string) (string, error) {
	if !r.opts.CondenseQuestion || len(r.memory) == 0 {
		return question, nil
	}
	req, err := r.request(ctx, RenderPrompt(CondensePrompt, "", FormatHistory(r.window()), question))
	if err != nil {
		return "", err
	}
	standalone, err := r.llm.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("condensing question: %w", err)
	}
	standalone = strings.TrimSpace(standalone)
	if standalone == "" {
		return question, nil
	}
	config.Debugf("Condensed %q into %q", question, standalone)
	return standalone, nil
}

// Retrieve returns the chunks for query under the session's search settings,
// before any score threshold.
func (r *RetrievalSession) Retrieve(ctx context.Context, query string) ([]ScoredChunk, error) {
	qvec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get query embedding: %w", err)
	}
	if r.search.Type == config.SearchSimilarity {
		return r.index.SimilaritySearch(qvec, r.search.K)
	}
	return r.index.MMRSearch(qvec, r.search.K, r.search.FetchK, r.search.LambdaMult)
}

// prepare runs everything up to the final model call. A nil prompt with a
// non-nil answer means no chunk passed the threshold.
func (r *RetrievalSession) prepare(ctx context.Context, question string) (*Answer, error) {
	if strings.TrimSpace(question) == "" {
		return nil, errors.New("question must not be empty")
	}
	standalone, err := r.condense(ctx, question)
	if err != nil {
		return nil, err
	}
	sources, err := r.Retrieve(ctx, standalone)
	if err != nil {
		return nil, err
	}

	if t := r.search.ScoreThreshold; t > 0 {
		kept := sources[:0:0]
		for _, s := range sources {
			if float64(s.Similarity) >= t {
				kept = append(kept, s)
			}
		}
		sources = kept
	}
	r.lastSources = sources

	if len(sources) == 0 && r.search.ScoreThreshold > 0 {
		log.Printf("No relevant chunks found for query (similarity threshold: %.2f)", r.search.ScoreThreshold)
		return &Answer{Text: r.opts.NoContextAnswer, StandaloneQuestion: standalone}, nil
	}
	log.Printf("Retrieved %d relevant chunks for query.", len(sources))

	return &Answer{
		Sources:            sources,
		Prompt:             RenderPrompt(r.template, FormatContext(sources), FormatHistory(r.window()), standalone),
		StandaloneQuestion: standalone,
		Grounded:           true,
	}, nil
}

// Ask answers question from the indexed documents and remembers the turn.
func (r *RetrievalSession) Ask(ctx context.Context, question string) (*Answer, error) {
	ans, err := r.prepare(ctx, question)
	if err != nil {
		return nil, err
	}
	if ans.Grounded {
		req, err := r.request(ctx, ans.Prompt)
		if err != nil {
			return nil, err
		}
		ans.Text, err = r.llm.Complete(ctx, req)
		if err != nil {
			return nil, err
		}
	}
	r.remember(question, ans.Text)
	return ans, nil
}

// AskStream is Ask with the final model call streamed into sink. The turn is
// remembered only when the stream completes.
func (r *RetrievalSession) AskStream(ctx context.Context, question string, sink FragmentSink) (*Answer, error) {
	ans, err := r.prepare(ctx, question)
	if err != nil {
		return nil, err
	}
	if !ans.Grounded {
		if sink != nil {
			if err := sink(ans.Text); err != nil {
				return nil, err
			}
		}
		r.remember(question, ans.Text)
		return ans, nil
	}

	req, err := r.request(ctx, ans.Prompt)
	if err != nil {
		return nil, err
	}
	stream, err := r.llm.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	for stream.Next() {
		if sink != nil {
			if err := sink(stream.Fragment()); err != nil {
				return nil, err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	ans.Text = stream.Text()
	r.remember(question, ans.Text)
	return ans, nil
}
