package core

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ati-tutor/tutor-chat/internal/config"
	"github.com/ati-tutor/tutor-chat/internal/ingest"
	"github.com/ati-tutor/tutor-chat/internal/store"
)

const defaultReindexDebounce = 2 * time.Second

type TutorStatus struct {
	Initialized    bool      `json:"initialized"`
	Stale          bool      `json:"stale"`
	Chunks         int       `json:"chunks"`
	EmbeddingModel string    `json:"embedding_model"`
	BuiltAt        time.Time `json:"built_at,omitzero"`
}

type DebugInfo struct {
	Prompt  string          `json:"prompt"`
	Sources []ScoredChunk   `json:"-"`
	History []store.Message `json:"history"`
}

// TutorService owns the current retrieval session for the documents folder.
// It is safe for concurrent use; questions are answered one at a time.
type TutorService struct {
	rag          *RAGService
	docsDir      string
	settingsPath string
	temperature  float64
	key          KeySource
	debounce     time.Duration

	initMu sync.Mutex // one build at a time
	askMu  sync.Mutex // one question at a time

	mu       sync.RWMutex
	settings config.TutorSettings
	session  *RetrievalSession
	stale    bool
	builtAt  time.Time
}

type TutorOption func(*TutorService)

// WithReindexDebounce sets how long the documents folder must stay quiet
// before FollowDocuments rebuilds the index.
func WithReindexDebounce(d time.Duration) TutorOption {
	return func(t *TutorService) {
		if d > 0 {
			t.debounce = d
		}
	}
}

func NewTutorService(rag *RAGService, docsDir, settingsPath string, settings config.TutorSettings, temperature float64, key KeySource, opts ...TutorOption) *TutorService {
	t := &TutorService{
		rag:          rag,
		docsDir:      docsDir,
		settingsPath: settingsPath,
		settings:     settings,
		temperature:  temperature,
		key:          key,
		debounce:     defaultReindexDebounce,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *TutorService) sessionOptions(s config.TutorSettings) SessionOptions {
	return SessionOptions{
		Model:              s.Model,
		Temperature:        t.temperature,
		Key:                t.key,
		CondenseQuestion:   s.CondenseQuestion,
		MaxHistoryMessages: s.MaxHistoryMessages,
		NoContextAnswer:    s.NoContextAnswer,
	}
}

func (t *TutorService) newSession(ix *VectorIndex, s config.TutorSettings) (*RetrievalSession, error) {
	return t.rag.MakeSession(ix, SearchConfigFrom(s), s.Prompt, t.sessionOptions(s))
}

// Restore opens a session over the persisted index snapshot, if one matches
// the current embedding model. It reports whether a session was opened.
func (t *TutorService) Restore() (bool, error) {
	ix, err := t.rag.RestoreIndex()
	if err != nil || ix == nil {
		return false, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	session, err := t.newSession(ix, t.settings)
	if err != nil {
		return false, err
	}
	t.session = session
	t.builtAt = time.Now()
	log.Printf("Tutor restored from snapshot with %d chunks.", ix.Len())
	return true, nil
}

// Initialize loads the documents folder, rebuilds the index and replaces the
// session. The previous session, with its memory, is discarded.
func (t *TutorService) Initialize(ctx context.Context) (TutorStatus, error) {
	t.initMu.Lock()
	defer t.initMu.Unlock()

	docs, err := ingest.LoadDirectory(ctx, t.docsDir)
	if err != nil {
		return t.Status(), fmt.Errorf("%w: %w", ErrIndexBuild, err)
	}
	ix, err := t.rag.BuildIndex(ctx, docs)
	if err != nil {
		return t.Status(), err
	}
	if err := t.rag.SaveSnapshot(ix); err != nil {
		log.Printf("Warning: %v", err)
	}

	t.mu.Lock()
	session, err := t.newSession(ix, t.settings)
	if err != nil {
		t.mu.Unlock()
		return t.Status(), err
	}
	t.session = session
	t.stale = false
	t.builtAt = time.Now()
	t.mu.Unlock()

	log.Printf("Tutor initialized from %s.", t.docsDir)
	return t.Status(), nil
}

func (t *TutorService) Status() TutorStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st := TutorStatus{Stale: t.stale, EmbeddingModel: t.rag.Embedder().Model()}
	if t.session != nil {
		st.Initialized = true
		st.Chunks = t.session.Index().Len()
		st.BuiltAt = t.builtAt
	}
	return st
}

func (t *TutorService) current() (*RetrievalSession, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.session == nil {
		return nil, ErrTutorNotInitialized
	}
	return t.session, nil
}

func (t *TutorService) Ask(ctx context.Context, question string) (*Answer, error) {
	t.askMu.Lock()
	defer t.askMu.Unlock()
	session, err := t.current()
	if err != nil {
		return nil, err
	}
	return session.Ask(ctx, question)
}

func (t *TutorService) AskStream(ctx context.Context, question string, sink FragmentSink) (*Answer, error) {
	t.askMu.Lock()
	defer t.askMu.Unlock()
	session, err := t.current()
	if err != nil {
		return nil, err
	}
	return session.AskStream(ctx, question, sink)
}

// Debug shows what the model would be sent next: the template filled with
// the last retrieved chunks and the current history.
func (t *TutorService) Debug() (DebugInfo, error) {
	t.askMu.Lock()
	defer t.askMu.Unlock()
	session, err := t.current()
	if err != nil {
		return DebugInfo{}, err
	}
	return DebugInfo{
		Prompt:  session.DebugPrompt(),
		Sources: session.LastSources(),
		History: session.History(),
	}, nil
}

func (t *TutorService) Settings() config.TutorSettings {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.settings
}

// UpdateSettings validates and persists s. An open session is replaced by one
// over the same index with the new settings and an empty memory.
func (t *TutorService) UpdateSettings(s config.TutorSettings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	t.askMu.Lock()
	defer t.askMu.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()

	var session *RetrievalSession
	if t.session != nil {
		var err error
		if session, err = t.newSession(t.session.Index(), s); err != nil {
			return err
		}
	}
	if t.settingsPath != "" {
		if err := config.SaveTutorSettings(t.settingsPath, s); err != nil {
			return fmt.Errorf("saving tutor settings: %w", err)
		}
	}
	t.settings = s
	if session != nil {
		t.session = session
	}
	return nil
}

func (t *TutorService) MarkStale() {
	t.mu.Lock()
	t.stale = true
	t.mu.Unlock()
}

func (t *TutorService) Stale() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stale
}

// FollowDocuments marks the tutor stale on every document change. With
// autoReindex it also re-initializes once the folder has been quiet for a
// moment. It returns when events closes or ctx is done.
func (t *TutorService) FollowDocuments(ctx context.Context, events <-chan ingest.FileEvent, autoReindex bool) {
	timer := time.NewTimer(t.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			log.Printf("Document %s: %s", ev.Operation, ev.Path)
			t.MarkStale()
			if autoReindex {
				timer.Reset(t.debounce)
			}
		case <-timer.C:
			if _, err := t.Initialize(ctx); err != nil {
				log.Printf("Automatic re-initialization failed: %v", err)
			}
		}
	}
}
