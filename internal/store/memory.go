package store

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps conversations in process memory. It follows the same
// contract as SQLiteStore, including the key collision behavior.
type MemoryStore struct {
	mu         sync.RWMutex
	opts       options
	records    map[string]memoryRecord
	credential *string
	names      *nameCache
	seq        int64
}

type memoryRecord struct {
	conv      Conversation
	updatedAt time.Time
	seq       int64
}

var _ ConversationStore = (*MemoryStore)(nil)

func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		opts:    buildOptions(opts),
		records: make(map[string]memoryRecord),
		names:   newNameCache(),
	}
}

func (s *MemoryStore) Save(messages []Message) (bool, error) {
	conv, err := s.SaveConversation(messages)
	return conv != nil, err
}

func (s *MemoryStore) SaveConversation(messages []Message) (*Conversation, error) {
	conv := NewConversation(messages)
	if conv == nil {
		return nil, nil
	}
	s.mu.Lock()
	s.seq++
	s.records[conv.StorageKey] = memoryRecord{conv: *conv, updatedAt: s.opts.now(), seq: s.seq}
	s.mu.Unlock()
	s.names.put(conv.StorageKey, conv.DisplayName)
	return conv, nil
}

func (s *MemoryStore) LoadByKey(key string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	out := make([]Message, len(rec.conv.Messages))
	copy(out, rec.conv.Messages)
	return out, nil
}

func (s *MemoryStore) sorted() []memoryRecord {
	recs := make([]memoryRecord, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq > recs[j].seq })
	return recs
}

func (s *MemoryStore) ListConversations() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.records))
	for _, rec := range s.sorted() {
		keys = append(keys, rec.conv.StorageKey)
	}
	return keys, nil
}

func (s *MemoryStore) ListConversationMeta() ([]ConversationMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	metas := make([]ConversationMeta, 0, len(s.records))
	for _, rec := range s.sorted() {
		metas = append(metas, ConversationMeta{
			StorageKey:   rec.conv.StorageKey,
			DisplayName:  rec.conv.DisplayName,
			MessageCount: len(rec.conv.Messages),
			UpdatedAt:    rec.updatedAt,
		})
	}
	return metas, nil
}

func (s *MemoryStore) DisplayName(key string) (string, error) {
	if name, ok := s.names.get(key); ok {
		return name, nil
	}
	s.mu.RLock()
	rec, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	s.names.put(key, rec.conv.DisplayName)
	return rec.conv.DisplayName, nil
}

func (s *MemoryStore) ResetNameCache() {
	s.names.reset()
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[key]; !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	delete(s.records, key)
	s.names.forget(key)
	return nil
}

func (s *MemoryStore) SaveCredential(value string) error {
	s.mu.Lock()
	s.credential = &value
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) LoadCredential() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.credential == nil {
		return s.opts.credentialFallback, nil
	}
	return *s.credential, nil
}
