package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

type options struct {
	credentialFallback string
	now                func() time.Time
}

type Option func(*options)

// WithCredentialFallback sets the value LoadCredential returns when the
// credential slot is empty (normally the OPENAI_API_KEY environment value).
func WithCredentialFallback(value string) Option {
	return func(o *options) { o.credentialFallback = value }
}

// WithClock overrides the time source used for last-modified stamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type SQLiteStore struct {
	db    *sql.DB
	opts  options
	names *nameCache

	// stamps are unix nanoseconds and strictly increasing per store so that
	// listing order follows write order even within one clock tick.
	stampMu   sync.Mutex
	lastStamp int64
}

var _ ConversationStore = (*SQLiteStore)(nil)

func NewSQLiteStore(dataSourceName string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers inside this process.
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db, opts: buildOptions(opts), names: newNameCache()}
	if err = store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err = db.QueryRow("SELECT COALESCE(MAX(updated_at), 0) FROM conversations").Scan(&store.lastStamp); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read last modification stamp: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS conversations (
        storage_key TEXT PRIMARY KEY,
        display_name TEXT NOT NULL,
        record_json TEXT NOT NULL,
        message_count INTEGER NOT NULL,
        updated_at INTEGER NOT NULL -- unix nanoseconds
    );

    CREATE INDEX IF NOT EXISTS idx_conversations_updated_at ON conversations (updated_at);

    CREATE TABLE IF NOT EXISTS credential (
        id INTEGER PRIMARY KEY CHECK (id = 1),
        value TEXT NOT NULL
    );

    CREATE TABLE IF NOT EXISTS data_chunks (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        chunk_id INTEGER NOT NULL,
        document_id TEXT NOT NULL,
        source_name TEXT NOT NULL,
        page INTEGER NOT NULL DEFAULT 0,
        content TEXT NOT NULL,
        embedding_json TEXT -- Storing as JSON string of []float32
    );

    CREATE TABLE IF NOT EXISTS index_meta (
        id INTEGER PRIMARY KEY CHECK (id = 1),
        embedding_model TEXT NOT NULL,
        built_at DATETIME NOT NULL
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) nextStamp() int64 {
	s.stampMu.Lock()
	defer s.stampMu.Unlock()
	now := s.opts.now().UnixNano()
	if now <= s.lastStamp {
		now = s.lastStamp + 1
	}
	s.lastStamp = now
	return now
}

// Conversation methods

// Save persists messages as one record keyed by the normalized display name.
// It reports false without writing anything when messages is empty.
func (s *SQLiteStore) Save(messages []Message) (bool, error) {
	conv, err := s.SaveConversation(messages)
	if err != nil {
		return false, err
	}
	return conv != nil, nil
}

// SaveConversation is Save returning the written record, or nil for an empty list.
func (s *SQLiteStore) SaveConversation(messages []Message) (*Conversation, error) {
	conv := NewConversation(messages)
	if conv == nil {
		return nil, nil
	}
	recordJSON, err := json.Marshal(conv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal conversation: %w", err)
	}

	stmt, err := s.db.Prepare(`
        INSERT INTO conversations (storage_key, display_name, record_json, message_count, updated_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT (storage_key) DO UPDATE SET
            display_name = excluded.display_name,
            record_json = excluded.record_json,
            message_count = excluded.message_count,
            updated_at = excluded.updated_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare conversation upsert: %w", err)
	}
	defer stmt.Close()

	if _, err = stmt.Exec(conv.StorageKey, conv.DisplayName, string(recordJSON), len(conv.Messages), s.nextStamp()); err != nil {
		return nil, fmt.Errorf("failed to execute conversation upsert: %w", err)
	}
	s.names.put(conv.StorageKey, conv.DisplayName)
	return conv, nil
}

func (s *SQLiteStore) loadRecord(key string) (*Conversation, error) {
	var recordJSON string
	err := s.db.QueryRow("SELECT record_json FROM conversations WHERE storage_key = ?", key).Scan(&recordJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}
	var conv Conversation
	if err := json.Unmarshal([]byte(recordJSON), &conv); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conversation %q: %w", key, err)
	}
	return &conv, nil
}

func (s *SQLiteStore) LoadByKey(key string) ([]Message, error) {
	conv, err := s.loadRecord(key)
	if err != nil {
		return nil, err
	}
	return conv.Messages, nil
}

// ListConversations returns stored keys, most recently modified first.
func (s *SQLiteStore) ListConversations() ([]string, error) {
	rows, err := s.db.Query("SELECT storage_key FROM conversations ORDER BY updated_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) ListConversationMeta() ([]ConversationMeta, error) {
	rows, err := s.db.Query("SELECT storage_key, display_name, message_count, updated_at FROM conversations ORDER BY updated_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	metas := []ConversationMeta{}
	for rows.Next() {
		var meta ConversationMeta
		var stamp int64
		if err := rows.Scan(&meta.StorageKey, &meta.DisplayName, &meta.MessageCount, &stamp); err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		meta.UpdatedAt = time.Unix(0, stamp)
		metas = append(metas, meta)
	}
	return metas, rows.Err()
}

// DisplayName resolves a key to its display name, reading the store only on
// a cache miss.
func (s *SQLiteStore) DisplayName(key string) (string, error) {
	if name, ok := s.names.get(key); ok {
		return name, nil
	}
	var name string
	err := s.db.QueryRow("SELECT display_name FROM conversations WHERE storage_key = ?", key).Scan(&name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: %q", ErrNotFound, key)
		}
		return "", fmt.Errorf("failed to query display name: %w", err)
	}
	s.names.put(key, name)
	return name, nil
}

// ResetNameCache drops every cached display name.
func (s *SQLiteStore) ResetNameCache() {
	s.names.reset()
}

func (s *SQLiteStore) Delete(key string) error {
	res, err := s.db.Exec("DELETE FROM conversations WHERE storage_key = ?", key)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	s.names.forget(key)
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	return nil
}

// Credential methods

func (s *SQLiteStore) SaveCredential(value string) error {
	_, err := s.db.Exec(`
        INSERT INTO credential (id, value) VALUES (1, ?)
        ON CONFLICT (id) DO UPDATE SET value = excluded.value`, value)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// LoadCredential reads the credential slot, falling back to the configured
// default and then to "".
func (s *SQLiteStore) LoadCredential() (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM credential WHERE id = 1").Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s.opts.credentialFallback, nil
		}
		return "", fmt.Errorf("failed to load credential: %w", err)
	}
	return value, nil
}

// DataChunk methods (index snapshot)

// ReplaceDataChunks swaps the whole snapshot for chunks in one transaction.
func (s *SQLiteStore) ReplaceDataChunks(embeddingModel string, chunks []DataChunk) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM data_chunks"); err != nil {
		return fmt.Errorf("failed to delete data_chunks: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM sqlite_sequence WHERE name='data_chunks'"); err != nil && !strings.Contains(err.Error(), "no such table") {
		log.Printf("Warning: could not reset sequence for data_chunks: %v", err)
	}

	stmt, err := tx.Prepare("INSERT INTO data_chunks (chunk_id, document_id, source_name, page, content, embedding_json) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare data_chunk insert: %w", err)
	}
	defer stmt.Close()

	for i := range chunks {
		embeddingBytes, err := json.Marshal(chunks[i].Embedding)
		if err != nil {
			return fmt.Errorf("failed to marshal embedding for chunk %d: %w", chunks[i].ChunkID, err)
		}
		res, err := stmt.Exec(chunks[i].ChunkID, chunks[i].DocumentID, chunks[i].SourceName, chunks[i].Page, chunks[i].Content, string(embeddingBytes))
		if err != nil {
			return fmt.Errorf("failed to execute data_chunk insert: %w", err)
		}
		chunks[i].ID, _ = res.LastInsertId()
	}

	if _, err := tx.Exec(`
        INSERT INTO index_meta (id, embedding_model, built_at) VALUES (1, ?, ?)
        ON CONFLICT (id) DO UPDATE SET embedding_model = excluded.embedding_model, built_at = excluded.built_at`,
		embeddingModel, s.opts.now()); err != nil {
		return fmt.Errorf("failed to record index metadata: %w", err)
	}
	return tx.Commit()
}

// LoadDataChunks returns the snapshot in chunk order together with the
// embedding model that produced it. An empty model means no snapshot exists.
func (s *SQLiteStore) LoadDataChunks() (string, []DataChunk, error) {
	var model string
	err := s.db.QueryRow("SELECT embedding_model FROM index_meta WHERE id = 1").Scan(&model)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil, nil
		}
		return "", nil, fmt.Errorf("failed to query index metadata: %w", err)
	}

	rows, err := s.db.Query("SELECT id, chunk_id, document_id, source_name, page, content, embedding_json FROM data_chunks ORDER BY chunk_id ASC")
	if err != nil {
		return "", nil, fmt.Errorf("failed to query data_chunks: %w", err)
	}
	defer rows.Close()

	var chunks []DataChunk
	for rows.Next() {
		var chunk DataChunk
		var embeddingJSON sql.NullString
		if err := rows.Scan(&chunk.ID, &chunk.ChunkID, &chunk.DocumentID, &chunk.SourceName, &chunk.Page, &chunk.Content, &embeddingJSON); err != nil {
			return "", nil, fmt.Errorf("failed to scan data_chunk row: %w", err)
		}
		if embeddingJSON.Valid && embeddingJSON.String != "" {
			if err := json.Unmarshal([]byte(embeddingJSON.String), &chunk.Embedding); err != nil {
				log.Printf("Warning: failed to unmarshal embedding for chunk %d (content: %.50s...): %v. Embedding will be empty.", chunk.ChunkID, chunk.Content, err)
				chunk.Embedding = nil
			}
		} else {
			log.Printf("Warning: empty embedding_json for chunk %d. Embedding will be empty.", chunk.ChunkID)
		}
		chunks = append(chunks, chunk)
	}
	return model, chunks, rows.Err()
}
