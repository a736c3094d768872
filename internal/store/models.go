package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no conversation is stored under a key.
var ErrNotFound = errors.New("conversation not found")

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleSystem is only sent on the wire for helper prompts; it is never persisted.
	RoleSystem Role = "system"
)

// Valid reports whether r can appear in a persisted conversation.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

func UserMessage(content string) Message      { return Message{Role: RoleUser, Content: content} }
func AssistantMessage(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// Conversation is the persisted record. The JSON field names are the on-disk
// record shape and must not change.
type Conversation struct {
	DisplayName string    `json:"nome_mensagem"`
	StorageKey  string    `json:"nome_arquivo"`
	Messages    []Message `json:"mensagem"`
}

// ConversationMeta is what listings return alongside the key.
type ConversationMeta struct {
	StorageKey   string    `json:"storage_key"`
	DisplayName  string    `json:"display_name"`
	MessageCount int       `json:"message_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DataChunk is one row of the persisted index snapshot.
type DataChunk struct {
	ID         int64     `json:"id"`
	ChunkID    int       `json:"chunk_id"`
	DocumentID string    `json:"document_id"`
	SourceName string    `json:"source_name"`
	Page       int       `json:"page"`
	Content    string    `json:"content"`
	Embedding  []float32 `json:"-"`
}

// ConversationStore persists named conversations and the API credential.
// Writes are last-writer-wins; there is no locking across processes.
type ConversationStore interface {
	Save(messages []Message) (bool, error)
	SaveConversation(messages []Message) (*Conversation, error)
	LoadByKey(key string) ([]Message, error)
	ListConversations() ([]string, error)
	ListConversationMeta() ([]ConversationMeta, error)
	DisplayName(key string) (string, error)
	Delete(key string) error
	SaveCredential(value string) error
	LoadCredential() (string, error)
}
