package core

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/ati-tutor/tutor-chat/internal/store"
)

// FragmentSink receives reply text as it arrives. Returning an error aborts
// the turn.
type FragmentSink func(fragment string) error

type TurnState int

const (
	StateIdle TurnState = iota
	StatePending
	StateStreaming
	StateCommitted
	StateFailed
)

func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateStreaming:
		return "streaming"
	case StateCommitted:
		return "committed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("TurnState(%d)", int(s))
	}
}

// ChatContext is the state of one chat session. It is owned by a single
// caller; one turn runs at a time.
type ChatContext struct {
	APIKey      string
	Model       string
	Temperature float64
	Stream      bool
	Messages    []store.Message
	// StorageKey is the key of the last save, empty for a new conversation.
	StorageKey string
}

type TurnResult struct {
	ID         string    `json:"id"`
	State      TurnState `json:"-"`
	Reply      string    `json:"reply"`
	StorageKey string    `json:"storage_key"`
	Fragments  int       `json:"fragments"`
}

// TurnError reports a failed turn. State is the last state reached before
// the failure and Partial the reply text received up to then.
type TurnError struct {
	State   TurnState
	Partial string
	Err     error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn failed while %s: %v", e.State, e.Err)
}

func (e *TurnError) Unwrap() error {
	return e.Err
}

type ChatService struct {
	store store.ConversationStore
	llm   ChatModel
}

func NewChatService(st store.ConversationStore, llm ChatModel) *ChatService {
	return &ChatService{store: st, llm: llm}
}

func (s *ChatService) NewContext(apiKey, model string, temperature float64, stream bool) *ChatContext {
	return &ChatContext{APIKey: apiKey, Model: model, Temperature: temperature, Stream: stream}
}

// SelectConversation loads the conversation stored under key into cc. An
// empty key starts a new conversation.
func (s *ChatService) SelectConversation(cc *ChatContext, key string) error {
	if key == "" {
		cc.Messages = nil
		cc.StorageKey = ""
		return nil
	}
	msgs, err := s.store.LoadByKey(key)
	if err != nil {
		return err
	}
	cc.Messages = msgs
	cc.StorageKey = key
	return nil
}

func (s *ChatService) LoadConversation(key string) ([]store.Message, error) {
	return s.store.LoadByKey(key)
}

func (s *ChatService) ListConversations() ([]store.ConversationMeta, error) {
	return s.store.ListConversationMeta()
}

func (s *ChatService) DeleteConversation(key string) error {
	return s.store.Delete(key)
}

// SendMessage runs one turn: the user message is appended, the model reply
// is pushed to sink as it arrives, and the whole conversation is saved once
// the reply is complete. On failure nothing is saved and cc.Messages is left
// as it was before the call.
func (s *ChatService) SendMessage(ctx context.Context, cc *ChatContext, input string, sink FragmentSink) (*TurnResult, error) {
	if strings.TrimSpace(input) == "" {
		return nil, fmt.Errorf("%w: input is blank", ErrEmptyMessages)
	}

	turnID := uuid.NewString()
	prev := cc.Messages
	cc.Messages = append(cc.Messages, store.UserMessage(input))
	state := StatePending

	var reply strings.Builder
	fragments := 0
	fail := func(err error) (*TurnResult, error) {
		cc.Messages = prev
		log.Printf("Turn %s failed while %s: %v", turnID, state, err)
		return nil, &TurnError{State: state, Partial: reply.String(), Err: err}
	}

	req := CompletionRequest{
		Messages:    cc.Messages,
		APIKey:      cc.APIKey,
		Model:       cc.Model,
		Temperature: cc.Temperature,
	}

	if cc.Stream {
		stream, err := s.llm.Stream(ctx, req)
		if err != nil {
			return fail(err)
		}
		defer stream.Close()

		state = StateStreaming
		for stream.Next() {
			f := stream.Fragment()
			reply.WriteString(f)
			fragments++
			if sink != nil {
				if err := sink(f); err != nil {
					return fail(err)
				}
			}
		}
		if err := stream.Err(); err != nil {
			return fail(err)
		}
	} else {
		text, err := s.llm.Complete(ctx, req)
		if err != nil {
			return fail(err)
		}
		state = StateStreaming
		reply.WriteString(text)
		fragments = 1
		if sink != nil {
			if err := sink(text); err != nil {
				return fail(err)
			}
		}
	}

	cc.Messages = append(cc.Messages, store.AssistantMessage(reply.String()))
	conv, err := s.store.SaveConversation(cc.Messages)
	if err != nil {
		return fail(fmt.Errorf("saving conversation: %w", err))
	}
	cc.StorageKey = conv.StorageKey

	return &TurnResult{
		ID:         turnID,
		State:      StateCommitted,
		Reply:      reply.String(),
		StorageKey: conv.StorageKey,
		Fragments:  fragments,
	}, nil
}
