package core

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ati-tutor/tutor-chat/internal/store"
)

func TestPhotosynthesisTurnIsCommitted(t *testing.T) {
	st := store.NewMemoryStore()
	llm := replyWith("Plants turn light into food.")
	svc := NewChatService(st, llm)
	cc := svc.NewContext("sk-test", "gpt-4-turbo", 0, false)

	res, err := svc.SendMessage(context.Background(), cc, "Explain photosynthesis in 5 words", nil)
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, res.State)
	assert.Equal(t, "Plants turn light into food.", res.Reply)
	assert.Equal(t, "explainphotosynthesisin5wo", res.StorageKey)
	assert.NotEmpty(t, res.ID)

	want := []store.Message{
		store.UserMessage("Explain photosynthesis in 5 words"),
		store.AssistantMessage("Plants turn light into food."),
	}
	loaded, err := st.LoadByKey(res.StorageKey)
	require.NoError(t, err)
	assert.Equal(t, want, loaded)
	assert.Equal(t, want, cc.Messages)
	assert.Equal(t, res.StorageKey, cc.StorageKey)

	calls := llm.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, want[:1], calls[0].Messages)
}

func TestStreamedTurnPushesFragments(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewChatService(st, replyWith("Plants turn light into food."))
	cc := svc.NewContext("sk-test", "", 0, true)

	var fragments []string
	res, err := svc.SendMessage(context.Background(), cc, "Explain photosynthesis in 5 words", func(f string) error {
		fragments = append(fragments, f)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Plants ", "turn ", "light ", "into ", "food."}, fragments)
	assert.Equal(t, 5, res.Fragments)
	assert.Equal(t, "Plants turn light into food.", res.Reply)

	loaded, err := st.LoadByKey(res.StorageKey)
	require.NoError(t, err)
	assert.Len(t, loaded, 2)
}

func TestSecondTurnOverwritesSameKey(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewChatService(st, replyWith("ok"))
	cc := svc.NewContext("sk-test", "", 0, false)

	first, err := svc.SendMessage(context.Background(), cc, "Qual é a função da mitocôndria?", nil)
	require.NoError(t, err)
	second, err := svc.SendMessage(context.Background(), cc, "E do cloroplasto?", nil)
	require.NoError(t, err)
	assert.Equal(t, first.StorageKey, second.StorageKey)

	loaded, err := st.LoadByKey(second.StorageKey)
	require.NoError(t, err)
	assert.Len(t, loaded, 4)

	keys, err := st.ListConversations()
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestFailedRequestPersistsNothing(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewChatService(st, failWith(&TransportError{Status: 401, Err: ErrAuthentication}))
	cc := svc.NewContext("sk-bad", "", 0, true)
	cc.Messages = []store.Message{store.UserMessage("earlier"), store.AssistantMessage("reply")}

	_, err := svc.SendMessage(context.Background(), cc, "Explain photosynthesis", nil)
	require.ErrorIs(t, err, ErrAuthentication)
	var te *TurnError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StatePending, te.State)
	assert.Empty(t, te.Partial)

	assert.Len(t, cc.Messages, 2)
	keys, err := st.ListConversations()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestBrokenStreamPersistsNothing(t *testing.T) {
	st := store.NewMemoryStore()
	llm := replyWith("Plants turn light into food.")
	llm.breakStream = true
	svc := NewChatService(st, llm)
	cc := svc.NewContext("sk-test", "", 0, true)

	var shown []string
	_, err := svc.SendMessage(context.Background(), cc, "Explain photosynthesis", func(f string) error {
		shown = append(shown, f)
		return nil
	})
	var te *TurnError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StateStreaming, te.State)
	assert.Equal(t, "Plants ", te.Partial)
	assert.Equal(t, []string{"Plants "}, shown)

	assert.Empty(t, cc.Messages)
	keys, err := st.ListConversations()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestSinkErrorAbortsTurn(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewChatService(st, replyWith("a b c"))
	cc := svc.NewContext("sk-test", "", 0, true)
	gone := errors.New("client went away")

	_, err := svc.SendMessage(context.Background(), cc, "hello", func(string) error { return gone })
	require.ErrorIs(t, err, gone)
	assert.Empty(t, cc.Messages)
	keys, err := st.ListConversations()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestBlankInputIsRejected(t *testing.T) {
	svc := NewChatService(store.NewMemoryStore(), replyWith("x"))
	cc := svc.NewContext("sk-test", "", 0, false)
	_, err := svc.SendMessage(context.Background(), cc, "   ", nil)
	assert.ErrorIs(t, err, ErrEmptyMessages)
	assert.Empty(t, cc.Messages)
}

func TestSelectConversation(t *testing.T) {
	st := store.NewMemoryStore()
	_, err := st.Save([]store.Message{store.UserMessage("alpha"), store.AssistantMessage("beta")})
	require.NoError(t, err)
	svc := NewChatService(st, replyWith("x"))
	cc := svc.NewContext("sk-test", "", 0, false)

	require.NoError(t, svc.SelectConversation(cc, "alpha"))
	assert.Len(t, cc.Messages, 2)
	assert.Equal(t, "alpha", cc.StorageKey)

	assert.ErrorIs(t, svc.SelectConversation(cc, "missing"), store.ErrNotFound)

	require.NoError(t, svc.SelectConversation(cc, ""))
	assert.Empty(t, cc.Messages)
	assert.Empty(t, cc.StorageKey)
}
