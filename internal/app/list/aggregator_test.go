package list

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agrichat/internal/app/chat"
	"agrichat/internal/domain/conversation"
)

type fakeStore struct {
	mu      sync.Mutex
	byID    map[string]conversation.Conversation
	listErr error
	deleted []string
	unread  int
	calls   map[conversation.Bucket]int
}

func newFakeStore(convs ...conversation.Conversation) *fakeStore {
	s := &fakeStore{
		byID:  make(map[string]conversation.Conversation),
		calls: make(map[conversation.Bucket]int),
	}
	for _, conv := range convs {
		s.byID[conv.ID] = conv
	}
	return s
}

func (s *fakeStore) ListConversations(_ context.Context, bucket conversation.Bucket) ([]conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	s.calls[bucket]++
	var out []conversation.Conversation
	for _, conv := range s.byID {
		if bucket == "" || conversation.BucketFor(conv.Status) == bucket {
			out = append(out, conv)
		}
	}
	return out, nil
}

func (s *fakeStore) DeleteConversation(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[conversationID]; !ok {
		return errors.New("not found")
	}
	delete(s.byID, conversationID)
	s.deleted = append(s.deleted, conversationID)
	return nil
}

func (s *fakeStore) UnreadCount(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread, nil
}

func conv(id string, status conversation.Status) conversation.Conversation {
	return conversation.Conversation{ID: id, FarmerID: "f-1", ExpertID: "e-1", Status: status}
}

func TestRefreshFillsBucketAndClearsStale(t *testing.T) {
	store := newFakeStore(
		conv("c-1", conversation.StatusPending),
		conv("c-2", conversation.StatusAnswered),
		conv("c-3", conversation.StatusCompleted),
		conv("c-4", conversation.StatusReopenRequested),
	)
	agg := NewAggregator(store, nil)

	require.True(t, agg.Stale(conversation.BucketPending), "fresh aggregator starts stale")

	items, err := agg.Refresh(context.Background(), conversation.BucketPending)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "c-1", items[0].ID)
	assert.False(t, agg.Stale(conversation.BucketPending))

	// Reopen requests surface alongside completed conversations.
	completed, err := agg.Refresh(context.Background(), conversation.BucketCompleted)
	require.NoError(t, err)
	assert.Len(t, completed, 2)
}

func TestConversationsReturnsCacheWithoutNetwork(t *testing.T) {
	store := newFakeStore(conv("c-1", conversation.StatusPending))
	agg := NewAggregator(store, nil)

	_, err := agg.Refresh(context.Background(), conversation.BucketPending)
	require.NoError(t, err)

	got := agg.Conversations(conversation.BucketPending)
	require.Len(t, got, 1)
	assert.Equal(t, 1, store.calls[conversation.BucketPending], "cache reads must not refetch")

	// The returned slice is a copy.
	got[0].ID = "mutated"
	assert.Equal(t, "c-1", agg.Conversations(conversation.BucketPending)[0].ID)
}

func TestRefreshError(t *testing.T) {
	store := newFakeStore()
	store.listErr = errors.New("server down")
	agg := NewAggregator(store, nil)

	_, err := agg.Refresh(context.Background(), conversation.BucketPending)
	require.Error(t, err)
	assert.True(t, agg.Stale(conversation.BucketPending), "failed refresh leaves the bucket stale")
}

func TestInvalidateMarksHoldingBucket(t *testing.T) {
	store := newFakeStore(
		conv("c-1", conversation.StatusPending),
		conv("c-2", conversation.StatusAnswered),
	)
	agg := NewAggregator(store, nil)
	_, err := agg.Refresh(context.Background(), conversation.BucketPending)
	require.NoError(t, err)
	_, err = agg.Refresh(context.Background(), conversation.BucketAnswered)
	require.NoError(t, err)

	agg.Invalidate("c-1")
	assert.True(t, agg.Stale(conversation.BucketPending))
	assert.False(t, agg.Stale(conversation.BucketAnswered))
}

func TestInvalidateUnknownMarksAll(t *testing.T) {
	store := newFakeStore(conv("c-1", conversation.StatusPending))
	agg := NewAggregator(store, nil)
	for _, b := range []conversation.Bucket{conversation.BucketPending, conversation.BucketAnswered, conversation.BucketCompleted} {
		_, err := agg.Refresh(context.Background(), b)
		require.NoError(t, err)
	}

	agg.Invalidate("c-unknown")
	for _, b := range []conversation.Bucket{conversation.BucketPending, conversation.BucketAnswered, conversation.BucketCompleted} {
		assert.True(t, agg.Stale(b))
	}
}

func TestHandleSessionEventInvalidates(t *testing.T) {
	store := newFakeStore(conv("c-1", conversation.StatusAnswered))
	agg := NewAggregator(store, nil)
	_, err := agg.Refresh(context.Background(), conversation.BucketAnswered)
	require.NoError(t, err)

	agg.HandleSessionEvent(chat.Event{Kind: chat.EventMessageReceived, ConversationID: "c-1"})
	assert.True(t, agg.Stale(conversation.BucketAnswered))

	_, err = agg.Refresh(context.Background(), conversation.BucketAnswered)
	require.NoError(t, err)
	agg.HandleSessionEvent(chat.Event{Kind: chat.EventLoaded, ConversationID: "c-1"})
	assert.False(t, agg.Stale(conversation.BucketAnswered), "loading a conversation changes nothing server-side")
}

func TestDeleteRemovesFromCache(t *testing.T) {
	store := newFakeStore(
		conv("c-1", conversation.StatusAnswered),
		conv("c-2", conversation.StatusAnswered),
	)
	agg := NewAggregator(store, nil)
	_, err := agg.Refresh(context.Background(), conversation.BucketAnswered)
	require.NoError(t, err)

	require.NoError(t, agg.Delete(context.Background(), "c-1"))
	assert.Equal(t, []string{"c-1"}, store.deleted)

	remaining := agg.Conversations(conversation.BucketAnswered)
	require.Len(t, remaining, 1)
	assert.Equal(t, "c-2", remaining[0].ID)
}

func TestDeleteErrorKeepsCache(t *testing.T) {
	store := newFakeStore(conv("c-1", conversation.StatusAnswered))
	agg := NewAggregator(store, nil)
	_, err := agg.Refresh(context.Background(), conversation.BucketAnswered)
	require.NoError(t, err)

	require.Error(t, agg.Delete(context.Background(), "c-missing"))
	assert.Len(t, agg.Conversations(conversation.BucketAnswered), 1)
}

func TestUnreadTotal(t *testing.T) {
	store := newFakeStore()
	store.unread = 7
	agg := NewAggregator(store, nil)

	total, err := agg.UnreadTotal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, total)
}
