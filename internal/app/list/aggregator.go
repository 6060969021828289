package list

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"agrichat/internal/app/chat"
	"agrichat/internal/domain/conversation"
)

// Store is the REST collaborator subset the aggregator consumes.
type Store interface {
	ListConversations(ctx context.Context, bucket conversation.Bucket) ([]conversation.Conversation, error)
	DeleteConversation(ctx context.Context, conversationID string) error
	UnreadCount(ctx context.Context) (int, error)
}

// Aggregator derives the three list tabs (pending/answered/completed) and
// unread badges from the server's conversation summaries. It refreshes when
// the owning screen regains focus and goes stale when the synchronizer
// confirms or receives a message, never on a timer.
type Aggregator struct {
	store  Store
	logger *slog.Logger

	mu      sync.Mutex
	buckets map[conversation.Bucket][]conversation.Conversation
	stale   map[conversation.Bucket]bool
}

// NewAggregator builds an empty aggregator; every bucket starts stale.
func NewAggregator(store Store, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		store:  store,
		logger: logger,
		buckets: map[conversation.Bucket][]conversation.Conversation{
			conversation.BucketPending:   nil,
			conversation.BucketAnswered:  nil,
			conversation.BucketCompleted: nil,
		},
		stale: map[conversation.Bucket]bool{
			conversation.BucketPending:   true,
			conversation.BucketAnswered:  true,
			conversation.BucketCompleted: true,
		},
	}
}

// Refresh fetches one bucket from the server, replacing the cached slice.
// Call it on screen focus and whenever Stale reports true.
func (a *Aggregator) Refresh(ctx context.Context, bucket conversation.Bucket) ([]conversation.Conversation, error) {
	items, err := a.store.ListConversations(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("list: refresh %s: %w", bucket, err)
	}

	a.mu.Lock()
	a.buckets[bucket] = items
	a.stale[bucket] = false
	a.mu.Unlock()

	a.logger.Debug("bucket refreshed", "bucket", bucket, "count", len(items))
	return a.snapshot(bucket), nil
}

// Conversations returns the cached bucket content without touching the
// network. Pair with Stale to decide whether a Refresh is due.
func (a *Aggregator) Conversations(bucket conversation.Bucket) []conversation.Conversation {
	return a.snapshot(bucket)
}

// Stale reports whether the bucket's cache has been invalidated since its
// last refresh.
func (a *Aggregator) Stale(bucket conversation.Bucket) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stale[bucket]
}

// Invalidate marks the bucket currently holding the conversation stale. A
// status change can move a conversation between buckets, so when the cached
// location is unknown every bucket goes stale.
func (a *Aggregator) Invalidate(conversationID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	found := false
	for bucket, items := range a.buckets {
		for _, conv := range items {
			if conv.ID == conversationID {
				a.stale[bucket] = true
				found = true
				break
			}
		}
	}
	if !found {
		for bucket := range a.stale {
			a.stale[bucket] = true
		}
	}
}

// HandleSessionEvent wires synchronizer events into cache invalidation so
// previews and badge counts stay fresh without polling.
func (a *Aggregator) HandleSessionEvent(ev chat.Event) {
	switch ev.Kind {
	case chat.EventMessageConfirmed, chat.EventMessageReceived, chat.EventStatusChanged, chat.EventMessagesRead:
		a.Invalidate(ev.ConversationID)
	}
}

// Delete removes the conversation server-side, then drops it from whichever
// bucket currently holds it. No undo.
func (a *Aggregator) Delete(ctx context.Context, conversationID string) error {
	if err := a.store.DeleteConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("list: delete conversation: %w", err)
	}

	a.mu.Lock()
	for bucket, items := range a.buckets {
		for i, conv := range items {
			if conv.ID == conversationID {
				a.buckets[bucket] = append(items[:i], items[i+1:]...)
				break
			}
		}
	}
	a.mu.Unlock()
	return nil
}

// UnreadTotal returns the server-computed unread badge across all
// conversations. The aggregator never recomputes it from raw messages.
func (a *Aggregator) UnreadTotal(ctx context.Context) (int, error) {
	count, err := a.store.UnreadCount(ctx)
	if err != nil {
		return 0, fmt.Errorf("list: unread total: %w", err)
	}
	return count, nil
}

func (a *Aggregator) snapshot(bucket conversation.Bucket) []conversation.Conversation {
	a.mu.Lock()
	defer a.mu.Unlock()
	items := a.buckets[bucket]
	out := make([]conversation.Conversation, len(items))
	copy(out, items)
	return out
}
