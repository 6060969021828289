package presence

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"agrichat/internal/infra/socket"
)

// DefaultTypingWindow is how long a typing signal stays alive before the
// coordinator emits the trailing isTyping:false.
const DefaultTypingWindow = 2 * time.Second

// Emitter is the socket surface the coordinator consumes.
type Emitter interface {
	Emit(event string, payload any) error
	On(event string, fn socket.Handler) (cancel func())
	IsConnected() bool
}

// Coordinator layers ephemeral typing and online signals on the shared
// socket. Nothing here is persisted or retried: a dropped signal is simply
// gone.
type Coordinator struct {
	sock   Emitter
	selfID string
	window time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	timers   map[string]*time.Timer
	watched  string
	onTyping func(bool)
	cancels  []func()
	started  bool
}

// NewCoordinator builds a coordinator for the local user. A non-positive
// window falls back to the default 2 seconds.
func NewCoordinator(sock Emitter, selfID string, window time.Duration, logger *slog.Logger) *Coordinator {
	if window <= 0 {
		window = DefaultTypingWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		sock:   sock,
		selfID: selfID,
		window: window,
		logger: logger,
		timers: make(map[string]*time.Timer),
	}
}

// Start announces the user online and begins relaying incoming typing
// events. Idempotent.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.emit(socket.EventUserOnline, nil)
	cancel := c.sock.On(socket.EventTyping, c.handleTyping)

	c.mu.Lock()
	c.cancels = append(c.cancels, cancel)
	c.mu.Unlock()
}

// Stop announces the user offline, flushes pending auto-clear timers and
// detaches from the socket.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	cancels := c.cancels
	c.cancels = nil
	for id, timer := range c.timers {
		timer.Stop()
		delete(c.timers, id)
	}
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	c.emit(socket.EventUserOffline, nil)
}

// NotifyTyping emits isTyping:true for the conversation and schedules the
// trailing isTyping:false. Rapid repeated calls within the window reset the
// single timer instead of stacking, so a burst of keystrokes produces
// exactly one trailing false and no flicker.
func (c *Coordinator) NotifyTyping(conversationID string) {
	c.emit(socket.EventTyping, socket.TypingPayload{
		ConversationID: conversationID,
		IsTyping:       true,
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if timer, ok := c.timers[conversationID]; ok {
		timer.Reset(c.window)
		return
	}
	c.timers[conversationID] = time.AfterFunc(c.window, func() {
		c.mu.Lock()
		delete(c.timers, conversationID)
		c.mu.Unlock()
		c.emit(socket.EventTyping, socket.TypingPayload{
			ConversationID: conversationID,
			IsTyping:       false,
		})
	})
}

// Watch surfaces the counterpart's typing flag for one open conversation.
// Only one conversation is watched at a time (one chat screen); the latest
// event always wins, with no buffering.
func (c *Coordinator) Watch(conversationID string, fn func(isTyping bool)) (cancel func()) {
	c.mu.Lock()
	c.watched = conversationID
	c.onTyping = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			if c.watched == conversationID {
				c.watched = ""
				c.onTyping = nil
			}
			c.mu.Unlock()
		})
	}
}

func (c *Coordinator) handleTyping(data json.RawMessage) {
	var payload socket.TypingPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	// Self-originated events echo back from the relay; never surface them.
	if payload.UserID == c.selfID {
		return
	}

	c.mu.Lock()
	fn := c.onTyping
	watched := c.watched
	c.mu.Unlock()

	if fn == nil || payload.ConversationID != watched {
		return
	}
	fn(payload.IsTyping)
}

func (c *Coordinator) emit(event string, payload any) {
	if err := c.sock.Emit(event, payload); err != nil {
		if errors.Is(err, socket.ErrNotConnected) {
			return
		}
		c.logger.Debug("presence emit failed", "event", event, "error", err)
	}
}
