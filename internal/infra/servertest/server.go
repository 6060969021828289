// Package servertest provides an in-process stand-in for the consultation
// backend: the REST surface in the {success, data, error} envelope plus the
// /socket endpoint with live fan-out. Tests seed state directly and drive
// failures (rejected handshakes, failing sends, dropped connections) to
// exercise the engine's degraded paths.
package servertest

import (
	"fmt"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"agrichat/internal/domain/conversation"
	"agrichat/internal/infra/socket"
)

type Server struct {
	httpSrv  *httptest.Server
	upgrader websocket.Upgrader

	mu           sync.Mutex
	tokens       map[string]string // bearer token -> user id
	senders      map[string]conversation.Sender
	convs        map[string]*conversation.Conversation
	msgs         map[string][]conversation.Message
	unread       map[string]map[string]int // conversation id -> user id -> count
	conns        map[string]*wsConn        // user id -> live socket
	nextID       int
	failNextSend bool
	rejectDials  int
	now          time.Time
}

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (w *wsConn) send(env socket.Envelope) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteJSON(env)
}

// New starts the fake server. Callers must Close it.
func New() *Server {
	gin.SetMode(gin.TestMode)
	s := &Server{
		upgrader: websocket.Upgrader{},
		tokens:   make(map[string]string),
		senders:  make(map[string]conversation.Sender),
		convs:    make(map[string]*conversation.Conversation),
		msgs:     make(map[string][]conversation.Message),
		unread:   make(map[string]map[string]int),
		conns:    make(map[string]*wsConn),
		now:      time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC),
	}

	router := gin.New()
	router.GET("/socket", s.handleSocket)

	api := router.Group("/api", s.auth)
	api.GET("/conversations", s.listConversations)
	api.POST("/conversations/create", s.createConversation)
	api.GET("/conversations/unread-count", s.unreadCount)
	api.GET("/conversations/:id/messages", s.fetchMessages)
	api.POST("/conversations/:id/messages", s.sendMessage)
	api.POST("/conversations/:id/mark-read", s.markRead)
	api.POST("/conversations/:id/complete", s.complete)
	api.POST("/conversations/:id/reopen-request", s.reopenRequest)
	api.POST("/conversations/:id/reopen-approve", s.reopenApprove)
	api.DELETE("/conversations/:id", s.deleteConversation)

	s.httpSrv = httptest.NewServer(router)
	return s
}

func (s *Server) Close() {
	s.mu.Lock()
	for _, wc := range s.conns {
		_ = wc.conn.Close()
	}
	s.conns = make(map[string]*wsConn)
	s.mu.Unlock()
	s.httpSrv.Close()
}

// URL is the server base (socket endpoint lives at /socket).
func (s *Server) URL() string { return s.httpSrv.URL }

// APIURL is the REST base.
func (s *Server) APIURL() string { return s.httpSrv.URL + "/api" }

// AddUser registers an identity and returns its bearer token.
func (s *Server) AddUser(sender conversation.Sender) (token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token = "token-" + sender.ID
	s.tokens[token] = sender.ID
	s.senders[sender.ID] = sender
	return token
}

// SeedConversation installs a conversation snapshot.
func (s *Server) SeedConversation(conv conversation.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := conv
	s.convs[conv.ID] = &copied
	if s.unread[conv.ID] == nil {
		s.unread[conv.ID] = make(map[string]int)
	}
}

// SeedMessage appends a confirmed message to a conversation's history.
func (s *Server) SeedMessage(msg conversation.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.DeliveryState = conversation.DeliveryConfirmed
	s.msgs[msg.ConversationID] = append(s.msgs[msg.ConversationID], msg)
}

// FailNextSend makes the next message-send REST call return an error
// envelope.
func (s *Server) FailNextSend() {
	s.mu.Lock()
	s.failNextSend = true
	s.mu.Unlock()
}

// RejectDials makes the next n socket handshakes fail with 503.
func (s *Server) RejectDials(n int) {
	s.mu.Lock()
	s.rejectDials = n
	s.mu.Unlock()
}

// PendingRejects reports how many scripted handshake rejections remain.
func (s *Server) PendingRejects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejectDials
}

// DropConnections closes every live socket without touching REST state,
// simulating a transport failure.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[string]*wsConn)
	s.mu.Unlock()
	for _, wc := range conns {
		_ = wc.conn.Close()
	}
}

// ConnectedUsers lists user ids with a live socket.
func (s *Server) ConnectedUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.conns))
	for id := range s.conns {
		out = append(out, id)
	}
	return out
}

// Push delivers a message:receive event straight to one user's socket,
// simulating server-side fan-out. Delivering the same message twice is how
// tests exercise duplicate-delivery handling.
func (s *Server) Push(userID string, msg conversation.Message) error {
	s.mu.Lock()
	wc := s.conns[userID]
	s.mu.Unlock()
	if wc == nil {
		return fmt.Errorf("servertest: user %s not connected", userID)
	}
	return wc.send(envelope(socket.EventMessageReceive, socket.MessageReceivePayload{
		ConversationID: msg.ConversationID,
		Message:        msg,
	}))
}

// PushTyping delivers a typing relay to one user's socket.
func (s *Server) PushTyping(userID string, payload socket.TypingPayload) error {
	s.mu.Lock()
	wc := s.conns[userID]
	s.mu.Unlock()
	if wc == nil {
		return fmt.Errorf("servertest: user %s not connected", userID)
	}
	return wc.send(envelope(socket.EventTyping, payload))
}

// Messages returns the stored history for a conversation.
func (s *Server) Messages(conversationID string) []conversation.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]conversation.Message, len(s.msgs[conversationID]))
	copy(out, s.msgs[conversationID])
	return out
}

// Conversation returns the stored snapshot.
func (s *Server) Conversation(conversationID string) (conversation.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return conversation.Conversation{}, false
	}
	return *conv, true
}
