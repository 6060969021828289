package servertest

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"agrichat/internal/infra/socket"
)

func (s *Server) handleSocket(c *gin.Context) {
	s.mu.Lock()
	if s.rejectDials > 0 {
		s.rejectDials--
		s.mu.Unlock()
		c.String(http.StatusServiceUnavailable, "try again later")
		return
	}
	s.mu.Unlock()

	userID, authed := s.bearerUser(c.GetHeader("Authorization"))
	if !authed {
		c.String(http.StatusUnauthorized, "must be logged in")
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	wc := &wsConn{conn: conn}

	s.mu.Lock()
	if prev := s.conns[userID]; prev != nil {
		_ = prev.conn.Close()
	}
	s.conns[userID] = wc
	s.mu.Unlock()

	for {
		var env socket.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			break
		}
		s.relay(userID, env)
	}

	s.mu.Lock()
	if s.conns[userID] == wc {
		delete(s.conns, userID)
	}
	s.mu.Unlock()
	_ = conn.Close()
}

// relay routes a client-emitted event to the counterpart's socket, the way
// the real server fans out.
func (s *Server) relay(fromUserID string, env socket.Envelope) {
	switch env.Event {
	case socket.EventMessageSend:
		var payload socket.MessageSendPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return
		}
		s.mu.Lock()
		var out *socket.Envelope
		for _, m := range s.msgs[payload.ConversationID] {
			if m.ID == payload.MessageID {
				frame := envelope(socket.EventMessageReceive, socket.MessageReceivePayload{
					ConversationID: payload.ConversationID,
					Message:        m,
				})
				out = &frame
				break
			}
		}
		wc := s.conns[payload.ReceiverID]
		s.mu.Unlock()
		if out != nil && wc != nil {
			_ = wc.send(*out)
		}

	case socket.EventTyping:
		var payload socket.TypingPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return
		}
		payload.UserID = fromUserID
		if wc := s.counterpartConn(payload.ConversationID, fromUserID); wc != nil {
			_ = wc.send(envelope(socket.EventTyping, payload))
		}

	case socket.EventMessageRead:
		var payload socket.MessageReadPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return
		}
		payload.ReadBy = fromUserID
		if wc := s.counterpartConn(payload.ConversationID, fromUserID); wc != nil {
			_ = wc.send(envelope(socket.EventMessageRead, payload))
		}

	case socket.EventConversationCreated,
		socket.EventConversationCompleted,
		socket.EventReopenRequested,
		socket.EventReopenApproved:
		var ref struct {
			ConversationID string `json:"conversationId"`
		}
		if err := json.Unmarshal(env.Data, &ref); err != nil {
			return
		}
		if wc := s.counterpartConn(ref.ConversationID, fromUserID); wc != nil {
			_ = wc.send(env)
		}
	}
}

func (s *Server) counterpartConn(conversationID, fromUserID string) *wsConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[conversationID]
	if !ok {
		return nil
	}
	other := conv.FarmerID
	if other == fromUserID {
		other = conv.ExpertID
	}
	return s.conns[other]
}
