package servertest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"agrichat/internal/domain/conversation"
	"agrichat/internal/infra/socket"
)

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"success": false, "error": gin.H{"message": msg}})
}

func envelope(event string, payload any) socket.Envelope {
	data, _ := json.Marshal(payload)
	return socket.Envelope{Event: event, Data: data}
}

func (s *Server) auth(c *gin.Context) {
	userID, ok := s.bearerUser(c.GetHeader("Authorization"))
	if !ok {
		fail(c, http.StatusUnauthorized, "must be logged in")
		c.Abort()
		return
	}
	c.Set("user_id", userID)
}

func (s *Server) bearerUser(header string) (string, bool) {
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header || token == "" {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	userID, ok := s.tokens[token]
	return userID, ok
}

func (s *Server) tick() time.Time {
	s.now = s.now.Add(time.Second)
	return s.now
}

func (s *Server) newID(prefix string) string {
	s.nextID++
	return prefix + "-" + strconv.Itoa(s.nextID)
}

type conversationView struct {
	ID            string           `json:"id"`
	Farmer        *partyView       `json:"farmer,omitempty"`
	Expert        *partyView       `json:"expert,omitempty"`
	Status        string           `json:"status"`
	UnreadCount   int              `json:"unreadCount"`
	Rating        int              `json:"rating,omitempty"`
	RatingComment string           `json:"ratingComment,omitempty"`
	CompletedAt   *time.Time       `json:"completedAt,omitempty"`
	LastMessage   *lastMessageView `json:"lastMessage,omitempty"`
	LastMessageAt *time.Time       `json:"lastMessageAt,omitempty"`
	CreatedAt     *time.Time       `json:"createdAt,omitempty"`
}

type partyView struct {
	ID          string `json:"_id"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar,omitempty"`
}

type lastMessageView struct {
	Content   string    `json:"content"`
	Images    []string  `json:"images,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type messageView struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Images    []string  `json:"images,omitempty"`
	Sender    partyView `json:"sender"`
	IsRead    bool      `json:"isRead"`
	CreatedAt time.Time `json:"createdAt"`
}

// viewConversation renders the snapshot from the viewer's perspective;
// unread counts are per receiving party.
func (s *Server) viewConversation(conv *conversation.Conversation, viewerID string) conversationView {
	view := conversationView{
		ID:            conv.ID,
		Status:        string(conv.Status),
		UnreadCount:   s.unread[conv.ID][viewerID],
		Rating:        conv.Rating,
		RatingComment: conv.RatingComment,
	}
	if farmer, ok := s.senders[conv.FarmerID]; ok {
		view.Farmer = &partyView{ID: farmer.ID, DisplayName: farmer.DisplayName, Avatar: farmer.Avatar}
	} else if conv.FarmerID != "" {
		view.Farmer = &partyView{ID: conv.FarmerID}
	}
	if expert, ok := s.senders[conv.ExpertID]; ok {
		view.Expert = &partyView{ID: expert.ID, DisplayName: expert.DisplayName, Avatar: expert.Avatar}
	} else if conv.ExpertID != "" {
		view.Expert = &partyView{ID: conv.ExpertID}
	}
	if !conv.CompletedAt.IsZero() {
		t := conv.CompletedAt
		view.CompletedAt = &t
	}
	if !conv.LastMessageAt.IsZero() {
		t := conv.LastMessageAt
		view.LastMessageAt = &t
	}
	if !conv.CreatedAt.IsZero() {
		t := conv.CreatedAt
		view.CreatedAt = &t
	}
	if conv.LastMessage != nil {
		view.LastMessage = &lastMessageView{
			Content:   conv.LastMessage.Content,
			Images:    conv.LastMessage.Images,
			CreatedAt: conv.LastMessage.CreatedAt,
		}
	}
	return view
}

func viewMessage(m conversation.Message) messageView {
	return messageView{
		ID:      m.ID,
		Content: m.Content,
		Images:  m.Images,
		Sender: partyView{
			ID:          m.Sender.ID,
			DisplayName: m.Sender.DisplayName,
			Avatar:      m.Sender.Avatar,
		},
		IsRead:    m.IsRead,
		CreatedAt: m.CreatedAt,
	}
}

func (s *Server) listConversations(c *gin.Context) {
	viewerID := c.GetString("user_id")
	statusFilter := c.Query("status")

	s.mu.Lock()
	views := make([]conversationView, 0, len(s.convs))
	for _, conv := range s.convs {
		if conv.FarmerID != viewerID && conv.ExpertID != viewerID {
			continue
		}
		if statusFilter != "" {
			bucket := conversation.BucketFor(conv.Status)
			if string(bucket) != statusFilter {
				continue
			}
		}
		views = append(views, s.viewConversation(conv, viewerID))
	}
	s.mu.Unlock()

	ok(c, gin.H{"conversations": views})
}

func (s *Server) createConversation(c *gin.Context) {
	viewerID := c.GetString("user_id")
	var req struct {
		ExpertID string `json:"expertId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ExpertID == "" {
		fail(c, http.StatusBadRequest, "expertId is required")
		return
	}

	s.mu.Lock()
	for _, conv := range s.convs {
		if conv.FarmerID == viewerID && conv.ExpertID == req.ExpertID && conv.Status != conversation.StatusExpired {
			view := s.viewConversation(conv, viewerID)
			s.mu.Unlock()
			ok(c, gin.H{"conversation": view})
			return
		}
	}
	conv := &conversation.Conversation{
		ID:        s.newID("c"),
		FarmerID:  viewerID,
		ExpertID:  req.ExpertID,
		Status:    conversation.StatusPending,
		CreatedAt: s.tick(),
	}
	s.convs[conv.ID] = conv
	s.unread[conv.ID] = make(map[string]int)
	view := s.viewConversation(conv, viewerID)
	s.mu.Unlock()

	ok(c, gin.H{"conversation": view})
}

func (s *Server) fetchMessages(c *gin.Context) {
	viewerID := c.GetString("user_id")
	convID := c.Param("id")

	s.mu.Lock()
	conv, found := s.convs[convID]
	if !found {
		s.mu.Unlock()
		fail(c, http.StatusNotFound, "conversation not found")
		return
	}
	history := s.msgs[convID]
	views := make([]messageView, 0, len(history))
	for _, m := range history {
		views = append(views, viewMessage(m))
	}
	convView := s.viewConversation(conv, viewerID)
	s.mu.Unlock()

	ok(c, gin.H{
		"messages":     views,
		"conversation": convView,
		"pagination":   gin.H{"page": 1, "limit": 50, "total": len(views), "totalPages": 1},
	})
}

func (s *Server) sendMessage(c *gin.Context) {
	viewerID := c.GetString("user_id")
	convID := c.Param("id")
	var req struct {
		Content string   `json:"content"`
		Images  []string `json:"images"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid payload")
		return
	}

	s.mu.Lock()
	if s.failNextSend {
		s.failNextSend = false
		s.mu.Unlock()
		fail(c, http.StatusInternalServerError, "send rejected")
		return
	}
	conv, found := s.convs[convID]
	if !found {
		s.mu.Unlock()
		fail(c, http.StatusNotFound, "conversation not found")
		return
	}
	msg := conversation.Message{
		ID:             s.newID("m"),
		ConversationID: convID,
		Sender:         s.senders[viewerID],
		Content:        req.Content,
		Images:         req.Images,
		CreatedAt:      s.tick(),
		DeliveryState:  conversation.DeliveryConfirmed,
	}
	if msg.Sender.ID == "" {
		msg.Sender.ID = viewerID
	}
	s.msgs[convID] = append(s.msgs[convID], msg)
	conv.ApplyIncoming(msg)
	receiver := conv.CounterpartID(conv.RoleOf(viewerID))
	if s.unread[convID] == nil {
		s.unread[convID] = make(map[string]int)
	}
	s.unread[convID][receiver]++
	view := viewMessage(msg)
	s.mu.Unlock()

	ok(c, gin.H{"message": view})
}

func (s *Server) markRead(c *gin.Context) {
	viewerID := c.GetString("user_id")
	convID := c.Param("id")

	s.mu.Lock()
	if _, found := s.convs[convID]; !found {
		s.mu.Unlock()
		fail(c, http.StatusNotFound, "conversation not found")
		return
	}
	if s.unread[convID] != nil {
		s.unread[convID][viewerID] = 0
	}
	history := s.msgs[convID]
	for i := range history {
		if history[i].Sender.ID != viewerID {
			history[i].IsRead = true
		}
	}
	s.mu.Unlock()

	ok(c, gin.H{})
}

func (s *Server) complete(c *gin.Context) {
	viewerID := c.GetString("user_id")
	convID := c.Param("id")
	var req struct {
		Rating  int    `json:"rating"`
		Comment string `json:"comment"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid payload")
		return
	}

	s.mu.Lock()
	conv, found := s.convs[convID]
	if !found {
		s.mu.Unlock()
		fail(c, http.StatusNotFound, "conversation not found")
		return
	}
	if err := conv.Complete(conv.RoleOf(viewerID), req.Rating, req.Comment, s.tick()); err != nil {
		s.mu.Unlock()
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Unlock()

	ok(c, gin.H{})
}

func (s *Server) reopenRequest(c *gin.Context) {
	viewerID := c.GetString("user_id")
	convID := c.Param("id")
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)

	s.mu.Lock()
	conv, found := s.convs[convID]
	if !found {
		s.mu.Unlock()
		fail(c, http.StatusNotFound, "conversation not found")
		return
	}
	if err := conv.RequestReopen(conv.RoleOf(viewerID), req.Reason, s.tick()); err != nil {
		s.mu.Unlock()
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Unlock()

	ok(c, gin.H{})
}

func (s *Server) reopenApprove(c *gin.Context) {
	viewerID := c.GetString("user_id")
	convID := c.Param("id")
	var req struct {
		Approved bool `json:"approved"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid payload")
		return
	}

	s.mu.Lock()
	conv, found := s.convs[convID]
	if !found {
		s.mu.Unlock()
		fail(c, http.StatusNotFound, "conversation not found")
		return
	}
	if err := conv.ResolveReopen(conv.RoleOf(viewerID), req.Approved, s.tick()); err != nil {
		s.mu.Unlock()
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Unlock()

	ok(c, gin.H{})
}

func (s *Server) deleteConversation(c *gin.Context) {
	convID := c.Param("id")

	s.mu.Lock()
	if _, found := s.convs[convID]; !found {
		s.mu.Unlock()
		fail(c, http.StatusNotFound, "conversation not found")
		return
	}
	delete(s.convs, convID)
	delete(s.msgs, convID)
	delete(s.unread, convID)
	s.mu.Unlock()

	ok(c, gin.H{})
}

func (s *Server) unreadCount(c *gin.Context) {
	viewerID := c.GetString("user_id")

	s.mu.Lock()
	total := 0
	for _, byUser := range s.unread {
		total += byUser[viewerID]
	}
	s.mu.Unlock()

	ok(c, gin.H{"unreadCount": total})
}
