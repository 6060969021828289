package conversation

import (
	"errors"
	"time"
	"unicode/utf8"
)

var (
	ErrInvalidState  = errors.New("conversation: invalid state transition")
	ErrWrongRole     = errors.New("conversation: action not allowed for role")
	ErrInvalidRating = errors.New("conversation: rating must be between 1 and 5")
	ErrReasonTooLong = errors.New("conversation: reopen reason exceeds 300 characters")
)

// MaxReopenReasonLen bounds the free-text reason a farmer may attach to a
// reopen request.
const MaxReopenReasonLen = 300

type Status string

const (
	StatusPending         Status = "pending"
	StatusAnswered        Status = "answered"
	StatusCompleted       Status = "completed"
	StatusReopenRequested Status = "reopen_requested"
	StatusExpired         Status = "expired"
)

// Terminal reports whether no further client-side action can change the
// conversation. StatusCompleted is terminal for the expert but not for the
// farmer (reopen cycle), so it is not listed here.
func (s Status) Terminal() bool {
	return s == StatusExpired
}

type Role string

const (
	RoleFarmer Role = "farmer"
	RoleExpert Role = "expert"
)

type Action string

const (
	ActionSend          Action = "send"
	ActionComplete      Action = "complete"
	ActionRequestReopen Action = "request_reopen"
	ActionApproveReopen Action = "approve_reopen"
	ActionRejectReopen  Action = "reject_reopen"
)

// CanAct is the pure guard for conversation actions. The server is
// authoritative and may still reject; this gate exists so invalid actions are
// a silent local no-op (the affordance is simply not offered) instead of a
// doomed network call.
func CanAct(status Status, role Role, action Action) bool {
	switch action {
	case ActionSend:
		return status == StatusPending || status == StatusAnswered
	case ActionComplete:
		return role == RoleFarmer && status == StatusAnswered
	case ActionRequestReopen:
		return role == RoleFarmer && status == StatusCompleted
	case ActionApproveReopen, ActionRejectReopen:
		return role == RoleExpert && status == StatusReopenRequested
	}
	return false
}

// Conversation is the client-side snapshot of a consultation thread between a
// farmer and an expert. The server owns the record; this copy is mutated only
// through the guarded transition methods below and replaced wholesale when a
// fresh snapshot arrives over REST.
type Conversation struct {
	ID            string
	FarmerID      string
	ExpertID      string
	Status        Status
	LastMessage   *Message
	LastMessageAt time.Time
	UnreadCount   int
	Rating        int
	RatingComment string
	CompletedAt   time.Time
	CreatedAt     time.Time
}

// CounterpartID returns the user on the other side of the conversation for
// the given sender role. Used to address live fan-out announcements.
func (c *Conversation) CounterpartID(senderRole Role) string {
	if senderRole == RoleExpert {
		return c.FarmerID
	}
	return c.ExpertID
}

// RoleOf maps a user id to its role within this conversation. Falls back to
// farmer, matching the server default for unknown participants.
func (c *Conversation) RoleOf(userID string) Role {
	if userID == c.ExpertID {
		return RoleExpert
	}
	return RoleFarmer
}

// ApplyIncoming records a newly delivered message on the snapshot. An
// expert-authored message on a pending conversation flips it to answered;
// the server performs the same transition and remains authoritative.
func (c *Conversation) ApplyIncoming(m Message) {
	c.LastMessage = &m
	if m.CreatedAt.After(c.LastMessageAt) {
		c.LastMessageAt = m.CreatedAt
	}
	if c.Status == StatusPending && c.RoleOf(m.Sender.ID) == RoleExpert {
		c.Status = StatusAnswered
	}
}

// Complete closes an answered conversation with the farmer's rating.
func (c *Conversation) Complete(role Role, rating int, comment string, now time.Time) error {
	if role != RoleFarmer {
		return ErrWrongRole
	}
	if c.Status != StatusAnswered {
		return ErrInvalidState
	}
	if rating < 1 || rating > 5 {
		return ErrInvalidRating
	}
	c.Status = StatusCompleted
	c.Rating = rating
	c.RatingComment = comment
	c.CompletedAt = now.UTC()
	return nil
}

// RequestReopen asks to resume a completed conversation, subject to expert
// approval.
func (c *Conversation) RequestReopen(role Role, reason string, _ time.Time) error {
	if role != RoleFarmer {
		return ErrWrongRole
	}
	if c.Status != StatusCompleted {
		return ErrInvalidState
	}
	if utf8.RuneCountInString(reason) > MaxReopenReasonLen {
		return ErrReasonTooLong
	}
	c.Status = StatusReopenRequested
	return nil
}

// ResolveReopen settles a pending reopen request. Approval resumes the answer
// cycle; rejection dismisses the request with no record retained.
func (c *Conversation) ResolveReopen(role Role, approved bool, _ time.Time) error {
	if role != RoleExpert {
		return ErrWrongRole
	}
	if c.Status != StatusReopenRequested {
		return ErrInvalidState
	}
	if approved {
		c.Status = StatusAnswered
	} else {
		c.Status = StatusCompleted
	}
	return nil
}

// Expire applies the server-driven SLA timeout. The client never initiates
// this transition; it only mirrors what the server reports.
func (c *Conversation) Expire(_ time.Time) error {
	if c.Status != StatusPending && c.Status != StatusAnswered {
		return ErrInvalidState
	}
	c.Status = StatusExpired
	return nil
}

// Bucket is one of the three list tabs conversations are partitioned into.
type Bucket string

const (
	BucketPending   Bucket = "pending"
	BucketAnswered  Bucket = "answered"
	BucketCompleted Bucket = "completed"
)

// BucketFor maps a lifecycle status to its list tab. Reopen requests stay in
// the completed tab until the expert settles them; expired conversations
// surface in the answered tab with action affordances hidden.
func BucketFor(status Status) Bucket {
	switch status {
	case StatusPending:
		return BucketPending
	case StatusCompleted, StatusReopenRequested:
		return BucketCompleted
	default:
		return BucketAnswered
	}
}
