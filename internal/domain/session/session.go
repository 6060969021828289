package session

import (
	"errors"

	"agrichat/internal/domain/conversation"
)

var (
	ErrNoUser  = errors.New("session: user id required")
	ErrNoToken = errors.New("session: auth token required")
)

// Session is the authenticated identity the engine runs under. It is created
// by the auth collaborator on login and read-only here.
type Session struct {
	UserID string
	Role   conversation.Role
	Token  string
}

// Validate reports why the session cannot authenticate network calls, or nil
// when it can.
func (s Session) Validate() error {
	if s.UserID == "" {
		return ErrNoUser
	}
	if s.Token == "" {
		return ErrNoToken
	}
	return nil
}
