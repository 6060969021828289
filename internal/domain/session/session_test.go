package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"agrichat/internal/domain/conversation"
)

func TestValidate(t *testing.T) {
	full := Session{UserID: "f-1", Role: conversation.RoleFarmer, Token: "tok"}
	require.NoError(t, full.Validate())

	require.ErrorIs(t, Session{Token: "tok"}.Validate(), ErrNoUser)
	require.ErrorIs(t, Session{UserID: "f-1"}.Validate(), ErrNoToken)
	require.ErrorIs(t, Session{}.Validate(), ErrNoUser)
}
