package conversation

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanAct(t *testing.T) {
	cases := []struct {
		name    string
		status  Status
		role    Role
		action  Action
		allowed bool
	}{
		{"farmer sends on pending", StatusPending, RoleFarmer, ActionSend, true},
		{"expert sends on pending", StatusPending, RoleExpert, ActionSend, true},
		{"farmer sends on answered", StatusAnswered, RoleFarmer, ActionSend, true},
		{"expert sends on answered", StatusAnswered, RoleExpert, ActionSend, true},
		{"send on completed", StatusCompleted, RoleFarmer, ActionSend, false},
		{"send on reopen requested", StatusReopenRequested, RoleFarmer, ActionSend, false},
		{"send on expired", StatusExpired, RoleExpert, ActionSend, false},
		{"farmer completes answered", StatusAnswered, RoleFarmer, ActionComplete, true},
		{"expert completes answered", StatusAnswered, RoleExpert, ActionComplete, false},
		{"farmer completes pending", StatusPending, RoleFarmer, ActionComplete, false},
		{"farmer requests reopen on completed", StatusCompleted, RoleFarmer, ActionRequestReopen, true},
		{"expert requests reopen", StatusCompleted, RoleExpert, ActionRequestReopen, false},
		{"reopen request on answered", StatusAnswered, RoleFarmer, ActionRequestReopen, false},
		{"expert approves reopen", StatusReopenRequested, RoleExpert, ActionApproveReopen, true},
		{"expert rejects reopen", StatusReopenRequested, RoleExpert, ActionRejectReopen, true},
		{"farmer approves reopen", StatusReopenRequested, RoleFarmer, ActionApproveReopen, false},
		{"approve outside reopen requested", StatusCompleted, RoleExpert, ActionApproveReopen, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.allowed, CanAct(tc.status, tc.role, tc.action))
		})
	}
}

func TestCompleteValidatesRating(t *testing.T) {
	now := time.Now()
	for _, rating := range []int{0, -1, 6} {
		conv := Conversation{Status: StatusAnswered}
		err := conv.Complete(RoleFarmer, rating, "", now)
		require.ErrorIs(t, err, ErrInvalidRating)
		assert.Equal(t, StatusAnswered, conv.Status)
	}

	conv := Conversation{Status: StatusAnswered}
	require.NoError(t, conv.Complete(RoleFarmer, 4, "helpful", now))
	assert.Equal(t, StatusCompleted, conv.Status)
	assert.Equal(t, 4, conv.Rating)
	assert.Equal(t, "helpful", conv.RatingComment)
	assert.False(t, conv.CompletedAt.IsZero())
}

func TestCompleteGuards(t *testing.T) {
	now := time.Now()

	conv := Conversation{Status: StatusAnswered}
	require.ErrorIs(t, conv.Complete(RoleExpert, 5, "", now), ErrWrongRole)

	conv = Conversation{Status: StatusPending}
	require.ErrorIs(t, conv.Complete(RoleFarmer, 5, "", now), ErrInvalidState)
}

func TestReopenCycle(t *testing.T) {
	now := time.Now()
	conv := Conversation{Status: StatusAnswered}
	require.NoError(t, conv.Complete(RoleFarmer, 5, "", now))

	require.NoError(t, conv.RequestReopen(RoleFarmer, "symptoms returned", now))
	assert.Equal(t, StatusReopenRequested, conv.Status)

	require.NoError(t, conv.ResolveReopen(RoleExpert, true, now))
	assert.Equal(t, StatusAnswered, conv.Status)

	// Rating from the previous completion survives the reopen.
	assert.Equal(t, 5, conv.Rating)

	// Second cycle, this time rejected.
	require.NoError(t, conv.Complete(RoleFarmer, 3, "", now))
	require.NoError(t, conv.RequestReopen(RoleFarmer, "", now))
	require.NoError(t, conv.ResolveReopen(RoleExpert, false, now))
	assert.Equal(t, StatusCompleted, conv.Status)
}

func TestRequestReopenValidatesReason(t *testing.T) {
	now := time.Now()
	conv := Conversation{Status: StatusCompleted}
	long := strings.Repeat("x", MaxReopenReasonLen+1)
	require.ErrorIs(t, conv.RequestReopen(RoleFarmer, long, now), ErrReasonTooLong)
	assert.Equal(t, StatusCompleted, conv.Status)

	exact := strings.Repeat("y", MaxReopenReasonLen)
	require.NoError(t, conv.RequestReopen(RoleFarmer, exact, now))
}

func TestResolveReopenGuards(t *testing.T) {
	now := time.Now()
	conv := Conversation{Status: StatusReopenRequested}
	require.ErrorIs(t, conv.ResolveReopen(RoleFarmer, true, now), ErrWrongRole)

	conv = Conversation{Status: StatusAnswered}
	require.ErrorIs(t, conv.ResolveReopen(RoleExpert, true, now), ErrInvalidState)
}

func TestExpire(t *testing.T) {
	now := time.Now()
	for _, status := range []Status{StatusPending, StatusAnswered} {
		conv := Conversation{Status: status}
		require.NoError(t, conv.Expire(now))
		assert.Equal(t, StatusExpired, conv.Status)
		assert.True(t, conv.Status.Terminal())
	}

	conv := Conversation{Status: StatusCompleted}
	require.ErrorIs(t, conv.Expire(now), ErrInvalidState)
}

func TestApplyIncoming(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	conv := Conversation{ID: "c-1", FarmerID: "f-1", ExpertID: "e-1", Status: StatusPending}

	farmerMsg := Message{ID: "m-1", Sender: Sender{ID: "f-1"}, Content: "leaves turning yellow", CreatedAt: base}
	conv.ApplyIncoming(farmerMsg)
	assert.Equal(t, StatusPending, conv.Status, "farmer message must not answer the question")
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, "m-1", conv.LastMessage.ID)
	assert.Equal(t, base, conv.LastMessageAt)

	expertMsg := Message{ID: "m-2", Sender: Sender{ID: "e-1"}, Content: "check nitrogen levels", CreatedAt: base.Add(time.Minute)}
	conv.ApplyIncoming(expertMsg)
	assert.Equal(t, StatusAnswered, conv.Status)
	assert.Equal(t, "m-2", conv.LastMessage.ID)

	// An out-of-order delivery never moves the preview timestamp backwards.
	stale := Message{ID: "m-0", Sender: Sender{ID: "f-1"}, CreatedAt: base.Add(-time.Hour)}
	conv.ApplyIncoming(stale)
	assert.Equal(t, base.Add(time.Minute), conv.LastMessageAt)
}

func TestCounterpartAndRole(t *testing.T) {
	conv := Conversation{FarmerID: "f-1", ExpertID: "e-1"}
	assert.Equal(t, "e-1", conv.CounterpartID(RoleFarmer))
	assert.Equal(t, "f-1", conv.CounterpartID(RoleExpert))
	assert.Equal(t, RoleExpert, conv.RoleOf("e-1"))
	assert.Equal(t, RoleFarmer, conv.RoleOf("f-1"))
	assert.Equal(t, RoleFarmer, conv.RoleOf("someone-else"))
}

func TestBucketFor(t *testing.T) {
	assert.Equal(t, BucketPending, BucketFor(StatusPending))
	assert.Equal(t, BucketAnswered, BucketFor(StatusAnswered))
	assert.Equal(t, BucketAnswered, BucketFor(StatusExpired))
	assert.Equal(t, BucketCompleted, BucketFor(StatusCompleted))
	assert.Equal(t, BucketCompleted, BucketFor(StatusReopenRequested))
}
