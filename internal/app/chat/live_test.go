package chat_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agrichat/internal/app/chat"
	"agrichat/internal/app/presence"
	"agrichat/internal/domain/conversation"
	"agrichat/internal/infra/rest"
	"agrichat/internal/infra/servertest"
	"agrichat/internal/infra/socket"
)

type participant struct {
	sender  conversation.Sender
	role    conversation.Role
	api     *rest.Client
	sock    *socket.Manager
	session *chat.Session
}

func join(t *testing.T, srv *servertest.Server, sender conversation.Sender, role conversation.Role) *participant {
	t.Helper()
	token := srv.AddUser(sender)

	api, err := rest.NewClient(rest.Config{
		BaseURL:     srv.APIURL(),
		CallTimeout: 2 * time.Second,
	}, func() string { return token }, nil)
	require.NoError(t, err)

	sock := socket.NewManager(socket.Config{
		URL:            srv.URL(),
		MaxAttempts:    3,
		ReconnectDelay: 20 * time.Millisecond,
	}, nil)
	require.NoError(t, sock.Connect(context.Background(), token))
	t.Cleanup(sock.Disconnect)

	p := &participant{sender: sender, role: role, api: api, sock: sock}
	p.session = chat.NewSession(api, nil, sock, sender, role, nil)
	t.Cleanup(p.session.Close)
	return p
}

func TestLiveMessageFlow(t *testing.T) {
	srv := servertest.New()
	defer srv.Close()

	farmer := join(t, srv, conversation.Sender{ID: "f-1", DisplayName: "Binh"}, conversation.RoleFarmer)
	expert := join(t, srv, conversation.Sender{ID: "e-1", DisplayName: "Dr. Lan"}, conversation.RoleExpert)

	require.NoError(t, farmer.session.OpenWithExpert(context.Background(), "e-1"))
	convID := farmer.session.Conversation().ID
	require.NotEmpty(t, convID)
	require.NoError(t, expert.session.Open(context.Background(), convID))

	sent, err := farmer.session.Send(context.Background(), "rice leaves are yellowing", nil)
	require.NoError(t, err)

	// The announce fans out through the server to the expert's open session.
	require.Eventually(t, func() bool {
		msgs := expert.session.Messages()
		return len(msgs) == 1 && msgs[0].ID == sent.ID
	}, 2*time.Second, 10*time.Millisecond)

	// The expert's session auto-reads and the receipt flows back, flipping
	// the farmer's copy.
	require.Eventually(t, func() bool {
		msgs := farmer.session.Messages()
		return len(msgs) == 1 && msgs[0].IsRead
	}, 2*time.Second, 10*time.Millisecond)

	// Expert reply flips the thread to answered on both sides.
	reply, err := expert.session.Send(context.Background(), "apply urea at 50kg/ha", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		msgs := farmer.session.Messages()
		return len(msgs) == 2 && msgs[1].ID == reply.ID
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, conversation.StatusAnswered, farmer.session.Conversation().Status)
}

func TestLiveSendSurvivesSocketOutage(t *testing.T) {
	srv := servertest.New()
	defer srv.Close()

	farmer := join(t, srv, conversation.Sender{ID: "f-1", DisplayName: "Binh"}, conversation.RoleFarmer)
	srv.AddUser(conversation.Sender{ID: "e-1", DisplayName: "Dr. Lan"})

	require.NoError(t, farmer.session.OpenWithExpert(context.Background(), "e-1"))

	// Kill the socket for good, then send. REST persistence must still work.
	srv.RejectDials(100)
	srv.DropConnections()
	require.Eventually(t, func() bool {
		return !farmer.sock.IsConnected()
	}, 2*time.Second, 10*time.Millisecond)

	sent, err := farmer.session.Send(context.Background(), "sent while offline", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, sent.ID)

	convID := farmer.session.Conversation().ID
	require.Eventually(t, func() bool {
		return len(srv.Messages(convID)) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestLiveTypingRelay(t *testing.T) {
	srv := servertest.New()
	defer srv.Close()

	farmer := join(t, srv, conversation.Sender{ID: "f-1", DisplayName: "Binh"}, conversation.RoleFarmer)
	expert := join(t, srv, conversation.Sender{ID: "e-1", DisplayName: "Dr. Lan"}, conversation.RoleExpert)

	require.NoError(t, farmer.session.OpenWithExpert(context.Background(), "e-1"))
	convID := farmer.session.Conversation().ID

	farmerTyping := presence.NewCoordinator(farmer.sock, "f-1", 50*time.Millisecond, nil)
	farmerTyping.Start()
	defer farmerTyping.Stop()

	expertTyping := presence.NewCoordinator(expert.sock, "e-1", 50*time.Millisecond, nil)
	expertTyping.Start()
	defer expertTyping.Stop()

	statesCh := make(chan bool, 8)
	cancel := expertTyping.Watch(convID, func(isTyping bool) {
		statesCh <- isTyping
	})
	defer cancel()

	farmerTyping.NotifyTyping(convID)

	var states []bool
	deadline := time.After(2 * time.Second)
	for len(states) < 2 {
		select {
		case s := <-statesCh:
			states = append(states, s)
		case <-deadline:
			t.Fatalf("timed out waiting for typing relay, got %v", states)
		}
	}
	assert.Equal(t, []bool{true, false}, states, "one live flag and its auto-clear")
}
