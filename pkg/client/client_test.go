package client_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aeolun/parlor/pkg/chat"
	"github.com/aeolun/parlor/pkg/client"
	"github.com/aeolun/parlor/pkg/database"
	"github.com/aeolun/parlor/pkg/protocol"
	"github.com/aeolun/parlor/pkg/server"
)

func startServer(t *testing.T) string {
	t.Helper()

	dir, err := database.OpenDir(t.TempDir())
	require.NoError(t, err)
	gw := database.NewGateway(dir)

	svc, err := chat.Open(t.Context(), gw, chat.WithLogger(zap.NewNop()))
	require.NoError(t, err)

	config := server.DefaultConfig()
	config.StatsInterval = 0
	srv := server.NewServer(svc, config, server.WithLogger(zap.NewNop()))
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		srv.Stop()
		ts.Close()
		gw.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, url string, opts ...client.Option) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, url, append([]client.Option{client.WithResponseTimeout(5 * time.Second)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func publicChannel(t *testing.T, c *client.Client) string {
	t.Helper()
	channels, err := c.Channels()
	require.NoError(t, err)
	for _, ch := range channels {
		if ch.Type == string(chat.ChannelPublic) {
			return ch.ID
		}
	}
	t.Fatal("no public channel")
	return ""
}

func TestClient_SignupPostAndRead(t *testing.T) {
	url := startServer(t)
	alice := dial(t, url)

	available, err := alice.UsernameAvailable("alice")
	require.NoError(t, err)
	assert.True(t, available)

	require.NoError(t, alice.Signup("alice", "hunter22"))
	assert.Equal(t, "alice", alice.Username())
	assert.NotEmpty(t, alice.Cookie())

	public := publicChannel(t, alice)
	require.NoError(t, alice.Post(public, "hello"))

	ch, err := alice.Channel(public)
	require.NoError(t, err)
	require.Len(t, ch.Messages, 1)
	assert.Equal(t, "alice", ch.Messages[0].Sender)
	assert.Equal(t, "hello", ch.Messages[0].Content)
}

func TestClient_Failures(t *testing.T) {
	url := startServer(t)
	c := dial(t, url)

	_, err := c.Channels()
	assert.ErrorIs(t, err, client.ErrNotSignedIn)

	assert.ErrorIs(t, c.Signin("nobody", "secret"), client.ErrInvalidAuth)

	require.NoError(t, c.Signup("bob", "secret"))

	other := dial(t, url)
	err = other.Signup("BOB", "secret")
	var serverErr *client.ServerError
	require.True(t, errors.As(err, &serverErr))
	assert.Equal(t, protocol.TypeSignupFailed, serverErr.Type)

	err = c.Post("no-such-channel", "hi")
	require.True(t, errors.As(err, &serverErr))
	assert.Equal(t, protocol.TypeError, serverErr.Type)

	_, err = c.FriendChannel("carol")
	require.True(t, errors.As(err, &serverErr))
	assert.Equal(t, protocol.TypeRequestFailed, serverErr.Type)
}

func TestClient_FriendsAndDirectChannel(t *testing.T) {
	url := startServer(t)

	var mu sync.Mutex
	var events []string
	record := func(env protocol.Envelope) {
		mu.Lock()
		events = append(events, env.Type)
		mu.Unlock()
	}

	alice := dial(t, url)
	bob := dial(t, url, client.WithEventHandler(record))
	require.NoError(t, alice.Signup("alice", "pw-alice"))
	require.NoError(t, bob.Signup("bob", "pw-bob"))

	require.NoError(t, alice.AddFriend("bob"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) > 0 && events[0] == protocol.TypeRequestSent
	}, 5*time.Second, 10*time.Millisecond)

	friends, err := bob.Friends()
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, friends.Incoming)

	// The reciprocal request accepts the pending one.
	require.NoError(t, bob.AddFriend("alice"))

	friends, err = alice.Friends()
	require.NoError(t, err)
	require.Len(t, friends.Friends, 1)
	assert.Equal(t, "bob", friends.Friends[0].Username)

	direct, err := alice.FriendChannel("bob")
	require.NoError(t, err)
	again, err := bob.FriendChannel("alice")
	require.NoError(t, err)
	assert.Equal(t, direct, again)

	require.NoError(t, bob.Post(direct, "hi alice"))
	ch, err := alice.Channel(direct)
	require.NoError(t, err)
	assert.Equal(t, string(chat.ChannelDirect), ch.Type)
	require.Len(t, ch.Messages, 1)
	assert.Equal(t, "bob", ch.Messages[0].Sender)
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	url := startServer(t)
	c := dial(t, url)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Signup("x", "y"), client.ErrClosed)
}
