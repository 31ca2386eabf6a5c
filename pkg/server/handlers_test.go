package server

import (
	"bytes"
	"errors"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/pairchat/pkg/auth"
	"github.com/aeolun/pairchat/pkg/database"
	"github.com/aeolun/pairchat/pkg/protocol"
)

// initTestLoggers discards package logging during tests
func initTestLoggers(t *testing.T) {
	t.Helper()
	errorLog = log.New(io.Discard, "ERROR: ", log.LstdFlags)
	infoLog = log.New(io.Discard, "INFO: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
}

// mockConn is an in-memory net.Conn that records everything written to it
type mockConn struct {
	mu       sync.Mutex
	readBuf  bytes.Buffer
	writeBuf bytes.Buffer
	closed   bool

	// failWrites makes every write fail, like a peer whose write deadline expired
	failWrites bool
}

func newMockConn() *mockConn {
	return &mockConn{}
}

func (m *mockConn) Read(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, net.ErrClosed
	}
	return m.readBuf.Read(b)
}

func (m *mockConn) Write(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, net.ErrClosed
	}
	if m.failWrites {
		return 0, errors.New("write timed out")
	}
	return m.writeBuf.Write(b)
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockConn) LocalAddr() net.Addr                { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2024} }
func (m *mockConn) RemoteAddr() net.Addr               { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000} }
func (m *mockConn) SetDeadline(t time.Time) error      { return nil }
func (m *mockConn) SetReadDeadline(t time.Time) error  { return nil }
func (m *mockConn) SetWriteDeadline(t time.Time) error { return nil }

// testServer creates a server over a mock store with its own metrics registry
func testServer(t *testing.T) (*Server, *mockDB) {
	t.Helper()
	initTestLoggers(t)

	db := newMockDB()
	cfg := DefaultConfig()
	cfg.MaxClients = 8
	cfg.MessageRateLimit = 0
	cfg.PasswordMode = auth.ModeVigenere

	srv, err := NewServerWithStore(db, cfg, prometheus.NewRegistry())
	require.NoError(t, err)
	return srv, db
}

// testClient is one session bound to a mock connection
type testClient struct {
	t    *testing.T
	srv  *Server
	sess *Session
	conn *mockConn
}

func newTestClient(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn := newMockConn()
	safe := NewSafeConn(conn, srv.scrambler)
	slot, err := srv.table.Allocate(safe)
	require.NoError(t, err)
	return &testClient{t: t, srv: srv, sess: newSession(slot, safe, "test", 0), conn: conn}
}

// do dispatches p and returns every packet the session received
func (c *testClient) do(p *protocol.Packet) []*protocol.Packet {
	c.t.Helper()
	require.NoError(c.t, c.srv.handleMessage(c.sess, p))
	return c.drain()
}

// drain decodes every packet written to the connection so far
func (c *testClient) drain() []*protocol.Packet {
	c.t.Helper()
	c.conn.mu.Lock()
	defer c.conn.mu.Unlock()

	var out []*protocol.Packet
	for c.conn.writeBuf.Len() > 0 {
		p, err := protocol.ReadPacket(&c.conn.writeBuf, c.srv.scrambler)
		require.NoError(c.t, err)
		out = append(out, p)
	}
	return out
}

// single dispatches p and expects exactly one response
func (c *testClient) single(p *protocol.Packet) *protocol.Packet {
	c.t.Helper()
	got := c.do(p)
	require.Len(c.t, got, 1, "expected exactly one response")
	return got[0]
}

func (c *testClient) state() SessionState {
	c.t.Helper()
	st, ok := c.srv.table.Get(c.sess.Slot)
	require.True(c.t, ok)
	return st
}

func registerPacket(username, password string) *protocol.Packet {
	return &protocol.Packet{Type: protocol.TypeRegister, User: protocol.User{Username: username, Password: password}}
}

func loginPacket(username, password string) *protocol.Packet {
	return &protocol.Packet{Type: protocol.TypeLogin, User: protocol.User{Username: username, Password: password}}
}

func viewPacket(peer string) *protocol.Packet {
	return &protocol.Packet{Type: protocol.TypeViewConversation, User: protocol.User{Username: peer}}
}

func sendPacket(content, replyID string) *protocol.Packet {
	return &protocol.Packet{Type: protocol.TypeSendMessage, Message: protocol.Message{Content: content, ReplyID: replyID}}
}

// loggedIn registers username on a fresh client
func loggedIn(t *testing.T, srv *Server, username string) *testClient {
	t.Helper()
	c := newTestClient(t, srv)
	resp := c.single(registerPacket(username, "pw-"+username))
	require.Equal(t, protocol.ErrNone, resp.Error)
	return c
}

func TestRegister(t *testing.T) {
	srv, db := testServer(t)
	c := newTestClient(t, srv)

	resp := c.single(registerPacket("alice", "secret"))

	assert.Equal(t, protocol.TypeRegisterResponse, resp.Type)
	assert.Equal(t, protocol.ErrNone, resp.Error)
	assert.Equal(t, "alice", resp.User.Username)
	assert.Equal(t, SessionState{Username: "alice", View: ViewMain, RemoteAddr: c.state().RemoteAddr}, c.state())

	exists, err := db.UserExists("alice")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.NotEqual(t, "secret", db.users["alice"], "password must not be stored verbatim")
}

func TestRegisterErrors(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(srv *Server, db *mockDB, c *testClient)
		packet   *protocol.Packet
		wantCode protocol.ErrorCode
	}{
		{
			name: "duplicate user",
			setup: func(srv *Server, db *mockDB, c *testClient) {
				db.users["alice"] = "x"
			},
			packet:   registerPacket("alice", "secret"),
			wantCode: protocol.ErrUserAlreadyExists,
		},
		{
			name: "lost insert race",
			setup: func(srv *Server, db *mockDB, c *testClient) {
				db.insertUserErr = database.ErrDuplicateUser
			},
			packet:   registerPacket("alice", "secret"),
			wantCode: protocol.ErrUserAlreadyExists,
		},
		{
			name:     "empty username",
			packet:   registerPacket("", "secret"),
			wantCode: protocol.ErrInvalidUserData,
		},
		{
			name:     "empty password",
			packet:   registerPacket("alice", ""),
			wantCode: protocol.ErrInvalidUserData,
		},
		{
			name:     "whitespace in username",
			packet:   registerPacket("al ice", "secret"),
			wantCode: protocol.ErrInvalidUserData,
		},
		{
			name: "already logged in",
			setup: func(srv *Server, db *mockDB, c *testClient) {
				c.single(registerPacket("bob", "pw"))
			},
			packet:   registerPacket("alice", "secret"),
			wantCode: protocol.ErrNotLoggedOut,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, db := testServer(t)
			c := newTestClient(t, srv)
			if tt.setup != nil {
				tt.setup(srv, db, c)
			}

			resp := c.single(tt.packet)
			assert.Equal(t, protocol.TypeRegisterResponse, resp.Type)
			assert.Equal(t, tt.wantCode, resp.Error)
		})
	}
}

func TestLogin(t *testing.T) {
	srv, _ := testServer(t)
	reg := loggedIn(t, srv, "alice")
	reg.single(&protocol.Packet{Type: protocol.TypeLogout})

	c := newTestClient(t, srv)
	resp := c.single(loginPacket("alice", "pw-alice"))

	assert.Equal(t, protocol.TypeLoginResponse, resp.Type)
	assert.Equal(t, protocol.ErrNone, resp.Error)
	assert.Equal(t, "alice", resp.User.Username)
	assert.Equal(t, ViewMain, c.state().View)
	assert.Equal(t, "alice", c.state().Username)
}

func TestLoginErrors(t *testing.T) {
	srv, _ := testServer(t)
	owner := loggedIn(t, srv, "alice")
	loggedIn(t, srv, "bob").single(&protocol.Packet{Type: protocol.TypeLogout})

	c := newTestClient(t, srv)

	resp := c.single(loginPacket("alice", "wrong"))
	assert.Equal(t, protocol.ErrInvalidUserData, resp.Error)

	resp = c.single(loginPacket("nobody", "pw"))
	assert.Equal(t, protocol.ErrInvalidUserData, resp.Error)

	resp = c.single(loginPacket("alice", "pw-alice"))
	assert.Equal(t, protocol.ErrUserAlreadyConnected, resp.Error)
	assert.False(t, c.state().Authenticated())

	resp = c.single(loginPacket("bob", "pw-bob"))
	assert.Equal(t, protocol.ErrNone, resp.Error)

	resp = c.single(loginPacket("bob", "pw-bob"))
	assert.Equal(t, protocol.ErrNotLoggedOut, resp.Error)

	// Once the owner logs out the name is free again
	owner.single(&protocol.Packet{Type: protocol.TypeLogout})
	other := newTestClient(t, srv)
	resp = other.single(loginPacket("alice", "pw-alice"))
	assert.Equal(t, protocol.ErrNone, resp.Error)
}

func TestLogout(t *testing.T) {
	srv, _ := testServer(t)
	c := newTestClient(t, srv)

	resp := c.single(&protocol.Packet{Type: protocol.TypeLogout})
	assert.Equal(t, protocol.TypeLogoutResponse, resp.Type)
	assert.Equal(t, protocol.ErrNotLoggedIn, resp.Error)

	c.single(registerPacket("alice", "pw"))
	assert.Empty(t, c.do(viewPacket("alice")))

	resp = c.single(&protocol.Packet{Type: protocol.TypeLogout})
	assert.Equal(t, protocol.ErrNone, resp.Error)
	assert.Equal(t, "alice", resp.User.Username)

	st := c.state()
	assert.Equal(t, "", st.Username)
	assert.Equal(t, ViewLogin, st.View)
	assert.Equal(t, "", st.Peer)
}

func TestSendMessagePreconditions(t *testing.T) {
	srv, _ := testServer(t)
	loggedIn(t, srv, "bob")

	anon := newTestClient(t, srv)
	resp := anon.single(sendPacket("hi", ""))
	assert.Equal(t, protocol.TypeSendMessageResponse, resp.Type)
	assert.Equal(t, protocol.ErrNotLoggedIn, resp.Error)

	alice := loggedIn(t, srv, "alice")
	resp = alice.single(sendPacket("hi", ""))
	assert.Equal(t, protocol.ErrWrongView, resp.Error)

	assert.Empty(t, alice.do(viewPacket("bob")))
	assert.Empty(t, alice.do(&protocol.Packet{Type: protocol.TypeViewAllConvos}))
	resp = alice.single(sendPacket("hi", ""))
	assert.Equal(t, protocol.ErrWrongView, resp.Error, "VIEW_ALL_CONVOS leaves the conversation")
}

func TestSendMessageStoresAndEchoes(t *testing.T) {
	srv, db := testServer(t)
	loggedIn(t, srv, "bob")
	alice := loggedIn(t, srv, "alice")
	assert.Empty(t, alice.do(viewPacket("bob")))

	got := alice.do(&protocol.Packet{
		Type:    protocol.TypeSendMessage,
		Message: protocol.Message{Receiver: "mallory", Sender: "mallory", Content: "hello"},
	})
	require.Len(t, got, 2)

	assert.Equal(t, protocol.TypeMessageNotification, got[0].Type)
	assert.Equal(t, protocol.TypeSendMessageResponse, got[1].Type)
	assert.Equal(t, protocol.ErrNone, got[1].Error)

	for _, p := range got {
		assert.Equal(t, "1", p.Message.ID)
		assert.Equal(t, "alice", p.Message.Sender)
		assert.Equal(t, "bob", p.Message.Receiver, "receiver comes from the viewed peer")
		assert.Equal(t, "hello", p.Message.Content)
		assert.NotEmpty(t, p.Message.TimeStamp)
	}

	stored := db.Stored()
	require.Len(t, stored, 1)
	assert.Equal(t, "alice", stored[0].Sender)
	assert.Equal(t, "bob", stored[0].Receiver)
}

func TestSendMessagePresenceDelivery(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(bob *testClient)
	}{
		{
			name:    "receiver in main view",
			prepare: func(bob *testClient) { bob.do(&protocol.Packet{Type: protocol.TypeViewAllConvos}) },
		},
		{
			name:    "receiver viewing another conversation",
			prepare: func(bob *testClient) { bob.do(viewPacket("carol")) },
		},
		{
			name:    "receiver logged out",
			prepare: func(bob *testClient) { bob.do(&protocol.Packet{Type: protocol.TypeLogout}) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := testServer(t)
			loggedIn(t, srv, "carol")
			bob := loggedIn(t, srv, "bob")
			alice := loggedIn(t, srv, "alice")
			alice.do(viewPacket("bob"))

			tt.prepare(bob)
			bob.drain()

			alice.do(sendPacket("ping", ""))
			assert.Empty(t, bob.drain(), "no live push expected")
		})
	}

	t.Run("receiver viewing sender gets push", func(t *testing.T) {
		srv, _ := testServer(t)
		bob := loggedIn(t, srv, "bob")
		alice := loggedIn(t, srv, "alice")
		bob.do(viewPacket("alice"))
		alice.do(viewPacket("bob"))

		alice.do(sendPacket("ping", ""))

		pushed := bob.drain()
		require.Len(t, pushed, 1)
		assert.Equal(t, protocol.TypeMessageNotification, pushed[0].Type)
		assert.Equal(t, "alice", pushed[0].Message.Sender)
		assert.Equal(t, "bob", pushed[0].Message.Receiver)
		assert.Equal(t, "ping", pushed[0].Message.Content)
		assert.Equal(t, 1.0, testutil.ToFloat64(srv.metrics.liveDeliveries))
	})
}

func TestSendMessageFailedDeliveryClosesReceiver(t *testing.T) {
	srv, db := testServer(t)
	bob := loggedIn(t, srv, "bob")
	alice := loggedIn(t, srv, "alice")
	assert.Empty(t, bob.do(viewPacket("alice")))
	assert.Empty(t, alice.do(viewPacket("bob")))

	bob.conn.mu.Lock()
	bob.conn.failWrites = true
	bob.conn.mu.Unlock()

	got := alice.do(sendPacket("ping", ""))

	// The sender is unaffected: echo then response
	require.Len(t, got, 2)
	assert.Equal(t, protocol.TypeMessageNotification, got[0].Type)
	assert.Equal(t, protocol.TypeSendMessageResponse, got[1].Type)
	assert.Equal(t, protocol.ErrNone, got[1].Error)
	assert.Len(t, db.Stored(), 1)

	assert.True(t, bob.conn.IsClosed(), "receiver with a broken stream should be closed")
	assert.Equal(t, 0.0, testutil.ToFloat64(srv.metrics.liveDeliveries))
}

func TestViewStorageFailureKeepsView(t *testing.T) {
	srv, db := testServer(t)
	loggedIn(t, srv, "bob")
	alice := loggedIn(t, srv, "alice")

	db.FailOn("list conversation", true)
	resp := alice.single(viewPacket("bob"))
	assert.Equal(t, protocol.TypeViewConversationResponse, resp.Type)
	assert.Equal(t, protocol.ErrStorage, resp.Error)
	assert.Equal(t, ViewMain, alice.state().View)
	assert.Equal(t, "", alice.state().Peer)

	resp = alice.single(sendPacket("hi", ""))
	assert.Equal(t, protocol.ErrWrongView, resp.Error)

	db.FailOn("list conversation", false)
	assert.Empty(t, alice.do(viewPacket("bob")))
	require.Equal(t, ViewConversation, alice.state().View)

	db.FailOn("list participants", true)
	resp = alice.single(&protocol.Packet{Type: protocol.TypeViewAllConvos})
	assert.Equal(t, protocol.ErrStorage, resp.Error)
	assert.Equal(t, ViewConversation, alice.state().View)
	assert.Equal(t, "bob", alice.state().Peer)
}

func TestSendMessageToSelf(t *testing.T) {
	srv, db := testServer(t)
	alice := loggedIn(t, srv, "alice")
	alice.do(viewPacket("alice"))

	got := alice.do(sendPacket("note to self", ""))
	require.Len(t, got, 2, "the sender is never pushed its own message twice")
	assert.Len(t, db.Stored(), 1)
}

func TestSendReply(t *testing.T) {
	srv, db := testServer(t)
	loggedIn(t, srv, "bob")
	alice := loggedIn(t, srv, "alice")
	alice.do(viewPacket("bob"))
	alice.do(sendPacket("lunch?", ""))

	got := alice.do(sendPacket("yes", "1"))
	require.Len(t, got, 2)
	resp := got[1]
	assert.Equal(t, protocol.ErrNone, resp.Error)
	assert.Equal(t, "2", resp.Message.ID)
	assert.Equal(t, "1", resp.Message.ReplyID)
	assert.Equal(t, "REPLY TO: 'lunch?'\nyes", resp.Message.Content)

	stored := db.Stored()
	require.NotNil(t, stored[1].ReplyID)
	assert.Equal(t, int64(1), *stored[1].ReplyID)
}

func TestSendReplyClipsContent(t *testing.T) {
	srv, db := testServer(t)
	loggedIn(t, srv, "bob")
	alice := loggedIn(t, srv, "alice")
	alice.do(viewPacket("bob"))
	alice.do(sendPacket(strings.Repeat("o", protocol.ContentLength-1), ""))

	got := alice.do(sendPacket(strings.Repeat("r", protocol.ContentLength-1), "1"))
	require.Len(t, got, 2)
	assert.Equal(t, protocol.ErrNone, got[1].Error)

	stored := db.Stored()[1].Content
	assert.Len(t, stored, protocol.ContentLength-1)
	assert.True(t, strings.HasPrefix(stored, "REPLY TO: 'ooo"))
}

func TestSendReplyInvalid(t *testing.T) {
	srv, db := testServer(t)
	loggedIn(t, srv, "bob")
	carol := loggedIn(t, srv, "carol")
	carol.do(viewPacket("bob"))
	carol.do(sendPacket("private", "")) // id 1, carol <-> bob

	alice := loggedIn(t, srv, "alice")
	alice.do(viewPacket("bob"))

	for _, replyID := range []string{"abc", "-1", "0", "1", "99"} {
		t.Run(replyID, func(t *testing.T) {
			resp := alice.single(sendPacket("hmm", replyID))
			assert.Equal(t, protocol.TypeSendMessageResponse, resp.Type)
			assert.Equal(t, protocol.ErrInvalidReplyID, resp.Error)
		})
	}
	assert.Len(t, db.Stored(), 1, "rejected replies are not stored")
}

func TestSendMessageUnknownReceiver(t *testing.T) {
	srv, db := testServer(t)
	loggedIn(t, srv, "bob")
	alice := loggedIn(t, srv, "alice")
	alice.do(viewPacket("bob"))

	// The peer's account vanishes after the conversation was opened
	db.mu.Lock()
	delete(db.users, "bob")
	db.mu.Unlock()

	resp := alice.single(sendPacket("hello?", ""))
	assert.Equal(t, protocol.ErrInvalidUserData, resp.Error)
}

func TestViewAllConvos(t *testing.T) {
	srv, _ := testServer(t)

	anon := newTestClient(t, srv)
	resp := anon.single(&protocol.Packet{Type: protocol.TypeViewAllConvos})
	assert.Equal(t, protocol.TypeViewAllConvosResponse, resp.Type)
	assert.Equal(t, protocol.ErrNotLoggedIn, resp.Error)

	carol := loggedIn(t, srv, "carol")
	bob := loggedIn(t, srv, "bob")
	alice := loggedIn(t, srv, "alice")

	alice.do(viewPacket("bob"))
	alice.do(sendPacket("1", ""))
	bob.do(viewPacket("alice"))
	bob.do(sendPacket("2", ""))
	carol.do(viewPacket("alice"))
	carol.do(sendPacket("3", ""))
	alice.drain()

	got := alice.do(&protocol.Packet{Type: protocol.TypeViewAllConvos})
	require.Len(t, got, 2)
	assert.Equal(t, "bob", got[0].User.Username)
	assert.Equal(t, "carol", got[1].User.Username)
	for _, p := range got {
		assert.Equal(t, protocol.TypeViewAllConvosResponse, p.Type)
		assert.Equal(t, protocol.ErrNone, p.Error)
	}

	st := alice.state()
	assert.Equal(t, ViewMain, st.View)
	assert.Equal(t, "", st.Peer)
}

func TestViewConversation(t *testing.T) {
	srv, _ := testServer(t)
	bob := loggedIn(t, srv, "bob")
	alice := loggedIn(t, srv, "alice")

	resp := newTestClient(t, srv).single(viewPacket("bob"))
	assert.Equal(t, protocol.ErrNotLoggedIn, resp.Error)

	resp = alice.single(viewPacket("nobody"))
	assert.Equal(t, protocol.TypeViewConversationResponse, resp.Type)
	assert.Equal(t, protocol.ErrInvalidUserData, resp.Error)
	assert.Equal(t, ViewMain, alice.state().View, "failed view leaves state unchanged")

	assert.Empty(t, alice.do(viewPacket("bob")), "empty conversation streams nothing")
	assert.Equal(t, SessionState{Username: "alice", View: ViewConversation, Peer: "bob", RemoteAddr: alice.state().RemoteAddr}, alice.state())

	alice.do(sendPacket("first", ""))
	bob.do(viewPacket("alice"))
	bob.do(sendPacket("second", "1"))
	alice.drain()

	got := alice.do(viewPacket("bob"))
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Message.Content)
	assert.Equal(t, "alice", got[0].Message.Sender)
	assert.Equal(t, "", got[0].Message.ReplyID)
	assert.Equal(t, "REPLY TO: 'first'\nsecond", got[1].Message.Content)
	assert.Equal(t, "bob", got[1].Message.Sender)
	assert.Equal(t, "1", got[1].Message.ReplyID)
}

func TestUnknownPacketType(t *testing.T) {
	srv, _ := testServer(t)
	c := newTestClient(t, srv)

	for _, typ := range []protocol.PacketType{protocol.TypeEmpty, protocol.TypeMessageNotification, protocol.TypeLoginResponse, 42} {
		resp := c.single(&protocol.Packet{Type: typ, Error: protocol.ErrWrongView})
		assert.Equal(t, protocol.TypeEmpty, resp.Type)
		assert.Equal(t, protocol.ErrNone, resp.Error)
	}
	assert.Equal(t, ViewLogin, c.state().View)
}

func TestStorageFailureKeepsSession(t *testing.T) {
	srv, db := testServer(t)
	alice := loggedIn(t, srv, "alice")

	db.FailOn("list participants", true)
	resp := alice.single(&protocol.Packet{Type: protocol.TypeViewAllConvos})
	assert.Equal(t, protocol.TypeViewAllConvosResponse, resp.Type)
	assert.Equal(t, protocol.ErrStorage, resp.Error)
	assert.Equal(t, 1.0, testutil.ToFloat64(srv.metrics.storageFailures.WithLabelValues("VIEW_ALL_CONVOS")))

	db.FailOn("list participants", false)
	assert.Empty(t, alice.do(&protocol.Packet{Type: protocol.TypeViewAllConvos}))

	db.FailOn("insert user", true)
	resp = newTestClient(t, srv).single(registerPacket("bob", "pw"))
	assert.Equal(t, protocol.ErrStorage, resp.Error)
}

func TestNonStorageErrorEndsSession(t *testing.T) {
	srv, db := testServer(t)
	db.insertUserErr = errors.New("unexpected")
	c := newTestClient(t, srv)

	err := srv.handleMessage(c.sess, registerPacket("alice", "pw"))
	assert.Error(t, err)
}

func TestRegisterRaceSingleWinner(t *testing.T) {
	srv, _ := testServer(t)

	const racers = 6
	clients := make([]*testClient, racers)
	for i := range clients {
		clients[i] = newTestClient(t, srv)
	}

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *testClient) {
			defer wg.Done()
			srv.handleMessage(c.sess, registerPacket("alice", "pw"))
		}(c)
	}
	wg.Wait()

	winners := 0
	for _, c := range clients {
		for _, p := range c.drain() {
			if p.Error == protocol.ErrNone {
				winners++
			} else {
				assert.Equal(t, protocol.ErrUserAlreadyExists, p.Error)
			}
		}
	}
	assert.Equal(t, 1, winners)
}
