package server

import (
	"net"
	"sync"
	"time"

	"go.uber.org/ratelimit"

	"github.com/aeolun/pairchat/pkg/protocol"
)

// writeTimeout bounds a single packet write so a stalled peer cannot hold a sender forever
const writeTimeout = 5 * time.Second

// SafeConn wraps a connection with a write mutex and the scrambler of its transport.
// Responses from the owning worker and notifications pushed by other workers
// go through Send and never interleave on the wire.
type SafeConn struct {
	net.Conn
	scrambler protocol.Scrambler
	mu        sync.Mutex
}

// NewSafeConn wraps conn. A nil scrambler sends packets unscrambled.
func NewSafeConn(conn net.Conn, scrambler protocol.Scrambler) *SafeConn {
	if scrambler == nil {
		scrambler = protocol.NopScrambler{}
	}
	return &SafeConn{Conn: conn, scrambler: scrambler}
}

// Send encodes, scrambles and writes one packet
func (c *SafeConn) Send(p *protocol.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return protocol.WritePacket(c.Conn, c.scrambler, p)
}

// Receive reads one packet. Only the owning worker reads, so no lock is taken.
func (c *SafeConn) Receive() (*protocol.Packet, error) {
	return protocol.ReadPacket(c.Conn, c.scrambler)
}

// Write serializes raw writes with Send
func (c *SafeConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.Write(b)
}

// Session is the worker-local view of one connection: its table slot, its
// connection and its send throttle. Shared state lives in the ConnectionTable.
type Session struct {
	Slot      Slot
	Conn      *SafeConn
	Transport string
	limiter   ratelimit.Limiter
}

// newSession builds the worker state for an allocated slot.
// perMinute <= 0 disables send throttling.
func newSession(slot Slot, conn *SafeConn, transport string, perMinute int) *Session {
	limiter := ratelimit.NewUnlimited()
	if perMinute > 0 {
		limiter = ratelimit.New(perMinute, ratelimit.Per(time.Minute), ratelimit.WithoutSlack)
	}
	return &Session{
		Slot:      slot,
		Conn:      conn,
		Transport: transport,
		limiter:   limiter,
	}
}

// throttle blocks until the session may send another message
func (s *Session) throttle() {
	s.limiter.Take()
}
