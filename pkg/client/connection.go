package client

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/pairchat/pkg/protocol"
)

const (
	defaultTCPPort = "2024"
	defaultSSHPort = "2025"
	defaultWSPort  = "2026"
	dialTimeout    = 10 * time.Second
)

var (
	// ErrTimeout is returned when no packet arrives in time
	ErrTimeout = errors.New("timed out waiting for packet")
	// ErrClosed is returned after the connection is gone
	ErrClosed = errors.New("connection closed")
)

// Connection is a packet stream to a pairchat server. A background reader
// queues everything the server sends; Receive and the request helpers consume it.
type Connection struct {
	addr      string
	conn      net.Conn
	scrambler protocol.Scrambler

	writeMu sync.Mutex

	incoming chan *protocol.Packet
	done     chan struct{}
	closed   chan struct{}
	readErr  error

	// pending holds packets skipped while waiting for a specific response
	pendingMu sync.Mutex
	pending   []*protocol.Packet

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	logger    *log.Logger
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial connects to addr. A bare host:port or tcp:// address uses TCP with
// scrambler; ws:// and wss:// go through DialWebSocket; ssh:// opens an
// unauthenticated SSH session whose packets travel unscrambled.
func Dial(addr string, scrambler protocol.Scrambler) (*Connection, error) {
	scheme, hostPort, err := splitAddress(addr)
	if err != nil {
		return nil, err
	}

	switch scheme {
	case "tcp":
		hostPort, err = withDefaultPort(hostPort, defaultTCPPort)
		if err != nil {
			return nil, err
		}
		conn, err := net.DialTimeout("tcp", hostPort, dialTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to connect: %w", err)
		}
		return newConnection(hostPort, conn, scrambler), nil
	case "ws", "wss":
		return DialWebSocket(addr, scrambler)
	case "ssh":
		return DialSSH(hostPort, nil)
	default:
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}
}

// splitAddress separates an optional scheme from host:port
func splitAddress(raw string) (string, string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", "", errors.New("server address is empty")
	}
	if !strings.Contains(trimmed, "://") {
		return "tcp", trimmed, nil
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", "", fmt.Errorf("invalid server address %q: %w", raw, err)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("invalid server address %q: missing host", raw)
	}
	return strings.ToLower(u.Scheme), u.Host, nil
}

func withDefaultPort(hostPort, port string) (string, error) {
	if _, _, err := net.SplitHostPort(hostPort); err == nil {
		return hostPort, nil
	}
	host := strings.Trim(hostPort, "[]")
	if host == "" {
		return "", fmt.Errorf("invalid server address %q", hostPort)
	}
	return net.JoinHostPort(host, port), nil
}

// newConnection wraps an established net.Conn and starts its reader
func newConnection(addr string, conn net.Conn, scrambler protocol.Scrambler) *Connection {
	if scrambler == nil {
		scrambler = protocol.NopScrambler{}
	}
	c := &Connection{
		addr:      addr,
		conn:      conn,
		scrambler: scrambler,
		incoming:  make(chan *protocol.Packet, 256),
		done:      make(chan struct{}),
		closed:    make(chan struct{}),
	}
	c.wg.Add(1)
	go c.readLoop()
	return c
}

// SetLogger sets a logger for debugging connection events
func (c *Connection) SetLogger(logger *log.Logger) {
	c.logger = logger
}

func (c *Connection) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Address returns the server address this connection was dialed with
func (c *Connection) Address() string {
	return c.addr
}

// BytesSent returns the total bytes written to the server
func (c *Connection) BytesSent() uint64 {
	return c.bytesSent.Load()
}

// BytesReceived returns the total bytes read from the server
func (c *Connection) BytesReceived() uint64 {
	return c.bytesReceived.Load()
}

func (c *Connection) readLoop() {
	defer c.wg.Done()
	defer close(c.done)

	reader := &countingReader{r: c.conn, counter: &c.bytesReceived}
	for {
		p, err := protocol.ReadPacket(reader, c.scrambler)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logf("Read error: %v", err)
			}
			c.readErr = err
			return
		}
		c.logf("← RECV: %s %s", p.Type, p.Error)
		select {
		case c.incoming <- p:
		case <-c.closed:
			return
		}
	}
}

// Send writes one packet to the server
func (c *Connection) Send(p *protocol.Packet) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	writer := &countingWriter{w: c.conn, counter: &c.bytesSent}
	if err := protocol.WritePacket(writer, c.scrambler, p); err != nil {
		return fmt.Errorf("write %s: %w", p.Type, err)
	}
	c.logf("→ SEND: %s", p.Type)
	return nil
}

// Receive returns the next packet from the server, waiting up to timeout
func (c *Connection) Receive(timeout time.Duration) (*protocol.Packet, error) {
	c.pendingMu.Lock()
	if len(c.pending) > 0 {
		p := c.pending[0]
		c.pending = c.pending[1:]
		c.pendingMu.Unlock()
		return p, nil
	}
	c.pendingMu.Unlock()

	return c.next(timeout)
}

func (c *Connection) next(timeout time.Duration) (*protocol.Packet, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case p := <-c.incoming:
		return p, nil
	case <-c.done:
		// Packets read before the stream ended are still delivered
		select {
		case p := <-c.incoming:
			return p, nil
		default:
		}
		if c.readErr != nil && !errors.Is(c.readErr, io.EOF) {
			return nil, fmt.Errorf("%w: %v", ErrClosed, c.readErr)
		}
		return nil, ErrClosed
	case <-timer.C:
		return nil, ErrTimeout
	}
}

// await returns the first packet of type want. Other packets stay queued for Receive.
func (c *Connection) await(want protocol.PacketType, timeout time.Duration) (*protocol.Packet, error) {
	deadline := time.Now().Add(timeout)

	c.pendingMu.Lock()
	for i, p := range c.pending {
		if p.Type == want {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			c.pendingMu.Unlock()
			return p, nil
		}
	}
	c.pendingMu.Unlock()

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}
		p, err := c.next(remaining)
		if err != nil {
			return nil, err
		}
		if p.Type == want {
			return p, nil
		}
		c.pendingMu.Lock()
		c.pending = append(c.pending, p)
		c.pendingMu.Unlock()
	}
}

// Close closes the connection and waits for the reader to stop
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
		c.wg.Wait()
	})
	return err
}

// Done is closed once the server side of the stream has ended
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// countingReader wraps an io.Reader and counts bytes read
type countingReader struct {
	r       io.Reader
	counter *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (n int, err error) {
	n, err = cr.r.Read(p)
	if n > 0 {
		cr.counter.Add(uint64(n))
	}
	return n, err
}

// countingWriter wraps an io.Writer and counts bytes written
type countingWriter struct {
	w       io.Writer
	counter *atomic.Uint64
}

func (cw *countingWriter) Write(p []byte) (n int, err error) {
	n, err = cw.w.Write(p)
	if n > 0 {
		cw.counter.Add(uint64(n))
	}
	return n, err
}
