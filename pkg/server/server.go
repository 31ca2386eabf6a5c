package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aeolun/pairchat/pkg/auth"
	"github.com/aeolun/pairchat/pkg/database"
	"github.com/aeolun/pairchat/pkg/protocol"
)

// Server represents the pairchat server
type Server struct {
	db        DatabaseStore
	table     *ConnectionTable
	sealer    auth.Sealer
	scrambler protocol.Scrambler
	metrics   *Metrics
	gatherer  prometheus.Gatherer
	config    ServerConfig
	startTime time.Time

	listener    net.Listener
	sshListener net.Listener
	httpServer  *http.Server

	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// ServerConfig holds server configuration
type ServerConfig struct {
	ListenHost         string
	TCPPort            int // 0 picks a free port
	SSHPort            int // 0 disables the SSH listener
	HTTPPort           int // 0 disables WebSocket, /health and /metrics
	SSHHostKeyPath     string
	MaxClients         int
	MessageRateLimit   int // messages per minute per session, 0 disables
	IdleTimeoutSeconds int // 0 disables the read deadline
	ScrambleKey        string
	PasswordMode       string
	VigenereKey        string
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:            2024,
		SSHHostKeyPath:     "~/.pairchat/ssh_host_key",
		MaxClients:         DefaultMaxClients,
		MessageRateLimit:   60,
		IdleTimeoutSeconds: 1800,
		ScrambleKey:        protocol.DefaultKey,
		PasswordMode:       auth.ModeArgon2,
		VigenereKey:        protocol.DefaultKey,
	}
}

// NewServer opens the database at dbPath and creates a server instance.
// Metrics register with reg; nil uses the default Prometheus registry.
func NewServer(dbPath string, config ServerConfig, reg prometheus.Registerer) (*Server, error) {
	db, err := database.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s, err := NewServerWithStore(db, config, reg)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewServerWithStore creates a server over an already opened store
func NewServerWithStore(db DatabaseStore, config ServerConfig, reg prometheus.Registerer) (*Server, error) {
	sealer, err := auth.NewSealer(config.PasswordMode, config.VigenereKey)
	if err != nil {
		return nil, fmt.Errorf("invalid password config: %w", err)
	}

	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	return &Server{
		db:        db,
		table:     NewConnectionTable(config.MaxClients),
		sealer:    sealer,
		scrambler: protocol.NewXORScrambler(config.ScrambleKey),
		metrics:   NewMetrics(reg),
		gatherer:  gatherer,
		config:    config,
		startTime: time.Now(),
		shutdown:  make(chan struct{}),
	}, nil
}

// Start starts the TCP listener and the optional SSH and HTTP listeners
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.ListenHost, fmt.Sprint(s.config.TCPPort))
	listener, err := listen(addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	logListenBacklog(listener.Addr().String())

	if err := s.startSSHServer(); err != nil {
		s.listener.Close()
		return fmt.Errorf("failed to start SSH server: %w", err)
	}

	if err := s.startHTTPServer(); err != nil {
		s.listener.Close()
		if s.sshListener != nil {
			s.sshListener.Close()
		}
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitorListenOverflows()
	}()

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// listen opens a TCP listener with SO_REUSEADDR so a restart can rebind immediately
func listen(addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = setSocketOptions(fd)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}
	return lc.Listen(context.Background(), "tcp", addr)
}

// Addr returns the TCP listener address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listeners and every live session, waits for workers and
// closes the database. It is safe to call more than once.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.shutdown)

		if s.listener != nil {
			s.listener.Close()
		}
		if s.sshListener != nil {
			s.sshListener.Close()
		}
		if s.httpServer != nil {
			s.httpServer.Close()
		}

		s.table.CloseAll()
		s.wg.Wait()

		err = s.db.Close()
	})
	return err
}

// acceptLoop accepts incoming TCP connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				errorLog.Printf("Accept error: %v", err)
				continue
			}
		}

		// Disable Nagle's algorithm; packets are small and interactive
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn, "tcp", s.scrambler)
		}()
	}
}

// serveConn binds conn to a table slot and runs its session until the peer
// disconnects, goes idle, or the server stops
func (s *Server) serveConn(conn net.Conn, transport string, scrambler protocol.Scrambler) {
	safe := NewSafeConn(conn, scrambler)

	slot, err := s.table.Allocate(safe)
	if err != nil {
		infoLog.Printf("Rejecting %s connection from %s: %v", transport, conn.RemoteAddr(), err)
		s.metrics.RecordSessionRejected()
		conn.Close()
		return
	}

	// A connection allocated after CloseAll ran would never be closed
	select {
	case <-s.shutdown:
		s.table.Release(slot)
		return
	default:
	}

	s.metrics.RecordSessionCreated(transport)
	s.metrics.RecordActiveSessions(s.table.Active())
	debugLog.Printf("New %s connection from %s (slot %d)", transport, conn.RemoteAddr(), slot)

	sess := newSession(slot, safe, transport, s.config.MessageRateLimit)
	defer func() {
		prev, _ := s.table.Release(slot)
		s.metrics.RecordSessionDisconnected()
		s.metrics.RecordActiveSessions(s.table.Active())
		debugLog.Printf("Slot %d released (user %q)", slot, prev.Username)
	}()

	s.messageLoop(sess)
}

// messageLoop reads one packet at a time and dispatches it
func (s *Server) messageLoop(sess *Session) {
	idle := time.Duration(s.config.IdleTimeoutSeconds) * time.Second

	for {
		if idle > 0 {
			sess.Conn.SetReadDeadline(time.Now().Add(idle))
		}

		p, err := sess.Conn.Receive()
		if err != nil {
			s.logDisconnect(sess, err)
			return
		}

		debugLog.Printf("Slot %d ← RECV: %s", sess.Slot, p.Type)
		s.metrics.RecordPacketReceived(p.Type)

		start := time.Now()
		if err := s.handleMessage(sess, p); err != nil {
			errorLog.Printf("Slot %d handle error on %s: %v", sess.Slot, p.Type, err)
			return
		}
		s.metrics.RecordRequestDuration(p.Type, time.Since(start))
	}
}

func (s *Server) logDisconnect(sess *Session, err error) {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF):
		debugLog.Printf("Slot %d disconnected", sess.Slot)
	case errors.Is(err, io.ErrUnexpectedEOF):
		debugLog.Printf("Slot %d disconnected mid-packet", sess.Slot)
	case errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()):
		infoLog.Printf("Slot %d idle for %ds, closing", sess.Slot, s.config.IdleTimeoutSeconds)
	case errors.Is(err, net.ErrClosed):
		debugLog.Printf("Slot %d closed", sess.Slot)
	default:
		debugLog.Printf("Slot %d read error: %v", sess.Slot, err)
	}
}

// ActiveSessions returns the number of occupied connection table slots
func (s *Server) ActiveSessions() int {
	return s.table.Active()
}
