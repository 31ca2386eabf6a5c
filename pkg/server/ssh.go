package server

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/aeolun/pairchat/pkg/protocol"
)

// startSSHServer starts the SSH listener when ssh_port is set
func (s *Server) startSSHServer() error {
	if s.config.SSHPort <= 0 {
		debugLog.Printf("SSH server disabled (ssh_port=%d)", s.config.SSHPort)
		return nil
	}

	hostKey, err := s.loadOrGenerateHostKey()
	if err != nil {
		return fmt.Errorf("failed to load host key: %w", err)
	}

	addr := net.JoinHostPort(s.config.ListenHost, fmt.Sprint(s.config.SSHPort))
	listener, err := listen(addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.sshListener = listener
	infoLog.Printf("SSH server listening on %s", listener.Addr())

	s.wg.Add(1)
	go s.acceptSSHLoop(listener, sshServerConfig(hostKey))
	return nil
}

// sshServerConfig accepts any client; identity is established by LOGIN inside the channel
func sshServerConfig(hostKey ssh.Signer) *ssh.ServerConfig {
	config := &ssh.ServerConfig{NoClientAuth: true}
	config.ServerVersion = "SSH-2.0-pairchat"
	config.AddHostKey(hostKey)
	return config
}

// acceptSSHLoop accepts incoming SSH connections
func (s *Server) acceptSSHLoop(listener net.Listener, config *ssh.ServerConfig) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				errorLog.Printf("SSH accept error: %v", err)
				continue
			}
		}

		s.wg.Add(1)
		go s.handleSSHConnection(conn, config)
	}
}

// handleSSHConnection performs the handshake and serves each session channel
// as its own packet stream
func (s *Server) handleSSHConnection(conn net.Conn, config *ssh.ServerConfig) {
	defer s.wg.Done()
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(30 * time.Second))
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		debugLog.Printf("SSH handshake failed: %v", err)
		return
	}
	defer sshConn.Close()
	conn.SetDeadline(time.Time{})

	// Stop closes session channels; the transport itself must go too so the
	// channel loop below ends
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-s.shutdown:
			sshConn.Close()
		case <-finished:
		}
	}()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			errorLog.Printf("Could not accept SSH channel: %v", err)
			continue
		}

		go handleSSHChannelRequests(requests)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			// The SSH layer already encrypts, so packets travel unscrambled
			s.serveConn(&sshChannelConn{channel: channel, conn: sshConn}, "ssh", protocol.NopScrambler{})
		}()
	}
}

func handleSSHChannelRequests(requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "shell", "pty-req", "env", "window-change":
			if req.WantReply {
				req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// sshChannelConn wraps ssh.Channel to implement net.Conn.
// Channels have no deadlines, so the idle timeout does not apply to SSH sessions.
// A write still blocked at the write deadline closes the whole SSH connection.
type sshChannelConn struct {
	channel ssh.Channel
	conn    ssh.Conn

	mu            sync.Mutex
	writeDeadline time.Time
}

func (c *sshChannelConn) Read(b []byte) (int, error) { return c.channel.Read(b) }

func (c *sshChannelConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	deadline := c.writeDeadline
	c.mu.Unlock()

	if deadline.IsZero() {
		return c.channel.Write(b)
	}
	wait := time.Until(deadline)
	if wait <= 0 {
		return 0, os.ErrDeadlineExceeded
	}

	timer := time.AfterFunc(wait, func() {
		c.channel.Close()
		c.conn.Close()
	})
	n, err := c.channel.Write(b)
	if !timer.Stop() && err != nil {
		err = os.ErrDeadlineExceeded
	}
	return n, err
}

func (c *sshChannelConn) Close() error         { return c.channel.Close() }
func (c *sshChannelConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *sshChannelConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *sshChannelConn) SetDeadline(t time.Time) error     { return c.SetWriteDeadline(t) }
func (c *sshChannelConn) SetReadDeadline(t time.Time) error { return nil }

func (c *sshChannelConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeDeadline = t
	return nil
}

// loadOrGenerateHostKey loads the SSH host key or generates one if it doesn't exist
func (s *Server) loadOrGenerateHostKey() (ssh.Signer, error) {
	keyPath, err := expandHome(s.config.SSHHostKeyPath)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(keyPath) == "" {
		return nil, fmt.Errorf("ssh host key path is empty; set [server].ssh_host_key or remove it to use the default (%s)", DefaultConfig().SSHHostKeyPath)
	}

	keyBytes, err := os.ReadFile(keyPath)
	if err == nil {
		key, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key: %w", err)
		}
		debugLog.Printf("Loaded SSH host key from %s", keyPath)
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}

	infoLog.Printf("Generating new SSH host key at %s", keyPath)

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	privateKeyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	})

	if err := os.MkdirAll(filepath.Dir(keyPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(keyPath, privateKeyPEM, 0600); err != nil {
		return nil, fmt.Errorf("failed to write key: %w", err)
	}

	key, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated key: %w", err)
	}
	return key, nil
}
