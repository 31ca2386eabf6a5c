package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/aeolun/pairchat/pkg/protocol"
)

// serverVersionPrefix is the SSH banner a pairchat server advertises
const serverVersionPrefix = "SSH-2.0-pairchat"

// DialSSH opens a session channel on a pairchat SSH listener. hostKey verifies
// the server key; nil accepts any key.
func DialSSH(addr string, hostKey ssh.HostKeyCallback) (*Connection, error) {
	hostPort, err := withDefaultPort(strings.TrimPrefix(addr, "ssh://"), defaultSSHPort)
	if err != nil {
		return nil, err
	}
	conn, err := dialSSH(hostPort, hostKey)
	if err != nil {
		return nil, err
	}
	return newConnection("ssh://"+hostPort, conn, protocol.NopScrambler{}), nil
}

func dialSSH(address string, hostKey ssh.HostKeyCallback) (net.Conn, error) {
	if hostKey == nil {
		hostKey = ssh.InsecureIgnoreHostKey()
	}

	netConn, err := net.DialTimeout("tcp", address, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	// The server identifies users by LOGIN, so the SSH layer uses "none" auth
	config := &ssh.ClientConfig{
		User:            "pairchat",
		HostKeyCallback: hostKey,
		Timeout:         dialTimeout,
	}

	localAddr := netConn.LocalAddr()
	remoteAddr := netConn.RemoteAddr()

	clientConn, chans, reqs, err := ssh.NewClientConn(netConn, address, config)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}

	if banner := string(clientConn.ServerVersion()); !strings.HasPrefix(banner, serverVersionPrefix) {
		clientConn.Close()
		return nil, fmt.Errorf("remote server advertised %q; expected a pairchat server (banner prefix %q)", banner, serverVersionPrefix)
	}

	client := ssh.NewClient(clientConn, chans, reqs)
	channel, requests, err := client.OpenChannel("session", nil)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("open session channel: %w", err)
	}
	go ssh.DiscardRequests(requests)

	return &sshClientConn{
		channel:    channel,
		client:     client,
		localAddr:  localAddr,
		remoteAddr: remoteAddr,
	}, nil
}

// sshClientConn wraps an SSH session channel as a net.Conn
type sshClientConn struct {
	channel    ssh.Channel
	client     *ssh.Client
	localAddr  net.Addr
	remoteAddr net.Addr
	once       sync.Once
}

func (c *sshClientConn) Read(b []byte) (int, error)  { return c.channel.Read(b) }
func (c *sshClientConn) Write(b []byte) (int, error) { return c.channel.Write(b) }

func (c *sshClientConn) Close() error {
	var err error
	c.once.Do(func() {
		if closeErr := c.channel.Close(); closeErr != nil && !errors.Is(closeErr, io.EOF) {
			err = closeErr
		}
		c.client.Close()
	})
	return err
}

func (c *sshClientConn) LocalAddr() net.Addr  { return c.localAddr }
func (c *sshClientConn) RemoteAddr() net.Addr { return c.remoteAddr }

func (c *sshClientConn) SetDeadline(t time.Time) error      { return nil }
func (c *sshClientConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *sshClientConn) SetWriteDeadline(t time.Time) error { return nil }
