package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/aeolun/pairchat/pkg/protocol"
)

// DefaultTimeout bounds how long a request helper waits for its response
const DefaultTimeout = 5 * time.Second

// StreamQuiet is how long a listing waits for further rows. The server sends
// no terminator, so a listing ends when the stream goes quiet.
var StreamQuiet = 200 * time.Millisecond

// ResponseError is a response that carried a failure code
type ResponseError struct {
	Type protocol.PacketType
	Code protocol.ErrorCode
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Code)
}

// IsCode reports whether err is a ResponseError carrying code
func IsCode(err error, code protocol.ErrorCode) bool {
	var respErr *ResponseError
	return errors.As(err, &respErr) && respErr.Code == code
}

// request sends p and waits for its response. A failure code becomes a *ResponseError.
func (c *Connection) request(p *protocol.Packet) (*protocol.Packet, error) {
	if err := c.Send(p); err != nil {
		return nil, err
	}
	resp, err := c.await(p.Type.ResponseType(), DefaultTimeout)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.Type, err)
	}
	if resp.Error != protocol.ErrNone {
		return resp, &ResponseError{Type: resp.Type, Code: resp.Error}
	}
	return resp, nil
}

// Register creates an account and logs this connection in as it
func (c *Connection) Register(username, password string) error {
	_, err := c.request(&protocol.Packet{
		Type: protocol.TypeRegister,
		User: protocol.User{Username: username, Password: password},
	})
	return err
}

// Login authenticates this connection as username
func (c *Connection) Login(username, password string) error {
	_, err := c.request(&protocol.Packet{
		Type: protocol.TypeLogin,
		User: protocol.User{Username: username, Password: password},
	})
	return err
}

// Logout returns this connection to the login view
func (c *Connection) Logout() error {
	_, err := c.request(&protocol.Packet{Type: protocol.TypeLogout})
	return err
}

// SendMessage sends content to the peer currently being viewed and returns
// the stored message. The echoed notification is consumed.
func (c *Connection) SendMessage(content string) (protocol.Message, error) {
	return c.send(content, "")
}

// Reply sends content as a reply to message id in the current conversation
func (c *Connection) Reply(id, content string) (protocol.Message, error) {
	return c.send(content, id)
}

func (c *Connection) send(content, replyID string) (protocol.Message, error) {
	resp, err := c.request(&protocol.Packet{
		Type:    protocol.TypeSendMessage,
		Message: protocol.Message{Content: content, ReplyID: replyID},
	})
	if err != nil {
		return protocol.Message{}, err
	}
	c.dropEcho(resp.Message.ID)
	return resp.Message, nil
}

// dropEcho removes the sender's own copy of a just-sent message from the queue
func (c *Connection) dropEcho(id string) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for i, p := range c.pending {
		if p.Type == protocol.TypeMessageNotification && p.Message.ID == id {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// ViewAllConvos returns to the main view and lists conversation partners
func (c *Connection) ViewAllConvos() ([]string, error) {
	rows, err := c.stream(&protocol.Packet{Type: protocol.TypeViewAllConvos})
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(rows))
	for _, p := range rows {
		names = append(names, p.User.Username)
	}
	return names, nil
}

// ViewConversation opens the conversation with peer and returns its history
func (c *Connection) ViewConversation(peer string) ([]protocol.Message, error) {
	rows, err := c.stream(&protocol.Packet{
		Type: protocol.TypeViewConversation,
		User: protocol.User{Username: peer},
	})
	if err != nil {
		return nil, err
	}
	messages := make([]protocol.Message, 0, len(rows))
	for _, p := range rows {
		messages = append(messages, p.Message)
	}
	return messages, nil
}

// stream sends p and collects response rows until the stream goes quiet
func (c *Connection) stream(p *protocol.Packet) ([]*protocol.Packet, error) {
	if err := c.Send(p); err != nil {
		return nil, err
	}

	want := p.Type.ResponseType()
	var rows []*protocol.Packet
	for {
		resp, err := c.await(want, StreamQuiet)
		if errors.Is(err, ErrTimeout) {
			return rows, nil
		}
		if err != nil {
			return rows, err
		}
		if resp.Error != protocol.ErrNone {
			return nil, &ResponseError{Type: resp.Type, Code: resp.Error}
		}
		rows = append(rows, resp)
	}
}

// NextNotification waits for a live MESSAGE_NOTIFICATION
func (c *Connection) NextNotification(timeout time.Duration) (protocol.Message, error) {
	p, err := c.await(protocol.TypeMessageNotification, timeout)
	if err != nil {
		return protocol.Message{}, err
	}
	return p.Message, nil
}
