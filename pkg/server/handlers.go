package server

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/aeolun/pairchat/pkg/auth"
	"github.com/aeolun/pairchat/pkg/database"
	"github.com/aeolun/pairchat/pkg/protocol"
)

// replyPrefix is prepended to the stored content of a reply
const replyPrefix = "REPLY TO: '%s'\n"

// handleMessage dispatches a packet to the handler for its type
func (s *Server) handleMessage(sess *Session, p *protocol.Packet) error {
	switch p.Type {
	case protocol.TypeRegister:
		return s.handleRegister(sess, p)
	case protocol.TypeLogin:
		return s.handleLogin(sess, p)
	case protocol.TypeLogout:
		return s.handleLogout(sess)
	case protocol.TypeSendMessage:
		return s.handleSendMessage(sess, p)
	case protocol.TypeViewAllConvos:
		return s.handleViewAllConvos(sess)
	case protocol.TypeViewConversation:
		return s.handleViewConversation(sess, p)
	default:
		// Anything else, including server-to-client types, gets an empty acknowledgement
		return s.send(sess.Conn, &protocol.Packet{Type: protocol.TypeEmpty, Error: protocol.ErrNone})
	}
}

// send writes a packet to conn and records it
func (s *Server) send(conn *SafeConn, p *protocol.Packet) error {
	if err := conn.Send(p); err != nil {
		return err
	}
	s.metrics.RecordPacketSent(p)
	return nil
}

// sendError answers a request with a bare response carrying code
func (s *Server) sendError(sess *Session, request protocol.PacketType, code protocol.ErrorCode) error {
	return s.send(sess.Conn, &protocol.Packet{Type: request.ResponseType(), Error: code})
}

// storageFailure logs a persistence error and reports it to the client.
// Errors that are not storage errors are returned unchanged.
func (s *Server) storageFailure(sess *Session, request protocol.PacketType, err error) error {
	var storageErr *database.StorageError
	if !errors.As(err, &storageErr) {
		return err
	}
	errorLog.Printf("Slot %d: %s failed: %v", sess.Slot, request, err)
	s.metrics.RecordStorageFailure(request)
	return s.sendError(sess, request, protocol.ErrStorage)
}

// state returns the session's table record. A missing record means the slot
// was released under the worker, which only happens during shutdown.
func (s *Server) state(sess *Session) (SessionState, error) {
	state, ok := s.table.Get(sess.Slot)
	if !ok {
		return SessionState{}, fmt.Errorf("slot %d: %w", sess.Slot, ErrSlotFree)
	}
	return state, nil
}

// handleRegister handles REGISTER
func (s *Server) handleRegister(sess *Session, p *protocol.Packet) error {
	state, err := s.state(sess)
	if err != nil {
		return err
	}
	if state.Authenticated() {
		return s.sendError(sess, p.Type, protocol.ErrNotLoggedOut)
	}

	username, password := p.User.Username, p.User.Password
	if auth.ValidateUsername(username) != nil || auth.ValidatePassword(password) != nil {
		return s.sendError(sess, p.Type, protocol.ErrInvalidUserData)
	}

	// Cheap existence check before paying for the password hash
	exists, err := s.db.UserExists(username)
	if err != nil {
		return s.storageFailure(sess, p.Type, err)
	}
	if exists {
		return s.sendError(sess, p.Type, protocol.ErrUserAlreadyExists)
	}

	sealed, err := s.sealer.Seal(username, password)
	if err != nil {
		return fmt.Errorf("seal password: %w", err)
	}

	// The primary key rejects a concurrent registration that passed the check above
	if err := s.db.InsertUser(username, sealed); err != nil {
		if errors.Is(err, database.ErrDuplicateUser) {
			return s.sendError(sess, p.Type, protocol.ErrUserAlreadyExists)
		}
		return s.storageFailure(sess, p.Type, err)
	}

	if err := s.table.ClaimUsername(sess.Slot, username); err != nil {
		if errors.Is(err, ErrAlreadyConnected) {
			return s.sendError(sess, p.Type, protocol.ErrUserAlreadyConnected)
		}
		return err
	}

	infoLog.Printf("Slot %d registered as %s", sess.Slot, username)
	return s.send(sess.Conn, &protocol.Packet{
		Type:  protocol.TypeRegisterResponse,
		Error: protocol.ErrNone,
		User:  protocol.User{Username: username},
	})
}

// handleLogin handles LOGIN
func (s *Server) handleLogin(sess *Session, p *protocol.Packet) error {
	state, err := s.state(sess)
	if err != nil {
		return err
	}
	if state.Authenticated() {
		return s.sendError(sess, p.Type, protocol.ErrNotLoggedOut)
	}

	username := p.User.Username
	if username == "" {
		return s.sendError(sess, p.Type, protocol.ErrInvalidUserData)
	}

	sealed, err := s.sealer.Seal(username, p.User.Password)
	if err != nil {
		return fmt.Errorf("seal password: %w", err)
	}

	ok, err := s.db.CheckCredentials(username, sealed)
	if err != nil {
		return s.storageFailure(sess, p.Type, err)
	}
	if !ok {
		return s.sendError(sess, p.Type, protocol.ErrInvalidUserData)
	}

	if err := s.table.ClaimUsername(sess.Slot, username); err != nil {
		if errors.Is(err, ErrAlreadyConnected) {
			return s.sendError(sess, p.Type, protocol.ErrUserAlreadyConnected)
		}
		return err
	}

	infoLog.Printf("Slot %d logged in as %s", sess.Slot, username)
	return s.send(sess.Conn, &protocol.Packet{
		Type:  protocol.TypeLoginResponse,
		Error: protocol.ErrNone,
		User:  protocol.User{Username: username},
	})
}

// handleLogout handles LOGOUT
func (s *Server) handleLogout(sess *Session) error {
	state, err := s.state(sess)
	if err != nil {
		return err
	}
	if !state.Authenticated() {
		return s.sendError(sess, protocol.TypeLogout, protocol.ErrNotLoggedIn)
	}

	if err := s.table.ClearUsername(sess.Slot); err != nil {
		return err
	}

	infoLog.Printf("Slot %d logged out (%s)", sess.Slot, state.Username)
	return s.send(sess.Conn, &protocol.Packet{
		Type:  protocol.TypeLogoutResponse,
		Error: protocol.ErrNone,
		User:  protocol.User{Username: state.Username},
	})
}

// handleSendMessage handles SEND_MESSAGE. The receiver is always the peer the
// sender is viewing; any receiver named in the packet is ignored.
func (s *Server) handleSendMessage(sess *Session, p *protocol.Packet) error {
	state, err := s.state(sess)
	if err != nil {
		return err
	}
	if !state.Authenticated() {
		return s.sendError(sess, p.Type, protocol.ErrNotLoggedIn)
	}
	if state.View != ViewConversation {
		return s.sendError(sess, p.Type, protocol.ErrWrongView)
	}

	sess.throttle()

	sender, receiver := state.Username, state.Peer

	exists, err := s.db.UserExists(receiver)
	if err != nil {
		return s.storageFailure(sess, p.Type, err)
	}
	if !exists {
		return s.sendError(sess, p.Type, protocol.ErrInvalidUserData)
	}

	content := p.Message.Content
	var replyID *int64
	if p.Message.ReplyID != "" {
		id, err := strconv.ParseInt(p.Message.ReplyID, 10, 64)
		if err != nil || id <= 0 {
			return s.sendError(sess, p.Type, protocol.ErrInvalidReplyID)
		}

		original, err := s.db.LookupReplyTarget(id, sender, receiver)
		if errors.Is(err, database.ErrReplyNotFound) {
			return s.sendError(sess, p.Type, protocol.ErrInvalidReplyID)
		}
		if err != nil {
			return s.storageFailure(sess, p.Type, err)
		}

		replyID = &id
		content = replyContent(original, content)
	}

	stored, err := s.db.InsertMessage(sender, receiver, content, replyID)
	if err != nil {
		return s.storageFailure(sess, p.Type, err)
	}
	s.metrics.RecordMessageStored()

	msg := wireMessage(stored)
	notification := &protocol.Packet{Type: protocol.TypeMessageNotification, Message: msg}

	// Table lookup happens under the lock; the write to the receiver does not
	if conn, ok := s.table.FindViewer(receiver, sender, sess.Slot); ok {
		if err := s.send(conn, notification); err != nil {
			// A partial write leaves the receiver's stream misaligned; its worker releases the slot
			debugLog.Printf("Slot %d: live delivery to %s failed, closing it: %v", sess.Slot, receiver, err)
			conn.Close()
		} else {
			s.metrics.RecordLiveDelivery()
		}
	}

	if err := s.send(sess.Conn, notification); err != nil {
		return err
	}

	return s.send(sess.Conn, &protocol.Packet{
		Type:    protocol.TypeSendMessageResponse,
		Error:   protocol.ErrNone,
		Message: msg,
	})
}

// handleViewAllConvos handles VIEW_ALL_CONVOS: back to the main view, then one
// response per conversation partner
func (s *Server) handleViewAllConvos(sess *Session) error {
	state, err := s.state(sess)
	if err != nil {
		return err
	}
	if !state.Authenticated() {
		return s.sendError(sess, protocol.TypeViewAllConvos, protocol.ErrNotLoggedIn)
	}

	participants, err := s.db.ListParticipants(state.Username)
	if err != nil {
		return s.storageFailure(sess, protocol.TypeViewAllConvos, err)
	}

	if err := s.table.EnterMain(sess.Slot); err != nil {
		return err
	}

	for _, name := range participants {
		resp := &protocol.Packet{
			Type:  protocol.TypeViewAllConvosResponse,
			Error: protocol.ErrNone,
			User:  protocol.User{Username: name},
		}
		if err := s.send(sess.Conn, resp); err != nil {
			return err
		}
	}
	return nil
}

// handleViewConversation handles VIEW_CONVERSATION: open the conversation with
// user.username, then one response per message, oldest first
func (s *Server) handleViewConversation(sess *Session, p *protocol.Packet) error {
	state, err := s.state(sess)
	if err != nil {
		return err
	}
	if !state.Authenticated() {
		return s.sendError(sess, p.Type, protocol.ErrNotLoggedIn)
	}

	peer := p.User.Username
	if peer == "" {
		return s.sendError(sess, p.Type, protocol.ErrInvalidUserData)
	}
	exists, err := s.db.UserExists(peer)
	if err != nil {
		return s.storageFailure(sess, p.Type, err)
	}
	if !exists {
		return s.sendError(sess, p.Type, protocol.ErrInvalidUserData)
	}

	messages, err := s.db.ListConversation(state.Username, peer)
	if err != nil {
		return s.storageFailure(sess, p.Type, err)
	}

	if err := s.table.EnterConversation(sess.Slot, peer); err != nil {
		return err
	}

	for i := range messages {
		resp := &protocol.Packet{
			Type:    protocol.TypeViewConversationResponse,
			Error:   protocol.ErrNone,
			Message: wireMessage(&messages[i]),
		}
		if err := s.send(sess.Conn, resp); err != nil {
			return err
		}
	}
	return nil
}

// wireMessage converts a stored message to its packet form, clipping each field
// to its wire width
func wireMessage(m *database.Message) protocol.Message {
	msg := protocol.Message{
		ID:        strconv.FormatInt(m.ID, 10),
		Sender:    m.Sender,
		Receiver:  m.Receiver,
		Content:   clip(m.Content, protocol.ContentLength-1),
		TimeStamp: clip(m.TimeStamp, protocol.TimestampLength-1),
	}
	if m.ReplyID != nil {
		msg.ReplyID = strconv.FormatInt(*m.ReplyID, 10)
	}
	return msg
}

// replyContent builds the stored text of a reply, clipped to the content field
func replyContent(original, content string) string {
	return clip(fmt.Sprintf(replyPrefix, original)+content, protocol.ContentLength-1)
}

// clip shortens s to at most n bytes without splitting a UTF-8 sequence.
// NUL bytes are dropped since the wire format cannot carry them.
func clip(s string, n int) string {
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
