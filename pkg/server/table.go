package server

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrTableFull is returned when every slot is occupied
	ErrTableFull = errors.New("connection table full")
	// ErrAlreadyConnected is returned when another live session holds the username
	ErrAlreadyConnected = errors.New("user already connected")
	// ErrSlotFree is returned when a handle points at a released slot
	ErrSlotFree = errors.New("slot not in use")
)

// DefaultMaxClients is the table capacity when none is configured
const DefaultMaxClients = 256

// View is the screen a session is currently on
type View int

const (
	ViewLogin View = iota
	ViewMain
	ViewConversation
)

func (v View) String() string {
	switch v {
	case ViewLogin:
		return "login"
	case ViewMain:
		return "main"
	case ViewConversation:
		return "conversation"
	default:
		return fmt.Sprintf("view(%d)", int(v))
	}
}

// Slot is a handle to a connection table record, stable for the life of the connection
type Slot int

// SessionState is a snapshot of a table record.
// Username is empty while not authenticated; Peer is set only in ViewConversation.
type SessionState struct {
	Username   string
	View       View
	Peer       string
	RemoteAddr string
}

// Authenticated reports whether the session is logged in
func (s SessionState) Authenticated() bool {
	return s.Username != ""
}

type record struct {
	inUse bool
	conn  *SafeConn
	state SessionState
}

// ConnectionTable is a fixed-capacity arena of session records.
// Every method takes the table lock; none performs I/O while holding it.
type ConnectionTable struct {
	mu      sync.Mutex
	records []record
	active  int
}

// NewConnectionTable creates a table with the given number of slots
func NewConnectionTable(capacity int) *ConnectionTable {
	if capacity <= 0 {
		capacity = DefaultMaxClients
	}
	return &ConnectionTable{records: make([]record, capacity)}
}

// Capacity returns the number of slots
func (t *ConnectionTable) Capacity() int {
	return len(t.records)
}

// Allocate claims the lowest free slot for conn. The session starts anonymous in ViewLogin.
func (t *ConnectionTable) Allocate(conn *SafeConn) (Slot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.records {
		if t.records[i].inUse {
			continue
		}
		state := SessionState{View: ViewLogin}
		if conn != nil && conn.RemoteAddr() != nil {
			state.RemoteAddr = conn.RemoteAddr().String()
		}
		t.records[i] = record{inUse: true, conn: conn, state: state}
		t.active++
		return Slot(i), nil
	}
	return -1, ErrTableFull
}

// Release frees the slot and closes its connection, returning the state it held.
// Releasing a free slot is a no-op.
func (t *ConnectionTable) Release(slot Slot) (SessionState, bool) {
	t.mu.Lock()
	rec, ok := t.lookup(slot)
	if !ok {
		t.mu.Unlock()
		return SessionState{}, false
	}
	prev := rec.state
	conn := rec.conn
	*rec = record{}
	t.active--
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	return prev, true
}

// lookup returns the in-use record for slot. Caller must hold t.mu.
func (t *ConnectionTable) lookup(slot Slot) (*record, bool) {
	if slot < 0 || int(slot) >= len(t.records) {
		return nil, false
	}
	rec := &t.records[slot]
	if !rec.inUse {
		return nil, false
	}
	return rec, true
}

// Get returns a snapshot of the slot's state
func (t *ConnectionTable) Get(slot Slot) (SessionState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.lookup(slot)
	if !ok {
		return SessionState{}, false
	}
	return rec.state, true
}

// Find returns the first in-use slot whose state satisfies pred.
// pred runs under the table lock and must not block.
func (t *ConnectionTable) Find(pred func(SessionState) bool) (Slot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.records {
		if t.records[i].inUse && pred(t.records[i].state) {
			return Slot(i), true
		}
	}
	return -1, false
}

// ClaimUsername logs slot in as name and moves it to ViewMain. The uniqueness scan
// and the assignment happen in one critical section, so two sessions racing for
// the same name cannot both win.
func (t *ConnectionTable) ClaimUsername(slot Slot, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.lookup(slot)
	if !ok {
		return ErrSlotFree
	}
	for i := range t.records {
		if Slot(i) != slot && t.records[i].inUse && t.records[i].state.Username == name {
			return ErrAlreadyConnected
		}
	}
	rec.state.Username = name
	rec.state.View = ViewMain
	rec.state.Peer = ""
	return nil
}

// ClearUsername logs slot out and returns it to ViewLogin
func (t *ConnectionTable) ClearUsername(slot Slot) error {
	return t.update(slot, func(s *SessionState) {
		s.Username = ""
		s.View = ViewLogin
		s.Peer = ""
	})
}

// EnterMain moves slot to ViewMain and forgets the viewed peer
func (t *ConnectionTable) EnterMain(slot Slot) error {
	return t.update(slot, func(s *SessionState) {
		s.View = ViewMain
		s.Peer = ""
	})
}

// EnterConversation moves slot to ViewConversation with peer
func (t *ConnectionTable) EnterConversation(slot Slot, peer string) error {
	if peer == "" {
		return fmt.Errorf("enter conversation: empty peer")
	}
	return t.update(slot, func(s *SessionState) {
		s.View = ViewConversation
		s.Peer = peer
	})
}

func (t *ConnectionTable) update(slot Slot, fn func(*SessionState)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.lookup(slot)
	if !ok {
		return ErrSlotFree
	}
	fn(&rec.state)
	return nil
}

// FindViewer returns the connection of a session logged in as receiver that is
// viewing its conversation with sender. The exclude slot is never returned.
func (t *ConnectionTable) FindViewer(receiver, sender string, exclude Slot) (*SafeConn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.records {
		rec := &t.records[i]
		if !rec.inUse || Slot(i) == exclude {
			continue
		}
		if rec.state.Username == receiver &&
			rec.state.View == ViewConversation &&
			rec.state.Peer == sender {
			return rec.conn, rec.conn != nil
		}
	}
	return nil, false
}

// Active returns the number of occupied slots
func (t *ConnectionTable) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// CloseAll closes every live connection. Slots are freed by their workers
// when the resulting read error ends their loops.
func (t *ConnectionTable) CloseAll() {
	t.mu.Lock()
	conns := make([]*SafeConn, 0, t.active)
	for i := range t.records {
		if t.records[i].inUse && t.records[i].conn != nil {
			conns = append(conns, t.records[i].conn)
		}
	}
	t.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}
