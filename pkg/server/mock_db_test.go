package server

import (
	"errors"
	"sort"
	"sync"

	"github.com/aeolun/pairchat/pkg/database"
)

var errMockDriver = errors.New("disk I/O error")

// mockDB is an in-memory DatabaseStore for handler tests
type mockDB struct {
	mu       sync.Mutex
	users    map[string]string
	messages []database.Message
	nextID   int64

	// fail makes the named operation return a StorageError
	fail map[string]bool
	// insertUserErr overrides InsertUser's result when set
	insertUserErr error
}

func newMockDB() *mockDB {
	return &mockDB{
		users:  make(map[string]string),
		nextID: 1,
		fail:   make(map[string]bool),
	}
}

func (m *mockDB) failing(op string) error {
	if m.fail[op] {
		return &database.StorageError{Op: op, Err: errMockDriver}
	}
	return nil
}

// FailOn makes op return a storage error until cleared
func (m *mockDB) FailOn(op string, fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[op] = fail
}

func (m *mockDB) UserExists(username string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing("user exists"); err != nil {
		return false, err
	}
	_, ok := m.users[username]
	return ok, nil
}

func (m *mockDB) CheckCredentials(username, sealedPassword string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing("check credentials"); err != nil {
		return false, err
	}
	stored, ok := m.users[username]
	return ok && stored == sealedPassword, nil
}

func (m *mockDB) InsertUser(username, sealedPassword string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing("insert user"); err != nil {
		return err
	}
	if m.insertUserErr != nil {
		return m.insertUserErr
	}
	if _, ok := m.users[username]; ok {
		return database.ErrDuplicateUser
	}
	m.users[username] = sealedPassword
	return nil
}

func (m *mockDB) InsertMessage(sender, receiver, content string, replyID *int64) (*database.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing("insert message"); err != nil {
		return nil, err
	}
	msg := database.Message{
		ID:        m.nextID,
		Sender:    sender,
		Receiver:  receiver,
		Content:   content,
		TimeStamp: "2024-05-01 12:00:00",
		ReplyID:   replyID,
	}
	m.nextID++
	m.messages = append(m.messages, msg)
	return &msg, nil
}

func (m *mockDB) LookupReplyTarget(id int64, a, b string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing("lookup reply target"); err != nil {
		return "", err
	}
	for _, msg := range m.messages {
		if msg.ID == id && samePair(msg, a, b) {
			return msg.Content, nil
		}
	}
	return "", database.ErrReplyNotFound
}

func (m *mockDB) ListParticipants(username string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing("list participants"); err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	for _, msg := range m.messages {
		if msg.Sender == username {
			seen[msg.Receiver] = true
		}
		if msg.Receiver == username {
			seen[msg.Sender] = true
		}
	}
	var out []string
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (m *mockDB) ListConversation(a, b string) ([]database.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing("list conversation"); err != nil {
		return nil, err
	}
	var out []database.Message
	for _, msg := range m.messages {
		if samePair(msg, a, b) {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *mockDB) Ping() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failing("ping")
}

func (m *mockDB) Close() error { return nil }

// Stored returns a copy of every stored message
func (m *mockDB) Stored() []database.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]database.Message(nil), m.messages...)
}

func samePair(msg database.Message, a, b string) bool {
	return (msg.Sender == a && msg.Receiver == b) || (msg.Sender == b && msg.Receiver == a)
}
