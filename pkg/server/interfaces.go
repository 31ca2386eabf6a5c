package server

import "github.com/aeolun/pairchat/pkg/database"

// DatabaseStore defines the persistence operations the dispatcher uses.
// *database.DB implements it; handler tests use an in-memory mock.
type DatabaseStore interface {
	// User operations
	UserExists(username string) (bool, error)
	CheckCredentials(username, sealedPassword string) (bool, error)
	InsertUser(username, sealedPassword string) error

	// Message operations
	InsertMessage(sender, receiver, content string, replyID *int64) (*database.Message, error)
	LookupReplyTarget(id int64, a, b string) (string, error)
	ListParticipants(username string) ([]string, error)
	ListConversation(a, b string) ([]database.Message, error)

	// Ping checks connectivity for the health endpoint
	Ping() error

	// Close the database
	Close() error
}

var _ DatabaseStore = (*database.DB)(nil)
