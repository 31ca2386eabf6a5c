package database

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrDuplicateUser indicates the username is already registered
	ErrDuplicateUser = errors.New("user already exists")
	// ErrReplyNotFound indicates the reply target does not exist in the conversation
	ErrReplyNotFound = errors.New("reply target not found")
)

// logger receives migration and lifecycle messages
var logger = log.New(os.Stderr, "", log.LstdFlags)

// SetLogger replaces the package logger
func SetLogger(l *log.Logger) {
	if l != nil {
		logger = l
	}
}

// StorageError wraps a driver failure with the operation that hit it
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// Message is a stored message row
type Message struct {
	ID        int64
	Sender    string
	Receiver  string
	Content   string
	TimeStamp string
	ReplyID   *int64
	IsDeleted bool
}

// DB wraps the SQLite database connection
type DB struct {
	conn      *sql.DB // read connection pool
	writeConn *sql.DB // single write connection

	userExists       *sql.Stmt
	checkCredentials *sql.Stmt
	insertUser       *sql.Stmt
	insertMessage    *sql.Stmt
	lookupReply      *sql.Stmt
	listParticipants *sql.Stmt
	listConversation *sql.Stmt
}

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
	"PRAGMA synchronous = NORMAL",
}

func openPool(path string, maxOpen, maxIdle int, lifetime time.Duration) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(maxOpen)
	conn.SetMaxIdleConns(maxIdle)
	conn.SetConnMaxLifetime(lifetime)

	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return conn, nil
}

// Open opens the database at path, applies pending migrations and prepares every statement
func Open(path string) (*DB, error) {
	hadData := fileHasData(path)

	conn, err := openPool(path, 25, 5, 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Pragmas apply per connection, so each pool runs them
	writeConn, err := openPool(path, 1, 1, 0)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}

	if err := runMigrations(writeConn, path, hadData); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	db := &DB{conn: conn, writeConn: writeConn}
	if err := db.prepare(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return db, nil
}

func fileHasData(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

// prepare compiles every statement once. timeStamp is read through CAST so legacy
// DATETIME columns come back as stored text.
func (db *DB) prepare() error {
	stmts := []struct {
		dst   **sql.Stmt
		pool  *sql.DB
		query string
	}{
		{&db.userExists, db.conn,
			"SELECT EXISTS(SELECT 1 FROM Users WHERE username = ?)"},
		{&db.checkCredentials, db.conn,
			"SELECT EXISTS(SELECT 1 FROM Users WHERE username = ? AND password = ?)"},
		{&db.insertUser, db.writeConn,
			"INSERT INTO Users (username, password) VALUES (?, ?)"},
		{&db.insertMessage, db.writeConn,
			`INSERT INTO Messages (sender, receiver, content, timeStamp, replyId, isDeleted)
			 VALUES (?, ?, ?, CURRENT_TIMESTAMP, ?, 0)
			 RETURNING id, CAST(timeStamp AS TEXT)`},
		{&db.lookupReply, db.conn,
			`SELECT content FROM Messages
			 WHERE id = ? AND ((sender = ? AND receiver = ?) OR (sender = ? AND receiver = ?))`},
		{&db.listParticipants, db.conn,
			`SELECT DISTINCT participant FROM (
				SELECT sender AS participant FROM Messages WHERE receiver = ?
				UNION
				SELECT receiver AS participant FROM Messages WHERE sender = ?
			)`},
		{&db.listConversation, db.conn,
			`SELECT id, sender, receiver, content, CAST(timeStamp AS TEXT), replyId, isDeleted FROM Messages
			 WHERE (sender = ? AND receiver = ?) OR (sender = ? AND receiver = ?)
			 ORDER BY timeStamp, id`},
	}

	for _, s := range stmts {
		stmt, err := s.pool.Prepare(s.query)
		if err != nil {
			return err
		}
		*s.dst = stmt
	}
	return nil
}

// Close releases the prepared statements and both connection pools
func (db *DB) Close() error {
	for _, stmt := range []*sql.Stmt{
		db.userExists, db.checkCredentials, db.insertUser, db.insertMessage,
		db.lookupReply, db.listParticipants, db.listConversation,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}

	writeErr := db.writeConn.Close()
	if err := db.conn.Close(); err != nil {
		return err
	}
	return writeErr
}

// Ping checks that the database is reachable
func (db *DB) Ping() error {
	if err := db.conn.Ping(); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

// UserExists reports whether username is registered
func (db *DB) UserExists(username string) (bool, error) {
	var exists bool
	if err := db.userExists.QueryRow(username).Scan(&exists); err != nil {
		return false, storageErr("user exists", err)
	}
	return exists, nil
}

// CheckCredentials reports whether the username and sealed password match a stored user
func (db *DB) CheckCredentials(username, sealedPassword string) (bool, error) {
	var ok bool
	if err := db.checkCredentials.QueryRow(username, sealedPassword).Scan(&ok); err != nil {
		return false, storageErr("check credentials", err)
	}
	return ok, nil
}

// InsertUser stores a new user. A taken username yields ErrDuplicateUser.
func (db *DB) InsertUser(username, sealedPassword string) error {
	if _, err := db.insertUser.Exec(username, sealedPassword); err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateUser
		}
		return storageErr("insert user", err)
	}
	return nil
}

func isConstraintViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}

// InsertMessage stores a message stamped with the database clock and returns the stored row
func (db *DB) InsertMessage(sender, receiver, content string, replyID *int64) (*Message, error) {
	var reply sql.NullInt64
	if replyID != nil {
		reply = sql.NullInt64{Int64: *replyID, Valid: true}
	}

	msg := &Message{
		Sender:   sender,
		Receiver: receiver,
		Content:  content,
		ReplyID:  replyID,
	}
	if err := db.insertMessage.QueryRow(sender, receiver, content, reply).Scan(&msg.ID, &msg.TimeStamp); err != nil {
		return nil, storageErr("insert message", err)
	}
	return msg, nil
}

// LookupReplyTarget returns the content of message id if it was exchanged between a and b
func (db *DB) LookupReplyTarget(id int64, a, b string) (string, error) {
	var content string
	err := db.lookupReply.QueryRow(id, a, b, b, a).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrReplyNotFound
	}
	if err != nil {
		return "", storageErr("lookup reply target", err)
	}
	return content, nil
}

// ListParticipants returns everyone username has exchanged a message with, sorted
func (db *DB) ListParticipants(username string) ([]string, error) {
	rows, err := db.listParticipants.Query(username, username)
	if err != nil {
		return nil, storageErr("list participants", err)
	}
	defer rows.Close()

	var participants []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, storageErr("list participants", err)
		}
		participants = append(participants, name)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list participants", err)
	}

	sort.Strings(participants)
	return participants, nil
}

// ListConversation returns every message between a and b, oldest first
func (db *DB) ListConversation(a, b string) ([]Message, error) {
	rows, err := db.listConversation.Query(a, b, b, a)
	if err != nil {
		return nil, storageErr("list conversation", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var reply sql.NullInt64
		if err := rows.Scan(&msg.ID, &msg.Sender, &msg.Receiver, &msg.Content, &msg.TimeStamp, &reply, &msg.IsDeleted); err != nil {
			return nil, storageErr("list conversation", err)
		}
		if reply.Valid {
			id := reply.Int64
			msg.ReplyID = &id
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list conversation", err)
	}
	return messages, nil
}

// Create initializes a database file with the current schema. Existing data is kept.
func Create(path string) error {
	db, err := Open(path)
	if err != nil {
		return err
	}
	return db.Close()
}

// Drop removes the database file together with its WAL and shared-memory files
func Drop(path string) error {
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove database: %w", err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(path + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", path+suffix, err)
		}
	}
	return nil
}
