package database

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

func TestMigrations(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	var name string
	err = db.conn.QueryRow("SELECT name FROM schema_migrations WHERE version=1").Scan(&name)
	if err != nil {
		t.Fatalf("Migration 001 not found: %v", err)
	}
	if name != "initial" {
		t.Errorf("Expected name 'initial', got '%s'", name)
	}

	for _, table := range []string{"Users", "Messages"} {
		var count int
		err := db.conn.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to check for table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s not found", table)
		}
	}

	var index int
	err = db.conn.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name='idx_messages_pair'").Scan(&index)
	if err != nil || index != 1 {
		t.Errorf("Conversation index not created (count=%d, err=%v)", index, err)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 2; i++ {
		db, err := Open(dbPath)
		if err != nil {
			t.Fatalf("Open #%d failed: %v", i+1, err)
		}
		db.Close()
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("Failed to reopen: %v", err)
	}
	defer conn.Close()

	migrations, err := loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations failed: %v", err)
	}

	var applied int
	if err := conn.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&applied); err != nil {
		t.Fatalf("Failed to count migrations: %v", err)
	}
	if applied != len(migrations) {
		t.Errorf("Expected %d applied migrations, got %d", len(migrations), applied)
	}
}

func TestLoadMigrationsSorted(t *testing.T) {
	migrations, err := loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations failed: %v", err)
	}
	if len(migrations) < 2 {
		t.Fatalf("Expected at least 2 migrations, got %d", len(migrations))
	}
	for i, m := range migrations {
		if m.Version != i+1 {
			t.Errorf("Migration %d has version %d", i, m.Version)
		}
		if strings.TrimSpace(m.SQL) == "" {
			t.Errorf("Migration %d has empty SQL", m.Version)
		}
	}
}

// A file created by the old createdb tool upgrades in place and keeps its rows
func TestMigrationUpgradesLegacyDatabase(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "database.db")

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	legacy := []string{
		"CREATE TABLE Users (username VARCHAR PRIMARY KEY, password VARCHAR NOT NULL)",
		`CREATE TABLE Messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender VARCHAR NOT NULL,
			receiver VARCHAR NOT NULL,
			content VARCHAR NOT NULL,
			timeStamp DATETIME NOT NULL,
			replyId INTEGER,
			isDeleted BOOLEAN NOT NULL,
			FOREIGN KEY (sender) REFERENCES Users(username),
			FOREIGN KEY (receiver) REFERENCES Users(username),
			FOREIGN KEY (replyId) REFERENCES Messages(id)
		)`,
		"INSERT INTO Users VALUES ('alice', 'x'), ('bob', 'y')",
		"INSERT INTO Messages (sender, receiver, content, timeStamp, replyId, isDeleted) VALUES ('alice', 'bob', 'old', '2024-03-01 09:30:00', NULL, 0)",
	}
	for _, stmt := range legacy {
		if _, err := conn.Exec(stmt); err != nil {
			t.Fatalf("Failed to seed legacy schema: %v", err)
		}
	}
	conn.Close()

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open legacy database: %v", err)
	}
	defer db.Close()

	msgs, err := db.ListConversation("alice", "bob")
	if err != nil {
		t.Fatalf("ListConversation failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "old" {
		t.Fatalf("Expected legacy message to survive, got %+v", msgs)
	}
	if msgs[0].TimeStamp != "2024-03-01 09:30:00" {
		t.Errorf("Expected legacy timestamp text, got %q", msgs[0].TimeStamp)
	}

	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		t.Fatalf("Failed to read temp dir: %v", err)
	}
	foundBackup := false
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "database.db.backup-v0-") {
			foundBackup = true
		}
	}
	if !foundBackup {
		t.Error("Expected backup file to be created before migrating")
	}
}

func TestCreateAndDrop(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "database.db")

	if err := Create(dbPath); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("Expected database file after Create: %v", err)
	}

	if err := Drop(dbPath); err != nil {
		t.Fatalf("Drop failed: %v", err)
	}
	if _, err := os.Stat(dbPath); !os.IsNotExist(err) {
		t.Fatalf("Expected database file to be removed, stat err=%v", err)
	}
	if _, err := os.Stat(dbPath + "-wal"); !os.IsNotExist(err) {
		t.Fatalf("Expected WAL file to be removed, stat err=%v", err)
	}

	if err := Drop(dbPath); err == nil {
		t.Fatal("Expected Drop of a missing file to fail")
	}
}
