// ABOUTME: Server-side password sealing before credentials reach the Users table
// ABOUTME: Sealing is deterministic so a login check is a plain equality match

package auth

import (
	"encoding/base64"
	"fmt"
	"strings"
	"unicode"

	"github.com/aeolun/pairchat/pkg/protocol"
	"golang.org/x/crypto/argon2"
)

// Sealing modes accepted in the [auth] config section
const (
	ModeArgon2   = "argon2id"
	ModeVigenere = "vigenere"
)

// Argon2 parameters
const (
	argonTime    = 2
	argonMemory  = 19 * 1024 // Memory in KB
	argonThreads = 1
	argonKeyLen  = 32
)

// Sealer turns a plaintext password into the value stored for a user
type Sealer interface {
	Seal(username, password string) (string, error)
}

// NewSealer returns the sealer for a config mode
func NewSealer(mode, key string) (Sealer, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ModeArgon2:
		return Argon2Sealer{}, nil
	case ModeVigenere:
		if key == "" {
			return nil, fmt.Errorf("vigenere password mode requires a key")
		}
		return NewVigenereSealer(key), nil
	default:
		return nil, fmt.Errorf("unknown password mode %q", mode)
	}
}

// Argon2Sealer hashes with argon2id using the username as salt
type Argon2Sealer struct{}

func (Argon2Sealer) Seal(username, password string) (string, error) {
	hash := argon2.IDKey(
		[]byte(password),
		[]byte(username),
		argonTime,
		argonMemory,
		argonThreads,
		argonKeyLen,
	)
	return base64.RawURLEncoding.EncodeToString(hash), nil
}

// VigenereSealer stores the letter-shifted password, compatible with
// databases written by the legacy server
type VigenereSealer struct {
	cipher *protocol.Vigenere
}

func NewVigenereSealer(key string) *VigenereSealer {
	return &VigenereSealer{cipher: protocol.NewVigenere(key)}
}

func (v *VigenereSealer) Seal(_, password string) (string, error) {
	return v.cipher.Encode(password), nil
}

// ValidateUsername checks a username fits the wire field and the client's
// whitespace-separated command syntax
func ValidateUsername(username string) error {
	if username == "" {
		return fmt.Errorf("username cannot be empty")
	}
	if len(username) > protocol.UsernameLength-1 {
		return fmt.Errorf("username must be at most %d bytes", protocol.UsernameLength-1)
	}
	for _, r := range username {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return fmt.Errorf("username contains an invalid character")
		}
	}
	return nil
}

// ValidatePassword checks a password is present and fits the wire field
func ValidatePassword(password string) error {
	if password == "" {
		return fmt.Errorf("password cannot be empty")
	}
	if len(password) > protocol.PasswordLength-1 {
		return fmt.Errorf("password must be at most %d bytes", protocol.PasswordLength-1)
	}
	return nil
}
