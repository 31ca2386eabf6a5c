package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArgon2SealerDeterministic(t *testing.T) {
	s := Argon2Sealer{}

	first, err := s.Seal("alice", "hunter2")
	require.NoError(t, err)
	second, err := s.Seal("alice", "hunter2")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.NotEqual(t, "hunter2", first)
}

func TestArgon2SealerSaltsByUsername(t *testing.T) {
	s := Argon2Sealer{}

	alice, _ := s.Seal("alice", "same")
	bob, _ := s.Seal("bob", "same")
	assert.NotEqual(t, alice, bob)
}

func TestVigenereSealerMatchesLegacy(t *testing.T) {
	s := NewVigenereSealer("LEMON")

	sealed, err := s.Seal("anyone", "attack")
	require.NoError(t, err)
	assert.Equal(t, "lxfopv", sealed)
}

func TestNewSealer(t *testing.T) {
	tests := []struct {
		mode    string
		key     string
		wantErr bool
	}{
		{"", "", false},
		{"argon2id", "", false},
		{"ARGON2ID", "", false},
		{"vigenere", "key", false},
		{"vigenere", "", true},
		{"plaintext", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			s, err := NewSealer(tt.mode, tt.key)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, s)
		})
	}
}

func TestValidateUsername(t *testing.T) {
	assert.NoError(t, ValidateUsername("alice"))
	assert.Error(t, ValidateUsername(""))
	assert.Error(t, ValidateUsername("has space"))
	assert.Error(t, ValidateUsername("tab\there"))
	assert.Error(t, ValidateUsername(strings.Repeat("a", 32)))
	assert.NoError(t, ValidateUsername(strings.Repeat("a", 31)))
}

func TestValidatePassword(t *testing.T) {
	assert.NoError(t, ValidatePassword("pw"))
	assert.Error(t, ValidatePassword(""))
	assert.Error(t, ValidatePassword(strings.Repeat("p", 32)))
}
