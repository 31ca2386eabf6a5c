package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/aeolun/pairchat/pkg/auth"
	"github.com/aeolun/pairchat/pkg/protocol"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server   ServerSection   `toml:"server"`
	Limits   LimitsSection   `toml:"limits"`
	Protocol ProtocolSection `toml:"protocol"`
	Auth     AuthSection     `toml:"auth"`
}

type ServerSection struct {
	TCPPort      int    `toml:"tcp_port"`
	SSHPort      int    `toml:"ssh_port"`
	HTTPPort     int    `toml:"http_port"`
	SSHHostKey   string `toml:"ssh_host_key"`
	DatabasePath string `toml:"database_path"`
	LogLevel     string `toml:"log_level"`
}

type LimitsSection struct {
	MaxClients         int `toml:"max_clients"`
	MessageRateLimit   int `toml:"message_rate_limit"`
	IdleTimeoutSeconds int `toml:"idle_timeout_seconds"`
}

type ProtocolSection struct {
	ScrambleKey string `toml:"scramble_key"`
}

type AuthSection struct {
	PasswordMode string `toml:"password_mode"`
	VigenereKey  string `toml:"vigenere_key"`
}

// DefaultTOMLConfig returns the configuration written on first run
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:      2024,
			SSHPort:      2025,
			HTTPPort:     2026,
			SSHHostKey:   "~/.pairchat/ssh_host_key",
			DatabasePath: "~/.pairchat/database.db",
			LogLevel:     "info",
		},
		Limits: LimitsSection{
			MaxClients:         256,
			MessageRateLimit:   60,
			IdleTimeoutSeconds: 1800,
		},
		Protocol: ProtocolSection{
			ScrambleKey: protocol.DefaultKey,
		},
		Auth: AuthSection{
			PasswordMode: auth.ModeArgon2,
			VigenereKey:  protocol.DefaultKey,
		},
	}
}

// expandHome replaces a leading ~/ with the user's home directory
func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// LoadConfig loads configuration from a TOML file, creating a default one if none exists
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// An unwritable location still runs with defaults
		_ = writeDefaultConfig(path, config)
		return config, nil
	}

	var config TOMLConfig
	meta, err := toml.DecodeFile(path, &config)
	if err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		errorLog.Printf("Ignoring unknown config keys in %s: %v", path, undecoded)
	}

	return config, nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# pairchat server configuration
# This file was auto-generated with default values
# Set ssh_port or http_port to 0 to disable that listener
# scramble_key must match the key compiled into clients

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig. A zero ssh_port, http_port,
// message_rate_limit or idle_timeout_seconds disables that feature; other zero values
// keep the ServerConfig defaults.
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}
	cfg.SSHPort = c.Server.SSHPort
	cfg.HTTPPort = c.Server.HTTPPort
	if strings.TrimSpace(c.Server.SSHHostKey) != "" {
		cfg.SSHHostKeyPath = c.Server.SSHHostKey
	}

	if c.Limits.MaxClients > 0 {
		cfg.MaxClients = c.Limits.MaxClients
	}
	if c.Limits.MessageRateLimit >= 0 {
		cfg.MessageRateLimit = c.Limits.MessageRateLimit
	}
	if c.Limits.IdleTimeoutSeconds >= 0 {
		cfg.IdleTimeoutSeconds = c.Limits.IdleTimeoutSeconds
	}

	if c.Protocol.ScrambleKey != "" {
		cfg.ScrambleKey = c.Protocol.ScrambleKey
	}
	if c.Auth.PasswordMode != "" {
		cfg.PasswordMode = c.Auth.PasswordMode
	}
	if c.Auth.VigenereKey != "" {
		cfg.VigenereKey = c.Auth.VigenereKey
	}

	return cfg
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	return expandHome(c.Server.DatabasePath)
}
