package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/aeolun/pairchat/pkg/database"
	"github.com/aeolun/pairchat/pkg/server"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

var (
	configPath  string
	portFlag    int
	dbFlag      string
	debugFlag   bool
	versionFlag bool
)

var rootCmd = &cobra.Command{
	Use:           "pairchat-server",
	Short:         "Run the pairchat messaging server",
	Long:          "pairchat-server accepts one-to-one chat clients over TCP, and optionally SSH and WebSocket, storing messages in SQLite.",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if versionFlag {
			fmt.Printf("pairchat server %s\n", Version)
			return nil
		}
		return serve()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "~/.pairchat/config.toml", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&dbFlag, "db", "", "Path to SQLite database (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Enable debug logging")
	rootCmd.Flags().IntVar(&portFlag, "port", 0, "TCP port to listen on (overrides config)")
	rootCmd.Flags().BoolVar(&versionFlag, "version", false, "Show version information")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, applies flag overrides and sets up logging
func loadConfig() (server.TOMLConfig, *jww.Notepad, error) {
	config, err := server.LoadConfig(configPath)
	if err != nil {
		return server.TOMLConfig{}, nil, fmt.Errorf("failed to load config: %w", err)
	}

	if portFlag != 0 {
		config.Server.TCPPort = portFlag
	}
	if dbFlag != "" {
		config.Server.DatabasePath = dbFlag
	}

	threshold := server.ParseLogLevel(config.Server.LogLevel)
	if debugFlag {
		threshold = jww.LevelDebug
	}
	notepad := server.ConfigureLogging(threshold, os.Stdout, os.Stderr)
	database.SetLogger(notepad.INFO)

	return config, notepad, nil
}

// databasePath resolves the configured database path and creates its directory
func databasePath(config server.TOMLConfig) (string, error) {
	path, err := config.GetDatabasePath()
	if err != nil {
		return "", fmt.Errorf("failed to resolve database path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create database directory: %w", err)
	}
	return path, nil
}

func serve() error {
	config, notepad, err := loadConfig()
	if err != nil {
		return err
	}

	dbPath, err := databasePath(config)
	if err != nil {
		return err
	}

	serverConfig := config.ToServerConfig()
	srv, err := server.NewServer(dbPath, serverConfig, nil)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	notepad.INFO.Printf("Config: %s", configPath)
	notepad.INFO.Printf("Database: %s", dbPath)

	if err := srv.Start(); err != nil {
		srv.Stop()
		return fmt.Errorf("failed to start server: %w", err)
	}

	notepad.INFO.Printf("pairchat server %s started", Version)
	notepad.INFO.Printf("  - Binary protocol (TCP): %s", srv.Addr())
	if serverConfig.SSHPort > 0 {
		notepad.INFO.Printf("  - SSH: port %d (host key %s)", serverConfig.SSHPort, serverConfig.SSHHostKeyPath)
	}
	if serverConfig.HTTPPort > 0 {
		notepad.INFO.Printf("  - WebSocket: ws://server:%d/ws, health and metrics on the same port", serverConfig.HTTPPort)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	notepad.INFO.Println("Shutting down server...")
	if err := srv.Stop(); err != nil {
		notepad.ERROR.Printf("Error during shutdown: %v", err)
	}
	notepad.INFO.Println("Server stopped")
	return nil
}
