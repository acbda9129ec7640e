// Command relay runs the pairing/connection-fabric relay server: it terminates
// WebSocket connections from sidecars and paired app devices, brokers the
// Credential & Pairing Engine's HTTP surface, and persists an encrypted audit log.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yourconnector/yc/internal/audit"
	"github.com/yourconnector/yc/internal/credential"
	"github.com/yourconnector/yc/internal/fabric"
	"github.com/yourconnector/yc/internal/relayapi"
)

var (
	version = "dev"
	commit  = "none"
)

var serveFlags struct {
	addr          string
	authStorePath string
	auditDBPath   string
	masterKeyFile string
}

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Pairing and connection-fabric relay server",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay HTTP/WebSocket server",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("relay %s (%s)\n", version, commit)
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a 256-bit master key for the audit log",
	RunE:  runKeygen,
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.addr, "addr", ":18080", "listen address")
	serveCmd.Flags().StringVar(&serveFlags.authStorePath, "auth-store", "", "auth store JSON path (default: $RELAY_AUTH_STORE_PATH, else ~/.config/yourconnector/relay/auth-store.json)")
	serveCmd.Flags().StringVar(&serveFlags.auditDBPath, "audit-db", "relay-audit.db", "audit log SQLite path")
	serveCmd.Flags().StringVar(&serveFlags.masterKeyFile, "master-key-file", "", "path to audit log master key (or set RELAY_MASTER_KEY)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(keygenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if !cmd.Flags().Changed("addr") {
		if v := os.Getenv("RELAY_ADDR"); v != "" {
			serveFlags.addr = v
		}
	}

	authStorePath := serveFlags.authStorePath
	if authStorePath == "" {
		authStorePath = credential.AuthStorePath()
	}

	hub, err := fabric.NewHub(logger, authStorePath)
	if err != nil {
		return fmt.Errorf("init hub: %w", err)
	}

	var auditLog *audit.Log
	masterKey, err := loadMasterKey(serveFlags.masterKeyFile)
	if err != nil {
		logger.Warn("audit log disabled: no master key", slog.String("err", err.Error()))
	} else {
		auditLog, err = audit.Open(serveFlags.auditDBPath, masterKey)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer auditLog.Close()
		hub.OnAudit(func(action, systemID, deviceID, detail string) {
			if err := auditLog.Append(action, systemID, deviceID, detail); err != nil {
				logger.Error("audit append failed", slog.String("err", err.Error()))
			}
		})
	}

	router := relayapi.NewRouter(hub, auditLog, logger)
	server := &http.Server{
		Addr:         serveFlags.addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("shutting down")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Info("relay listening", slog.String("addr", serveFlags.addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.String("err", err.Error()))
			cancel()
		}
	}()

	logger.Info("relay started", slog.String("version", version))
	<-ctx.Done()
	logger.Info("relay stopped")
	return nil
}

func loadMasterKey(keyFile string) ([]byte, error) {
	if key := os.Getenv("RELAY_MASTER_KEY"); key != "" {
		if len(key) != 64 {
			return nil, fmt.Errorf("RELAY_MASTER_KEY must be 64 hex characters (32 bytes)")
		}
		return hex.DecodeString(key)
	}
	if keyFile != "" {
		data, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		if len(data) == 32 {
			return data, nil
		}
		trimmed := trimTrailingNewline(data)
		if len(trimmed) == 64 {
			return hex.DecodeString(string(trimmed))
		}
		return nil, fmt.Errorf("key file must be 32 bytes or 64 hex characters")
	}
	return nil, fmt.Errorf("no master key provided (set RELAY_MASTER_KEY or use --master-key-file)")
}

func trimTrailingNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

func runKeygen(cmd *cobra.Command, args []string) error {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("generate random key: %w", err)
	}
	fmt.Println(hex.EncodeToString(key))
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "export RELAY_MASTER_KEY="+hex.EncodeToString(key))
	return nil
}
