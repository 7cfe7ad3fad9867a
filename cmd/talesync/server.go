package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"github.com/talesync/talesync/internal/api"
	"github.com/talesync/talesync/internal/audioaccess"
	"github.com/talesync/talesync/internal/blobstore"
	"github.com/talesync/talesync/internal/chain"
	"github.com/talesync/talesync/internal/config"
	"github.com/talesync/talesync/internal/dispatch"
	"github.com/talesync/talesync/internal/pipeline"
	"github.com/talesync/talesync/internal/storage"
	"github.com/talesync/talesync/internal/token"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the talesync server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running talesync server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show talesync system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "talesync.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "talesync version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Refuse to double-start: probe the health endpoint first.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("talesync is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("talesync is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	remote := blobstore.NewRemoteStore(cfg.Remote.BaseURL, cfg.Remote.CDNURL, cfg.Remote.APIKey, cfg.Remote.APISecret)
	blobs := blobstore.NewGateway(remote, cfg.Storage.UploadsDir)
	tokens := token.NewService(cfg.Auth.TokenSecret)
	resolver := audioaccess.NewResolver(blobs, tokens, cfg.Server.BaseURL, cfg.Server.Production)
	svc := pipeline.NewService(store, blobs, resolver, cfg.Worker.Secret)
	chains := chain.NewBuilder(store)

	if cfg.Worker.BaseURL == "" {
		slog.Warn("transcription worker not configured; uploads will fail until TALESYNC_WORKER_BASE_URL is set")
	}
	dispatcher := dispatch.NewClient(cfg.Worker.BaseURL, cfg.Worker.Secret)
	worker := pipeline.NewWorker(store, dispatcher, resolver, chains, 500*time.Millisecond)
	go worker.Run(ctx)

	handler := api.NewHandler(api.Deps{
		Store:    store,
		Pipeline: svc,
		Chains:   chains,
		Resolver: resolver,
		Blobs:    blobs,
		Tokens:   tokens,
	})

	// MCP server on stdio, read-only public surface.
	mcpSrv := api.NewMCPServer(api.MCPDeps{Store: store, Chains: chains})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConns)
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "talesync listening on %s\n", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("talesync is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop talesync (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to talesync (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	healthURL := fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)
	if resp, err := client.Get(healthURL); err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if cfg.Worker.BaseURL != "" {
		printStatus("Worker", "%s", cfg.Worker.BaseURL)
	} else {
		printStatus("Worker", "not configured")
	}

	// Record counts come straight from storage; WAL mode tolerates a
	// second reader next to a running server.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		printStatus("Storage", "unavailable: %v", err)
		return nil
	}
	defer store.Close()

	total, err := store.CountMemories("")
	if err == nil {
		printStatus("Memories", "%d", total)
	}
	if processing, err := store.CountMemories(storage.StatusProcessing); err == nil && processing > 0 {
		printStatus("Processing", "%d", processing)
	}
	if failed, err := store.CountMemories(storage.StatusFailed); err == nil && failed > 0 {
		printStatus("Failed", "%d", failed)
	}
	if pending, err := store.CountJobs("pending"); err == nil && pending > 0 {
		printStatus("Queued jobs", "%d", pending)
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
