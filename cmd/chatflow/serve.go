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
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/chatflow/internal/api"
	"github.com/kalambet/chatflow/internal/config"
	"github.com/kalambet/chatflow/internal/engine"
	"github.com/kalambet/chatflow/internal/ingest"
	"github.com/kalambet/chatflow/internal/logging"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	var withMCP bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline, HTTP API and ingest worker (foreground)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(withMCP)
		},
	}
	cmd.Flags().BoolVar(&withMCP, "mcp", false, "also serve MCP tools over stdio")
	return cmd
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running chatflow server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return stopServer()
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show chatflow status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus()
		},
	}
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "chatflow.pid")
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

func serverAddr(cfg config.Config) string {
	return net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
}

func runServer(withMCP bool) error {
	cfg, err := loadValidConfig()
	if err != nil {
		return err
	}

	logger := logging.Setup(logging.Options{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		NoColor: noColor,
	})
	logger.Info("starting chatflow", "version", version, "backend", cfg.Engine.Backend, "store", cfg.Retrieval.Store)

	addr := serverAddr(cfg)
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get("http://" + addr + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on %s", addr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := engine.EnsureReady(ctx, a.engine, []string{cfg.Engine.ChatModel, cfg.Engine.EmbedModel}, os.Stderr); err != nil {
		return err
	}

	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	p, err := a.newPipeline(logger)
	if err != nil {
		return err
	}
	defer p.Close()

	deps := api.Deps{Chat: p, Flows: a.store, Jobs: a.store}
	if a.tracer != nil {
		deps.Traces = a.tracer
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewHandler(deps),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	loader := ingest.NewLoader(a.embedder, a.vectors, cfg.Ingest.BatchSize, "queue")
	worker := ingest.NewWorker(a.store, loader, cfg.Ingest.PollInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.Run(gctx)
	})
	g.Go(func() error {
		worker.Run(gctx)
		return nil
	})

	select {
	case <-p.Running():
	case <-gctx.Done():
		return g.Wait()
	}
	slog.Info("pipeline running")

	g.Go(func() error {
		slog.Info("chatflow listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Chat:      p,
			Extractor: a.extractor,
			Retriever: a.retriever,
			Flows:     a.store,
			Version:   version,
		})
		stdio := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			if err := stdio.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		if cerr := p.Close(); cerr != nil && err == nil {
			err = cerr
		}
		return err
	})

	return g.Wait()
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
		printError("chatflow is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop chatflow (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to chatflow (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	addr := serverAddr(cfg)
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + addr + "/health")
	switch {
	case err != nil:
		printStatus("Server", "stopped")
	case resp.StatusCode == http.StatusOK:
		resp.Body.Close()
		printStatus("Server", "running on %s", addr)
	default:
		resp.Body.Close()
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
	}

	printStatus("Backend", "%s", cfg.Engine.Backend)
	printStatus("Chat model", "%s", cfg.Engine.ChatModel)
	printStatus("Embed model", "%s", cfg.Engine.EmbedModel)
	printStatus("Filters", "%s", cfg.Filters.Strategy)
	printStatus("Vector store", "%s", cfg.Retrieval.Store)
	printStatus("Tracing", "%t", cfg.Tracing.Enabled)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)

	if err := cfg.Validate(); err != nil {
		printWarning("%v", err)
	}
	return nil
}
