package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
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

	"github.com/skimlab/arxival/internal/api"
	"github.com/skimlab/arxival/internal/arxiv"
	"github.com/skimlab/arxival/internal/config"
	"github.com/skimlab/arxival/internal/index"
	"github.com/skimlab/arxival/internal/kb"
	"github.com/skimlab/arxival/internal/ollama"
	"github.com/skimlab/arxival/internal/rag"
	"github.com/skimlab/arxival/internal/scheduler"
	"github.com/skimlab/arxival/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the arxival server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running arxival server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show arxival system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "arxival.pid")
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
	fmt.Fprintf(os.Stderr, "arxival version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// Refuse to double-start: probe the health endpoint before claiming
	// the PID file.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("arxival is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("arxival is already running on port %d", cfg.Server.Port)
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

	fetcher := arxiv.New(arxiv.Config{
		BaseURL:    cfg.Arxiv.BaseURL,
		MaxResults: cfg.Arxiv.MaxResults,
		Timeout:    cfg.Arxiv.RequestTimeout,
		RateLimit:  cfg.Arxiv.RateLimit,
	})

	// Pick the search variant once, here: vector search when Ollama and
	// the embedding model are reachable, keyword overlap otherwise.
	// Nothing downstream branches on embedding availability again.
	ollamaClient := ollama.New(cfg.Ollama.BaseURL, cfg.Ollama.Timeout)
	var searcher index.Searcher
	if ollamaClient.IsRunning(ctx) && ollamaClient.HasModel(ctx, cfg.Ollama.EmbedModel) {
		searcher = index.NewVectorIndex(store.DB(),
			index.NewEmbedder(ollamaClient, cfg.Ollama.EmbedModel),
			index.NewKeywordIndex(store))
	} else {
		printWarning("Ollama or embed model %q unavailable, search degrades to keyword matching", cfg.Ollama.EmbedModel)
		searcher = index.NewKeywordIndex(store)
	}
	logger.Info("search index selected", "variant", searcher.Name())

	manager, err := kb.New(store, fetcher, searcher, kb.Config{
		CacheTTL:        cfg.KnowledgeBase.CacheTTL,
		Categories:      cfg.KnowledgeBase.Categories,
		UpdateWorkers:   cfg.KnowledgeBase.UpdateWorkers,
		FetchWindowDays: cfg.KnowledgeBase.FetchWindowDays,
		FetchLimit:      cfg.KnowledgeBase.FetchLimit,
		MaxResults:      cfg.Arxiv.MaxResults,
	}, logger)
	if err != nil {
		return fmt.Errorf("building knowledge base: %w", err)
	}
	defer manager.Close()

	engine := rag.New(manager, ollamaClient, rag.Config{
		Model:           cfg.Ollama.GenModel,
		ContextLimit:    cfg.RAG.ContextLimit,
		MaxContextChars: cfg.RAG.MaxContextChars,
	}, logger)

	sched := scheduler.New(manager, cfg.KnowledgeBase.UpdateInterval, cfg.KnowledgeBase.UpdateWorkers, logger)
	go sched.Run(ctx)
	defer sched.Close()

	handler := api.NewAppHandler(api.AppDeps{
		KB:      manager,
		QA:      engine,
		Updates: sched,
		Token:   cfg.Server.APIToken,
		Logger:  logger,
	})

	// MCP server over stdio, alongside HTTP.
	mcpSrv := api.NewMCPServer(api.MCPDeps{KB: manager, QA: engine})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("MCP stdio server error", "error", err)
		}
	}()
	logger.Info("MCP server started (stdio transport)")

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "arxival listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
		printError("arxival is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop arxival (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to arxival (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	serverUp := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			serverUp = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	ollamaResp, err := client.Get(cfg.Ollama.BaseURL + "/api/version")
	if err != nil {
		printStatus("Ollama", "not running")
	} else {
		ollamaResp.Body.Close()
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	}

	printStatus("Gen model", "%s", cfg.Ollama.GenModel)
	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)
	printStatus("Categories", "%s", strings.Join(cfg.KnowledgeBase.Categories, ", "))

	if serverUp {
		apiC, err := newAPIClient()
		if err == nil {
			if statsResp, err := apiC.get("/knowledge-base/stats"); err == nil {
				var stats struct {
					TotalPapers  int    `json:"total_papers"`
					CachedPapers int    `json:"cached_papers"`
					Searcher     string `json:"searcher"`
				}
				if decodeJSON(statsResp, &stats) == nil {
					printStatus("Papers", "%d total, %d fresh", stats.TotalPapers, stats.CachedPapers)
					printStatus("Search index", "%s", stats.Searcher)
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
