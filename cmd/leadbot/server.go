package main

import (
	"context"
	"encoding/json"
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

	"github.com/kalambet/leadbot/internal/analytics"
	"github.com/kalambet/leadbot/internal/api"
	"github.com/kalambet/leadbot/internal/bot"
	"github.com/kalambet/leadbot/internal/clients"
	"github.com/kalambet/leadbot/internal/config"
	"github.com/kalambet/leadbot/internal/docs"
	"github.com/kalambet/leadbot/internal/ingest"
	"github.com/kalambet/leadbot/internal/llm"
	"github.com/kalambet/leadbot/internal/messaging"
	"github.com/kalambet/leadbot/internal/profile"
	"github.com/kalambet/leadbot/internal/retrieval"
	"github.com/kalambet/leadbot/internal/storage"
)

const (
	shutdownTimeout = 5 * time.Second
	workerPoll      = 500 * time.Millisecond
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the leadbot server (foreground)",
	Long: `Start the leadbot server in the foreground.

The server receives Twilio and WhatsApp Cloud webhooks, answers messages,
embeds uploaded documents and serves the management API.

With --mcp, leadbot instead serves analytics, profiles and knowledge
search to an MCP client over stdin/stdout.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpMode, _ := cmd.Flags().GetBool("mcp")
		if mcpMode {
			return runMCP()
		}
		return runServer()
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "serve the MCP tools over stdio instead of HTTP")
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running leadbot server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show leadbot server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "leadbot.pid")
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

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	if strings.EqualFold(level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// buildSenders returns the outbound provider of every channel the
// configured provider serves. Twilio carries SMS as well, sending from the
// WhatsApp sender number without its channel prefix.
func buildSenders(cfg config.MessagingConfig) map[messaging.Channel]messaging.Provider {
	switch strings.ToLower(cfg.Provider) {
	case config.ProviderMeta:
		return map[messaging.Channel]messaging.Provider{
			messaging.ChannelWhatsApp: messaging.NewMeta(messaging.DefaultGraphURL, cfg.MetaToken, cfg.MetaPhoneNumberID),
		}
	default:
		tw := messaging.NewTwilio(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFrom)
		return map[messaging.Channel]messaging.Provider{
			messaging.ChannelWhatsApp: tw,
			messaging.ChannelSMS:      tw.WithFrom(messaging.StripChannel(cfg.TwilioFrom)),
		}
	}
}

// stores are the persistent state shared by the HTTP and MCP modes.
type stores struct {
	db        *storage.Store
	clients   *clients.Manager
	profiles  *profile.Store
	analytics *analytics.Service
}

func openStores(dataDir string) (*stores, error) {
	db, err := storage.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	profiles := profile.Open(filepath.Join(dataDir, "users.json"))
	return &stores{
		db:        db,
		clients:   clients.Open(filepath.Join(dataDir, "clients.json")),
		profiles:  profiles,
		analytics: analytics.NewService(profiles),
	}, nil
}

func (s *stores) close() {
	if err := s.db.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "leadbot version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	if cfg.API.Token == "" {
		printWarning("api.token is not set; the management API will refuse all requests")
	}

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("leadbot is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("leadbot is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStep("Opening data in %s", cfg.Storage.DataDir)
	st, err := openStores(cfg.Storage.DataDir)
	if err != nil {
		return err
	}
	defer st.close()

	llmClient := llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey)
	embedder := retrieval.NewEmbedder(llmClient, cfg.LLM.EmbedModel)
	vectorStore := retrieval.NewSQLiteStore(st.db.DB())
	retriever := retrieval.NewRetriever(embedder, vectorStore)

	responder := bot.NewResponder(bot.Deps{
		Clients:   st.clients,
		Profiles:  st.profiles,
		Knowledge: retriever,
		LLM:       llmClient,
		Log:       st.db,
		Analytics: st.analytics,
		Senders:   buildSenders(cfg.Messaging),
		Composer:  bot.NewComposer(0),
		Logger:    slog.Default(),
	}, bot.Settings{
		Model:             cfg.LLM.Model,
		SystemPrompt:      cfg.Bot.SystemPrompt,
		DefaultClientID:   cfg.Bot.DefaultClientID,
		TopK:              cfg.Retrieval.TopK,
		InterestThreshold: cfg.Retrieval.InterestThreshold,
		MaxTokens:         cfg.LLM.MaxTokens,
		Temperature:       cfg.LLM.Temperature,
	})

	webhooks := api.NewWebhooks(api.WebhookDeps{
		Bot:                responder,
		TwilioAuthToken:    cfg.Messaging.TwilioAuthToken,
		ValidateSignatures: cfg.Messaging.ValidateSignatures,
		MetaVerifyToken:    cfg.Messaging.MetaVerifyToken,
		Logger:             slog.Default(),
	})
	handler := api.NewRouter(webhooks, api.AppDeps{
		Clients:   st.clients,
		Profiles:  st.profiles,
		Analytics: st.analytics,
		Store:     st.db,
		Vectors:   vectorStore,
		Fetcher:   docs.NewFetcher(&http.Client{Timeout: 15 * time.Second}),
		Health:    llmClient,
		Token:     cfg.API.Token,
		Logger:    slog.Default(),
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start ingest worker.
	splitter := docs.NewSplitter(docs.DefaultChunkSize, docs.DefaultChunkOverlap)
	worker := ingest.NewWorker(st.db, splitter, embedder, vectorStore, workerPoll)
	go worker.Run(ctx)

	slog.Info("messaging provider configured",
		"provider", cfg.Messaging.Provider,
		"validate_signatures", cfg.Messaging.ValidateSignatures,
		"clients", len(st.clients.List()),
	)

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "leadbot listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout. Messages already acknowledged to the
	// provider still get their reply.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := webhooks.Wait(shutdownCtx); err != nil {
		slog.Warn("messages still in flight at shutdown", "error", err)
	}
	return nil
}

// runMCP serves the MCP tools over stdio. Messaging settings are not needed,
// and without an LLM key knowledge search is unavailable.
func runMCP() error {
	cfg, err := config.LoadUnvalidated()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(cfg.Storage.DataDir)
	if err != nil {
		return err
	}
	defer st.close()

	deps := api.MCPDeps{
		Clients:   st.clients,
		Profiles:  st.profiles,
		Analytics: st.analytics,
	}
	if cfg.LLM.APIKey != "" {
		llmClient := llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey)
		deps.Knowledge = retrieval.NewRetriever(
			retrieval.NewEmbedder(llmClient, cfg.LLM.EmbedModel),
			retrieval.NewSQLiteStore(st.db.DB()),
		)
	} else {
		slog.Warn("llm.api_key is not set, search_knowledge is disabled")
	}

	slog.Info("MCP server started (stdio transport)")
	stdioSrv := server.NewStdioServer(api.NewMCPServer(deps))
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}

func stopServer() error {
	cfg, err := config.LoadUnvalidated()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("leadbot is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop leadbot (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to leadbot (PID %d)", pid)
	return nil
}

type healthReport struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
	LLM     string `json:"llm"`
}

func fetchHealth(ctx context.Context, client *http.Client, serverURL string) (healthReport, error) {
	var h healthReport
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL+"/health", nil)
	if err != nil {
		return h, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return h, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return h, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return h, fmt.Errorf("decoding health: %w", err)
	}
	return h, nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.LoadUnvalidated()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	h, err := fetchHealth(ctx, &http.Client{Timeout: 10 * time.Second}, serverURL)
	if err != nil {
		printStatus("Server", "stopped (%v)", err)
	} else {
		printStatus("Server", "running on port %d", cfg.Server.Port)
		printStatus("Clients", "%d", h.Clients)
		if h.LLM != "" {
			printStatus("LLM", "%s", h.LLM)
		}
	}

	if err := config.Validate(cfg); err != nil {
		printWarning("%v", err)
	}

	printStatus("Provider", "%s", cfg.Messaging.Provider)
	printStatus("Model", "%s", cfg.LLM.Model)
	printStatus("Embed model", "%s", cfg.LLM.EmbedModel)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
