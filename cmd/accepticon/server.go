package main

import (
	"context"
	"encoding/json"
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
	"golang.org/x/sync/errgroup"

	"github.com/insaiyann/Accepticon-sub000/internal/api"
	"github.com/insaiyann/Accepticon-sub000/internal/audio"
	"github.com/insaiyann/Accepticon-sub000/internal/config"
	"github.com/insaiyann/Accepticon-sub000/internal/diagram"
	"github.com/insaiyann/Accepticon-sub000/internal/pipeline"
	"github.com/insaiyann/Accepticon-sub000/internal/queue"
	"github.com/insaiyann/Accepticon-sub000/internal/recognition"
	"github.com/insaiyann/Accepticon-sub000/internal/storage"
	"github.com/insaiyann/Accepticon-sub000/internal/vision"
	"github.com/insaiyann/Accepticon-sub000/internal/watch"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the accepticon server",
	Long: `Run the accepticon server: the HTTP API, the background job queue,
and, when configured, the inbox watcher. With --mcp the process also
serves the Model Context Protocol over stdin/stdout so it can be attached
to an MCP client directly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcpStdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running accepticon server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		pid, err := readPIDFile(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("no pid file in %s; is the server running?", cfg.Storage.DataDir)
		}
		proc, err := os.FindProcess(pid)
		if err != nil {
			return err
		}
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			return fmt.Errorf("signaling pid %d: %w", pid, err)
		}
		printSuccess("Sent stop signal to pid %d", pid)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status and content counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP over stdin/stdout")
}

func runServer(mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "accepticon %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.Log.Level),
	})))

	token, err := config.EnsureAPIToken()
	if err != nil {
		return err
	}

	if pid, err := readPIDFile(cfg.Storage.DataDir); err == nil && serverHealthy(cfg.Server.Port) {
		return fmt.Errorf("accepticon already running (pid %d)", pid)
	}
	if err := writePIDFile(cfg.Storage.DataDir); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	defer removePIDFile(cfg.Storage.DataDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	attemptTimeout, err := time.ParseDuration(cfg.Queue.AttemptTimeout)
	if err != nil {
		slog.Warn("invalid queue attempt timeout, using default 2m", "value", cfg.Queue.AttemptTimeout)
		attemptTimeout = 2 * time.Minute
	}
	jobs := queue.NewRunner(store, queue.Config{
		MaxConcurrent:  cfg.Queue.MaxConcurrent,
		AttemptTimeout: attemptTimeout,
	})

	recognizer := recognition.NewClient(recognition.NewWhisperBackend(
		cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.WhisperModel, cfg.OpenAI.Language))
	jobs.Register(storage.JobAudioTranscription,
		pipeline.NewTranscriber(store, audio.NewNormalizer(), recognizer))

	generator := diagram.NewGenerator(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.ChatModel)
	jobs.Register(storage.JobDiagramGeneration,
		pipeline.NewDiagramProcessor(store, diagram.NewCache(store), generator))

	var describer api.Describer
	if cfg.OpenAI.VisionModel != "" {
		describer = vision.NewDescriber(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.VisionModel)
	}

	handler := api.NewAppHandler(api.AppDeps{
		Store:     store,
		Jobs:      jobs,
		Describer: describer,
		Token:     token,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConns)
	}
	srv := &http.Server{Handler: handler}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("queue runner started", "max_concurrent", cfg.Queue.MaxConcurrent)
		return jobs.Run(gCtx)
	})

	if cfg.Watch.Dir != "" {
		watcher := watch.NewWatcher(cfg.Watch.Dir, store, jobs, describer)
		g.Go(func() error {
			return watcher.Run(gCtx)
		})
	}

	if mcpStdio {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(api.MCPDeps{
			Store:     store,
			Jobs:      jobs,
			Describer: describer,
		}))
		g.Go(func() error {
			if err := stdioSrv.Listen(gCtx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("mcp stdio: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server stopped")
	return nil
}

func logLevel(s string) slog.Level {
	switch {
	case strings.EqualFold(s, "debug"):
		return slog.LevelDebug
	case strings.EqualFold(s, "warn"):
		return slog.LevelWarn
	case strings.EqualFold(s, "error"):
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// serverHealthy reports whether a server answers on the local port.
func serverHealthy(port int) bool {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if !serverHealthy(cfg.Server.Port) {
		printWarning("accepticon is not running on port %d", cfg.Server.Port)
		return nil
	}
	printSuccess("accepticon is running on port %d", cfg.Server.Port)

	client, err := newAPIClient()
	if err != nil {
		return err
	}

	// Counts are best effort; a fetch failure leaves the line out rather
	// than failing the whole status report.
	const countLimit = 100
	if n, err := fetchCount(ctx, client, fmt.Sprintf("/api/messages?limit=%d", countLimit)); err == nil {
		printStatus("Messages", "%s", countLabel(n, countLimit))
	}
	if n, err := fetchCount(ctx, client, fmt.Sprintf("/api/jobs?status=pending&limit=%d", countLimit)); err == nil {
		printStatus("Pending jobs", "%s", countLabel(n, countLimit))
	}
	if n, err := fetchCount(ctx, client, fmt.Sprintf("/api/diagrams?limit=%d", countLimit)); err == nil {
		printStatus("Diagrams", "%s", countLabel(n, countLimit))
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func fetchCount(ctx context.Context, client *apiClient, path string) (int, error) {
	resp, err := client.get(ctx, path)
	if err != nil {
		return 0, err
	}
	var items []json.RawMessage
	if err := decodeJSON(resp, &items); err != nil {
		return 0, err
	}
	return len(items), nil
}

// countLabel renders n as "100+" once it hits the query limit.
func countLabel(n, limit int) string {
	if n >= limit {
		return fmt.Sprintf("%d+", limit)
	}
	return strconv.Itoa(n)
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "accepticon.pid")
}

func writePIDFile(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(pidFilePath(dataDir), []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(dataDir string) (int, error) {
	data, err := os.ReadFile(pidFilePath(dataDir))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(dataDir string) {
	_ = os.Remove(pidFilePath(dataDir))
}
