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
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/obdbot/internal/api"
	"github.com/kalambet/obdbot/internal/app"
	"github.com/kalambet/obdbot/internal/config"
	"github.com/kalambet/obdbot/internal/ollama"
	"github.com/kalambet/obdbot/internal/telegram"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and, when enabled, the MCP and Telegram transports",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running obdbot server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show obdbot system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			printError("config error: %v", err)
			return nil
		}
		showStatus(cmd.Context(), cfg, newAPIClient(cfg))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "obdbot.pid")
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
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "obdbot version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	// Refuse to start twice on the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("obdbot is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("something is already listening on port %d", cfg.Server.Port)
		return fmt.Errorf("port %d in use", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var tg *telegram.Client
	if cfg.Telegram.Enabled {
		tg = telegram.NewClient(cfg.Telegram.BotToken, "")
		me, err := tg.GetMe(ctx)
		if err != nil {
			return fmt.Errorf("checking Telegram bot token: %w", err)
		}
		slog.Info("Telegram bot started", "username", me.Username)
	}

	g, gctx := errgroup.WithContext(ctx)

	// Transports start right away; requests wait on the gate until the
	// model is up and the complaint table is embedded.
	gate := app.NewGate()
	gate.Start(gctx, func(ctx context.Context) (*app.App, error) {
		return app.New(ctx, cfg, app.Options{Out: os.Stderr})
	})
	defer func() {
		if a, err := gate.Wait(context.Background()); err == nil {
			if err := a.Close(); err != nil {
				slog.Warn("closing app", "error", err)
			}
		}
	}()

	g.Go(func() error {
		select {
		case <-gate.Done():
			if err := gate.Err(); err != nil {
				return fmt.Errorf("initialization failed: %w", err)
			}
			printSuccess("obdbot ready")
			return nil
		case <-gctx.Done():
			return nil
		}
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewHandler(gate, cfg.Server.RequestTimeout),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return gctx
		},
	}
	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "obdbot listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.MCP.Enabled {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(gate, version))
		g.Go(func() error {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}

	if tg != nil {
		bot := telegram.NewBot(tg, gate)
		g.Go(func() error {
			if err := bot.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

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
		printError("obdbot is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop obdbot (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to obdbot (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context, cfg config.Config, client *apiClient) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := client.get(ctx, "/health")
	switch {
	case err != nil:
		printStatus("Server", "stopped")
	case resp.StatusCode != http.StatusOK:
		resp.Body.Close()
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
	default:
		resp.Body.Close()
		printStatus("Server", "running on port %d", cfg.Server.Port)

		if readyResp, err := client.get(ctx, "/ready"); err == nil {
			var ready api.ReadyResponse
			// /ready answers 503 with a body while starting, so decode regardless.
			if decodeErr := decodeReady(readyResp, &ready); decodeErr == nil {
				printReady(ready)
			}
		}
	}

	if cfg.Embedding.Backend == "ollama" {
		oc := ollama.New(cfg.Ollama.BaseURL)
		if oc.IsRunning(ctx) {
			printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
			if oc.HasModel(ctx, cfg.Embedding.Model) {
				printStatus("Embed model", "%s (available)", cfg.Embedding.Model)
			} else {
				printStatus("Embed model", "%s (not pulled)", cfg.Embedding.Model)
			}
		} else {
			printStatus("Ollama", "not running at %s", cfg.Ollama.BaseURL)
			printStatus("Embed model", "%s", cfg.Embedding.Model)
		}
	} else {
		printStatus("Backend", "%s (%s)", cfg.Embedding.Backend, cfg.ONNX.ModelPath)
	}

	printStatus("Cache", "%s", cfg.Cache.Backend)
	printStatus("Telegram", "%s", enabledLabel(cfg.Telegram.Enabled))
	printStatus("MCP", "%s", enabledLabel(cfg.MCP.Enabled))
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
}

func decodeReady(resp *http.Response, v *api.ReadyResponse) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(v)
}

func printReady(r api.ReadyResponse) {
	switch r.Status {
	case "ready":
		printStatus("Core", "ready (%d codes, %d complaints, dim %d)", r.Codes, r.Complaints, r.Dim)
		if r.Cached != nil {
			printStatus("Cached vectors", "%d", *r.Cached)
		}
	case "failed":
		printStatus("Core", "failed: %s", r.Error)
	default:
		printStatus("Core", "%s", r.Status)
	}
}

func enabledLabel(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}
