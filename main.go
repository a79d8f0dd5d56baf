// Command collabcode starts the collaborative code editing broker.
//
// It supports two modes:
//  1. "serve" (default) – runs the HTTP server exposing the WebSocket broker, the REST API and an /mcp HTTP endpoint
//  2. "mcp" – runs an MCP stdio server and spins up an internal broker if none is reachable
//
// Flags control host/port, log format, debug logging and optional ngrok
// tunneling for easy external access during development. Broker tunables
// come from the environment, see package collab/config.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"
	"github.com/urfave/cli/v3"
	"github.com/wricardo/collabcode/api"
	"github.com/wricardo/collabcode/collab/config"
	"github.com/wricardo/collabcode/collab/events"
	"github.com/wricardo/collabcode/collab/session"
	"github.com/wricardo/collabcode/internal/logctx"
	"github.com/wricardo/collabcode/transport/mcp"
	"github.com/wricardo/collabcode/transport/websocket"
	"golang.ngrok.com/ngrok"
	ngrokConfig "golang.ngrok.com/ngrok/config"
)

// Version information
const (
	Version = "1.0.0"
	AppName = "Collaborative Code Broker"
)

func main() {
	// Load .env file if it exists (ignore error if not found)
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: Error loading .env file: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCommand().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:    "collabcode",
		Usage:   AppName,
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Value: "localhost", Usage: "HTTP server host", Sources: cli.EnvVars("HOST")},
			&cli.IntFlag{Name: "port", Value: 8080, Usage: "HTTP server port", Sources: cli.EnvVars("PORT")},
			&cli.BoolFlag{Name: "debug", Usage: "Enable debug logging", Sources: cli.EnvVars("DEBUG")},
			&cli.StringFlag{Name: "log-format", Value: "text", Usage: "Log format: text or json", Sources: cli.EnvVars("LOG_FORMAT")},
			&cli.BoolFlag{Name: "ngrok", Usage: "Enable ngrok tunnel", Sources: cli.EnvVars("NGROK_ENABLED")},
			&cli.StringFlag{Name: "ngrok-auth", Usage: "Ngrok auth token", Sources: cli.EnvVars("NGROK_AUTHTOKEN", "NGROK_AUTH_TOKEN")},
			&cli.StringFlag{Name: "ngrok-domain", Usage: "Custom ngrok domain (optional)", Sources: cli.EnvVars("NGROK_DOMAIN")},
		},
		Action: runServe,
		Commands: []*cli.Command{
			{
				Name:    "serve",
				Aliases: []string{"server", "http"},
				Usage:   "Run the broker with WebSocket, REST API and MCP endpoint (default)",
				Action:  runServe,
			},
			{
				Name:    "mcp",
				Aliases: []string{"stdio-mcp", "mcp-stdio"},
				Usage:   "Run an MCP stdio server, starting an internal broker if none is reachable",
				Action:  runStdioMCP,
			},
		},
	}
}

// newLogger builds the process logger. Records carry connection and session
// attributes from the context through logctx.Handler.
func newLogger(w io.Writer, format string, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level, AddSource: debug}

	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(logctx.Handler{Handler: h})
}

// newPublisher returns the Redis event feed when configured and a log-backed
// feed otherwise.
func newPublisher(ctx context.Context, cfg config.Config, logger *slog.Logger) (events.Publisher, error) {
	if cfg.RedisAddr == "" {
		return events.NewLogPublisher(logger), nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pub, err := events.NewRedisPublisher(pingCtx, events.RedisConfig{
		Addr:      cfg.RedisAddr,
		KeyPrefix: cfg.EventsChannelPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("connect event feed: %w", err)
	}
	logger.Info("publishing session events to redis", slog.String("addr", cfg.RedisAddr), slog.String("prefix", cfg.EventsChannelPrefix))
	return pub, nil
}

// broker is one fully wired broker instance.
type broker struct {
	store     *session.Manager
	hub       *websocket.Hub
	api       *api.Server
	publisher events.Publisher
}

func newBroker(ctx context.Context, cfg config.Config, logger *slog.Logger) (*broker, error) {
	publisher, err := newPublisher(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	store := session.NewManager()
	hub := websocket.NewHub(store, cfg, websocket.Options{Logger: logger, Events: publisher})
	apiServer := api.NewServer(store, hub, api.Options{Logger: logger, Events: publisher})

	return &broker{store: store, hub: hub, api: apiServer, publisher: publisher}, nil
}

func (b *broker) Close() error {
	b.hub.Shutdown()
	return b.publisher.Close()
}

// newRouter mounts the broker at the root and the MCP proxy at /mcp.
func newRouter(apiServer http.Handler, mcpClient *mcp.Client) http.Handler {
	mainRouter := http.NewServeMux()
	mainRouter.Handle("/", apiServer)

	mainRouter.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Failed to read request", http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		response := mcpClient.GetMCPServer().HandleMessage(r.Context(), body)

		w.Header().Set("Content-Type", "application/json")
		responseData, err := json.Marshal(response)
		if err != nil {
			http.Error(w, "Failed to marshal response", http.StatusInternalServerError)
			return
		}
		w.Write(responseData)
	})
	return mainRouter
}

// runServe starts the HTTP server with the broker, REST API and an /mcp proxy
// endpoint. If ngrok is enabled it also provisions a public tunnel.
func runServe(ctx context.Context, cmd *cli.Command) error {
	logger := newLogger(os.Stderr, cmd.String("log-format"), cmd.Bool("debug"))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	b, err := newBroker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	addr := fmt.Sprintf("%s:%d", cmd.String("host"), int(cmd.Int("port")))
	mcpClient := mcp.NewClient(fmt.Sprintf("http://%s", addr))
	handler := newRouter(b.api, mcpClient)

	// No write timeout: WebSocket connections are long lived.
	httpServer := &http.Server{
		Addr:        addr,
		Handler:     handler,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		b.hub.Run(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening",
			slog.String("addr", addr),
			slog.String("websocket", fmt.Sprintf("ws://%s/ws", addr)),
			slog.String("rest", fmt.Sprintf("http://%s/api", addr)),
			slog.String("mcp", fmt.Sprintf("http://%s/mcp", addr)),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	if cmd.Bool("ngrok") {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runNgrok(ctx, logger, cmd.String("ngrok-auth"), cmd.String("ngrok-domain"), handler)
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("HTTP server failed: %w", err)
		}
	}
	cancel()

	// Hijacked WebSocket connections are not tracked by Shutdown.
	b.hub.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", slog.Any("error", err))
	}

	wg.Wait()
	logger.Info("server stopped")
	return nil
}

// runNgrok serves handler through an ngrok tunnel until ctx is done.
func runNgrok(ctx context.Context, logger *slog.Logger, authToken, domain string, handler http.Handler) {
	if authToken == "" {
		logger.Warn("ngrok enabled but no auth token provided (use --ngrok-auth or NGROK_AUTHTOKEN)")
		return
	}

	var tunnel ngrokConfig.Tunnel
	if domain != "" {
		tunnel = ngrokConfig.HTTPEndpoint(ngrokConfig.WithDomain(domain))
	} else {
		tunnel = ngrokConfig.HTTPEndpoint()
	}

	tun, err := ngrok.Listen(ctx, tunnel, ngrok.WithAuthtoken(authToken))
	if err != nil {
		logger.Error("failed to start ngrok tunnel", slog.Any("error", err))
		return
	}

	go func() {
		<-ctx.Done()
		if err := tun.Close(); err != nil {
			logger.Warn("failed to close ngrok tunnel", slog.Any("error", err))
		}
	}()

	ngrokURL := tun.URL()
	logger.Info("ngrok tunnel established",
		slog.String("url", ngrokURL),
		slog.String("websocket", websocketURL(ngrokURL)+"/ws"),
	)

	if err := http.Serve(tun, handler); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		logger.Error("ngrok server error", slog.Any("error", err))
	}
	logger.Info("ngrok tunnel closed")
}

// runStdioMCP runs an MCP stdio server. It reuses a broker already listening
// on --host/--port; otherwise it starts an internal one on a random loopback
// port and targets that.
func runStdioMCP(ctx context.Context, cmd *cli.Command) error {
	// Stdout carries the MCP protocol, so logs go to stderr.
	logger := newLogger(os.Stderr, cmd.String("log-format"), cmd.Bool("debug"))
	slog.SetDefault(logger)

	externalURL := fmt.Sprintf("http://%s:%d", cmd.String("host"), int(cmd.Int("port")))
	baseURL := externalURL

	if !brokerReachable(externalURL) {
		logger.Info("no external broker found, starting internal HTTP server", slog.String("checked", externalURL))

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		b, err := newBroker(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer b.Close()

		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return fmt.Errorf("failed to get available port: %w", err)
		}
		httpServer := &http.Server{Handler: b.api}
		go func() {
			if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("internal HTTP server error", slog.Any("error", err))
			}
		}()
		defer httpServer.Close()
		go b.hub.Run(ctx)

		baseURL = "http://" + listener.Addr().String()
	}

	logger.Info("MCP stdio server ready", slog.String("broker", baseURL))
	return server.ServeStdio(mcp.NewClient(baseURL).GetMCPServer())
}

// websocketURL maps an http(s) base URL to its ws(s) counterpart.
func websocketURL(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	}
	return httpURL
}

func brokerReachable(baseURL string) bool {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(baseURL + "/api/health")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
