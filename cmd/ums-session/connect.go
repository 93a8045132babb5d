// ABOUTME: connect command: live session against the messaging backend
// ABOUTME: Reads chat lines and slash commands from stdin, renders views to stdout

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/2389/ums-session/internal/auth"
	"github.com/2389/ums-session/internal/config"
	"github.com/2389/ums-session/internal/connection"
	"github.com/2389/ums-session/internal/session"
	"github.com/2389/ums-session/internal/store"
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Open a live conversation session",
	Long: `Connect authenticates, opens the messaging socket and starts a chat.

Type a line to send it. Commands:
  /new                     request a conversation without sending
  /close                   close the conversation, keep local state
  /end                     close the conversation and reset local state
  /upload <path>           share a file
  /form <invitation> <id>  report a secure form submission
  /accept /reject /stop    answer or end a co-browse offer
  /typing                  send a composing indicator
  /quit                    leave`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		return runConnect(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func engineConfig(cfg *config.Config) session.Config {
	return session.Config{
		Connection: connection.Config{
			HeartbeatInterval: cfg.Connection.HeartbeatInterval,
			RetryDelay:        cfg.Connection.RetryDelay,
			MaxRetries:        cfg.Connection.MaxRetries,
			DialTimeout:       cfg.Connection.DialTimeout,
		},
		SettleDelay:        cfg.Session.SettleDelay,
		SecureFormTimeout:  cfg.Session.SecureFormTimeout,
		DirectoryCacheSize: cfg.Session.DirectoryCacheSize,
		DirectoryTimeout:   cfg.Auth.RequestTimeout,
		DirectoryDomain:    cfg.Auth.DirectoryURL,
		UploadTimeout:      cfg.Auth.RequestTimeout,
	}
}

func runConnect(ctx context.Context, in io.Reader, out io.Writer) error {
	path := getConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging, os.Stderr)

	green := color.New(color.FgGreen)
	green.Fprint(out, "▶ ")
	fmt.Fprintf(out, "Config:  %s\n", path)
	green.Fprint(out, "▶ ")
	fmt.Fprintf(out, "Account: %s", cfg.Account.ID)
	if cfg.Account.SkillID != "" {
		fmt.Fprintf(out, " (skill %s)", cfg.Account.SkillID)
	}
	fmt.Fprintln(out)

	kv, err := store.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer kv.Close()

	if cfg.Metrics.Enabled {
		stop := serveMetrics(cfg.Metrics.Addr, logger)
		defer stop()
	}

	broker := auth.NewBroker(
		auth.NewHTTPResolver(cfg.Auth.ResolverURL, cfg.Auth.RequestTimeout),
		auth.NewHTTPTokenService(cfg.Auth.RequestTimeout),
		kv,
		auth.BrokerConfig{
			PrimaryConnector:  cfg.Auth.PrimaryConnector,
			ElevatedConnector: cfg.Auth.ElevatedConnector,
		},
		logger,
	)

	engine := session.New(engineConfig(cfg), session.Deps{
		Broker: broker,
		Dialer: connection.WebsocketDialer{HandshakeTimeout: cfg.Connection.DialTimeout},
		Store:  kv,
	}, logger)
	defer engine.Close()

	go render(ctx, engine, newPrinter(out))

	if err := engine.InitState(ctx, cfg.Account.ID, cfg.Account.SkillID); err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	engine.SetView(true, false)

	return chat(ctx, engine, in, out)
}

func render(ctx context.Context, engine *session.Engine, p *printer) {
	for v := range engine.Subscribe(ctx) {
		p.Print(v)
	}
}

func serveMetrics(addr string, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}

func chat(ctx context.Context, engine *session.Engine, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case text, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := dispatch(ctx, engine, strings.TrimSpace(text), out)
			if err != nil {
				color.New(color.FgRed).Fprintf(out, "  %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func dispatch(ctx context.Context, engine *session.Engine, text string, out io.Writer) (bool, error) {
	if text == "" {
		return false, nil
	}
	if !strings.HasPrefix(text, "/") {
		return false, engine.SendMessage(text)
	}

	fields := strings.Fields(text)
	switch fields[0] {
	case "/quit":
		return true, nil
	case "/new":
		return false, engine.RequestConversation()
	case "/close":
		return false, engine.CloseConversation(ctx, false)
	case "/end":
		return false, engine.CloseConversation(ctx, true)
	case "/typing":
		return false, engine.SetTyping(true)
	case "/accept":
		return false, engine.AcceptCobrowse()
	case "/reject":
		return false, engine.RejectCobrowse()
	case "/stop":
		return false, engine.CloseCobrowse()
	case "/form":
		if len(fields) != 3 {
			return false, fmt.Errorf("usage: /form <invitation> <submission>")
		}
		return false, engine.SubmitSecureForm(fields[1], fields[2])
	case "/upload":
		if len(fields) != 2 {
			return false, fmt.Errorf("usage: /upload <path>")
		}
		return false, upload(engine, fields[1], out)
	default:
		return false, fmt.Errorf("unknown command %s", fields[0])
	}
}

func upload(engine *session.Engine, path string, out io.Writer) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	name := filepath.Base(path)
	done, err := engine.UploadFile(name, mime.TypeByExtension(filepath.Ext(name)), data)
	if err != nil {
		return err
	}
	go func() {
		if err := <-done; err != nil {
			color.New(color.FgRed).Fprintf(out, "  upload %s failed: %v\n", name, err)
			return
		}
		color.New(color.FgGreen).Fprintf(out, "  uploaded %s\n", name)
	}()
	return nil
}
