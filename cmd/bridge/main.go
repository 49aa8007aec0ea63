// Command bridge runs the OneBot-11-to-ACP chat bridge: it accepts one
// WebSocket transport connection, launches an Agent Client Protocol
// subprocess per chat on demand, and routes messages, commands and
// permission dialogs between the two.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/qqacp/bridge/internal/agent"
	"github.com/qqacp/bridge/internal/api"
	"github.com/qqacp/bridge/internal/background"
	"github.com/qqacp/bridge/internal/chat"
	"github.com/qqacp/bridge/internal/command"
	"github.com/qqacp/bridge/internal/common/config"
	"github.com/qqacp/bridge/internal/common/logger"
	"github.com/qqacp/bridge/internal/dispatcher"
	"github.com/qqacp/bridge/internal/image"
	"github.com/qqacp/bridge/internal/notify"
	"github.com/qqacp/bridge/internal/permission"
	"github.com/qqacp/bridge/internal/prompt"
	"github.com/qqacp/bridge/internal/reply"
	"github.com/qqacp/bridge/internal/transport"
)

// chatReplier adapts the Transport Server's chat.ID-keyed reply API to
// the string-keyed Replier interfaces the domain packages depend on,
// keeping those packages free of a transport-layer type dependency.
type chatReplier struct {
	server *transport.Server
}

func (a *chatReplier) SendText(ctx context.Context, chatID string, text string) error {
	return a.server.SendText(ctx, chat.ID(chatID), text)
}

func (a *chatReplier) SendContent(ctx context.Context, chatID string, parts reply.Parts) error {
	return a.server.SendContent(ctx, chat.ID(chatID), parts)
}

func main() {
	flag.Parse()

	configPath := "config.toml"
	if flag.NArg() > 0 {
		configPath = flag.Arg(0)
	}

	if err := run(configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Dir:        cfg.Logging.Dir,
		KeepDays:   cfg.Logging.KeepDays,
		MaxTotalMB: cfg.Logging.MaxTotalMB,
	})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	logger.SetDefault(log)
	defer log.Sync()

	replier := &chatReplier{}

	broker := permission.NewBroker(replier, secondsToDuration(cfg.Ux.PermissionTimeout), cfg.Ux.PermissionRawInputMaxLen, log)
	manager := agent.NewManager(cfg.Agent, cfg.Mcp, broker, broker, log)

	fetcher := image.NewFetcher(secondsToDuration(cfg.Ux.ImageDownloadTimeout))
	builder := prompt.NewBuilder(fetcher, log)
	runner := prompt.NewRunner(manager, broker, replier, builder, cfg.Ux, log)

	var bgClient command.BackgroundClient
	if cfg.Background.Enabled {
		bgClient = background.NewClient(cfg.Background.BaseURL, log)
	}

	registry := command.NewRegistry()
	command.RegisterBuiltins(registry, command.Deps{
		Cwd:        manager,
		Session:    manager,
		Stop:       runner,
		Background: bgClient,
	})

	disp := dispatcher.New(registry, broker, runner, replier, log)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := transport.New(addr, disp, manager, log)
	replier.server = server

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sub *notify.Subscriber
	if cfg.Notify.Enabled {
		sub, err = notify.Connect(cfg.Notify.BrokerURL, cfg.Notify.TopicPrefix, cfg.Notify.ClientID, replier, log)
		if err != nil {
			return fmt.Errorf("connect notification subscriber: %w", err)
		}
		defer sub.Close()
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info("transport listening", zap.String("addr", addr))
		errCh <- server.ListenAndServe(ctx)
	}()

	statusAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port+1)
	statusServer := &http.Server{Addr: statusAddr, Handler: api.NewRouter(manager, log)}
	go func() {
		log.Info("status api listening", zap.String("addr", statusAddr))
		if err := statusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		<-errCh // wait for the transport's graceful Shutdown to finish
	case err := <-errCh:
		if err != nil {
			log.Error("fatal error, shutting down", zap.Error(err))
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = statusServer.Shutdown(shutdownCtx)

	manager.DisconnectAll(context.Background())
	return nil
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
