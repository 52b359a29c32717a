// Command inboxd runs the disposable-email service: an SMTP receiver, an
// in-memory message store, and an HTTP/JSON read API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/foxcpp/inboxd/internal/config"
	"github.com/foxcpp/inboxd/internal/httpapi"
	"github.com/foxcpp/inboxd/internal/mailstore"
	"github.com/foxcpp/inboxd/internal/supervisor"
	"github.com/foxcpp/inboxd/web"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// Version is set via -ldflags at build time; buildVersion falls back to the
// Go module's build info when it hasn't been.
var Version = "unknown (built from source tree)"

func buildVersion() string {
	if Version != "unknown (built from source tree)" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return Version
}

func main() {
	app := &cli.App{
		Name:    "inboxd",
		Usage:   "disposable-email SMTP + HTTP service",
		Version: buildVersion(),
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "start the SMTP receiver and HTTP read API",
				Action: func(c *cli.Context) error {
					return run()
				},
			},
		},
		Action: func(c *cli.Context) error {
			return run()
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store := mailstore.New(time.Duration(cfg.MessageTTLMinutes)*time.Minute, cfg.MaxMessagesPerBox)

	api := httpapi.New(cfg, store, logger, web.Assets(), buildVersion())
	sup := supervisor.New(cfg, store, logger, api)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return sup.Run(ctx)
}
