package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	pkglog "github.com/weiawesome/duo-chat/pkg/log"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
)

// Flags are the global options shared by every command.
type Flags struct {
	Server   string
	Token    string
	LogLevel string
}

func main() {
	flags := &Flags{}

	app := &cli.Command{
		Name:      "chat-cli",
		Usage:     "Talk to a duo-chat server from the terminal",
		UsageText: "chat-cli [global options] command [command options]",
		Version:   fmt.Sprintf("%s (%s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "server",
				Aliases:     []string{"s"},
				Usage:       "websocket endpoint of the chat server",
				Sources:     cli.EnvVars("DUOCHAT_SERVER"),
				Value:       "ws://localhost:8080/ws",
				Destination: &flags.Server,
			},
			&cli.StringFlag{
				Name:        "token",
				Usage:       "bearer token (see 'chat-cli token')",
				Sources:     cli.EnvVars("DUOCHAT_TOKEN"),
				Destination: &flags.Token,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error)",
				Sources:     cli.EnvVars("DUOCHAT_LOG_LEVEL"),
				Value:       "warn",
				Destination: &flags.LogLevel,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			pkglog.Init(pkglog.Config{Level: flags.LogLevel, Pretty: true, ServiceName: "chat-cli", Output: os.Stderr})
			return ctx, nil
		},
	}

	app = NewTokenCmd(flags).Register(app)
	app = NewSendCmd(flags).Register(app)
	app = NewWatchCmd(flags).Register(app)
	app = NewHistoryCmd(flags).Register(app)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
