package main

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/weiawesome/duo-chat/internal/client"
)

type SendCmd struct {
	flags *Flags
}

func NewSendCmd(flags *Flags) *SendCmd {
	return &SendCmd{flags: flags}
}

func (cmd *SendCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "send",
		Usage:     "Send a message and print the stored copy",
		UsageText: "chat-cli send <text...>",
		Action:    cmd.run,
	})
	return app
}

func (cmd *SendCmd) run(ctx context.Context, c *cli.Command) error {
	text := strings.Join(c.Args().Slice(), " ")
	if strings.TrimSpace(text) == "" {
		return errors.New("message text is required")
	}

	cl, err := dial(ctx, cmd.flags)
	if err != nil {
		return err
	}
	defer cl.Close()

	m, err := cl.SendMessage(ctx, text)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(c.Root().Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(m)
}

func dial(ctx context.Context, flags *Flags) (*client.Client, error) {
	if flags.Token == "" {
		return nil, errors.New("--token is required")
	}
	return client.Dial(ctx, client.Config{URL: flags.Server, Token: flags.Token})
}
