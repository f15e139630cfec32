package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/weiawesome/duo-chat/pkg/jwt"
)

type TokenCmd struct {
	flags *Flags

	secret string
	issuer string
	userID string
	name   string
	email  string
	ttl    time.Duration
}

func NewTokenCmd(flags *Flags) *TokenCmd {
	return &TokenCmd{flags: flags}
}

func (cmd *TokenCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "token",
		Usage:     "Mint a development token signed with the shared secret",
		UsageText: "chat-cli token --secret <secret> --user <id> --name <display name>",
		Description: `Prints a bearer token the server accepts when it runs with the same secret.

Omitting --name produces a token the server rejects with NAME_REQUIRED.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "secret",
				Usage:       "shared HS256 secret (server auth.secret)",
				Sources:     cli.EnvVars("DUOCHAT_JWT_SECRET"),
				Required:    true,
				Destination: &cmd.secret,
			},
			&cli.StringFlag{
				Name:        "issuer",
				Usage:       "token issuer (server auth.issuer)",
				Destination: &cmd.issuer,
			},
			&cli.StringFlag{
				Name:        "user",
				Aliases:     []string{"u"},
				Usage:       "user id",
				Required:    true,
				Destination: &cmd.userID,
			},
			&cli.StringFlag{
				Name:        "name",
				Aliases:     []string{"n"},
				Usage:       "display name",
				Destination: &cmd.name,
			},
			&cli.StringFlag{
				Name:        "email",
				Destination: &cmd.email,
			},
			&cli.DurationFlag{
				Name:        "ttl",
				Value:       24 * time.Hour,
				Destination: &cmd.ttl,
			},
		},
		Action: cmd.run,
	})
	return app
}

func (cmd *TokenCmd) run(ctx context.Context, c *cli.Command) error {
	m, err := jwt.NewManager(cmd.secret, cmd.issuer, cmd.ttl)
	if err != nil {
		return err
	}

	var meta map[string]any
	if cmd.name != "" {
		meta = map[string]any{jwt.MetadataName: cmd.name}
	}

	token, err := m.Generate(cmd.userID, cmd.email, meta)
	if err != nil {
		return fmt.Errorf("generate token: %w", err)
	}
	fmt.Fprintln(c.Root().Writer, token)
	return nil
}
