package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/weiawesome/duo-chat/internal/domain"
	pkglog "github.com/weiawesome/duo-chat/pkg/log"
)

type WatchCmd struct {
	flags *Flags

	interactive bool
	markRead    bool
}

func NewWatchCmd(flags *Flags) *WatchCmd {
	return &WatchCmd{flags: flags}
}

func (cmd *WatchCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "watch",
		Usage:     "Stream messages, presence and typing until interrupted",
		UsageText: "chat-cli watch [--interactive] [--mark-read]",
		Description: `Prints the history, then every change as it arrives.

With --interactive each line read from stdin is sent as a message.`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "interactive",
				Aliases:     []string{"i"},
				Usage:       "send lines read from stdin",
				Destination: &cmd.interactive,
			},
			&cli.BoolFlag{
				Name:        "mark-read",
				Usage:       "mark incoming messages read",
				Destination: &cmd.markRead,
			},
		},
		Action: cmd.run,
	})
	return app
}

func (cmd *WatchCmd) run(ctx context.Context, c *cli.Command) error {
	cl, err := dial(ctx, cmd.flags)
	if err != nil {
		return err
	}
	defer cl.Close()

	w := c.Root().Writer
	l := pkglog.L()

	for _, m := range cl.Messages() {
		printMessage(w, m)
	}

	cl.OnMessageInserted(func(m domain.Message) {
		printMessage(w, m)
		if cmd.markRead && m.SenderID != cl.UserID() {
			go func() {
				if _, err := cl.MarkMessageRead(ctx, m.ID); err != nil {
					l.Warn().Err(err).Int64(pkglog.FieldMessageID, m.ID).Msg("mark read failed")
				}
			}()
		}
	})
	cl.OnMessageDeleted(func(id int64) {
		fmt.Fprintf(w, "-- message #%d deleted\n", id)
	})
	cl.OnMessageUpdated(func(m domain.Message) {
		if m.IsRead() && m.SenderID == cl.UserID() {
			fmt.Fprintf(w, "-- message #%d read\n", m.ID)
		}
	})
	cl.OnPresenceChanged(func(p domain.PresenceSnapshot) {
		fmt.Fprintf(w, "-- online: %s\n", strings.Join(p.Users(), ", "))
	})
	cl.OnTypingChanged(func(te domain.TypingEvent) {
		if te.IsTyping {
			fmt.Fprintf(w, "-- %s is typing...\n", te.DisplayName)
		}
	})

	if cmd.interactive {
		go cmd.readInput(ctx, cl.SendMessage)
	}

	select {
	case <-ctx.Done():
	case <-cl.Done():
		return fmt.Errorf("connection closed by server")
	}
	return nil
}

func (cmd *WatchCmd) readInput(ctx context.Context, send func(context.Context, string) (*domain.Message, error)) {
	l := pkglog.L()
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := scanner.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}
		if _, err := send(ctx, text); err != nil {
			l.Error().Err(err).Msg("send failed")
		}
	}
}
