package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/urfave/cli/v3"

	"github.com/weiawesome/duo-chat/internal/domain"
)

type HistoryCmd struct {
	flags *Flags

	asJSON bool
}

func NewHistoryCmd(flags *Flags) *HistoryCmd {
	return &HistoryCmd{flags: flags}
}

func (cmd *HistoryCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "history",
		Usage:     "Print every message, oldest first",
		UsageText: "chat-cli history [--json]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print raw JSON",
				Destination: &cmd.asJSON,
			},
		},
		Action: cmd.run,
	})
	return app
}

func (cmd *HistoryCmd) run(ctx context.Context, c *cli.Command) error {
	cl, err := dial(ctx, cmd.flags)
	if err != nil {
		return err
	}
	defer cl.Close()

	messages := cl.Messages()
	w := c.Root().Writer

	if cmd.asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(messages)
	}

	for _, m := range messages {
		printMessage(w, m)
	}
	return nil
}

func printMessage(w io.Writer, m domain.Message) {
	read := ""
	if m.IsRead() {
		read = " ✓"
	}
	fmt.Fprintf(w, "[%s] #%d %s: %s%s\n", m.CreatedAt.Local().Format("15:04:05"), m.ID, m.SenderName, m.Text, read)
}
