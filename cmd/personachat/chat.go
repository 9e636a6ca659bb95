package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/personachat/internal/sanitize"
)

func newChatCmd(flags *globalFlags) *cobra.Command {
	var persona string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat",
		Long: `Start an interactive chat on the active session.

Lines are sent as text messages. Commands start with a slash; type /help
to list them. Ctrl+D exits.`,
		Example: `  personachat chat
  personachat chat --persona 3`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, flags, func(ctx context.Context, a *app) error {
				return runChat(ctx, a, persona)
			})
		},
	}
	cmd.Flags().StringVarP(&persona, "persona", "p", "", "start a new session with this persona (id or name)")
	return cmd
}

func runChat(ctx context.Context, a *app, persona string) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	historyFile := filepath.Join(filepath.Dir(defaultConfigPath()), "chat_history")
	if f, err := os.Open(historyFile); err == nil {
		_, _ = line.ReadHistory(f)
		f.Close()
	}
	defer saveHistory(line, historyFile)

	r := newREPL(a, os.Stdout)
	if persona != "" {
		if err := r.handle(ctx, "/new "+persona); err != nil {
			return err
		}
	} else {
		for _, m := range a.state.Messages("") {
			fmt.Fprintln(r.out, r.format(m))
		}
	}
	fmt.Fprintln(r.out, "Type /help for commands.")

	for {
		input, err := line.Prompt(r.prompt())
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if strings.TrimSpace(input) != "" {
			line.AppendHistory(input)
		}

		err = r.handle(ctx, input)
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", sanitize.Secrets(err.Error()))
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func saveHistory(line *liner.State, path string) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = line.WriteHistory(f)
}
