package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/personachat/pkg/chat"
)

func newSessionsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"s"},
		Short:   "Manage chat sessions",
	}
	cmd.AddCommand(
		newSessionsListCmd(flags),
		newSessionsRenameCmd(flags),
		newSessionsDeleteCmd(flags),
	)
	return cmd
}

func newSessionsListCmd(flags *globalFlags) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list [filter]",
		Short: "List sessions, most recently updated first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, flags, func(ctx context.Context, a *app) error {
				filter := ""
				if len(args) == 1 {
					filter = args[0]
				}
				sessions := a.state.ListSessions(filter)
				if all {
					sessions = a.state.Sessions()
				}
				printSessions(cmd.OutOrStdout(), a, sessions)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include sessions without any exchange")
	return cmd
}

func printSessions(out io.Writer, a *app, sessions []chat.Session) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tPERSONA\tMESSAGES\tUPDATED")
	for _, sess := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			sess.ID, sess.DisplayTitle(), sess.CharacterName,
			len(a.state.Messages(sess.ID)), sess.UpdatedAt.Local().Format(time.DateTime))
	}
	_ = w.Flush()
}

func newSessionsRenameCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <id> <title>",
		Short: "Rename a session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, flags, func(ctx context.Context, a *app) error {
				if _, ok := a.state.Session(args[0]); !ok {
					return fmt.Errorf("unknown session %q", args[0])
				}
				a.state.RenameSession(args[0], strings.Join(args[1:], " "))
				return nil
			})
		},
	}
}

func newSessionsDeleteCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete sessions and their messages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, flags, func(ctx context.Context, a *app) error {
				for _, id := range args {
					if _, ok := a.state.Session(id); !ok {
						return fmt.Errorf("unknown session %q", id)
					}
					a.state.DeleteSession(id)
				}
				return nil
			})
		},
	}
}

func newSendCmd(flags *globalFlags) *cobra.Command {
	var (
		session string
		persona string
		audio   string
	)

	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send one message and print the reply",
		Example: `  personachat send "hello there"
  personachat send --persona 3 "who are you?"
  personachat send --session s_1234 --audio note.webm`,
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			if text == "" && audio == "" {
				return errors.New("nothing to send: pass a message or --audio")
			}
			return runWithApp(cmd, flags, func(ctx context.Context, a *app) error {
				r := newREPL(a, cmd.OutOrStdout())
				switch {
				case session != "":
					if _, ok := a.state.Session(session); !ok {
						return fmt.Errorf("unknown session %q", session)
					}
					a.state.SetActiveThread(ctx, session)
					a.state.Wait()
				case persona != "":
					if err := r.handle(ctx, "/new "+persona); err != nil {
						return err
					}
				}

				if audio != "" {
					return r.sendAudio(ctx, audio)
				}
				return r.send(ctx, func() error { return a.disp.SendText(ctx, text) })
			})
		},
	}
	cmd.Flags().StringVarP(&session, "session", "s", "", "session to send to (default: the active one)")
	cmd.Flags().StringVarP(&persona, "persona", "p", "", "start a new session with this persona")
	cmd.Flags().StringVar(&audio, "audio", "", "send this recording instead of text")
	return cmd
}
