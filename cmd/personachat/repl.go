package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aixgo-dev/personachat/internal/sanitize"
	"github.com/aixgo-dev/personachat/pkg/chat"
)

const replHelp = `Commands:
  /new [persona]        start a session with a persona (id or name)
  /sessions [filter]    list sessions
  /switch <n|id>        make a session active
  /rename <title>       rename the active session
  /delete [n|id]        delete a session (default: active)
  /retry [id]           retry the failed reply of the active thread
  /audio <file>         send a recording
  /history              show the active thread
  /personas             list personas
  /help                 show this help
  /quit                 exit
Anything else is sent as a text message.`

var errQuit = errors.New("quit")

// repl interprets chat input lines against the app.
type repl struct {
	app      *app
	out      io.Writer
	readFile func(string) ([]byte, error)
	// listed is the last /sessions output, addressable by position.
	listed []chat.Session
}

func newREPL(a *app, out io.Writer) *repl {
	return &repl{app: a, out: out, readFile: os.ReadFile}
}

// prompt names the active session.
func (r *repl) prompt() string {
	id := r.app.state.ActiveThread()
	if sess, ok := r.app.state.Session(id); ok {
		if title := sess.DisplayTitle(); title != "" {
			return sanitize.Terminal(title) + "> "
		}
	}
	return r.app.cfg.DefaultCharacter.Name + "> "
}

// handle runs one line. It returns errQuit when the user asks to leave.
func (r *repl) handle(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return r.send(ctx, func() error { return r.app.disp.SendText(ctx, line) })
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/q", "/exit":
		return errQuit
	case "/help", "/h":
		fmt.Fprintln(r.out, replHelp)
	case "/new":
		return r.newSession(ctx, arg)
	case "/sessions", "/ls":
		r.listSessions(arg)
	case "/switch":
		return r.switchSession(ctx, arg)
	case "/rename":
		if arg == "" {
			return errors.New("usage: /rename <title>")
		}
		r.app.state.RenameSession(r.app.state.ActiveThread(), arg)
	case "/delete":
		return r.deleteSession(arg)
	case "/retry":
		return r.retry(ctx, arg)
	case "/audio":
		return r.sendAudio(ctx, arg)
	case "/history":
		for _, m := range r.app.state.Messages("") {
			fmt.Fprintln(r.out, r.format(m))
		}
	case "/personas":
		for _, ch := range r.app.personas() {
			fmt.Fprintf(r.out, "  %s\t%s\n", ch.ID, ch.Name)
		}
	default:
		return fmt.Errorf("unknown command %s, try /help", cmd)
	}
	return nil
}

func (r *repl) newSession(ctx context.Context, ref string) error {
	ch := r.app.cfg.DefaultCharacter
	if ref != "" {
		var ok bool
		if ch, ok = r.app.character(ref); !ok {
			return fmt.Errorf("unknown persona %q", ref)
		}
	}
	id := r.app.state.CreateSession("", ch.ID, ch.Name)
	fmt.Fprintf(r.out, "New session with %s (%s)\n", ch.Name, id)
	return nil
}

func (r *repl) listSessions(filter string) {
	r.listed = r.app.state.ListSessions(filter)
	if len(r.listed) == 0 {
		fmt.Fprintln(r.out, "No sessions.")
		return
	}
	active := r.app.state.ActiveThread()
	for i, sess := range r.listed {
		marker := " "
		if sess.ID == active {
			marker = "*"
		}
		fmt.Fprintf(r.out, "%s %d. %s\t%s\t%s\n", marker, i+1, sess.DisplayTitle(), sess.UpdatedAt.Local().Format(time.DateTime), sess.ID)
	}
}

// resolve maps a /sessions position or an id prefix to a session id.
func (r *repl) resolve(ref string) (string, error) {
	if n, err := strconv.Atoi(ref); err == nil {
		if n < 1 || n > len(r.listed) {
			return "", fmt.Errorf("no session #%d, run /sessions first", n)
		}
		return r.listed[n-1].ID, nil
	}
	var match string
	for _, sess := range r.app.state.Sessions() {
		if strings.HasPrefix(sess.ID, ref) {
			if match != "" {
				return "", fmt.Errorf("ambiguous session %q", ref)
			}
			match = sess.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("unknown session %q", ref)
	}
	return match, nil
}

func (r *repl) switchSession(ctx context.Context, ref string) error {
	if ref == "" {
		return errors.New("usage: /switch <n|id>")
	}
	id, err := r.resolve(ref)
	if err != nil {
		return err
	}
	r.app.state.SetActiveThread(ctx, id)
	// Show remote history once it has been merged.
	r.app.state.Wait()
	for _, m := range r.app.state.Messages(id) {
		fmt.Fprintln(r.out, r.format(m))
	}
	return nil
}

func (r *repl) deleteSession(ref string) error {
	id := r.app.state.ActiveThread()
	if ref != "" {
		var err error
		if id, err = r.resolve(ref); err != nil {
			return err
		}
	}
	if _, ok := r.app.state.Session(id); !ok {
		return errors.New("no session to delete")
	}
	r.app.state.DeleteSession(id)
	r.listed = nil
	fmt.Fprintf(r.out, "Deleted %s\n", id)
	return nil
}

func (r *repl) retry(ctx context.Context, id string) error {
	thread := r.app.state.ActiveThread()
	if id == "" {
		msgs := r.app.state.Messages(thread)
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Retryable() {
				id = msgs[i].ID
				break
			}
		}
		if id == "" {
			return errors.New("nothing to retry")
		}
	}
	if err := r.app.disp.RetryMessage(ctx, id); err != nil {
		r.app.log.Debug("Retry failed", "id", id, "error", err)
	}
	for _, m := range r.app.state.Messages(thread) {
		if m.ID == id {
			fmt.Fprintln(r.out, r.format(m))
		}
	}
	return nil
}

func (r *repl) sendAudio(ctx context.Context, path string) error {
	if path == "" {
		return errors.New("usage: /audio <file>")
	}
	data, err := r.readFile(path)
	if err != nil {
		return fmt.Errorf("read recording: %w", err)
	}
	audio := chat.Audio{Data: data, Filename: filepath.Base(path), MIMEType: audioMIME(path)}
	return r.send(ctx, func() error { return r.app.disp.SendAudio(ctx, audio) })
}

// send runs a dispatcher call and prints what it appended to the thread.
// Failures are already visible as error messages, so they are only logged.
func (r *repl) send(ctx context.Context, fn func() error) error {
	thread := r.app.state.ActiveThread()
	before := len(r.app.state.Messages(thread))
	if err := fn(); err != nil {
		r.app.log.Debug("Send failed", "thread", thread, "error", err)
	}
	msgs := r.app.state.Messages(thread)
	for _, m := range msgs[min(before, len(msgs)):] {
		if m.Role == chat.RoleUser && m.Type == chat.TypeText {
			continue
		}
		fmt.Fprintln(r.out, r.format(m))
	}
	return nil
}

func (r *repl) format(m chat.Message) string {
	who := "you"
	if m.Role == chat.RoleAssistant {
		who = r.speaker()
	}
	body := m.Content
	if m.Type == chat.TypeAudio {
		body = strings.TrimSpace("[voice] " + m.Content + " " + m.URL)
	}
	switch m.Status {
	case chat.StatusError:
		body += "  (/retry)"
	case chat.StatusSending, chat.StatusPending:
		body += " ..."
	}
	return fmt.Sprintf("%s: %s", who, sanitize.Terminal(body))
}

func (r *repl) speaker() string {
	if sess, ok := r.app.state.Session(r.app.state.ActiveThread()); ok && sess.CharacterName != "" {
		return sess.CharacterName
	}
	return r.app.cfg.DefaultCharacter.Name
}

func audioMIME(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return "audio/wav"
	case ".mp3":
		return "audio/mpeg"
	case ".ogg", ".opus":
		return "audio/ogg"
	case ".m4a":
		return "audio/mp4"
	default:
		return "audio/webm"
	}
}
