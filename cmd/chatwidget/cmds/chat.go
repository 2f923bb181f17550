package cmds

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/atotto/clipboard"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tcnksm/go-input"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatwidget/pkg/chat"
	"github.com/go-go-golems/chatwidget/pkg/dispatch"
	"github.com/go-go-golems/chatwidget/pkg/session"
	"github.com/go-go-golems/chatwidget/pkg/widget"
)

var errQuit = errors.New("quit")

type chatFlags struct {
	name    string
	contact string
	plain   bool
}

func newChatCommand(f *rootFlags) *cobra.Command {
	cf := &chatFlags{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the configured agent from the terminal",
		Long: "Resolve access, start a chat and exchange messages line by line.\n" +
			"Commands: /copy copies the last assistant message, /end ends the chat, /quit exits.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), f, cf, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&cf.name, "name", "", "your name")
	cmd.Flags().StringVar(&cf.contact, "contact", "", "your email or phone")
	cmd.Flags().BoolVar(&cf.plain, "plain", false, "disable colors and markdown rendering")
	return cmd
}

func runChat(ctx context.Context, f *rootFlags, cf *chatFlags, in io.Reader, out io.Writer) error {
	cfg, err := f.load()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	changes := make(chan struct{}, 1)
	w, err := widget.New(cfg, widget.WithOnChange(func(widget.Snapshot) {
		select {
		case changes <- struct{}{}:
		default:
		}
	}))
	if err != nil {
		return err
	}
	defer func() {
		if err := w.Close(); err != nil {
			log.Debug().Err(err).Msg("widget close")
		}
	}()

	res, err := w.Resolve(ctx)
	if err != nil {
		return err
	}
	if !res.Allowed() {
		for _, e := range res.Errors {
			log.Warn().Err(e).Msg("handshake")
		}
		return errors.Errorf("this widget is not authorized to chat (grant %s)", res.Grant.Validity)
	}

	p := w.Participant()
	if cf.name != "" {
		p.Name = cf.name
	}
	if cf.contact != "" {
		p.Contact = cf.contact
	}
	if p.Name == "" || p.Contact == "" {
		p, err = askParticipant(in, out, p)
		if err != nil {
			return err
		}
	}
	w.SetParticipant(p)

	// prompts above read from in directly, so the line reader starts only now
	lines := make(chan string)
	go readLines(in, lines)

	if err := w.StartChat(ctx); err != nil {
		return errors.Wrap(err, "start chat")
	}

	styled := !cf.plain
	if file, ok := out.(*os.File); !ok || !isatty.IsTerminal(file.Fd()) {
		styled = false
	}
	r := newRenderer(out, styled, w.Appearance())
	r.banner("Chatting as "+p.Name, "context "+w.Snapshot().Session.ContextID, "/copy  /end  /quit")

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-changes:
				snap := w.Snapshot()
				r.applyAppearance(snap.Appearance)
				r.update(snap.Session)
				if snap.Session.State == session.Idle && snap.Session.Dropped != nil {
					r.errorf("connection lost: %v", snap.Session.Dropped)
					return errQuit
				}
			}
		}
	})
	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return errQuit
				}
				if err := handleLine(ctx, w, r, line); err != nil {
					return err
				}
			}
		}
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	return nil
}

func handleLine(ctx context.Context, w *widget.Widget, r *renderer, line string) error {
	switch strings.TrimSpace(line) {
	case "":
		return nil
	case "/quit", "/exit":
		return errQuit
	case "/end":
		w.EndChat()
		r.note("chat ended")
		return errQuit
	case "/copy":
		text, ok := lastAssistantMessage(w.Snapshot().Session.Messages)
		if !ok {
			r.errorf("nothing to copy yet")
			return nil
		}
		if err := clipboard.WriteAll(text); err != nil {
			r.errorf("copy failed: %v", err)
			return nil
		}
		r.note("copied to clipboard")
		return nil
	}

	w.SetCompose(line)
	if _, err := w.Send(ctx); err != nil {
		var se *dispatch.SendError
		switch {
		case errors.As(err, &se):
			r.errorf("%s", se.Message)
		case errors.Is(err, widget.ErrNoChat):
			r.errorf("the chat is no longer active")
			return errQuit
		default:
			r.errorf("%v", err)
		}
	}
	return nil
}

func lastAssistantMessage(msgs []chat.Message) (string, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == chat.RoleAssistant {
			return msgs[i].Text, true
		}
	}
	return "", false
}

func askParticipant(in io.Reader, out io.Writer, p widget.Participant) (widget.Participant, error) {
	ui := &input.UI{Writer: out, Reader: in}
	required := func(answer string) error {
		if strings.TrimSpace(answer) == "" {
			return errors.New("a value is required")
		}
		return nil
	}
	if p.Name == "" {
		name, err := ui.Ask("Your name", &input.Options{Required: true, Loop: true, ValidateFunc: required})
		if err != nil {
			return p, errors.Wrap(err, "ask name")
		}
		p.Name = strings.TrimSpace(name)
	}
	if p.Contact == "" {
		contact, err := ui.Ask("Your email or phone", &input.Options{Required: true, Loop: true, ValidateFunc: required})
		if err != nil {
			return p, errors.Wrap(err, "ask contact")
		}
		p.Contact = strings.TrimSpace(contact)
	}
	return p, nil
}

func readLines(in io.Reader, lines chan<- string) {
	defer close(lines)
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		lines <- sc.Text()
	}
}
