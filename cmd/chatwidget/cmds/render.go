package cmds

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"charm.land/lipgloss/v2"
	"github.com/charmbracelet/glamour"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatwidget/pkg/access"
	"github.com/go-go-golems/chatwidget/pkg/chat"
	"github.com/go-go-golems/chatwidget/pkg/session"
)

// renderer prints the transcript incrementally: each message once, typing changes once.
type renderer struct {
	mu     sync.Mutex
	out    io.Writer
	styled bool
	now    func() time.Time

	frame     lipgloss.Style
	userName  lipgloss.Style
	agentName lipgloss.Style
	meta      lipgloss.Style

	printed    int
	lastTyping string
}

func newRenderer(out io.Writer, styled bool, app access.Appearance) *renderer {
	r := &renderer{out: out, styled: styled, now: time.Now}
	r.setStyles(app)
	return r
}

func (r *renderer) applyAppearance(app access.Appearance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setStyles(app)
}

func (r *renderer) setStyles(app access.Appearance) {
	dark := lipgloss.Color(app.OutlineColors.Dark)
	light := lipgloss.Color(app.OutlineColors.Light)
	r.frame = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(dark).Padding(0, 1)
	r.userName = lipgloss.NewStyle().Bold(true).Foreground(light)
	r.agentName = lipgloss.NewStyle().Bold(true).Foreground(dark)
	r.meta = lipgloss.NewStyle().Faint(true)
}

func (r *renderer) banner(title string, lines ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	body := strings.Join(append([]string{title}, lines...), "\n")
	if r.styled {
		body = r.frame.Render(body)
	}
	_, _ = fmt.Fprintln(r.out, body)
}

// update prints whatever snap has that was not printed yet.
func (r *renderer) update(snap session.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(snap.Messages) < r.printed {
		// new session
		r.printed = 0
	}
	for _, m := range snap.Messages[r.printed:] {
		r.message(m)
	}
	r.printed = len(snap.Messages)

	typing := ""
	if snap.Typing != nil {
		typing = snap.Typing.DisplayName
		if typing == "" {
			typing = string(snap.Typing.Role)
		}
	}
	if typing != r.lastTyping {
		if typing != "" {
			r.println(r.meta, typing+" is typing...")
		}
		r.lastTyping = typing
	}
}

func (r *renderer) message(m chat.Message) {
	day, clock := chat.FormatTimestamp(m.CreatedAt, r.now())
	name := m.SenderName
	if name == "" {
		name = string(m.Role)
	}
	nameStyle := r.agentName
	if m.Role == chat.RoleUser {
		nameStyle = r.userName
	}
	header := name
	stamp := day + " " + clock
	if r.styled {
		header = nameStyle.Render(name)
		stamp = r.meta.Render(stamp)
	}
	_, _ = fmt.Fprintf(r.out, "%s  %s\n", header, stamp)

	text := m.Text
	if r.styled && m.Role == chat.RoleAssistant {
		if rendered, err := glamour.Render(text, "dark"); err == nil {
			text = strings.TrimRight(rendered, "\n")
		} else {
			log.Debug().Err(err).Msg("markdown render failed")
		}
	}
	_, _ = fmt.Fprintln(r.out, text)
}

func (r *renderer) line(style lipgloss.Style, s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.println(style, s)
}

func (r *renderer) note(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.println(r.meta, s)
}

func (r *renderer) println(style lipgloss.Style, s string) {
	if r.styled {
		s = style.Render(s)
	}
	_, _ = fmt.Fprintln(r.out, s)
}

func (r *renderer) errorf(format string, args ...any) {
	r.line(lipgloss.NewStyle().Foreground(lipgloss.Color("#e53935")), fmt.Sprintf(format, args...))
}
