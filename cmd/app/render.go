// File: cmd/app/render.go
package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"companion-session/internal/domain/model"
	"companion-session/internal/infra/i18n"

	"github.com/charmbracelet/lipgloss"
)

// tr is replaced with the configured language once the config is loaded.
var tr = i18n.Load(i18n.DefaultLang)

var (
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7AA2F7"))
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#9ECE6A"))
	noticeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#E0AF68"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7768E"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	headerStyle    = lipgloss.NewStyle().Bold(true).Underline(true)
	boxStyle       = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1)
)

func label(m model.Message) string {
	switch {
	case m.Sender == model.SenderUser:
		return userStyle.Render(tr.T("label_you"))
	case m.Kind == model.MessageError:
		return errorStyle.Render(tr.T("label_error"))
	case m.Kind == model.MessageNotice:
		return noticeStyle.Render(tr.T("label_credits"))
	default:
		return assistantStyle.Render(tr.T("label_companion"))
	}
}

func renderMessage(m model.Message) string {
	return fmt.Sprintf("%s %s", label(m), m.Content)
}

// transcriptPrinter prints transcript updates incrementally, so streamed replies appear
// as they arrive. User lines are skipped when echo is false (the user just typed them).
type transcriptPrinter struct {
	out  io.Writer
	echo bool

	mu    sync.Mutex
	shown map[string]string
	done  map[string]bool
}

func newTranscriptPrinter(out io.Writer, echo bool) *transcriptPrinter {
	return &transcriptPrinter{out: out, echo: echo, shown: map[string]string{}, done: map[string]bool{}}
}

// skipExisting marks msgs as already printed.
func (p *transcriptPrinter) skipExisting(msgs []model.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		p.done[m.ID] = true
	}
}

func (p *transcriptPrinter) Update(msgs []model.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(msgs) == 0 {
		p.shown, p.done = map[string]string{}, map[string]bool{}
		return
	}
	for _, m := range msgs {
		if p.done[m.ID] {
			continue
		}
		if m.Sender == model.SenderUser && !p.echo {
			p.done[m.ID] = true
			continue
		}
		prev, started := p.shown[m.ID]
		if !started {
			fmt.Fprintf(p.out, "%s ", label(m))
		}
		if strings.HasPrefix(m.Content, prev) {
			fmt.Fprint(p.out, m.Content[len(prev):])
			p.shown[m.ID] = m.Content
		}
		if !m.IsStreaming {
			fmt.Fprintln(p.out)
			p.done[m.ID] = true
		}
	}
}

func renderBalance(b model.CreditBalance, state model.LedgerState) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n", headerStyle.Render(tr.T("balance_title")))
	row(&sb, tr.T("balance_current"), b.CurrentCredits)
	row(&sb, tr.T("balance_cost"), b.ChatCost)
	row(&sb, tr.T("balance_chats"), b.PossibleChats)
	if b.MaxCredits != nil {
		row(&sb, tr.T("balance_max"), *b.MaxCredits)
	}
	fmt.Fprintf(&sb, "%-14s%s", tr.T("balance_state"), state)
	if b.Warning != "" {
		fmt.Fprintf(&sb, "\n%s", noticeStyle.Render(b.Warning))
	}
	return boxStyle.Render(sb.String())
}

func row(sb *strings.Builder, name string, v interface{}) {
	fmt.Fprintf(sb, "%-14s%v\n", name, v)
}
