// Copyright 2024-2026 Aiku AI

// Package termfmt renders channelstream chat messages for a terminal.
//
// Message text uses the markdown subset the channelstream demo clients
// write: bold, italic, strikethrough, inline code, fenced code blocks,
// links, headings, lists and blockquotes.
package termfmt

import (
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/aiku/channelstream-go/pkg/protocol"
	"github.com/aiku/channelstream-go/pkg/session"
)

var (
	boldRe       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	italicRe     = regexp.MustCompile(`(^|[^*\w])_(.+?)_([^*\w]|$)`)
	strikeRe     = regexp.MustCompile(`~~(.+?)~~`)
	codeRe       = regexp.MustCompile("`([^`]+)`")
	codeBlockRe  = regexp.MustCompile("(?s)```(\\w+)?\\n?(.*?)```")
	linkRe       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	headingRe    = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)
	ulRe         = regexp.MustCompile(`^[-*]\s+(.+)$`)
	olRe         = regexp.MustCompile(`^(\d+)\.\s+(.+)$`)
	blockquoteRe = regexp.MustCompile(`^>\s+(.+)$`)
)

var (
	placeholderRe     = regexp.MustCompile("^\x00CODEBLOCK(\\d+)\x00$")
	placeholderLineRe = regexp.MustCompile("\n*\x00CODEBLOCK(\\d+)\x00\n*")
)

// Formatter renders message text with terminal styles.
type Formatter struct {
	bold, italic, strike, code, link, heading, quote lipgloss.Style
	author, system, meta                             lipgloss.Style
}

// New creates a formatter that styles for the given color profile.
// termenv.Ascii produces plain text.
func New(w io.Writer, profile termenv.Profile) *Formatter {
	r := lipgloss.NewRenderer(w, termenv.WithProfile(profile))
	r.SetColorProfile(profile)
	return &Formatter{
		bold:    r.NewStyle().Bold(true),
		italic:  r.NewStyle().Italic(true),
		strike:  r.NewStyle().Strikethrough(true),
		code:    r.NewStyle().Foreground(lipgloss.Color("214")),
		link:    r.NewStyle().Underline(true).Foreground(lipgloss.Color("39")),
		heading: r.NewStyle().Bold(true).Foreground(lipgloss.Color("213")),
		quote:   r.NewStyle().Faint(true),
		author:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("42")),
		system:  r.NewStyle().Italic(true).Foreground(lipgloss.Color("245")),
		meta:    r.NewStyle().Faint(true),
	}
}

// Text renders markdown message text. Styles are applied per line so a
// span never crosses a line break.
func (f *Formatter) Text(text string) string {
	if text == "" {
		return ""
	}

	// Step 1: Extract code blocks into placeholder lines.
	var codeBlocks []string
	processed := codeBlockRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := codeBlockRe.FindStringSubmatch(match)
		idx := len(codeBlocks)
		codeBlocks = append(codeBlocks, strings.TrimSuffix(parts[2], "\n"))
		return "\n\x00CODEBLOCK" + strconv.Itoa(idx) + "\x00\n"
	})
	processed = placeholderLineRe.ReplaceAllString(processed, "\n\x00CODEBLOCK${1}\x00\n")
	processed = strings.Trim(processed, "\n")

	// Step 2: Structural elements, then inline formatting per line.
	lines := strings.Split(processed, "\n")
	result := make([]string, 0, len(lines))
	for _, line := range lines {
		if m := placeholderRe.FindStringSubmatch(line); m != nil {
			idx, _ := strconv.Atoi(m[1])
			for _, codeLine := range strings.Split(codeBlocks[idx], "\n") {
				result = append(result, "    "+f.code.Render(codeLine))
			}
			continue
		}
		if m := blockquoteRe.FindStringSubmatch(line); m != nil {
			result = append(result, f.quote.Render("│ "+f.inline(m[1])))
			continue
		}
		if m := headingRe.FindStringSubmatch(line); m != nil {
			result = append(result, f.heading.Render(m[2]))
			continue
		}
		if m := ulRe.FindStringSubmatch(line); m != nil {
			result = append(result, "  • "+f.inline(m[1]))
			continue
		}
		if m := olRe.FindStringSubmatch(line); m != nil {
			result = append(result, "  "+m[1]+". "+f.inline(m[2]))
			continue
		}
		result = append(result, f.inline(line))
	}
	return strings.Join(result, "\n")
}

// inline applies span formatting to a single line.
func (f *Formatter) inline(line string) string {
	var spans []string
	hold := func(rendered string) string {
		idx := len(spans)
		spans = append(spans, rendered)
		return "\x00SPAN" + strconv.Itoa(idx) + "\x00"
	}

	// Code spans and links are rendered first so their content is not
	// picked up by the emphasis patterns.
	line = codeRe.ReplaceAllStringFunc(line, func(match string) string {
		return hold(f.code.Render(codeRe.FindStringSubmatch(match)[1]))
	})
	line = linkRe.ReplaceAllStringFunc(line, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		text, href := parts[1], parts[2]
		lower := strings.ToLower(strings.TrimSpace(href))
		if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "mailto:") {
			return hold(f.link.Render(text) + " (" + href + ")")
		}
		// Unsafe scheme (javascript:, data:, etc.) is shown as plain text.
		return text
	})
	line = boldRe.ReplaceAllStringFunc(line, func(match string) string {
		return f.bold.Render(boldRe.FindStringSubmatch(match)[1])
	})
	line = italicRe.ReplaceAllStringFunc(line, func(match string) string {
		parts := italicRe.FindStringSubmatch(match)
		return parts[1] + f.italic.Render(parts[2]) + parts[3]
	})
	line = strikeRe.ReplaceAllStringFunc(line, func(match string) string {
		return f.strike.Render(strikeRe.FindStringSubmatch(match)[1])
	})

	for i, span := range spans {
		line = strings.Replace(line, "\x00SPAN"+strconv.Itoa(i)+"\x00", span, 1)
	}
	return line
}

// Message renders one history entry as a chat line.
func (f *Formatter) Message(m session.Message) string {
	var b strings.Builder
	if !m.Timestamp.IsZero() {
		b.WriteString(f.meta.Render(m.Timestamp.Local().Format("15:04")))
		b.WriteByte(' ')
	}

	if m.Type == protocol.TypePresence {
		action, _ := m.Payload["action"].(string)
		verb := "left"
		if action == protocol.ActionJoined {
			verb = "joined"
		}
		b.WriteString(f.system.Render("* " + m.Author + " " + verb + " " + m.ChannelID))
		return b.String()
	}

	author := m.Author
	if author == "" {
		author = "system"
	}
	b.WriteString(f.author.Render(author))
	b.WriteString(": ")
	b.WriteString(f.Text(m.Text()))
	if !m.Edited.IsZero() {
		b.WriteString(" ")
		b.WriteString(f.meta.Render("(edited)"))
	}
	return b.String()
}
