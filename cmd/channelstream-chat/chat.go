// Copyright 2024-2026 Aiku AI

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/aiku/channelstream-go/pkg/session"
	"github.com/aiku/channelstream-go/pkg/termfmt"
)

const helpText = `Commands:
  /join <channel>          subscribe to a channel and make it active
  /leave [channel]         unsubscribe from a channel (default: active)
  /switch <channel>        make a subscribed channel active
  /channels <a,b,...>      replace the subscribed channel set
  /nick <name>             change username (starts a new session)
  /email <address>         change the email sent on connect
  /status <key=value ...>  publish user state
  /edit <uuid> <text>      edit a message in the active channel
  /delete <uuid>           delete a message in the active channel
  /who                     list members of the active channel
  /history                 print the active channel history
  /reconnect               start a new connection
  /quit                    disconnect and exit
Anything else is sent to the active channel.`

// chat is the line-oriented terminal UI.
type chat struct {
	ctrl *session.Controller
	fmt  *termfmt.Formatter

	mu     sync.Mutex
	out    io.Writer
	active string
}

func newChat(out io.Writer, f *termfmt.Formatter, channels []string) *chat {
	c := &chat{out: out, fmt: f}
	if len(channels) > 0 {
		c.active = channels[0]
	}
	return c
}

func (c *chat) println(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, line)
}

func (c *chat) activeChannel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *chat) setActive(channel string) {
	c.mu.Lock()
	c.active = channel
	c.mu.Unlock()
}

// render prints intents that change what the user sees. It runs on the
// event path with the controller lock held.
func (c *chat) render(in session.Intent) {
	switch in := in.(type) {
	case session.SetChannelMessages:
		for _, channel := range slices.Sorted(maps.Keys(in.Messages)) {
			for _, msg := range in.Messages[channel] {
				c.println("[" + channel + "] " + c.fmt.Message(msg))
			}
		}
	case session.EditChannelMessage:
		c.println(fmt.Sprintf("[%s] message %s edited: %s", in.ChannelID, in.UUID, c.fmt.Text(payloadText(in.Payload))))
	case session.DeleteChannelMessage:
		c.println(fmt.Sprintf("[%s] message %s deleted", in.ChannelID, in.UUID))
	}
}

func (c *chat) connState(state session.ConnState) {
	c.println("-- " + state.String())
}

func payloadText(payload map[string]any) string {
	text, _ := payload["text"].(string)
	return text
}

// readLines delivers lines from r until it is exhausted. The reader is not
// interruptible, so the goroutine is left behind on shutdown.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

// run handles input lines until /quit, end of input or ctx is done.
func (c *chat) run(ctx context.Context, lines <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := c.handle(ctx, line); quit {
				return nil
			}
		}
	}
}

func (c *chat) handle(ctx context.Context, line string) (quit bool) {
	cmd, args := parseCommand(line)
	active := c.activeChannel()
	var err error
	switch cmd {
	case "":
		if args == "" {
			return false
		}
		if active == "" {
			c.println("-- no active channel, /join one first")
			return false
		}
		err = c.ctrl.SendMessage(ctx, active, map[string]any{"text": args})
	case "quit":
		return true
	case "help":
		c.println(helpText)
	case "join":
		if args == "" {
			c.println("-- usage: /join <channel>")
			return false
		}
		if !slices.Contains(c.ctrl.Snapshot().Identity.SubscribedChannels, args) {
			err = c.ctrl.Toggle(ctx, args)
		}
		if err == nil {
			c.setActive(args)
		}
	case "leave":
		channel := args
		if channel == "" {
			channel = active
		}
		if slices.Contains(c.ctrl.Snapshot().Identity.SubscribedChannels, channel) {
			err = c.ctrl.Toggle(ctx, channel)
		}
	case "switch":
		c.setActive(args)
	case "channels":
		channels := splitList(args)
		c.ctrl.SetChannels(ctx, channels)
		if len(channels) > 0 && !slices.Contains(channels, active) {
			c.setActive(channels[0])
		}
	case "nick":
		if args == "" {
			c.println("-- usage: /nick <name>")
			return false
		}
		c.ctrl.SetUsername(ctx, args)
	case "email":
		c.ctrl.SetEmail(args)
	case "status":
		err = c.ctrl.ChangeStatus(ctx, parseStatus(args))
	case "edit":
		uuid, text, _ := strings.Cut(args, " ")
		err = c.ctrl.EditMessage(ctx, active, uuid, map[string]any{"text": text})
	case "delete":
		err = c.ctrl.DeleteMessage(ctx, active, args)
	case "who":
		snap := c.ctrl.Snapshot()
		if ch, ok := snap.Channels[active]; ok {
			c.println("-- " + active + ": " + strings.Join(ch.UserList(), ", "))
		} else {
			c.println("-- not subscribed to " + active)
		}
	case "history":
		for _, msg := range c.ctrl.Snapshot().History[active] {
			c.println(c.fmt.Message(msg))
		}
	case "reconnect":
		c.ctrl.Reconnect(ctx)
	default:
		c.println("-- unknown command /" + cmd + ", try /help")
	}
	if err != nil {
		c.println("-- " + err.Error())
	}
	return false
}

// parseCommand splits "/cmd args" into its parts. Plain text has an empty
// command; "//text" sends "/text".
func parseCommand(line string) (cmd, args string) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return "", line
	}
	if strings.HasPrefix(line, "//") {
		return "", line[1:]
	}
	cmd, args, _ = strings.Cut(line[1:], " ")
	return strings.ToLower(cmd), strings.TrimSpace(args)
}

// parseStatus turns "key=value key2=value2" into a user state map. A bare
// word is taken as the "status" value.
func parseStatus(args string) map[string]any {
	state := make(map[string]any)
	for _, field := range strings.Fields(args) {
		if key, value, ok := strings.Cut(field, "="); ok {
			state[key] = value
		} else {
			state["status"] = field
		}
	}
	return state
}

func splitList(args string) []string {
	return strings.FieldsFunc(args, func(r rune) bool { return r == ',' || r == ' ' })
}
