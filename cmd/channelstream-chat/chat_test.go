// Copyright 2024-2026 Aiku AI

package main

import (
	"bytes"
	"io"
	"maps"
	"slices"
	"strings"
	"testing"

	"github.com/muesli/termenv"

	"github.com/aiku/channelstream-go/pkg/session"
	"github.com/aiku/channelstream-go/pkg/termfmt"
)

func TestParseCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		line, cmd, args string
	}{
		{"hello there", "", "hello there"},
		{"  padded  ", "", "padded"},
		{"/quit", "quit", ""},
		{"/JOIN  notify ", "join", "notify"},
		{"/edit abc new text", "edit", "abc new text"},
		{"//not a command", "", "/not a command"},
	}
	for _, tt := range tests {
		cmd, args := parseCommand(tt.line)
		if cmd != tt.cmd || args != tt.args {
			t.Errorf("parseCommand(%q): got (%q, %q), want (%q, %q)", tt.line, cmd, args, tt.cmd, tt.args)
		}
	}
}

func TestParseStatus(t *testing.T) {
	t.Parallel()
	got := parseStatus("away mood=sleepy")
	want := map[string]any{"status": "away", "mood": "sleepy"}
	if !maps.Equal(got, want) {
		t.Errorf("parseStatus: got %v, want %v", got, want)
	}
}

func TestSplitList(t *testing.T) {
	t.Parallel()
	if got := splitList("a, b,c"); !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Errorf("splitList: got %v", got)
	}
	if got := splitList(""); len(got) != 0 {
		t.Errorf("splitList empty: got %v", got)
	}
}

func TestRenderMessages(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	ui := newChat(&buf, termfmt.New(io.Discard, termenv.Ascii), []string{"general"})
	if ui.activeChannel() != "general" {
		t.Errorf("active channel: got %q", ui.activeChannel())
	}

	ui.render(session.SetChannelMessages{Messages: map[string][]session.Message{
		"notify":  {{UUID: "2", Type: "message", Author: "bob", Payload: map[string]any{"text": "second"}}},
		"general": {{UUID: "1", Type: "message", Author: "alice", Payload: map[string]any{"text": "**first**"}}},
	}})
	ui.render(session.DeleteChannelMessage{ChannelID: "general", UUID: "1"})
	ui.render(session.SetUsername{Username: "ignored"})

	want := []string{
		"[general] alice: first",
		"[notify] bob: second",
		"[general] message 1 deleted",
	}
	got := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if !slices.Equal(got, want) {
		t.Errorf("render output:\ngot  %q\nwant %q", got, want)
	}
}
