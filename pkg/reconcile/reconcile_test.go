// Copyright 2024-2026 Aiku AI

package reconcile

import (
	"slices"
	"testing"
)

func TestUnsubscribe(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		actual     []string
		desired    []string
		candidates []string
		want       []string
	}{
		{"full set", []string{"a", "b", "c"}, []string{"b"}, nil, []string{"a", "c"}},
		{"already aligned", []string{"a"}, []string{"a"}, nil, []string{}},
		{"candidate subscribed", []string{"a", "b"}, []string{"a", "b"}, []string{"b"}, []string{"b"}},
		{"candidate not subscribed", []string{"a"}, []string{"a"}, []string{"z"}, []string{}},
		{"duplicate candidates", []string{"a"}, nil, []string{"a", "a"}, []string{"a"}},
		{"empty candidates", []string{"a"}, nil, []string{}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Unsubscribe(tt.actual, tt.desired, tt.candidates)
			if !slices.Equal(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSubscribe(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		actual     []string
		desired    []string
		candidates []string
		want       []string
	}{
		{"full set", []string{"a"}, []string{"c", "a", "b"}, nil, []string{"c", "b"}},
		{"nothing to do", []string{"a", "b"}, []string{"a"}, nil, []string{}},
		{"candidate new", []string{"a"}, nil, []string{"b"}, []string{"b"}},
		{"candidate already subscribed", []string{"a"}, nil, []string{"a"}, []string{}},
		{"ignores empty ids", nil, []string{"", "a"}, nil, []string{"a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Subscribe(tt.actual, tt.desired, tt.candidates)
			if !slices.Equal(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSubscribeAndUnsubscribeNeverOverlap(t *testing.T) {
	t.Parallel()
	actual := []string{"a", "b"}
	desired := []string{"b", "c"}
	for _, ch := range []string{"a", "b", "c", "d"} {
		unsub := Unsubscribe(actual, desired, []string{ch})
		sub := Subscribe(actual, desired, []string{ch})
		if len(unsub) > 0 && len(sub) > 0 {
			t.Errorf("channel %q: both unsubscribe %v and subscribe %v", ch, unsub, sub)
		}
	}
}

func TestToggle(t *testing.T) {
	t.Parallel()
	actual := []string{"a"}
	current := []string{"a"}

	sub, unsub := Toggle(actual, current, "a")
	if len(sub) != 0 || !slices.Equal(unsub, []string{"a"}) {
		t.Errorf("toggle subscribed channel: sub=%v unsub=%v", sub, unsub)
	}

	sub, unsub = Toggle(actual, current, "b")
	if !slices.Equal(sub, []string{"b"}) || len(unsub) != 0 {
		t.Errorf("toggle new channel: sub=%v unsub=%v", sub, unsub)
	}

	// Listed as subscribed by the user but not by the connection: nothing
	// to unsubscribe.
	sub, unsub = Toggle(nil, current, "a")
	if len(sub) != 0 || len(unsub) != 0 {
		t.Errorf("toggle diverged channel: sub=%v unsub=%v", sub, unsub)
	}
}

func TestGuard(t *testing.T) {
	t.Parallel()
	g := NewGuard()
	if got := g.Acquire([]string{"a", "b"}); !slices.Equal(got, []string{"a", "b"}) {
		t.Fatalf("first Acquire: got %v", got)
	}
	if got := g.Acquire([]string{"b", "c"}); !slices.Equal(got, []string{"c"}) {
		t.Errorf("second Acquire: got %v, want [c]", got)
	}
	if !g.InFlight("a") {
		t.Error("a should be in flight")
	}
	g.Release("a")
	g.Release("a")
	if g.InFlight("a") {
		t.Error("a should be released")
	}
	g.Reset()
	for _, ch := range []string{"a", "b", "c"} {
		if g.InFlight(ch) {
			t.Errorf("%s still in flight after Reset", ch)
		}
	}
}
