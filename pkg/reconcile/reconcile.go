// Copyright 2024-2026 Aiku AI

// Package reconcile computes the subscribe and unsubscribe deltas that bring
// a connection's actual channel set in line with the desired one.
//
// The functions are pure: they never look at transport state themselves and
// never guess intent beyond the sets they are given. [Guard] adds the
// at-most-one-in-flight rule per channel on top of them.
package reconcile

import (
	"go.mau.fi/util/exsync"
)

// Unsubscribe returns the channels that should be unsubscribed.
//
// With candidates == nil the result is actual minus desired, in actual's
// order. Otherwise it is the candidates that are in actual, in candidate
// order. A channel not in actual is never returned.
func Unsubscribe(actual, desired, candidates []string) []string {
	have := toSet(actual)
	if candidates == nil {
		want := toSet(desired)
		return filter(actual, func(ch string) bool { return !want[ch] })
	}
	return filter(candidates, func(ch string) bool { return have[ch] })
}

// Subscribe returns the channels that should be subscribed.
//
// With candidates == nil the result is desired minus actual, in desired's
// order. Otherwise it is the candidates not in actual, in candidate order.
// A channel already in actual is never returned.
func Subscribe(actual, desired, candidates []string) []string {
	have := toSet(actual)
	if candidates == nil {
		candidates = desired
	}
	return filter(candidates, func(ch string) bool { return !have[ch] })
}

// Toggle flips membership of a single channel. If the channel is in
// current (the user's subscribed channel list) the unsubscribe delta is
// returned, otherwise the subscribe delta. At most one of the two results
// is non-empty.
func Toggle(actual, current []string, channel string) (subscribe, unsubscribe []string) {
	if toSet(current)[channel] {
		return nil, Unsubscribe(actual, current, []string{channel})
	}
	return Subscribe(actual, current, []string{channel}), nil
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}

func filter(items []string, keep func(string) bool) []string {
	out := make([]string, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		if item == "" || seen[item] || !keep(item) {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}

// Guard tracks channels with an outstanding subscribe or unsubscribe
// request. It is safe for concurrent use.
type Guard struct {
	inflight *exsync.Set[string]
}

// NewGuard creates an empty guard.
func NewGuard() *Guard {
	return &Guard{inflight: exsync.NewSet[string]()}
}

// Acquire marks the given channels in flight and returns the ones that were
// not already in flight, in input order.
func (g *Guard) Acquire(channels []string) []string {
	out := make([]string, 0, len(channels))
	for _, ch := range channels {
		if g.inflight.Add(ch) {
			out = append(out, ch)
		}
	}
	return out
}

// Release clears the in-flight mark of the given channels. Releasing a
// channel that is not in flight is a no-op.
func (g *Guard) Release(channels ...string) {
	for _, ch := range channels {
		g.inflight.Remove(ch)
	}
}

// InFlight reports whether a request for channel is outstanding.
func (g *Guard) InFlight(channel string) bool {
	return g.inflight.Has(channel)
}

// Reset releases every channel.
func (g *Guard) Reset() {
	g.Release(g.inflight.AsList()...)
}
