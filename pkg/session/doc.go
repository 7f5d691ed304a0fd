// Copyright 2024-2026 Aiku AI

// Package session is the client-side core of a channelstream session.
//
// A [Controller] owns the connection lifecycle and folds transport events
// into a [State], which holds the channel roster, the user table and the
// per-channel history. State changes only through [Intent] values produced
// by the controller and the [Classifier], so every mutation can be observed
// through a dispatch hook.
package session
