// Copyright 2024-2026 Aiku AI

// Package config loads the client configuration: a YAML file merged over
// the embedded example config, with CHANNELSTREAM_* environment overrides.
package config
