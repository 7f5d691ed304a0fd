// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command channelstream-chat is a terminal chat client for a channelstream
// server. It connects through the demo application, follows the configured
// channels and prints messages as they arrive.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/muesli/termenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/aiku/channelstream-go/pkg/config"
	"github.com/aiku/channelstream-go/pkg/session"
	"github.com/aiku/channelstream-go/pkg/termfmt"
	"github.com/aiku/channelstream-go/pkg/transport"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// shutdownGrace is how long the transport keeps running after the session
// is closed so the disconnect request can leave.
const shutdownGrace = time.Second

var (
	configPath     = flag.StringP("config", "c", "", "Path to the config file. The example config is used when empty.")
	noUpdate       = flag.BoolP("no-update", "n", false, "Don't write upgraded config values back to the config file.")
	generateConfig = flag.BoolP("generate-example-config", "e", false, "Print the example config and exit.")
	version        = flag.BoolP("version", "v", false, "Print the version and exit.")
)

func main() {
	flag.Parse()
	if *version {
		fmt.Printf("channelstream-chat %s (commit %s, built %s)\n", Tag, Commit, BuildTime)
		return
	}
	if *generateConfig {
		fmt.Print(config.ExampleConfig)
		return
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "Failed to load .env:", err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath, *configPath != "" && !*noUpdate)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(1)
	}

	log := newLogger(cfg)
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("Client stopped")
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var log zerolog.Logger
	if cfg.Logging.Pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(cfg.LogLevel()).With().Timestamp().Logger()
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	if cfg.Metrics.Listen != "" {
		go serveMetrics(log, cfg.Metrics.Listen, reg)
	}

	identity := cfg.Identity()
	if identity.Username == "" {
		identity.Username = fmt.Sprintf("anon_%d", rand.IntN(1000))
	}

	out := termfmt.New(os.Stdout, termenv.NewOutput(os.Stdout).EnvColorProfile())
	ui := newChat(os.Stdout, out, identity.SubscribedChannels)

	client := transport.New(cfg.TransportConfig(), log, transport.NewMetrics(reg))
	ctrl := session.NewController(client, log, session.Options{
		Identity:      identity,
		EditPolicy:    cfg.Session.EditPolicy,
		Metrics:       session.NewMetrics(reg),
		OnDispatch:    ui.render,
		OnStateChange: ui.connState,
	})
	ui.ctrl = ctrl

	log.Info().
		Str("version", Tag).
		Str("username", identity.Username).
		Strs("channels", identity.SubscribedChannels).
		Msg("Starting channelstream client")

	transportCtx, stopTransport := context.WithCancel(context.Background())
	defer stopTransport()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return client.Run(transportCtx)
	})
	g.Go(func() error {
		return ctrl.Run(transportCtx)
	})
	g.Go(func() error {
		ctrl.Attach(gctx)
		err := ui.run(gctx, readLines(os.Stdin))
		ctrl.Close(context.Background())
		time.AfterFunc(shutdownGrace, stopTransport)
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("Client stopped")
	return nil
}

func serveMetrics(log zerolog.Logger, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	log.Info().Str("addr", addr).Msg("Serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("Metrics server failed")
	}
}
