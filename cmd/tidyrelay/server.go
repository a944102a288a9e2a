package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/tidylist/tidysync"
	"github.com/tidylist/tidysync/pkg/auth"
	"github.com/tidylist/tidysync/pkg/logger"
	"github.com/tidylist/tidysync/pkg/realtime/relay"
)

const shutdownTimeout = 5 * time.Second

type Config struct {
	Addr      string
	JWTSecret string
	LogFormat string
	LogFile   string
	Debug     bool
}

// Parse reads the relay flags from args. The JWT secret defaults to
// TIDYRELAY_JWT_SECRET.
func Parse(args []string) (*Config, error) {
	flagSet := flag.NewFlagSet("tidyrelay", flag.ContinueOnError)

	config := &Config{}
	flagSet.StringVar(&config.Addr, "addr", tidysync.GetEnvOrDefault("TIDYRELAY_ADDR", ":4000"), "Listen address")
	flagSet.StringVar(&config.JWTSecret, "jwt-secret", tidysync.GetEnvOrDefault("TIDYRELAY_JWT_SECRET", ""), "HMAC secret for join tokens (empty admits every join)")
	flagSet.StringVar(&config.LogFormat, "log-format", "json", "Log format: json or console")
	flagSet.StringVar(&config.LogFile, "log-file", "", "Append logs to this file instead of stdout")
	flagSet.BoolVar(&config.Debug, "debug", false, "Enable debug logging")

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(rest, " "))
	}
	switch config.LogFormat {
	case "json", "console":
	default:
		return nil, fmt.Errorf("invalid log format %q", config.LogFormat)
	}
	return config, nil
}

// Main runs the relay until ctx is done.
func Main(ctx context.Context, args []string) error {
	config, err := Parse(args)
	if err != nil {
		return fmt.Errorf("failed to parse configuration: %w", err)
	}

	build := logger.NewBuild().FromPath(config.LogFile)
	if config.LogFormat == "console" {
		build = build.Console()
	}
	if config.Debug {
		build = build.Level(zerolog.DebugLevel)
	}
	log, closer, err := build.Make()
	if err != nil {
		return fmt.Errorf("failed to open log: %w", err)
	}
	defer closer.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rl := NewRelay(config, log, reg)
	srv := &http.Server{
		Addr:              config.Addr,
		Handler:           NewRouter(rl, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("tidyrelay listening", "addr", config.Addr, "auth", config.JWTSecret != "")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	log.Info("tidyrelay shutting down")
	err = srv.Shutdown(shutdownCtx)
	// Upgraded connections are not tracked by the server.
	rl.Shutdown()
	return err
}

func NewRelay(config *Config, log logger.Logger, reg prometheus.Registerer) *relay.Relay {
	opts := relay.Options{Logger: log, Registerer: reg}
	if config.JWTSecret != "" {
		opts.Authorize = Authorize(auth.NewVerifier([]byte(config.JWTSecret)))
	}
	return relay.New(opts)
}

// NewRouter serves the relay on /realtime next to health and metrics.
func NewRouter(rl http.Handler, reg *prometheus.Registry) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/realtime", rl)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})).Methods(http.MethodGet)
	return r
}

// Authorize admits joins carrying a valid token. A user's invitations
// topic is only open to that user.
func Authorize(v *auth.Verifier) relay.Authorizer {
	return func(token, topic string) error {
		id, err := v.Verify(token)
		if err != nil {
			return err
		}
		if strings.HasPrefix(topic, tidysync.InvitationsTopic("")) && topic != tidysync.InvitationsTopic(id.Subject) {
			return fmt.Errorf("%s may not join %s", id.Subject, topic)
		}
		return nil
	}
}
