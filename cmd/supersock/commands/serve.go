package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sethvargo/go-limiter/memorystore"
	"github.com/spf13/cobra"

	"github.com/fxpool/supersocket"
)

func serveCmd(a *app) *cobra.Command {
	var loop, echo bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept a session and chat with the peer",
		Long: "Accept a session and chat with the peer over stdin and stdout. " +
			"With --echo every message is sent back instead. With --loop the " +
			"server keeps accepting sessions and serves them concurrently.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if loop && !echo {
				return fmt.Errorf("--loop needs --echo: stdin can only chat with one peer")
			}
			sc, err := a.sessionConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if a.cfg.MetricsAddr != "" {
				reg := prometheus.NewRegistry()
				reg.MustRegister(collectors.NewGoCollector())
				sc.Metrics = supersocket.NewMetrics(reg)
				srv := startMetrics(a.cfg.MetricsAddr, reg, a.logger)
				defer srv.Close()
			}
			if a.cfg.RateLimit > 0 {
				store, err := memorystore.New(&memorystore.Config{
					Tokens:   a.cfg.RateLimit,
					Interval: time.Minute,
				})
				if err != nil {
					return err
				}
				defer store.Close(context.Background())
				sc.Limiter = store
			}

			l, err := supersocket.Listen(sc)
			if err != nil {
				return err
			}
			defer l.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "listening on %s\n", l.Addr())

			for {
				s, err := l.Accept(ctx)
				switch {
				case ctx.Err() != nil:
					if s != nil {
						s.Close()
					}
					return nil
				case errors.Is(err, supersocket.ErrHandshakeFailed) && loop:
					a.logger.Printf("supersock: %v", err)
					continue
				case err != nil:
					return err
				}
				a.logger.Printf("supersock: session with %s (%s)", s.RemoteAddr(), describe(s))

				handle := func() error { return chat(ctx, s, cmd.InOrStdin(), cmd.OutOrStdout()) }
				if echo {
					handle = func() error { return echoMessages(ctx, s, a.logger) }
				}
				if !loop {
					return handle()
				}
				go func() {
					if err := handle(); err != nil {
						a.logger.Printf("supersock: session with %s: %v", s.RemoteAddr(), err)
					}
				}()
			}
		},
	}

	f := cmd.Flags()
	f.Bool("encrypt", false, "run a key exchange with every client")
	f.String("private-key-file", "", "static server key from genkey, default is a fresh key per session")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address")
	f.Uint64("rate-limit", 0, "connections accepted per client IP per minute, 0 for no limit")
	f.BoolVar(&loop, "loop", false, "keep accepting sessions")
	f.BoolVar(&echo, "echo", false, "send every message back to its sender")
	return cmd
}

// echoMessages sends every message back until the peer leaves or ctx ends.
func echoMessages(ctx context.Context, s *supersocket.Session, logger supersocket.Logger) error {
	defer s.Close()
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	for {
		msg, err := s.Recv()
		switch {
		case supersocket.IsTimeout(err):
			continue
		case supersocket.IsClosed(err):
			return nil
		case errors.Is(err, supersocket.ErrDecryptionFailed):
			logger.Printf("supersock: dropping message from %s: %v", s.RemoteAddr(), err)
			continue
		case err != nil:
			return err
		}
		if err := s.Send(msg); err != nil && !supersocket.IsTimeout(err) {
			return err
		}
	}
}

func startMetrics(addr string, reg *prometheus.Registry, logger supersocket.Logger) *http.Server {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("supersock: metrics server: %v", err)
		}
	}()
	return srv
}

func describe(s *supersocket.Session) string {
	if fp := s.KeyFingerprint(); fp != "" {
		return fmt.Sprintf("%s, server key %s", s.State(), fp)
	}
	return s.State().String()
}
