// Command yatelink-ivr is a small demonstration host: it connects to a
// Yate engine, optionally registers carrier trunks, answers every
// incoming call with an IVR that plays a greeting and echoes DTMF
// digits as log lines.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sebas/yatelink/engine"
	"github.com/sebas/yatelink/internal/banner"
	"github.com/sebas/yatelink/internal/logger"
)

type options struct {
	host        string
	port        int
	logLevel    string
	carriers    string
	greeting    string
	metricsAddr string
	allowAll    bool
}

// load reads flags, then lets environment variables override them.
func load() *options {
	opts := &options{}
	flag.StringVar(&opts.host, "host", "localhost", "engine host")
	flag.IntVar(&opts.port, "port", 5039, "extmodule listener port")
	flag.StringVar(&opts.logLevel, "loglevel", "info", "log level (debug, info, warn, error)")
	flag.StringVar(&opts.carriers, "carriers", "", "comma-separated trunks as user:pass@host[:port]")
	flag.StringVar(&opts.greeting, "greeting", "", "absolute path of a greeting wave file")
	flag.StringVar(&opts.metricsAddr, "metrics", "", "address for the Prometheus endpoint (empty disables)")
	flag.BoolVar(&opts.allowAll, "allow-unregistered", false, "accept every user.auth")
	flag.Parse()

	if v := os.Getenv("YATELINK_HOST"); v != "" {
		opts.host = v
	}
	if v := os.Getenv("YATELINK_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			opts.port = p
		}
	}
	if v := os.Getenv("YATELINK_LOGLEVEL"); v != "" {
		opts.logLevel = v
	}
	if v := os.Getenv("YATELINK_CARRIERS"); v != "" {
		opts.carriers = v
	}
	if v := os.Getenv("YATELINK_GREETING"); v != "" {
		opts.greeting = v
	}
	return opts
}

func main() {
	opts := load()
	logger.Init(os.Stdout)
	logger.SetLevel(opts.logLevel)

	banner.Print("yatelink-ivr", []banner.ConfigLine{
		{Label: "Engine", Value: fmt.Sprintf("%s:%d", opts.host, opts.port)},
		{Label: "Log level", Value: opts.logLevel},
	})

	reg := prometheus.NewRegistry()
	eng, err := engine.New(engine.Config{
		Host:              opts.host,
		Port:              opts.port,
		AllowUnregistered: opts.allowAll,
		Metrics:           reg,
	})
	if err != nil {
		slog.Error("Failed to create engine", "error", err)
		os.Exit(1)
	}
	defer eng.Destroy()

	eng.On(engine.EventConnected, func(engine.Event) {
		slog.Info("Session ready", "host", opts.host, "port", opts.port)
	})
	eng.On(engine.EventDisconnected, func(ev engine.Event) {
		slog.Warn("Engine connection lost", "error", ev.Err)
	})
	eng.On(engine.EventError, func(ev engine.Event) {
		slog.Warn("Engine error", "error", ev.Err)
	})
	eng.On(engine.EventCarrierOnline, func(ev engine.Event) {
		slog.Info("Carrier online", "account", ev.Name)
	})
	eng.On(engine.EventCarrierOffline, func(ev engine.Event) {
		slog.Warn("Carrier offline", "account", ev.Name)
	})
	eng.On(engine.EventIncomingCall, func(ev engine.Event) {
		answer(ev, opts.greeting)
	})

	if opts.carriers != "" {
		carriers, err := parseCarriers(opts.carriers)
		if err != nil {
			slog.Error("Bad -carriers value", "error", err)
			os.Exit(1)
		}
		if err := eng.SetCarriers(carriers); err != nil {
			slog.Error("Failed to set carriers", "error", err)
			os.Exit(1)
		}
	}

	if opts.metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(opts.metricsAddr, mux); err != nil {
				slog.Error("Metrics endpoint failed", "error", err)
			}
		}()
	}

	if err := eng.Connect(); err != nil {
		slog.Warn("Initial connect failed, retrying", "error", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received signal, shutting down", "signal", sig.String())
}

// answer routes an incoming call into the demo IVR.
func answer(ev engine.Event, greeting string) {
	ch := ev.Channel
	slog.Info("Incoming call",
		"caller", ev.Call.Caller,
		"called", ev.Call.Called,
		"channel", ch.ID(),
	)
	err := ch.RouteToIVR(func(ivr *engine.IVR) {
		if greeting != "" {
			if err := ivr.Enqueue(engine.Sound{Path: greeting}); err != nil {
				slog.Warn("Failed to queue greeting", "error", err)
			}
		}
		ivr.PlayTone("dial", 2*time.Second)
		ivr.OnDTMF(func(digits string) {
			slog.Info("DTMF", "channel", ch.ID(), "digits", digits)
		})
		ivr.OnQueueEmpty(func() {
			slog.Debug("Prompt queue drained", "channel", ch.ID())
		})
	})
	if err != nil {
		slog.Warn("Failed to route call to IVR", "error", err)
		return
	}
	ch.OnEnd(func(cause engine.Cause) {
		slog.Info("Call ended", "channel", ch.ID(), "cause", cause.String())
	})
}

// parseCarriers parses "user:pass@host[:port]" entries.
func parseCarriers(raw string) ([]engine.Carrier, error) {
	var out []engine.Carrier
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		cred, addr, found := strings.Cut(entry, "@")
		if !found {
			return nil, fmt.Errorf("carrier %q: missing @", entry)
		}
		user, pass, _ := strings.Cut(cred, ":")
		host, portStr, hasPort := strings.Cut(addr, ":")
		if host == "" || user == "" {
			return nil, fmt.Errorf("carrier %q: missing host or user", entry)
		}
		c := engine.Carrier{Host: host, Username: user, Password: pass}
		if hasPort {
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return nil, fmt.Errorf("carrier %q: bad port: %w", entry, err)
			}
			c.Port = port
		}
		out = append(out, c)
	}
	return out, nil
}
