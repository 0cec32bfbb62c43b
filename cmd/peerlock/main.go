package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/peerlock/pkg/mutex"
	"github.com/pixperk/peerlock/pkg/transport"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		name         = flag.String("name", "peerlock", "Mutex name shared by all cooperating peers")
		bindAddr     = flag.String("bind", "127.0.0.1:7000", "Address peers dial; also this node's identity")
		peers        = flag.String("peers", "", "Comma-separated peer addresses (host:port)")
		metricsAddr  = flag.String("metrics-addr", ":8080", "Prometheus metrics address")
		owner        = flag.String("owner", "", "Owner ID for log correlation (generates UUID if empty)")
		pumpInterval = flag.Duration("pump-interval", 50*time.Millisecond, "How often to pump the protocol")
		logLevel     = flag.String("log-level", "info", "Log level (trace/debug/info/warn/error)")
	)
	flag.Parse()

	if *owner == "" {
		*owner = uuid.NewString()
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "peerlock",
		Level: hclog.LevelFromString(*logLevel),
	})
	logger = logger.With("owner", *owner)

	logger.Info("starting peerlock node",
		"name", *name, "bind", *bindAddr, "peers", *peers, "metrics", *metricsAddr)

	tr, err := transport.NewGRPC(transport.GRPCConfig{
		BindAddr: *bindAddr,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("failed to start transport", "error", err)
		os.Exit(1)
	}
	defer tr.Close()

	m := mutex.New(*name, tr, mutex.WithLogger(logger))

	m.AddGrantedCallback(*owner, func(userdata any) error {
		logger.Info("lock granted", "owner", userdata)
		return nil
	})
	m.AddDeniedCallback(*owner, func(userdata any) error {
		logger.Info("lock denied", "owner", userdata)
		return nil
	})
	m.AddReleasedCallback(*owner, func(userdata any) error {
		logger.Info("lock released", "owner", userdata)
		return nil
	})

	for _, addr := range splitPeers(*peers) {
		if err := m.AddPeer(addr); err != nil {
			logger.Error("failed to add peer", "peer", addr, "error", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// metrics endpoint
	metricsSrv := &http.Server{Addr: *metricsAddr, Handler: promhttp.Handler()}
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	// stdin command reader; the commands are applied on the protocol
	// goroutine below, never here
	cmdCh := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case cmdCh <- strings.TrimSpace(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
		close(cmdCh)
	}()

	// protocol goroutine: all mutex calls happen here
	g.Go(func() error {
		// quitting here must take the metrics server down with it
		defer stop()
		ticker := time.NewTicker(*pumpInterval)
		defer ticker.Stop()
		defer m.Close()

		for {
			select {
			case <-ctx.Done():
				return nil

			case <-ticker.C:
				m.Pump()

			case cmd, ok := <-cmdCh:
				if !ok {
					return nil
				}
				switch cmd {
				case "request":
					if err := m.Request(); err != nil {
						logger.Error("request failed", "error", err)
					}
				case "release":
					if err := m.Release(); err != nil {
						logger.Error("release failed", "error", err)
					}
				case "status":
					logger.Info("status",
						"available", m.IsAvailable(),
						"held-locally", m.IsHeldLocally(),
						"held-remotely", m.IsHeldRemotely(),
						"peers", m.NumPeers())
				case "quit":
					return nil
				case "":
				default:
					fmt.Println("commands: request | release | status | quit")
				}
			}
		}
	})

	logger.Info("peerlock is ready", "commands", "request | release | status | quit")

	if err := g.Wait(); err != nil {
		logger.Error("shutting down with error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func splitPeers(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
