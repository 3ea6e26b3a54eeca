// Command vphone runs one virtual phone: it registers, optionally places a
// call, answers incoming calls and serves Prometheus metrics until it is
// interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phsym/console-slog"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/vphone/internal/config"
	"github.com/arzzra/vphone/pkg/endpoint"
	"github.com/arzzra/vphone/pkg/metrics"
	"github.com/arzzra/vphone/pkg/rtp"
	"github.com/arzzra/vphone/pkg/sip/auth"
	"github.com/arzzra/vphone/pkg/sip/resolver"
)

func main() {
	cfg, err := config.Load(".env", os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "vphone: %v\n", err)
		os.Exit(2)
	}

	log := slog.New(console.NewHandler(os.Stderr, &console.HandlerOptions{
		Level:      cfg.LogLevel,
		TimeFormat: time.TimeOnly,
	}))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, log); err != nil {
		log.Error("vphone failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	collector := metrics.New(metrics.Config{Runtime: true})

	media := rtp.DefaultConfig()
	media.LocalAddr = cfg.MediaAddr
	media.Mode = cfg.MediaMode
	if cfg.CapturePath != "" {
		capture, err := rtp.LoadCapture(cfg.CapturePath)
		if err != nil {
			return err
		}
		media.Capture = capture
		media.Loop = true
	}
	if cfg.RecordPath != "" {
		f, err := os.Create(cfg.RecordPath)
		if err != nil {
			return err
		}
		defer f.Close()
		media.RecordTo = f
	}

	ecfg := endpoint.DefaultConfig()
	ecfg.User = cfg.User
	ecfg.DisplayName = cfg.DisplayName
	ecfg.Domain = cfg.Domain
	ecfg.Credentials = auth.Credentials{Username: cfg.User, Password: cfg.Password}
	ecfg.Server = cfg.Server
	ecfg.Network = cfg.Network
	ecfg.ListenAddr = cfg.ListenAddr
	ecfg.ContactHost = cfg.ContactHost
	ecfg.Media = media
	ecfg.RegisterExpires = cfg.RegisterExpires
	ecfg.KeepAlive = cfg.KeepAlive
	ecfg.AutoAnswer = cfg.AutoAnswer
	ecfg.Resolver = &resolver.Resolver{NameServer: cfg.NameServer, Logger: log}
	ecfg.Metrics = collector
	ecfg.Logger = log
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		ecfg.Registry = endpoint.NewRedisRegistry(client, "", 0)
	}

	phone, err := endpoint.New(ecfg)
	if err != nil {
		return err
	}
	if err := phone.Start(ctx); err != nil {
		return err
	}
	defer phone.Close()

	g, gctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(collector), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			log.Info("serving metrics", slog.String("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdown, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return srv.Shutdown(shutdown)
		})
	}
	g.Go(func() error {
		if err := scenario(gctx, cfg, phone); err != nil {
			return err
		}
		<-gctx.Done()
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if phone.IsRegistered() {
		unreg, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if uerr := phone.Unregister(unreg); uerr != nil {
			log.Warn("failed to unregister", slog.Any("error", uerr))
		}
	}
	return err
}

// scenario выполняет шаги из конфигурации по порядку
func scenario(ctx context.Context, cfg config.Config, phone *endpoint.Endpoint) error {
	var actions []endpoint.Action
	if cfg.Register && cfg.Server != "" {
		actions = append(actions, endpoint.RegisterAction{})
	}
	if cfg.Presence != "" {
		actions = append(actions, endpoint.SetPresenceAction{Status: cfg.Presence})
	}
	for _, target := range cfg.Subscribe {
		actions = append(actions, endpoint.SubscribeAction{Target: target})
	}
	if cfg.Call != "" {
		actions = append(actions,
			endpoint.CallAction{Target: cfg.Call},
			endpoint.WaitCallStateAction{State: endpoint.StateInCall, Timeout: time.Minute},
		)
		if cfg.Duration > 0 {
			actions = append(actions,
				endpoint.PauseAction{Duration: cfg.Duration},
				endpoint.HangupAction{},
			)
		}
	}
	return phone.Run(ctx, actions...)
}

func metricsMux(c *metrics.Collector) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok\n")
	})
	return mux
}
