package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/astro-monitor/backend/internal/config"
	"github.com/astro-monitor/backend/internal/history"
	"github.com/astro-monitor/backend/internal/mock"
	"github.com/astro-monitor/backend/internal/monitor"
	"github.com/astro-monitor/backend/internal/nina"
	"github.com/astro-monitor/backend/internal/session"
	"github.com/astro-monitor/backend/internal/sysinfo"
	"github.com/astro-monitor/backend/internal/ws"
)

const lifecycleBuffer = 256

func loadConfig(opts *options) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.port > 0 {
		cfg.Server.Port = opts.port
	}
	if opts.mock {
		cfg.Mock.Enabled = true
	}
	return cfg, nil
}

func runServe(parent context.Context, opts *options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	machine := session.NewMachine(cfg.Monitor.GuideHistory, cfg.Monitor.ImageHistory)
	store := session.NewStore(machine.NewSnapshot())
	broadcaster := ws.NewBroadcaster(store, cfg.Monitor.BroadcastThrottle, cfg.Monitor.SnapshotInterval, cfg.Monitor.MaxSubscribers)
	defer broadcaster.Stop()

	mon := monitor.New(cfg, machine, store, broadcaster)
	server := ws.NewServer(cfg.Server, broadcaster)
	server.SetResetHook(mon.Reset)

	if hist, err := history.Open(cfg.History.Path); err != nil {
		log.Printf("History disabled: %v", err)
	} else {
		defer hist.Close()
		lifecycle := make(chan session.Event, lifecycleBuffer)
		mon.SetLifecycle(lifecycle)
		server.SetHistory(hist)
		go history.NewRecorder(hist, lifecycle).Run(ctx)
		log.Printf("Recording history to %s", cfg.History.Path)
	}

	sampler := sysinfo.NewSampler(cfg.System)
	server.SetSystem(sampler.Latest)
	go sampler.Run(ctx)

	go mon.Run(ctx)

	var poller *monitor.Poller
	if cfg.Mock.Enabled {
		log.Println("Starting in mock mode")
		mock.NewGenerator(cfg.Mock, mon).Start(ctx)
	} else {
		log.Printf("Starting in live mode (%s)", cfg.Nina.URL)
		client := nina.NewClient(cfg.Nina.APIURL, cfg.Nina.RequestTimeout)
		poller = monitor.NewPoller(cfg.Poll, client, mon.OnEvent, broadcaster)
		mon.SetPoller(poller)
		server.SetHealthHook(poller.Health, poller.Active)
		go poller.Run(ctx)

		stream := nina.NewStream(nina.StreamConfig{
			URL:           cfg.Nina.URL,
			IdleTimeout:   cfg.Nina.IdleTimeout,
			ReconnectBase: cfg.Nina.ReconnectBase,
			ReconnectMax:  cfg.Nina.ReconnectMax,
		})
		go func() {
			if err := stream.Run(ctx, mon); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("nina stream stopped: %v", err)
			}
		}()
	}

	go func() {
		err := config.Watch(ctx, opts.configPath, cfg, func(next *config.Config, changes []string) {
			log.Printf("Config reloaded: %s", strings.Join(changes, "; "))
			mon.SetConfig(next)
			if poller != nil {
				poller.SetConfig(next.Poll)
			}
			broadcaster.SetTiming(next.Monitor.BroadcastThrottle, next.Monitor.SnapshotInterval)
			sampler.SetConfig(next.System)
		})
		if err != nil {
			log.Printf("Config hot reload disabled: %v", err)
		}
	}()

	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	if err := ws.ListenAndServe(ctx, cfg.Server.Host, cfg.Server.Port, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	log.Println("Shutting down...")
	return nil
}
