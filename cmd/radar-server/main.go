// Command radar-server runs the acquisition -> change-detection ->
// persistence -> fan-out pipeline for a SICK industrial radar sensor: a
// persistent TCP session to the sensor, a realtime WebSocket subscriber
// hub, a Redis-backed time-series store, mDNS/HTTP discovery, and a
// read-only HTTP request/response surface.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sickradar/radar-server/internal/acquisition"
	"github.com/sickradar/radar-server/internal/detect"
	"github.com/sickradar/radar-server/internal/httpapi"
	"github.com/sickradar/radar-server/internal/hub"
	"github.com/sickradar/radar-server/internal/metrics"
	"github.com/sickradar/radar-server/internal/model"
	"github.com/sickradar/radar-server/internal/plc"
	"github.com/sickradar/radar-server/internal/radar"
	"github.com/sickradar/radar-server/internal/store"
)

// shutdownGrace bounds the HTTP server shutdown and the wait for the
// acquisition loop and metrics logger to exit once the cancellation signal
// fires. The persistence worker is stopped, not drained: batches still
// queued at shutdown may be discarded.
const shutdownGrace = 10 * time.Second

// storeWriteQueueDepth bounds the async persistence dispatch queue; a full
// queue drops the new batch (the oldest pending batches are kept) rather
// than blocking the Acquisition Loop.
const storeWriteQueueDepth = 64

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("radar-server %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	session := radar.NewSession(cfg.sensorAddr,
		radar.WithHandshakeTimeout(cfg.handshakeTO),
		radar.WithReadTimeout(cfg.readTO),
	)
	detector := detect.New(cfg.minVelocityDelta)

	var (
		persister   acquisition.Persister
		statusDB    acquisition.StatusPersister
		storeReader httpapi.StoreReader
		connChecker storeConnChecker
		historyFunc func(channel int) ([]model.HistoryPoint, error)
		closeStore  = func() {}
	)
	if cfg.storeEnable {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.redisAddr, DB: cfg.redisDB, Password: cfg.redisPass})
		adapter := store.New(rdb, store.Config{
			Namespace:  cfg.namespace,
			HistoryCap: cfg.historyCap,
			ChangeCap:  cfg.changeCap,
		})
		asyncAdapter := store.NewAsyncAdapter(ctx, adapter, storeWriteQueueDepth)
		persister = asyncAdapter
		statusDB = adapter
		storeReader = adapter
		connChecker = adapter
		historyFunc = func(channel int) ([]model.HistoryPoint, error) {
			return adapter.GetChannelHistory(ctx, channel)
		}
		closeStore = func() { asyncAdapter.Close(); adapter.Close() }
	} else {
		l.Info("store_disabled")
		disabled := disabledStore{}
		persister = disabled
		statusDB = disabled
		storeReader = disabled
		connChecker = disabled
		historyFunc = disabled.GetChannelHistory
	}

	wsHub := hub.New(hub.WithQueueDepth(cfg.wsQueue))
	wsHub.SetHistoryFunc(historyFunc)

	loop := acquisition.New(session, detector, wsHub, persister, statusDB, acquisition.Config{
		TickPeriod:           cfg.tickPeriod,
		MaxConsecutiveErrors: cfg.maxConsecErrors,
		ReconnectDelay:       cfg.reconnectDelay,
	})
	wsHub.SetStatusReader(loop)

	var mirror *plc.SerialMirror
	if cfg.plcEnable {
		m, err := plc.NewSerialMirror(ctx, cfg.plcDevice, cfg.plcBaud, cfg.readTO, storeWriteQueueDepth)
		if err != nil {
			l.Warn("plc_mirror_init_failed", "error", err)
		} else {
			mirror = m
			loop.RegisterMetricsHandler(mirror.OnFrame)
		}
	}

	health := newServerHealth(loop, connChecker, wsHub)

	handlers := httpapi.NewHandlers(
		httpapi.Info{
			Name:    "radar-server",
			Version: version,
			Addr:    cfg.listenAddr,
			WSPath:  "/ws",
			APIPath: "/api/current",
		},
		loop, storeReader, loop, health,
	)
	router := httpapi.NewRouter(handlers, wsHub, func() (model.Frame, bool) { return loop.LastFrame() })

	httpSrv := &http.Server{Addr: cfg.listenAddr, Handler: router}
	httpReady := make(chan struct{})
	go func() {
		ln, err := net.Listen("tcp", cfg.listenAddr)
		if err != nil {
			l.Error("http_listen_failed", "addr", cfg.listenAddr, "error", err)
			cancel()
			return
		}
		close(httpReady)
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			l.Error("http_server_error", "error", err)
			cancel()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		loop.Run(ctx)
	}()

	go func() {
		if !cfg.mdnsEnable {
			return
		}
		select {
		case <-httpReady:
		case <-ctx.Done():
			return
		}
		cleanup, err := startMDNS(ctx, cfg, listenPort(cfg.listenAddr))
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			health.setAdvertiserUp(false)
			return
		}
		health.setAdvertiserUp(true)
		l.Info("mdns_started", "service", mdnsServiceType, "port", listenPort(cfg.listenAddr))
		go func() { <-ctx.Done(); cleanup() }()
	}()

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-httpReady:
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		metricsSrv := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = metricsSrv.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	l.Info("shutdown_signal", "signal", s.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()

	cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = session.Close()
	wsHub.Close()
	closeStore()
	if mirror != nil {
		_ = mirror.Close()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		l.Warn("shutdown_grace_exceeded")
	}
}

// listenPort extracts the numeric port from a "host:port" or ":port"
// listen address, returning 0 if it cannot be parsed.
func listenPort(addr string) int {
	if _, p, err := net.SplitHostPort(addr); err == nil {
		if n, err := strconv.Atoi(p); err == nil {
			return n
		}
	}
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		if n, err := strconv.Atoi(addr[i+1:]); err == nil {
			return n
		}
	}
	return 0
}
