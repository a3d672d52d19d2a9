package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/relay/internal/logging"
	"github.com/whisper/relay/internal/messaging"
	"github.com/whisper/relay/internal/presence"
	"github.com/whisper/relay/internal/ratelimit"
	"github.com/whisper/relay/internal/registry"
	"github.com/whisper/relay/internal/ws"
)

func main() {
	log, err := logging.New(os.Getenv("LOG_LEVEL"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	config := ws.DefaultServerConfig()
	regConfig := registry.DefaultConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	// A positional port argument wins over LISTEN_ADDR.
	if len(os.Args) > 1 {
		port, err := strconv.Atoi(os.Args[1])
		if err != nil || port <= 0 || port > 65535 {
			log.Fatal("invalid port argument", zap.String("arg", os.Args[1]))
		}
		config.ListenAddr = ":" + strconv.Itoa(port)
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}
	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			config.PollInterval = d
		}
	}
	if v := os.Getenv("JOIN_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			regConfig.JoinDelay = d
		}
	}
	if v := os.Getenv("LEAVE_GRACE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			regConfig.LeaveGrace = d
		}
	}
	if v := os.Getenv("PRESENCE_REFRESH"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			regConfig.RefreshInterval = d
		}
	}
	if v := os.Getenv("RELAY_TIMEZONE"); v != "" {
		loc, err := time.LoadLocation(v)
		if err != nil {
			log.Fatal("invalid RELAY_TIMEZONE", zap.String("value", v), zap.Error(err))
		}
		regConfig.Location = loc
	}
	if v := os.Getenv("PRESENCE_ON_FIRST_JOIN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			regConfig.PresenceOnFirstJoin = b
		}
	}

	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "relay-1"
	}

	var (
		observers []registry.Observer
		limiter   ws.Limiter
	)

	// --- Redis (optional) ---
	var presenceStore *presence.Store
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		presenceStore, err = presence.NewStore(redisAddr, serverName, log)
		if err != nil {
			log.Warn("redis unavailable, running without presence mirror and rate limits", zap.Error(err))
		} else {
			observers = append(observers, presenceStore)
			limiter = ratelimit.NewLimiter(presenceStore.Client(), log)
		}
	}

	// --- NATS (optional) ---
	var natsClient *messaging.NATSClient
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = natsURL
		natsConfig.Name = "relay-" + serverName
		natsClient, err = messaging.NewNATSClient(natsConfig, log)
		if err != nil {
			log.Warn("nats unavailable, running without event tap", zap.Error(err))
		} else {
			observers = append(observers, natsClient)
		}
	}

	log.Info("relay server starting",
		zap.String("listen_addr", config.ListenAddr),
		zap.Int("max_connections", config.MaxConnections),
		zap.Duration("poll_interval", config.PollInterval),
		zap.Duration("write_timeout", config.WriteTimeout),
		zap.Duration("join_delay", regConfig.JoinDelay),
		zap.Duration("leave_grace", regConfig.LeaveGrace),
		zap.String("timezone", regConfig.Location.String()),
		zap.Bool("presence_on_first_join", regConfig.PresenceOnFirstJoin),
		zap.Bool("redis", presenceStore != nil),
		zap.Bool("nats", natsClient != nil),
		zap.String("server_name", serverName))

	reg := registry.New(regConfig, log, observers...)
	server := ws.NewServer(config, reg, limiter, log)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sig := <-sigCh
		log.Info("received signal, initiating graceful shutdown", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Warn("shutdown error", zap.Error(err))
		}
		if natsClient != nil {
			natsClient.Close()
		}
		if presenceStore != nil {
			if err := presenceStore.Close(); err != nil {
				log.Warn("presence store close error", zap.Error(err))
			}
		}
	}()

	if err := server.Start(); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
	<-stopped
}
