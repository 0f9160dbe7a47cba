package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/Laevateinn17/viscord-sub001/internal/adapters/http"
	signaladapter "github.com/Laevateinn17/viscord-sub001/internal/adapters/signal"
	"github.com/Laevateinn17/viscord-sub001/internal/config"
	"github.com/Laevateinn17/viscord-sub001/internal/domain"
	"github.com/Laevateinn17/viscord-sub001/internal/fanout"
	"github.com/Laevateinn17/viscord-sub001/internal/media"
	"github.com/Laevateinn17/viscord-sub001/internal/perm"
	"github.com/Laevateinn17/viscord-sub001/internal/presence"
	"github.com/Laevateinn17/viscord-sub001/internal/sfu"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	node := domain.NodeID(cfg.NodeID)
	if node == "" {
		node = domain.NodeID(uuid.NewString())
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable")
	}

	engine := media.NewPionEngine(media.EngineConfig{ICEServers: cfg.ICEServers})
	rooms := sfu.NewRooms(engine)

	var checker perm.Checker = perm.AllowAll{}
	if cfg.PermissionURL != "" {
		checker = perm.NewHTTPChecker(cfg.PermissionURL)
	}
	sessions := sfu.NewHandler(rooms, checker, cfg.EngineTimeout)

	registry := presence.NewRedisRegistry(rdb, cfg.PresenceTTL)
	hub := signaladapter.NewHub()
	backplane := fanout.NewRedisBackplane(rdb, node, hub)
	events := fanout.NewRouter(node, registry, hub, backplane)

	ctl := &signaladapter.Controller{
		Sessions:   sessions,
		Presence:   registry,
		Hub:        hub,
		Events:     events,
		Node:       node,
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
	}

	go func() {
		if err := backplane.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("backplane stopped")
		}
	}()
	go presence.Heartbeat(ctx, registry, hub, cfg.PresenceTTL/3)

	r := router.SetupRouter(ctx, cfg, ctl)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("node", string(node)).Msg("gateway started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	_ = engine.Close()
	log.Info().Msg("Server exited gracefully")
}
