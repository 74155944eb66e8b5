// bidwatch joins one auction room, streams its events to the log, and can
// run the auto-bid engine against a ceiling.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tessora/bidstream/internal/auth"
	"github.com/tessora/bidstream/internal/autobid"
	"github.com/tessora/bidstream/internal/bidding"
	"github.com/tessora/bidstream/internal/config"
	"github.com/tessora/bidstream/internal/protocol"
	"github.com/tessora/bidstream/internal/session"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		tenantID   = flag.String("tenant", "", "tenant id of the auction room")
		auctionID  = flag.String("auction", "", "auction id of the room")
		userID     = flag.String("user", "", "bidder identity")
		token      = flag.String("token", "", "bearer token for the realtime endpoint")
		itemID     = flag.String("item", "", "auction item to auto-bid on")
		ceiling    = flag.Int64("ceiling", 0, "auto-bid ceiling price (0 disables auto-bid)")
		increment  = flag.Int64("increment", 0, "room bid increment")
		usePG      = flag.Bool("pg", false, "persist auto-bid policies to Postgres")
	)
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("failed to load .env")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogging(cfg.LogLevel)

	if *tenantID == "" || *auctionID == "" || *token == "" {
		log.Fatal().Msg("-tenant, -auction and -token are required")
	}
	if *ceiling > 0 && *userID == "" {
		// The engine recognizes its own bids by bidder id; without one it
		// would chase its own BID_PLACED echoes up to the ceiling.
		log.Fatal().Msg("-user is required when -ceiling is set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessCfg := session.DefaultConfig(cfg.Realtime.Endpoint)
	sessCfg.UserAgent = cfg.Realtime.UserAgent
	sessCfg.Logger = log.Logger
	registry := session.NewRegistry(sessCfg)
	defer registry.Close()

	// Flag-supplied tokens never expire from the CLI's point of view; a
	// deployment with a refresh endpoint swaps in auth.NewRefreshingProvider.
	var tokens auth.TokenProvider = auth.StaticProvider{
		Tok: auth.Token{Value: *token, ExpiresAt: time.Now().Add(24 * time.Hour)},
	}
	tok, err := tokens.Token(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to obtain bearer token")
	}

	key := session.RoomKey{TenantID: *tenantID, AuctionID: *auctionID}
	handle, err := registry.Acquire(ctx, key, session.Credentials{Token: tok.Value, UserID: *userID})
	if err != nil {
		log.Fatal().Err(err).Str("room", key.String()).Msg("failed to acquire room")
	}
	defer handle.Release()
	conn := handle.Conn()

	unsubscribe := conn.Subscribe(printEvents(*userID))
	defer unsubscribe()

	if err := conn.Join(); err != nil {
		log.Fatal().Err(err).Msg("failed to join room")
	}

	if *ceiling > 0 {
		engine, cleanup, err := setupAutoBid(ctx, cfg, conn, *userID, *itemID, *ceiling, *increment, *usePG)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to start auto-bid")
		}
		defer cleanup()
		unsub := conn.Subscribe(engine.Handler())
		defer unsub()
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(lvl)
}

func setupAutoBid(
	ctx context.Context,
	cfg config.Config,
	conn *session.Conn,
	userID, itemID string,
	ceiling, increment int64,
	usePG bool,
) (*autobid.Engine, func(), error) {
	var store autobid.Store = autobid.NewMemoryStore()
	cleanup := func() {}
	if usePG {
		pool, err := pgxpool.New(ctx, cfg.Database.DSN())
		if err != nil {
			return nil, nil, err
		}
		store = autobid.NewPGStore(pool)
		cleanup = pool.Close
	}

	engine := autobid.NewEngine(autobid.Config{
		OwnerID:      userID,
		BidIncrement: increment,
		Store:        store,
		Logger:       log.Logger,
	}, conn)

	if err := engine.LoadPolicies(ctx); err != nil {
		cleanup()
		return nil, nil, err
	}

	currentHighest := int64(0)
	if it, ok := conn.Snapshot().Items[itemID]; ok {
		currentHighest = it.HighestBid
	}
	if err := engine.Activate(ctx, itemID, ceiling, currentHighest); err != nil {
		cleanup()
		return nil, nil, err
	}
	return engine, cleanup, nil
}

func printEvents(userID string) session.Handler {
	return func(ev session.Event) {
		switch e := ev.(type) {
		case session.ConnectivityEvent:
			l := log.Info()
			if e.Err != nil {
				l = log.Warn().Err(e.Err)
			}
			l.Str("state", e.State.String()).Msg("connectivity")
		case session.FrameEvent:
			switch m := e.Msg.(type) {
			case protocol.BidEvent:
				entry := log.Info().
					Str("item_id", m.AuctionItemID).
					Int64("amount", m.Amount).
					Str("bidder", m.BidderID)
				if bidding.IsSelfReinforcing(m.BidderID, userID) {
					entry = entry.Bool("own_highest", true)
				}
				entry.Msg("bid placed")
			case protocol.BidRejectedPayload:
				log.Warn().
					Str("item_id", m.AuctionItemID).
					Str("reason", m.Reason).
					Str("correlation_id", m.CorrelationID).
					Msg("bid rejected")
			case protocol.TimeExtensionEvent:
				log.Info().
					Str("item_id", m.AuctionItemID).
					Str("new_end", m.NewEndTimeIso).
					Int("extension_sec", m.ExtensionSeconds).
					Msg("time extended")
			case protocol.StatusChangedPayload:
				log.Info().Str("status", m.Status).Msg("auction status changed")
			case protocol.ParticipantCountPayload:
				log.Info().Int("participants", m.Count).Msg("participant count")
			case protocol.ErrorPayload:
				log.Warn().Str("code", m.Code).Str("message", m.Message).Msg("server error")
			}
		}
	}
}
