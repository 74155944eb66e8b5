// relay bridges auction room events onto NATS JetStream. Rooms are joined
// through the shared session registry; the optional lobby feed (a read-only
// stream of auction status announcements) is consumed over a bare redialing
// transport since it has no join handshake.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tessora/bidstream/internal/config"
	"github.com/tessora/bidstream/internal/protocol"
	"github.com/tessora/bidstream/internal/relay"
	"github.com/tessora/bidstream/internal/session"
	"github.com/tessora/bidstream/internal/transport"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		tenantID   = flag.String("tenant", "", "tenant id")
		auctions   = flag.String("auctions", "", "comma-separated auction ids to bridge")
		token      = flag.String("token", "", "bearer token for the realtime endpoint")
		lobbyURL   = flag.String("lobby", "", "optional lobby feed endpoint to mirror")
	)
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("failed to load .env")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	lvl, lerr := zerolog.ParseLevel(cfg.LogLevel)
	if lerr != nil {
		lvl = zerolog.InfoLevel
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(lvl)

	if *tenantID == "" || *token == "" {
		log.Fatal().Msg("-tenant and -token are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	publisher, err := relay.NewPublisher(ctx, relay.Config{
		URL:           cfg.NATS.URL,
		StreamName:    cfg.NATS.StreamName,
		SubjectFmt:    cfg.NATS.SubjectFmt,
		MaxReconnects: -1,
		ReconnectWait: relay.DefaultConfig().ReconnectWait,
	}, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect relay publisher")
	}
	defer publisher.Close()

	sessCfg := session.DefaultConfig(cfg.Realtime.Endpoint)
	sessCfg.UserAgent = cfg.Realtime.UserAgent
	sessCfg.Logger = log.Logger
	registry := session.NewRegistry(sessCfg)
	defer registry.Close()

	creds := session.Credentials{Token: *token, UserID: "relay"}
	for _, auctionID := range splitList(*auctions) {
		key := session.RoomKey{TenantID: *tenantID, AuctionID: auctionID}
		handle, err := registry.Acquire(ctx, key, creds)
		if err != nil {
			log.Fatal().Err(err).Str("room", key.String()).Msg("failed to acquire room")
		}
		defer handle.Release()

		conn := handle.Conn()
		defer publisher.Bridge(ctx, conn)()
		if err := conn.Join(); err != nil {
			log.Fatal().Err(err).Str("room", key.String()).Msg("failed to join room")
		}
		log.Info().Str("room", key.String()).Msg("bridging room to JetStream")
	}

	if *lobbyURL != "" {
		go mirrorLobby(ctx, *lobbyURL, *token, *tenantID, publisher)
	}

	<-ctx.Done()
	log.Info().Msg("relay shutting down")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// mirrorLobby pumps the lobby announcement feed into JetStream under a
// synthetic room key. The feed is best-effort; the redialer's slower backoff
// tier governs its recovery.
func mirrorLobby(ctx context.Context, endpoint, token, tenantID string, publisher *relay.Publisher) {
	tcfg := transport.DefaultConfig()
	tcfg.Endpoint = endpoint
	tcfg.Token = token

	redialer := transport.NewRedialer(tcfg, nil, log.Logger)
	go func() {
		if err := redialer.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("lobby feed terminated")
		}
	}()

	key := session.RoomKey{TenantID: tenantID, AuctionID: "lobby"}
	for msg := range redialer.Messages() {
		parsed, err := protocol.Decode(msg.Data)
		if err != nil {
			continue
		}
		if err := publisher.Publish(ctx, key, parsed); err != nil {
			log.Warn().Err(err).Msg("lobby publish failed")
		}
	}
}
