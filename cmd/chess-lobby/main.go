package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mabbas/chess-lobby/internal/challenge"
	appcfg "github.com/mabbas/chess-lobby/internal/config"
	"github.com/mabbas/chess-lobby/internal/game"
	"github.com/mabbas/chess-lobby/internal/gateway"
	"github.com/mabbas/chess-lobby/internal/identity"
	"github.com/mabbas/chess-lobby/internal/msgcat"
	"github.com/mabbas/chess-lobby/internal/obslog"
	"github.com/mabbas/chess-lobby/internal/presence"
	"github.com/mabbas/chess-lobby/internal/session"
	"github.com/mabbas/chess-lobby/internal/store"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}

	cat, err := msgcat.New(cfg.MessageOverrideDir)
	if err != nil {
		log.Fatalf("message catalog error: %v", err)
	}

	st, err := store.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatalf("store init error: %v", err)
	}

	ids := identity.NewService(st)
	games := game.NewManager(st, ids)
	challenges := challenge.NewManager(st, ids, games)
	tracker := presence.NewTracker(st, time.Duration(cfg.PresenceLeaseSeconds)*time.Second)

	if cfg.DatabaseURL != "" {
		archive, aerr := game.NewArchive(cfg.DatabaseURL)
		if aerr != nil {
			log.Fatalf("archive init error: %v", aerr)
		}
		defer func() { _ = archive.Close() }()
		games.AttachArchive(archive)
	}

	sess, err := session.New(cfg.UserID, cfg.DisplayName)
	if err != nil {
		log.Fatalf("session error: %v", err)
	}

	ctx := context.Background()
	if _, err := ids.Register(ctx, sess.UID, sess.DisplayName); err != nil {
		log.Fatalf("identity register error: %v", err)
	}
	// A presence failure degrades the roster only; keep going.
	_ = tracker.MarkOnline(ctx, sess.UID)

	var gw *gateway.Server
	if cfg.GatewayAddr != "" {
		gw = gateway.NewServer()
		go func() {
			if serr := gw.ListenAndServe(cfg.GatewayAddr); serr != nil {
				obslog.L().Warn("gateway_stopped", zap.Error(serr))
			}
		}()
	}

	roster, err := ids.WatchRoster(ctx, sess.UID, func(r identity.Roster) {
		obslog.L().Info("roster_update",
			zap.Int("online", len(r.Online)),
			zap.Int("offline", len(r.Offline)),
		)
		if gw != nil {
			gw.Broadcast(gateway.Event{Type: gateway.EventRoster, Payload: r})
		}
	})
	if err != nil {
		log.Fatalf("roster watch error: %v", err)
	}
	defer roster.Detach()

	incoming, err := challenges.WatchIncoming(ctx, sess, func(c *challenge.Challenge) {
		line, rerr := cat.Render("challenge.incoming", map[string]any{
			"Challenger": c.ChallengerName,
			"Minutes":    c.TimeControlMinutes,
			"MatchType":  c.MatchType,
		})
		if rerr != nil {
			line = "New challenge from " + c.ChallengerName
		}
		obslog.L().Info("challenge_incoming",
			zap.String("challenge_key", c.Key),
			zap.String("message", line),
		)
		if gw != nil {
			gw.Broadcast(gateway.Event{Type: gateway.EventChallenge, Payload: c})
		}
	})
	if err != nil {
		log.Fatalf("challenge watch error: %v", err)
	}
	defer incoming.Detach()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	// Explicit sign-out path: offline write first, then teardown.
	_ = tracker.MarkOffline(ctx, sess.UID)
	if gw != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = gw.Shutdown(sctx)
		cancel()
	}
	_ = st.Close()
}
