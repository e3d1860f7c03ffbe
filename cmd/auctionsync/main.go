package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rewired-gh/auctionsync/internal/auctionapi"
	"github.com/rewired-gh/auctionsync/internal/bidding"
	"github.com/rewired-gh/auctionsync/internal/config"
	"github.com/rewired-gh/auctionsync/internal/logger"
	"github.com/rewired-gh/auctionsync/internal/models"
	"github.com/rewired-gh/auctionsync/internal/notify"
	"github.com/rewired-gh/auctionsync/internal/reconcile"
	"github.com/rewired-gh/auctionsync/internal/room"
	"github.com/rewired-gh/auctionsync/internal/session"
	"github.com/rewired-gh/auctionsync/internal/storage"
	"github.com/rewired-gh/auctionsync/internal/stream"
	"github.com/rewired-gh/auctionsync/internal/telegram"
	"github.com/shopspring/decimal"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

var (
	configPath = flag.StringP("config", "c", "", "Path to configuration file (defaults and AUCTIONSYNC_* env vars when empty)")
	auctionID  = flag.StringP("auction", "a", "", "Auction to watch, overrides auction.id")
	token      = flag.String("token", "", "Session token issued by the login flow")
	username   = flag.String("username", "", "Username the session token belongs to")
	logout     = flag.Bool("logout", false, "Forget the stored session and notification history, then exit")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *auctionID != "" {
		cfg.Auction.ID = *auctionID
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	lc := cfg.GetLoggingConfig()
	logger.Init(lc.Level, lc.Format)
	if *configPath != "" {
		logger.Info("Configuration loaded from %s", *configPath)
	}

	code := run(cfg)
	logger.Sync()
	os.Exit(code)
}

func run(cfg *config.Config) int {
	store, err := storage.New(cfg.Storage.MaxNotifications, cfg.Storage.DBPath)
	if err != nil {
		logger.Error("Failed to initialize storage: %v", err)
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	sess, err := session.NewStore(store, nil)
	if err != nil {
		logger.Error("Failed to initialize session: %v", err)
		return 1
	}
	sess.OnLogout(func() {
		if err := store.ClearNotifications(); err != nil {
			logger.Warn("Failed to clear notification history: %v", err)
		}
	})

	if *logout {
		if err := forget(sess, store); err != nil {
			logger.Error("Failed to log out: %v", err)
			return 1
		}
		return 0
	}
	if *token != "" {
		if err := sess.Login(*token, models.UserRef{Username: *username}); err != nil {
			logger.Error("Failed to log in: %v", err)
			return 1
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			logger.Info("Shutdown signal received, cleaning up...")
			cancel()
		case <-ctx.Done():
		}
	}()

	api := auctionapi.NewClient(cfg.API.BaseURL, sess, cfg.GetAPIOptions())
	streams := stream.NewManager(&stream.WebSocketDialer{
		Header:    sess.Header,
		ReadLimit: cfg.Stream.ReadLimit,
	}, nil, cfg.GetStreamConfig())

	notifyOpts := []notify.Option{
		notify.WithArchive(store),
		notify.WithSink(consoleSink{out: os.Stdout}),
	}
	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		tg := cfg.GetTelegramConfig()
		c, err := telegram.NewClient(tg.BotToken, tg.ChatID, tg.MaxRetries, tg.RetryDelayBase, tg.QueueSize)
		if err != nil {
			logger.Error("Failed to initialize Telegram client: %v", err)
			return 1
		}
		telegramClient = c
		notifyOpts = append(notifyOpts, notify.WithSink(c))
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	agg := notify.New(nil, cfg.GetNotifyConfig(), notifyOpts...)
	defer agg.Close()
	if history, err := store.RecentNotifications(cfg.Notifications.MaxItems); err != nil {
		logger.Warn("Failed to restore notifications: %v", err)
	} else {
		agg.Restore(history)
	}

	state := reconcile.New(nil, cfg.Auction.ProvisionalWindow)
	rm := room.New(room.Config{
		AuctionID:         cfg.Auction.ID,
		WSURL:             cfg.API.WSURL,
		PollInterval:      cfg.Auction.PollInterval,
		CountdownInterval: cfg.Auction.CountdownInterval,
		PullTimeout:       cfg.API.Timeout,
	}, api, streams, state, agg, nil)
	coord := bidding.NewCoordinator(state, api, rm, agg, nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rm.Run(gctx) })

	if sess.Token() != "" {
		loadHistory(gctx, api, agg)
		if cfg.Notifications.StreamEnabled {
			g.Go(func() error {
				watchUserNotifications(gctx, streams, cfg.API.WSURL, agg)
				return nil
			})
		}
	}

	if telegramClient != nil {
		g.Go(func() error { return telegramClient.Run(gctx) })
		g.Go(func() error {
			telegramClient.ListenForCommands(gctx, remote{room: rm, coord: coord})
			return nil
		})
	}

	sh := &shell{
		bids:     coord,
		view:     rm,
		inbox:    agg,
		server:   api,
		out:      os.Stdout,
		onQuit:   cancel,
		loggedIn: func() bool { return sess.Token() != "" },
		user:     sess.User,
	}
	// stdin cannot be interrupted, so the shell is not part of the group.
	go sh.run(gctx, os.Stdin)

	logger.Info("Starting auction %s (poll: %v, countdown: %v)", cfg.Auction.ID, cfg.Auction.PollInterval, cfg.Auction.CountdownInterval)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Stopped: %v", err)
		return 1
	}
	logger.Info("Service stopped")
	return 0
}

// forget drops the stored session and the notification history, whether or not a session
// was loaded.
func forget(sess *session.Store, store *storage.Storage) error {
	if err := sess.Logout(); err != nil {
		return err
	}
	if err := store.ClearNotifications(); err != nil {
		return fmt.Errorf("clear notification history: %w", err)
	}
	return nil
}

// loadHistory merges the server's notification history into the aggregator.
func loadHistory(ctx context.Context, api *auctionapi.Client, agg *notify.Aggregator) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	items, err := api.FetchNotifications(ctx)
	if err != nil {
		logger.Warn("Failed to load notification history: %v", err)
		return
	}
	added := 0
	for _, item := range items {
		if _, ok := agg.Ingest(notify.FromServerNotification(item)); ok {
			added++
		}
	}
	logger.Debug("Loaded %d of %d notifications from history", added, len(items))
}

// watchUserNotifications keeps the user notification stream open until ctx is cancelled.
func watchUserNotifications(ctx context.Context, streams *stream.Manager, wsURL string, agg *notify.Aggregator) {
	url := strings.TrimRight(wsURL, "/") + "/ws/notifications/"
	h := streams.Open(ctx, url, func(env models.Envelope) {
		ev, ok, err := notify.FromUserEnvelope(env)
		if err != nil {
			logger.Warn("Dropping %s notification: %v", env.Type, err)
			return
		}
		if ok {
			agg.Ingest(ev)
		}
	})
	defer h.Close() //nolint:errcheck
	<-ctx.Done()
}

// remote answers Telegram commands for the watched auction.
type remote struct {
	room  *room.Room
	coord *bidding.Coordinator
}

func (r remote) StatusText() string {
	return r.room.StatusText()
}

func (r remote) Bid(ctx context.Context, amount decimal.Decimal) error {
	if err := r.coord.Submit(ctx, amount); err != nil {
		return fmt.Errorf("bid of %s: %w", amount.StringFixed(2), err)
	}
	return nil
}
