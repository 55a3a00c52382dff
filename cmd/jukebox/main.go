package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/wholestack/jukebox/app/models"
	apiv1 "github.com/wholestack/jukebox/internal/api/v1"
	"github.com/wholestack/jukebox/internal/pkg/cache"
	"github.com/wholestack/jukebox/internal/pkg/commandtoken"
	"github.com/wholestack/jukebox/internal/pkg/debounce"
	"github.com/wholestack/jukebox/internal/pkg/env"
	"github.com/wholestack/jukebox/internal/pkg/gateway"
	"github.com/wholestack/jukebox/internal/pkg/groups"
	"github.com/wholestack/jukebox/internal/pkg/history"
	"github.com/wholestack/jukebox/internal/pkg/invoicing"
	"github.com/wholestack/jukebox/internal/pkg/jukebox"
	"github.com/wholestack/jukebox/internal/pkg/metrics/counter"
	"github.com/wholestack/jukebox/internal/pkg/reconcile"
	"github.com/wholestack/jukebox/internal/pkg/router"
	"github.com/wholestack/jukebox/internal/pkg/stats"
	"github.com/wholestack/jukebox/internal/pkg/users"
)

func main() {
	app := NewApplication()
	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "7000")))
	log.Fatal(err)
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	cache.SetupCache()

	kv := cache.NewKV()
	gw := gateway.NewClientFromEnv()

	userSvc := users.NewService(kv, gw)
	groupSvc := groups.NewService(kv)
	historySvc := history.NewService(kv)

	bridge := &chatBridge{history: historySvc}

	invoiceSvc := invoicing.NewService(kv, gw, bridge, bridge, bridge, bridge, groupSvc, userSvc)

	delay := time.Duration(env.GetEnvInt("RECONCILE_DELAY_SECONDS", 15)) * time.Second
	scheduler := reconcile.NewScheduler(invoiceSvc, bridge, delay, int(delay/time.Second))

	tokens := commandtoken.NewRegistry()
	guard := debounce.NewGuard()

	jukeboxSvc := jukebox.NewService(invoiceSvc, scheduler, tokens, guard, userSvc, groupSvc,
		bridge, bridge, bridge, bridge, bridge)

	startCleanup(jukeboxSvc)

	// init fiber app
	app := fiber.New(fiber.Config{
		AppName: "jukebox",
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	statsSvc := stats.NewService(kv, userSvc, groupSvc)

	// ROUTER
	router.InstallRouter(app, apiv1.NewAPIServer(jukeboxSvc, invoiceSvc, historySvc, statsSvc))

	return app
}

// startCleanup runs the process-wide sweep on its configured cadence.
func startCleanup(svc *jukebox.Service) {
	interval := time.Duration(env.GetEnvInt("CLEANUP_INTERVAL_HOURS", 12)) * time.Hour
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			svc.Cleanup()
			logPlayTotals()
		}
	}()
}

func logPlayTotals() {
	plays, err := counter.Plays()
	if err != nil {
		fiberlog.Warnf("[Main] Could not read play counters: %v", err)
		return
	}
	var total int64
	for _, count := range plays {
		total += count
	}
	fiberlog.Infof("[Main] %d plays settled across %d chats", total, len(plays))
}

// chatBridge carries the chat- and player-facing side effects. The chat
// platform and music-service transports are external; until an adapter is
// attached the bridge logs outbound effects and reports the player absent,
// which keeps every settlement path safe to run.
type chatBridge struct {
	history *history.Service
}

func (b *chatBridge) Execute(ctx context.Context, chatID int64, trackURIs []string) {
	for _, uri := range trackURIs {
		fiberlog.Infof("[Bridge] Queueing %s for chat %d", uri, chatID)
		if err := b.history.Record(ctx, chatID, uri); err != nil {
			fiberlog.Warnf("[Bridge] Could not record history for chat %d: %v", chatID, err)
		}
	}
	if err := counter.AddPlay(chatID); err != nil {
		fiberlog.Warnf("[Bridge] Could not count play for chat %d: %v", chatID, err)
	}
}

func (b *chatBridge) Notify(_ context.Context, chatID int64, message string) error {
	fiberlog.Infof("[Bridge] Notify chat %d: %s", chatID, message)
	return nil
}

func (b *chatBridge) Publish(_ context.Context, topic, payload string) error {
	fiberlog.Debugf("[Bridge] Publish %s: %s", topic, payload)
	return nil
}

func (b *chatBridge) RemoveMessage(_ context.Context, chatID, messageID int64) error {
	fiberlog.Infof("[Bridge] Remove message %d in chat %d", messageID, chatID)
	return nil
}

func (b *chatBridge) Available(context.Context, int64) bool {
	return false
}

func (b *chatBridge) RandomTrack(_ context.Context, _ int64, playlistID string) (string, error) {
	return "", fmt.Errorf("no music player attached (playlist %s)", playlistID)
}

func (b *chatBridge) TrackTitle(_ context.Context, _ int64, uri string) (string, error) {
	return uri, nil
}

func (b *chatBridge) PromptPayment(_ context.Context, chatID int64, payer models.UserRef, invoice *models.Invoice, cancelKey string) (int64, error) {
	fiberlog.Infof("[Bridge] Prompt @%s in chat %d to pay %d sats for %s (cancel key %s)",
		payer.Username, chatID, invoice.Amount, invoice.PaymentHash, cancelKey)
	return 0, nil
}
