// The worker binary runs the background loops: queue draining, scheduled-send
// promotion and due-campaign starts. It shares all wiring with the server but
// exposes no HTTP surface beyond what the server provides.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/robfig/cron/v3"

	"github.com/waggletail/dispatch/internal/channel"
	"github.com/waggletail/dispatch/internal/config"
	"github.com/waggletail/dispatch/internal/notify"
	"github.com/waggletail/dispatch/internal/orchestrator"
	"github.com/waggletail/dispatch/internal/pkg/distlock"
	"github.com/waggletail/dispatch/internal/pkg/logger"
	"github.com/waggletail/dispatch/internal/queue"
	"github.com/waggletail/dispatch/internal/store"
	"github.com/waggletail/dispatch/internal/webhook"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("[Worker] failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[Worker] invalid config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	if cfg.Logging.RedactPII != nil {
		logger.SetRedactPII(*cfg.Logging.RedactPII)
	}

	st, err := store.New(cfg.Database.URL)
	if err != nil {
		log.Fatalf("[Worker] database: %v", err)
	}
	defer st.Close()

	q, err := queue.NewFromURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("[Worker] redis: %v", err)
	}
	defer q.Close()

	orch := orchestrator.New(buildSenders(cfg), q, st,
		notify.NewTemplateEngine(),
		notify.NewContextBuilder(notify.CompanyInfo{
			Name:         cfg.Company.Name,
			AppURL:       cfg.Company.AppURL,
			WebsiteURL:   cfg.Company.WebsiteURL,
			SupportEmail: cfg.Company.SupportEmail,
		}),
		orchestrator.Config{
			DefaultBatchSize: cfg.Dispatch.BatchSize,
			BatchPause:       cfg.Dispatch.BatchPause(),
			DrainBatchSize:   cfg.Dispatch.DrainBatchSize,
		})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := cron.New(cron.WithSeconds())

	mustSchedule(c, everNSeconds(cfg.Dispatch.DrainIntervalSeconds), func() {
		if n, err := orch.ProcessMessageQueue(ctx); err != nil {
			log.Printf("[Worker] drain tick failed: %v", err)
		} else if n > 0 {
			log.Printf("[Worker] drained %d items", n)
		}
	})

	// Promotion and campaign starts are guarded so that multiple worker
	// instances don't run the same tick concurrently. The DB claim and the
	// campaign status transition are each safe on their own; the lock just
	// avoids wasted contention.
	promoteLock := distlock.New(q.Client(), nil, "promote", time.Minute)
	mustSchedule(c, everNSeconds(cfg.Dispatch.PromoteIntervalSeconds), func() {
		distlock.Guard(ctx, promoteLock, "promote", func(ctx context.Context) {
			if _, err := orch.PromoteScheduledSends(ctx); err != nil {
				log.Printf("[Worker] promote tick failed: %v", err)
			}
		})
	})

	campaignLock := distlock.New(q.Client(), nil, "campaigns", 5*time.Minute)
	mustSchedule(c, everNSeconds(cfg.Dispatch.CampaignPollSeconds), func() {
		distlock.Guard(ctx, campaignLock, "campaigns", func(ctx context.Context) {
			if n := orch.RunDueCampaigns(ctx); n > 0 {
				log.Printf("[Worker] started %d due campaigns", n)
			}
		})
	})

	ingestor := webhook.NewIngestor(st)
	mustSchedule(c, everNSeconds(cfg.Dispatch.WebhookRetrySeconds), func() {
		if _, err := ingestor.RetryUnprocessed(ctx, 30*time.Second, 500); err != nil {
			log.Printf("[Worker] webhook retry sweep failed: %v", err)
		}
	})

	c.Start()
	log.Printf("[Worker] running (drain every %ds, promote every %ds, campaigns every %ds)",
		cfg.Dispatch.DrainIntervalSeconds, cfg.Dispatch.PromoteIntervalSeconds, cfg.Dispatch.CampaignPollSeconds)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	sig := <-done
	log.Printf("[Worker] received %s, shutting down", sig)

	cancel()
	stopCtx := c.Stop() // waits for running jobs
	select {
	case <-stopCtx.Done():
	case <-time.After(30 * time.Second):
		log.Printf("[Worker] jobs did not finish within 30s, exiting anyway")
	}

	stats := orch.GetStats()
	log.Printf("[Worker] stopped (sent=%d failed=%d suppressed=%d drained=%d)",
		stats.Sent, stats.Failed, stats.Suppressed, stats.Drained)
}

func everNSeconds(n int) string {
	return fmt.Sprintf("@every %ds", n)
}

func mustSchedule(c *cron.Cron, spec string, job func()) {
	if _, err := c.AddFunc(spec, job); err != nil {
		log.Fatalf("[Worker] bad schedule %q: %v", spec, err)
	}
}

func buildSenders(cfg *config.Config) []channel.Sender {
	return []channel.Sender{
		channel.NewEmailSender(channel.EmailConfig{
			Region:            cfg.Email.Region,
			AccessKey:         cfg.Email.AccessKey,
			SecretKey:         cfg.Email.SecretKey,
			FromEmail:         cfg.Email.FromEmail,
			FromName:          cfg.Email.FromName,
			InterMessageDelay: cfg.Email.MessageDelay(),
		}),
		channel.NewSMSSender(channel.SMSConfig{
			AccountSID:        cfg.SMS.AccountSID,
			AuthToken:         cfg.SMS.AuthToken,
			From:              cfg.SMS.From,
			DefaultCountry:    cfg.SMS.DefaultCountry,
			InterMessageDelay: cfg.SMS.MessageDelay(),
		}),
		channel.NewChatSender(channel.ChatConfig{
			Token:             cfg.Chat.Token,
			PhoneNumberID:     cfg.Chat.PhoneNumberID,
			DefaultCountry:    cfg.SMS.DefaultCountry,
			InterMessageDelay: cfg.Chat.MessageDelay(),
		}),
		channel.NewPushSender(channel.PushConfig{
			ServerKey:         cfg.Push.ServerKey,
			InterMessageDelay: cfg.Push.MessageDelay(),
		}),
	}
}
