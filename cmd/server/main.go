package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/waggletail/dispatch/internal/api"
	"github.com/waggletail/dispatch/internal/channel"
	"github.com/waggletail/dispatch/internal/config"
	"github.com/waggletail/dispatch/internal/notify"
	"github.com/waggletail/dispatch/internal/orchestrator"
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
		log.Fatalf("[Server] failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[Server] invalid config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	if cfg.Logging.RedactPII != nil {
		logger.SetRedactPII(*cfg.Logging.RedactPII)
	}

	st, err := store.New(cfg.Database.URL)
	if err != nil {
		log.Fatalf("[Server] database: %v", err)
	}
	defer st.Close()

	q, err := queue.NewFromURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("[Server] redis: %v", err)
	}
	defer q.Close()

	senders := buildSenders(cfg)
	templates := notify.NewTemplateEngine()
	contexts := notify.NewContextBuilder(notify.CompanyInfo{
		Name:         cfg.Company.Name,
		AppURL:       cfg.Company.AppURL,
		WebsiteURL:   cfg.Company.WebsiteURL,
		SupportEmail: cfg.Company.SupportEmail,
	})

	orch := orchestrator.New(senders, q, st, templates, contexts, orchestrator.Config{
		DefaultBatchSize: cfg.Dispatch.BatchSize,
		BatchPause:       cfg.Dispatch.BatchPause(),
		DrainBatchSize:   cfg.Dispatch.DrainBatchSize,
	})

	ingestor := webhook.NewIngestor(st)
	handlers := api.NewHandlers(orch, st, ingestor, templates, q.Length)
	server := api.NewServer(cfg.Server, handlers)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("[Server] listener failed: %v", err)
		}
	case sig := <-done:
		log.Printf("[Server] received %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Server] shutdown error: %v", err)
	}
	log.Printf("[Server] stopped")
}

// buildSenders wires one sender per channel. A channel with no credentials
// still gets a sender; its sends fail with a configuration error rather than
// the server refusing to start.
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
