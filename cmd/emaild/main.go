// Command emaild is the Tradewind email worker. It consumes platform events
// from the broker, sends the matching emails, and reports every delivery
// outcome back over the bus.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/tradewind-app/backbone/contracts"
	"github.com/tradewind-app/backbone/health"
	"github.com/tradewind-app/backbone/internal/config"
	"github.com/tradewind-app/backbone/internal/rabbitmq"
	"github.com/tradewind-app/backbone/internal/reliability"
	"github.com/tradewind-app/backbone/internal/services/email"
	"github.com/tradewind-app/backbone/messaging"
	amqptransport "github.com/tradewind-app/backbone/transports/rabbitmq"
)

const (
	queueWelcome         = "email.welcome"
	queueOTP             = "email.otp"
	queuePasswordChanged = "email.password-changed"
	queueDeactivated     = "email.deactivated"

	statusPrefix = "email.status"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	topology := rabbitmq.Topology{
		Exchange:           cfg.Exchange,
		DeadLetterExchange: cfg.DeadLetterExchange,
		DeadLetterQueue:    cfg.DeadLetterQueue,
		DeadLetterKey:      cfg.DeadLetterKey,
		Queues: []rabbitmq.QueueSpec{
			{Name: queueWelcome, BindingKey: contracts.EventUserCreated, MessageTTL: cfg.MessageTTL},
			{Name: queueOTP, BindingKey: contracts.EventOTPGenerated, MessageTTL: cfg.MessageTTL},
			{Name: queuePasswordChanged, BindingKey: contracts.EventUserPasswordChanged, MessageTTL: cfg.MessageTTL},
			{Name: queueDeactivated, BindingKey: contracts.EventUserDeactivated, MessageTTL: cfg.MessageTTL},
		},
	}

	cm := rabbitmq.NewConnectionManager(cfg.BrokerURL,
		rabbitmq.WithLogger(logger),
		rabbitmq.WithTopology(topology),
		rabbitmq.WithPrefetchCount(cfg.PrefetchCount),
		rabbitmq.WithReconnectDelay(cfg.ReconnectDelay),
		rabbitmq.WithMaxReconnectAttempts(cfg.MaxReconnects),
		rabbitmq.WithFailFast(cfg.Production()),
	)

	transport := amqptransport.NewTransport(cm, logger)

	statusPub := messaging.NewPublisher(transport.Publisher(), cfg.Exchange,
		messaging.WithPublisherLogger(logger),
		messaging.WithSource("emaild"),
		messaging.WithBufferCapacity(cfg.BufferCapacity),
	)
	dlqPub := messaging.NewPublisher(transport.Publisher(), cfg.DeadLetterExchange,
		messaging.WithPublisherLogger(logger),
		messaging.WithSource("emaild"),
		messaging.WithBufferCapacity(cfg.BufferCapacity),
	)

	policy := reliability.NewPolicy(
		reliability.WithMaxRetries(cfg.MaxRetries),
		reliability.WithPolicyLogger(logger),
	)

	dispatcher := messaging.NewDispatcher(transport.Subscriber(), transport.Publisher(), policy,
		messaging.WithDispatcherLogger(logger),
		messaging.WithDeadLetterPublisher(dlqPub, cfg.DeadLetterKey),
		messaging.WithStatusPublisher(statusPub),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cm.OnReady(func() {
		statusPub.Flush(ctx)
		dlqPub.Flush(ctx)
		dispatcher.Resubscribe(ctx)
	})

	// Connection failures at boot abort startup; at steady state the
	// supervisor absorbs them.
	if err := cm.Connect(ctx); err != nil {
		logger.Error("failed to connect to broker", "error", err)
		os.Exit(1)
	}

	sender := email.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom)
	handlers := email.NewHandlers(sender, logger)
	seen := messaging.NewMemorySeenStore(24 * time.Hour)

	subscriptions := []struct {
		queue   string
		label   string
		handler messaging.Handler
	}{
		{queueWelcome, "welcome", handlers.Welcome()},
		{queueOTP, "otp", handlers.OTP()},
		{queuePasswordChanged, "password-changed", handlers.PasswordChanged()},
		{queueDeactivated, "account-deactivated", handlers.Deactivated()},
	}

	for _, sub := range subscriptions {
		err := dispatcher.Subscribe(ctx, sub.queue,
			messaging.Idempotent(seen, logger, sub.handler),
			messaging.WithStatusPrefix(statusPrefix),
			messaging.WithLabel(sub.label),
		)
		if err != nil {
			logger.Error("failed to subscribe", "queue", sub.queue, "error", err)
			os.Exit(1)
		}
	}

	reporter := health.NewReporter(cm, statusPub, dlqPub)

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/health", func(c *fiber.Ctx) error {
		report := reporter.Check()
		if report.Status != health.StatusHealthy {
			return c.Status(fiber.StatusServiceUnavailable).JSON(report)
		}
		return c.JSON(report)
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddr); err != nil {
			logger.Error("http server stopped", "error", err)
		}
	}()

	logger.Info("email worker running",
		"env", cfg.Environment,
		"httpAddr", cfg.HTTPAddr,
		"queues", len(subscriptions))

	<-ctx.Done()
	logger.Info("shutting down")

	if err := app.ShutdownWithTimeout(5 * time.Second); err != nil {
		logger.Warn("http shutdown error", "error", err)
	}
	if err := cm.Close(); err != nil {
		logger.Warn("broker shutdown error", "error", err)
	}
}
