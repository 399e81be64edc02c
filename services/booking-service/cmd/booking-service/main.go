package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/agendahub/agendahub/libs/config"
	"github.com/agendahub/agendahub/libs/db"
	"github.com/agendahub/agendahub/libs/httpx"
	"github.com/agendahub/agendahub/libs/kafkax"
	otelx "github.com/agendahub/agendahub/libs/otel"
	"github.com/agendahub/agendahub/libs/runtime"
	"github.com/agendahub/agendahub/services/booking-service/internal/booking"
	"github.com/agendahub/agendahub/services/booking-service/internal/consumer"
	"github.com/agendahub/agendahub/services/booking-service/internal/handlers"
	"github.com/agendahub/agendahub/services/booking-service/internal/inbox"
	"github.com/agendahub/agendahub/services/booking-service/internal/outbox"
	"github.com/agendahub/agendahub/services/booking-service/internal/policy"
	"github.com/agendahub/agendahub/services/booking-service/internal/storage"
)

func holdTTLFromEnv() time.Duration {
	raw := config.String("HOLD_TTL_MINUTES", "30")
	mins, err := strconv.Atoi(raw)
	if err != nil || mins <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(mins) * time.Minute
}

func main() {
	service := config.String("SERVICE_NAME", "booking-service")
	port, err := config.Port("PORT", "8083")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}

	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	outboxRepo := outbox.NewRepository(pool)
	repo := storage.NewBookingRepository(pool, outboxRepo)

	policyProvider, err := policy.NewPlatformPolicyProvider(logger, holdTTLFromEnv(), config.String("PLATFORM_GRPC_ADDR", ""))
	if err != nil {
		logger.Error("policy provider init failed", "err", err)
		policyProvider = policy.NewStaticProvider(holdTTLFromEnv())
	}

	bookingSvc := booking.NewService(repo, policyProvider, logger)

	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	inboxRepo := inbox.NewRepository(pool)
	successTopic := config.String("KAFKA_PAYMENT_SUCCEEDED_TOPIC", "payments.payment.succeeded.v1")
	failureTopic := config.String("KAFKA_PAYMENT_FAILED_TOPIC", "payments.payment.failed.v1")
	consumerCfg := consumer.Config{
		Brokers: config.String("KAFKA_BROKERS", ""),
		GroupID: config.String("KAFKA_GROUP_ID", "booking-service"),
		Topics:  []string{successTopic, failureTopic},
	}
	eventConsumer := consumer.New(logger, inboxRepo, consumerCfg, func(ctx context.Context, msg kafka.Message) error {
		var payload struct {
			ReservationID  string `json:"reservation_id"`
			ProfessionalID string `json:"professional_id"`
		}
		if err := json.Unmarshal(msg.Value, &payload); err != nil {
			logger.Error("invalid payment event payload", "err", err, "topic", msg.Topic)
			return nil
		}
		payload.ReservationID = strings.TrimSpace(payload.ReservationID)
		payload.ProfessionalID = strings.TrimSpace(payload.ProfessionalID)
		if payload.ReservationID == "" || payload.ProfessionalID == "" {
			logger.Error("missing payment event fields", "topic", msg.Topic)
			return nil
		}

		switch msg.Topic {
		case successTopic:
			return bookingSvc.Confirm(ctx, payload.ProfessionalID, payload.ReservationID)
		case failureTopic:
			return bookingSvc.Release(ctx, payload.ProfessionalID, payload.ReservationID)
		default:
			logger.Warn("unexpected topic", "topic", msg.Topic)
			return nil
		}
	})
	go eventConsumer.Run(ctx)

	bookingHandler := handlers.NewBookingHandler(bookingSvc, repo, logger)
	scheduleHandler := handlers.NewScheduleHandler(repo, logger)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)
	mux.HandleFunc("/api/v1/public/slots", bookingHandler.Slots)
	mux.HandleFunc("/api/v1/public/hold", bookingHandler.Hold)
	mux.HandleFunc("/api/v1/reservations/confirm", bookingHandler.Confirm)
	mux.HandleFunc("/api/v1/reservations/release", bookingHandler.Release)
	mux.HandleFunc("/api/v1/appointments", bookingHandler.List)
	mux.HandleFunc("/api/v1/appointments/cancel", bookingHandler.Cancel)
	mux.HandleFunc("/api/v1/appointments/approve", bookingHandler.Approve)
	mux.HandleFunc("/api/v1/schedule", scheduleHandler.Schedule)
	mux.HandleFunc("/api/v1/services", scheduleHandler.Services)
	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "booking")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
