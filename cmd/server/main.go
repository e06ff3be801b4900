package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"payu-gateway/internal/api"
	"payu-gateway/internal/config"
	"payu-gateway/internal/db"
	"payu-gateway/internal/logger"
	"payu-gateway/internal/middleware"
	"payu-gateway/internal/payment"
	"payu-gateway/internal/payment/webhook"
	"payu-gateway/internal/payu"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	initDBFunc      = db.InitDB
	startServerFunc = startServer
)

func main() {
	if err := run(); err != nil {
		logger.L().Fatal("server stopped", zap.Error(err))
	}
}

func run() error {
	cfg := config.LoadConfig()
	logger.Init(cfg.AppEnv)
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	database := initDBFunc(cfg)
	defer database.Close()

	handler, err := newServer(cfg, database)
	if err != nil {
		return err
	}

	logger.L().Info("PayU gateway listening",
		zap.String("port", cfg.AppPort),
		zap.String("payu_api", cfg.PayU.APIURL),
		zap.String("paywall", cfg.PayU.PaywallMethod),
	)
	return startServerFunc(":"+cfg.AppPort, handler)
}

// newServer wires the payment stack on top of database.
func newServer(cfg *config.Config, database *sql.DB) (http.Handler, error) {
	client, err := payu.NewClient(payu.Options{
		BaseURL:     cfg.PayU.APIURL,
		PosID:       cfg.PayU.PosID,
		OAuthID:     cfg.PayU.OAuthID,
		OAuthSecret: cfg.PayU.OAuthSecret,
	})
	if err != nil {
		return nil, err
	}

	repo := payment.NewRepository(database)
	processor := payment.NewProcessor(repo, client, cfg)

	webhookHandler := webhook.NewWebhookHandler(processor)
	apiHandler := api.NewHandler(processor)

	return setupRouter(webhookHandler.PaymentWebhookHandler, apiHandler, []byte(cfg.JWTSecret)), nil
}

func setupRouter(webhookHandler http.HandlerFunc, apiHandler *api.Handler, jwtSecret []byte) *mux.Router {
	r := mux.NewRouter()
	r.Use(logger.RequestIDMiddleware, logger.LoggingMiddleware, middleware.MetricsMiddleware)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// PayU only POSTs here; the handler answers 405 to anything else itself.
	r.Handle("/webhook/payu", middleware.RateLimitMiddleware(webhookHandler))
	r.Handle("/webhook/payu/{id}", middleware.RateLimitMiddleware(webhookHandler))

	operator := r.NewRoute().Subrouter()
	operator.Use(middleware.AuthMiddleware(jwtSecret), middleware.RateLimitMiddleware)
	apiHandler.Register(operator)

	return r
}

func startServer(addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.L().Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
