package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/iurnickita/paybooking/internal/auth"
	"github.com/iurnickita/paybooking/internal/booking"
	"github.com/iurnickita/paybooking/internal/config"
	"github.com/iurnickita/paybooking/internal/handler"
	"github.com/iurnickita/paybooking/internal/logger"
	"github.com/iurnickita/paybooking/internal/metrics"
	"github.com/iurnickita/paybooking/internal/notify"
	"github.com/iurnickita/paybooking/internal/service"
	"github.com/iurnickita/paybooking/internal/service/payclient"
	"github.com/iurnickita/paybooking/internal/signing"
	"github.com/iurnickita/paybooking/internal/store"
	"github.com/iurnickita/paybooking/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.GetConfig()
	if err != nil {
		return err
	}

	zaplog, err := logger.NewZapLog(cfg.Logger)
	if err != nil {
		return err
	}
	defer zaplog.Sync()

	store, err := store.NewStore(cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	codec, err := signing.NewCodec(cfg.Signing)
	if err != nil {
		return err
	}

	notifier := notify.NewNotifier(cfg.Notify)
	defer notifier.Close()

	metrics := metrics.NewMetrics()
	booking := booking.NewBooking(store, zaplog,
		booking.WithTTL(cfg.Service.OrderTTL),
		booking.WithNotifier(notifier))
	pay := payclient.NewPayClient(cfg.PayClient, codec)
	service, err := service.NewService(cfg.Service, booking, pay, zaplog)
	if err != nil {
		return err
	}
	receiver := webhook.NewReceiver(codec, booking, store, metrics, zaplog)
	auth := auth.NewAuth(cfg.Auth)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	zaplog.Info("paybooking starting",
		zap.String("addr", cfg.Handler.ServerAddr),
		zap.Bool("postgres", cfg.Store.DBDsn != ""),
		zap.Bool("kafka", len(cfg.Notify.Brokers) > 0),
	)
	return handler.Serve(ctx, cfg.Handler, auth, service, receiver, metrics, store, zaplog)
}
