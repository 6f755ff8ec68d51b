package store

import (
	"context"
	"errors"

	"github.com/iurnickita/paybooking/internal/model"
	"github.com/iurnickita/paybooking/internal/store/config"
)

type Store interface {
	BookingPost(ctx context.Context, booking model.Booking) error
	BookingGet(ctx context.Context, tradeNo string) (model.Booking, error)
	BookingGetByProviderOrder(ctx context.Context, providerOrderID string) (model.Booking, error)
	// BookingTransition - условная запись по (trade_no, status = From).
	// false без ошибки: текущий статус уже не From
	BookingTransition(ctx context.Context, transition model.Transition) (bool, error)
	EnrollmentGet(ctx context.Context, tradeNo string) (model.Enrollment, error)
	WebhookEventPost(ctx context.Context, event model.WebhookEvent) error
	Ping(ctx context.Context) error
	Close() error
}

var (
	ErrNoRows        = errors.New("no rows")
	ErrAlreadyExists = errors.New("already exists")
)

// NewStore: Postgres при заданном DSN, иначе память
func NewStore(cfg config.Config) (Store, error) {
	if cfg.DBDsn == "" {
		return NewMemStore(), nil
	}
	return NewPGStore(cfg)
}
