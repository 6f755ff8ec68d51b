// Package booking - жизненный цикл бронирования:
// PENDING -> {PAID, FAILED, EXPIRED}, PAID -> CONFIRMED.
//
// Все записи идут через условный переход store.BookingTransition по номеру сделки
// и ожидаемому статусу, поэтому вебхук и сверка могут выполняться в любом порядке
// и одновременно.
package booking

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/iurnickita/paybooking/internal/model"
	"github.com/iurnickita/paybooking/internal/notify"
	"github.com/iurnickita/paybooking/internal/store"
)

const DefaultTTL = 15 * time.Minute

type Booking interface {
	// Prepare заполняет номер сделки, время создания, срок и начальный статус
	Prepare(draft model.Booking) model.Booking
	Open(ctx context.Context, booking model.Booking) (model.Booking, error)
	// Get читает бронирование; просроченное PENDING переводится в EXPIRED
	Get(ctx context.Context, tradeNo string) (model.Booking, error)
	// Peek читает без ленивого истечения срока
	Peek(ctx context.Context, tradeNo string) (model.Booking, error)
	GetByProviderOrder(ctx context.Context, providerOrderID string) (model.Booking, error)
	Apply(ctx context.Context, signal Signal) (Result, error)
	Enrollment(ctx context.Context, tradeNo string) (model.Enrollment, error)
}

type Result struct {
	Booking model.Booking
	Applied bool
}

var (
	ErrInvalidTradeNo = errors.New("invalid trade number")
	ErrUnknownTrade   = errors.New("unknown trade number")
	ErrAlreadyExists  = errors.New("already exists")
	ErrNoEnrollment   = errors.New("enrollment not found")
)

type Option func(*booking)

func WithClock(now func() time.Time) Option {
	return func(b *booking) { b.now = now }
}

func WithTTL(ttl time.Duration) Option {
	return func(b *booking) { b.ttl = ttl }
}

func WithNotifier(notifier notify.Notifier) Option {
	return func(b *booking) { b.notifier = notifier }
}

type booking struct {
	store    store.Store
	notifier notify.Notifier
	zaplog   *zap.Logger
	ttl      time.Duration
	now      func() time.Time
}

func NewBooking(store store.Store, zaplog *zap.Logger, opts ...Option) Booking {
	b := &booking{
		store:    store,
		notifier: notify.Nop(),
		zaplog:   zaplog,
		ttl:      DefaultTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *booking) Prepare(draft model.Booking) model.Booking {
	now := b.now().UTC()
	if draft.TradeNo == "" {
		draft.TradeNo = NewTradeNo(now)
	}
	draft.Data.CreatedAt = now
	draft.Data.ExpiresAt = now.Add(b.ttl)
	draft.Data.Status = model.BookingStatusPending
	draft.Data.PaymentStatus = model.PaymentStatusInitial
	draft.Data.ProviderTxID = ""
	draft.Data.PaidAt = time.Time{}
	draft.Data.ConfirmedAt = time.Time{}
	return draft
}

func (b *booking) Open(ctx context.Context, booking model.Booking) (model.Booking, error) {
	if !ValidTradeNo(booking.TradeNo) {
		return model.Booking{}, ErrInvalidTradeNo
	}
	if booking.Data.Status != model.BookingStatusPending || booking.Data.ExpiresAt.IsZero() {
		booking = b.Prepare(booking)
	}

	err := b.store.BookingPost(ctx, booking)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return model.Booking{}, ErrAlreadyExists
		}
		return model.Booking{}, err
	}

	b.zaplog.Info("booking opened",
		zap.String("trade_no", booking.TradeNo),
		zap.String("product", booking.Data.Product.String()),
		zap.Int64("amount", booking.Data.Amount),
		zap.String("currency", booking.Data.Currency),
		zap.Time("expires_at", booking.Data.ExpiresAt),
	)
	return booking, nil
}

func (b *booking) Get(ctx context.Context, tradeNo string) (model.Booking, error) {
	current, err := b.Peek(ctx, tradeNo)
	if err != nil {
		return model.Booking{}, err
	}
	if current.Data.Status != model.BookingStatusPending {
		return current, nil
	}
	res, err := b.apply(ctx, current, expired{TradeNo: tradeNo})
	if err != nil {
		return model.Booking{}, err
	}
	return res.Booking, nil
}

func (b *booking) Peek(ctx context.Context, tradeNo string) (model.Booking, error) {
	if !ValidTradeNo(tradeNo) {
		return model.Booking{}, ErrInvalidTradeNo
	}
	return b.read(ctx, tradeNo)
}

func (b *booking) GetByProviderOrder(ctx context.Context, providerOrderID string) (model.Booking, error) {
	current, err := b.store.BookingGetByProviderOrder(ctx, providerOrderID)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return model.Booking{}, ErrUnknownTrade
		}
		return model.Booking{}, err
	}
	return current, nil
}

func (b *booking) Apply(ctx context.Context, signal Signal) (Result, error) {
	if err := signal.validate(); err != nil {
		return Result{}, err
	}
	current, err := b.Peek(ctx, signal.tradeNo())
	if err != nil {
		return Result{}, err
	}
	return b.apply(ctx, current, signal)
}

func (b *booking) Enrollment(ctx context.Context, tradeNo string) (model.Enrollment, error) {
	enrollment, err := b.store.EnrollmentGet(ctx, tradeNo)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return model.Enrollment{}, ErrNoEnrollment
		}
		return model.Enrollment{}, err
	}
	return enrollment, nil
}

func (b *booking) read(ctx context.Context, tradeNo string) (model.Booking, error) {
	current, err := b.store.BookingGet(ctx, tradeNo)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return model.Booking{}, ErrUnknownTrade
		}
		return model.Booking{}, err
	}
	return current, nil
}

func (b *booking) apply(ctx context.Context, current model.Booking, signal Signal) (Result, error) {
	now := b.now().UTC()

	transition, ok := signal.transition(current, now)
	if !ok {
		b.zaplog.Debug("booking transition skipped",
			zap.String("trade_no", current.TradeNo),
			zap.String("status", string(current.Data.Status)),
		)
		return Result{Booking: current}, nil
	}

	applied, err := b.store.BookingTransition(ctx, transition)
	if err != nil {
		return Result{}, err
	}

	// перечитываем в обоих случаях: при проигранной гонке статус изменил другой путь
	updated, err := b.read(ctx, current.TradeNo)
	if err != nil {
		return Result{}, err
	}
	if !applied {
		b.zaplog.Debug("booking transition lost race",
			zap.String("trade_no", current.TradeNo),
			zap.String("from", string(transition.From)),
			zap.String("to", string(transition.To)),
			zap.String("status", string(updated.Data.Status)),
		)
		return Result{Booking: updated}, nil
	}

	b.zaplog.Info("booking transition applied",
		zap.String("trade_no", current.TradeNo),
		zap.String("from", string(transition.From)),
		zap.String("to", string(transition.To)),
	)
	b.publish(ctx, updated, now)
	return Result{Booking: updated, Applied: true}, nil
}

func (b *booking) publish(ctx context.Context, updated model.Booking, at time.Time) {
	event := model.BookingEvent{
		TradeNo:       updated.TradeNo,
		Status:        updated.Data.Status,
		PaymentStatus: updated.Data.PaymentStatus,
		Product:       updated.Data.Product.String(),
		Customer:      updated.Data.Customer,
		Amount:        updated.Data.Amount,
		Currency:      updated.Data.Currency,
		OccurredAt:    at,
	}
	if err := b.notifier.Publish(ctx, event); err != nil {
		b.zaplog.Warn("booking event publish failed",
			zap.String("trade_no", updated.TradeNo),
			zap.Error(err),
		)
	}
}
