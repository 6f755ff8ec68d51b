package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/iurnickita/paybooking/internal/booking"
	"github.com/iurnickita/paybooking/internal/model"
	"github.com/iurnickita/paybooking/internal/service/config"
	"github.com/iurnickita/paybooking/internal/service/payclient"
)

type Service interface {
	// CreateOrder создает заказ у провайдера и сохраняет бронирование в PENDING
	CreateOrder(ctx context.Context, order model.Booking) (model.Booking, error)
	GetStatus(ctx context.Context, customer string, tradeNo string) (model.Booking, error)
	// Reconcile подтверждает оплату напрямую у провайдера, если вебхук еще не пришел
	Reconcile(ctx context.Context, customer string, sessionID string, claimed model.ProductRef) (Reconciliation, error)
}

type Reconciliation struct {
	Booking    model.Booking
	Enrollment *model.Enrollment
}

var (
	ErrInsufficientData    = errors.New("insufficient data")
	ErrAmount              = errors.New("invalid amount")
	ErrCurrency            = errors.New("unsupported currency")
	ErrNotFound            = errors.New("booking not found")
	ErrSessionNotFound     = errors.New("session not found")
	ErrPaymentNotCompleted = errors.New("payment not completed")
	ErrProductMismatch     = errors.New("product mismatch")
	ErrAmountMismatch      = errors.New("amount mismatch")
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	ErrProviderRejected    = errors.New("payment provider rejected order")
	ErrReconcileFailed     = errors.New("reconciliation failed")
)

// число попыток подобрать свободный номер сделки
const prepareAttempts = 3

type Option func(*service)

// WithClock - время оплаты, если провайдер его не передал
func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

// WithTradeNoSource задает генератор номеров сделки; пустой номер сгенерирует booking
func WithTradeNoSource(next func() string) Option {
	return func(s *service) { s.tradeNo = next }
}

type service struct {
	cfg     config.Config
	booking booking.Booking
	pay     payclient.PayClient
	zaplog  *zap.Logger
	now     func() time.Time
	tradeNo func() string
}

func NewService(cfg config.Config, booking booking.Booking, pay payclient.PayClient, zaplog *zap.Logger, opts ...Option) (Service, error) {
	currencies := make([]string, 0, len(cfg.AllowedCurrencies))
	for _, currency := range cfg.AllowedCurrencies {
		currencies = append(currencies, strings.ToUpper(strings.TrimSpace(currency)))
	}
	cfg.AllowedCurrencies = currencies

	service := service{
		cfg:     cfg,
		booking: booking,
		pay:     pay,
		zaplog:  zaplog,
		now:     time.Now,
		tradeNo: func() string { return "" },
	}
	for _, opt := range opts {
		opt(&service)
	}

	return &service, nil
}

func (service *service) CreateOrder(ctx context.Context, order model.Booking) (model.Booking, error) {
	if order.Data.Customer == "" {
		return model.Booking{}, ErrInsufficientData
	}
	if order.Data.Product.Validate() != nil {
		return model.Booking{}, ErrInsufficientData
	}
	if order.Data.Amount <= 0 {
		return model.Booking{}, ErrAmount
	}
	order.Data.Currency = strings.ToUpper(order.Data.Currency)
	if !slices.Contains(service.cfg.AllowedCurrencies, order.Data.Currency) {
		return model.Booking{}, ErrCurrency
	}

	// номер сделки и срок известны до обращения к провайдеру
	draft, err := service.prepare(ctx, order.Data)
	if err != nil {
		return model.Booking{}, err
	}

	answer, err := service.pay.CreateOrder(ctx, payclient.OrderRequest{
		TradeNo:   draft.TradeNo,
		Amount:    draft.Data.Amount,
		Currency:  draft.Data.Currency,
		Product:   draft.Data.Product,
		ExpiresAt: draft.Data.ExpiresAt,
	})
	if err != nil {
		service.zaplog.Warn("provider create order failed",
			zap.String("trade_no", draft.TradeNo),
			zap.Error(err),
		)
		return model.Booking{}, providerError(err, ErrProviderRejected)
	}
	draft.Data.ProviderOrderID = answer.PrepayID
	draft.Data.Checkout = answer.Checkout

	opened, err := service.booking.Open(ctx, draft)
	if err != nil {
		if errors.Is(err, booking.ErrAlreadyExists) {
			service.zaplog.Error("trade number taken after provider order",
				zap.String("trade_no", draft.TradeNo),
				zap.String("prepay_id", draft.Data.ProviderOrderID),
			)
		}
		return model.Booking{}, err
	}
	return opened, nil
}

// prepare подбирает номер сделки, которого еще нет в хранилище.
// Провайдер получает только свободный номер
func (service *service) prepare(ctx context.Context, data model.BookingData) (model.Booking, error) {
	for attempt := 1; ; attempt++ {
		draft := service.booking.Prepare(model.Booking{TradeNo: service.tradeNo(), Data: data})

		_, err := service.booking.Peek(ctx, draft.TradeNo)
		switch {
		case errors.Is(err, booking.ErrUnknownTrade):
			return draft, nil
		case err != nil:
			return model.Booking{}, err
		}

		service.zaplog.Warn("trade number collision",
			zap.String("trade_no", draft.TradeNo),
			zap.Int("attempt", attempt),
		)
		if attempt == prepareAttempts {
			return model.Booking{}, booking.ErrAlreadyExists
		}
	}
}

func (service *service) GetStatus(ctx context.Context, customer string, tradeNo string) (model.Booking, error) {
	if customer == "" || tradeNo == "" {
		return model.Booking{}, ErrInsufficientData
	}

	current, err := service.booking.Get(ctx, tradeNo)
	if err != nil {
		switch {
		case errors.Is(err, booking.ErrInvalidTradeNo), errors.Is(err, booking.ErrUnknownTrade):
			return model.Booking{}, ErrNotFound
		default:
			return model.Booking{}, err
		}
	}
	// чужие бронирования не раскрываем
	if current.Data.Customer != customer {
		return model.Booking{}, ErrNotFound
	}
	return current, nil
}

func (service *service) Reconcile(ctx context.Context, customer string, sessionID string, claimed model.ProductRef) (Reconciliation, error) {
	if customer == "" || sessionID == "" {
		return Reconciliation{}, ErrInsufficientData
	}
	if claimed.Validate() != nil {
		return Reconciliation{}, ErrInsufficientData
	}

	current, err := service.booking.GetByProviderOrder(ctx, sessionID)
	if err != nil {
		if errors.Is(err, booking.ErrUnknownTrade) {
			return Reconciliation{}, ErrSessionNotFound
		}
		return Reconciliation{}, err
	}
	if current.Data.Customer != customer {
		return Reconciliation{}, ErrSessionNotFound
	}
	if current.Data.Product != claimed {
		service.logReject(current, "claimed product differs from booking")
		return Reconciliation{}, ErrProductMismatch
	}

	// исход уже известен: провайдера не спрашиваем
	switch {
	case current.Data.Status.Succeeded():
		return service.reconciliation(ctx, current)
	case current.Data.Status.Terminal():
		return Reconciliation{}, ErrPaymentNotCompleted
	}

	remote, err := service.pay.QueryOrder(ctx, payclient.QueryRequest{PrepayID: sessionID})
	if err != nil {
		service.zaplog.Warn("provider query order failed",
			zap.String("trade_no", current.TradeNo),
			zap.Error(err),
		)
		return Reconciliation{}, providerError(err, ErrReconcileFailed)
	}

	if remote.Status != payclient.OrderStatusPaid {
		return Reconciliation{}, ErrPaymentNotCompleted
	}
	if remote.TradeNo != current.TradeNo {
		service.logReject(current, "provider trade number differs")
		return Reconciliation{}, ErrReconcileFailed
	}
	remoteProduct, err := model.ParseProductRef(remote.PassThroughInfo)
	if err != nil || remoteProduct != claimed {
		service.logReject(current, "provider product differs from claimed")
		return Reconciliation{}, ErrProductMismatch
	}
	if remote.Amount != current.Data.Amount || !strings.EqualFold(remote.Currency, current.Data.Currency) {
		service.logReject(current, "provider amount differs")
		return Reconciliation{}, ErrAmountMismatch
	}
	if remote.TransactionID == "" {
		service.logReject(current, "provider transaction id is empty")
		return Reconciliation{}, ErrReconcileFailed
	}

	paidAt := remote.TransactTime
	if paidAt.IsZero() {
		paidAt = service.now().UTC()
	}
	res, err := service.booking.Apply(ctx, booking.Paid{
		TradeNo:      current.TradeNo,
		ProviderTxID: remote.TransactionID,
		PaidAt:       paidAt,
	})
	if err != nil {
		return Reconciliation{}, err
	}

	// запись считается подтвержденной только после повторного чтения
	confirmed, err := service.booking.Peek(ctx, current.TradeNo)
	if err != nil {
		return Reconciliation{}, err
	}
	if !confirmed.Data.Status.Succeeded() {
		service.logReject(confirmed, "booking did not reach paid status")
		return Reconciliation{}, ErrReconcileFailed
	}

	service.zaplog.Info("booking reconciled",
		zap.String("trade_no", confirmed.TradeNo),
		zap.Bool("applied", res.Applied),
		zap.String("status", string(confirmed.Data.Status)),
	)
	return service.reconciliation(ctx, confirmed)
}

func (service *service) reconciliation(ctx context.Context, current model.Booking) (Reconciliation, error) {
	result := Reconciliation{Booking: current}
	if current.Data.Product.Kind != model.ProductKindBootcamp {
		return result, nil
	}
	enrollment, err := service.booking.Enrollment(ctx, current.TradeNo)
	if err != nil {
		if errors.Is(err, booking.ErrNoEnrollment) {
			return Reconciliation{}, fmt.Errorf("%w: enrollment missing for paid booking", ErrReconcileFailed)
		}
		return Reconciliation{}, err
	}
	result.Enrollment = &enrollment
	return result, nil
}

func (service *service) logReject(current model.Booking, reason string) {
	service.zaplog.Warn("reconciliation rejected",
		zap.String("trade_no", current.TradeNo),
		zap.String("reason", reason),
	)
}

func providerError(err error, otherwise error) error {
	if errors.Is(err, payclient.ErrUnavailable) {
		return ErrProviderUnavailable
	}
	return fmt.Errorf("%w: %v", otherwise, err)
}
