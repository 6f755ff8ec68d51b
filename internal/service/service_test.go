package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iurnickita/paybooking/internal/booking"
	"github.com/iurnickita/paybooking/internal/model"
	"github.com/iurnickita/paybooking/internal/service/config"
	"github.com/iurnickita/paybooking/internal/service/payclient"
	"github.com/iurnickita/paybooking/internal/store"
)

// fakePay - провайдер в памяти; считает обращения
type fakePay struct {
	mutex   sync.Mutex
	created []payclient.OrderRequest
	queries int
	remote  payclient.QueryAnswer
	err     error
}

func (p *fakePay) CreateOrder(_ context.Context, req payclient.OrderRequest) (payclient.OrderAnswer, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.err != nil {
		return payclient.OrderAnswer{}, p.err
	}
	p.created = append(p.created, req)
	return payclient.OrderAnswer{
		PrepayID: "prepay-" + req.TradeNo,
		Checkout: model.Checkout{CheckoutURL: "https://pay.example/" + req.TradeNo},
	}, nil
}

func (p *fakePay) QueryOrder(_ context.Context, _ payclient.QueryRequest) (payclient.QueryAnswer, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.queries++
	if p.err != nil {
		return payclient.QueryAnswer{}, p.err
	}
	return p.remote, nil
}

// paidFor - ответ провайдера об успешной оплате бронирования
func (p *fakePay) paidFor(b model.Booking) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.remote = payclient.QueryAnswer{
		PrepayID:        b.Data.ProviderOrderID,
		TransactionID:   "tx-" + b.TradeNo,
		TradeNo:         b.TradeNo,
		Status:          payclient.OrderStatusPaid,
		Currency:        b.Data.Currency,
		Amount:          b.Data.Amount,
		PassThroughInfo: b.Data.Product.String(),
		TransactTime:    b.Data.CreatedAt.Add(time.Minute),
	}
}

type env struct {
	service Service
	booking booking.Booking
	store   store.Store
	pay     *fakePay
	now     time.Time
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	e := &env{
		store: store.NewMemStore(),
		pay:   &fakePay{},
		now:   time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return e.now }
	e.booking = booking.NewBooking(e.store, zap.NewNop(), booking.WithClock(clock))
	s, err := NewService(config.Config{
		OrderTTL:          15 * time.Minute,
		AllowedCurrencies: []string{"usdt", "BNB"},
	}, e.booking, e.pay, zap.NewNop(), append([]Option{WithClock(clock)}, opts...)...)
	require.NoError(t, err)
	e.service = s
	return e
}

var bootcamp = model.ProductRef{Kind: model.ProductKindBootcamp, ID: "42"}

func (e *env) create(t *testing.T, product model.ProductRef) model.Booking {
	t.Helper()
	created, err := e.service.CreateOrder(context.Background(), model.Booking{Data: model.BookingData{
		Customer: "100001",
		Email:    "ann@example.com",
		Product:  product,
		Amount:   5000,
		Currency: "usdt",
	}})
	require.NoError(t, err)
	return created
}

func TestCreateOrder(t *testing.T) {
	e := newEnv(t)
	created := e.create(t, bootcamp)

	require.True(t, booking.ValidTradeNo(created.TradeNo))
	require.Equal(t, model.BookingStatusPending, created.Data.Status)
	require.Equal(t, "USDT", created.Data.Currency)
	require.Equal(t, "prepay-"+created.TradeNo, created.Data.ProviderOrderID)
	require.Equal(t, e.now.Add(15*time.Minute), created.Data.ExpiresAt)
	require.NotEmpty(t, created.Data.Checkout.CheckoutURL)

	require.Len(t, e.pay.created, 1)
	require.Equal(t, created.TradeNo, e.pay.created[0].TradeNo)
	require.Equal(t, created.Data.ExpiresAt, e.pay.created[0].ExpiresAt)
}

func TestCreateOrderTradeNoCollision(t *testing.T) {
	var queue []string
	e := newEnv(t, WithTradeNoSource(func() string {
		if len(queue) == 0 {
			return ""
		}
		next := queue[0]
		queue = queue[1:]
		return next
	}))
	taken := e.create(t, bootcamp)

	// первый номер занят, второй свободен
	fresh := booking.NewTradeNo(e.now.Add(time.Second))
	queue = []string{taken.TradeNo, fresh}
	created := e.create(t, bootcamp)
	require.Equal(t, fresh, created.TradeNo)
	require.Len(t, e.pay.created, 2)
	require.Equal(t, fresh, e.pay.created[1].TradeNo)

	// все попытки заняты: провайдер не вызывается
	queue = []string{taken.TradeNo, taken.TradeNo, taken.TradeNo}
	_, err := e.service.CreateOrder(context.Background(), model.Booking{Data: model.BookingData{
		Customer: "100001", Product: bootcamp, Amount: 5000, Currency: "USDT",
	}})
	require.ErrorIs(t, err, booking.ErrAlreadyExists)
	require.Len(t, e.pay.created, 2)
	require.Empty(t, queue)

	got, err := e.booking.Peek(context.Background(), taken.TradeNo)
	require.NoError(t, err)
	require.Equal(t, taken.Data.ProviderOrderID, got.Data.ProviderOrderID)
}

func TestCreateOrderValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	valid := model.BookingData{Customer: "1", Product: bootcamp, Amount: 100, Currency: "USDT"}

	tests := []struct {
		name   string
		modify func(d *model.BookingData)
		want   error
	}{
		{"no customer", func(d *model.BookingData) { d.Customer = "" }, ErrInsufficientData},
		{"bad product", func(d *model.BookingData) { d.Product = model.ProductRef{Kind: "course", ID: "1"} }, ErrInsufficientData},
		{"zero amount", func(d *model.BookingData) { d.Amount = 0 }, ErrAmount},
		{"negative amount", func(d *model.BookingData) { d.Amount = -5 }, ErrAmount},
		{"currency", func(d *model.BookingData) { d.Currency = "EUR" }, ErrCurrency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := valid
			tt.modify(&data)
			_, err := e.service.CreateOrder(ctx, model.Booking{Data: data})
			require.ErrorIs(t, err, tt.want)
		})
	}
	require.Empty(t, e.pay.created)
}

func TestCreateOrderProviderDown(t *testing.T) {
	e := newEnv(t)
	e.pay.err = payclient.ErrUnavailable
	_, err := e.service.CreateOrder(context.Background(), model.Booking{Data: model.BookingData{
		Customer: "1", Product: bootcamp, Amount: 100, Currency: "USDT",
	}})
	require.ErrorIs(t, err, ErrProviderUnavailable)

	e.pay.err = payclient.ErrRejected
	_, err = e.service.CreateOrder(context.Background(), model.Booking{Data: model.BookingData{
		Customer: "1", Product: bootcamp, Amount: 100, Currency: "USDT",
	}})
	require.ErrorIs(t, err, ErrProviderRejected)
}

func TestGetStatus(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	created := e.create(t, bootcamp)

	got, err := e.service.GetStatus(ctx, "100001", created.TradeNo)
	require.NoError(t, err)
	require.Equal(t, model.BookingStatusPending, got.Data.Status)

	_, err = e.service.GetStatus(ctx, "100002", created.TradeNo)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = e.service.GetStatus(ctx, "100001", "T1")
	require.ErrorIs(t, err, ErrNotFound)

	e.now = e.now.Add(16 * time.Minute)
	got, err = e.service.GetStatus(ctx, "100001", created.TradeNo)
	require.NoError(t, err)
	require.Equal(t, model.BookingStatusExpired, got.Data.Status)
}

func TestReconcile(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	created := e.create(t, bootcamp)
	e.pay.paidFor(created)

	res, err := e.service.Reconcile(ctx, "100001", created.Data.ProviderOrderID, bootcamp)
	require.NoError(t, err)
	require.Equal(t, model.BookingStatusPaid, res.Booking.Data.Status)
	require.Equal(t, "tx-"+created.TradeNo, res.Booking.Data.ProviderTxID)
	require.NotNil(t, res.Enrollment)
	require.Equal(t, "42", res.Enrollment.Data.BootcampID)
	require.Equal(t, 1, e.pay.queries)

	// терминальная запись возвращается без обращения к провайдеру
	again, err := e.service.Reconcile(ctx, "100001", created.Data.ProviderOrderID, bootcamp)
	require.NoError(t, err)
	require.Equal(t, res.Booking, again.Booking)
	require.Equal(t, res.Enrollment.Data.ID, again.Enrollment.Data.ID)
	require.Equal(t, 1, e.pay.queries)
	require.Equal(t, 1, store.EnrollmentCount(e.store))
}

func TestReconcileWithoutTransactTime(t *testing.T) {
	e := newEnv(t)
	created := e.create(t, bootcamp)
	e.pay.paidFor(created)
	e.pay.remote.TransactTime = time.Time{}

	e.now = e.now.Add(5 * time.Minute)
	res, err := e.service.Reconcile(context.Background(), "100001", created.Data.ProviderOrderID, bootcamp)
	require.NoError(t, err)
	require.Equal(t, e.now, res.Booking.Data.PaidAt)
	require.True(t, res.Booking.Data.PaidAt.After(created.Data.CreatedAt))
}

func TestReconcileAfterWebhook(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	created := e.create(t, bootcamp)

	_, err := e.booking.Apply(ctx, booking.Paid{TradeNo: created.TradeNo, ProviderTxID: "tx-webhook", PaidAt: e.now})
	require.NoError(t, err)

	res, err := e.service.Reconcile(ctx, "100001", created.Data.ProviderOrderID, bootcamp)
	require.NoError(t, err)
	require.Equal(t, "tx-webhook", res.Booking.Data.ProviderTxID)
	require.Equal(t, 0, e.pay.queries)
	require.Equal(t, 1, store.EnrollmentCount(e.store))
}

func TestReconcileRejects(t *testing.T) {
	ctx := context.Background()

	t.Run("claimed product differs from booking", func(t *testing.T) {
		e := newEnv(t)
		created := e.create(t, bootcamp)
		e.pay.paidFor(created)
		_, err := e.service.Reconcile(ctx, "100001", created.Data.ProviderOrderID, model.ProductRef{Kind: model.ProductKindBootcamp, ID: "43"})
		require.ErrorIs(t, err, ErrProductMismatch)
		require.Equal(t, 0, e.pay.queries)
		require.Equal(t, 0, store.EnrollmentCount(e.store))
	})

	t.Run("provider product differs", func(t *testing.T) {
		e := newEnv(t)
		created := e.create(t, bootcamp)
		e.pay.paidFor(created)
		e.pay.remote.PassThroughInfo = "bootcamp:43"
		_, err := e.service.Reconcile(ctx, "100001", created.Data.ProviderOrderID, bootcamp)
		require.ErrorIs(t, err, ErrProductMismatch)

		got, err := e.booking.Peek(ctx, created.TradeNo)
		require.NoError(t, err)
		require.Equal(t, model.BookingStatusPending, got.Data.Status)
		require.Equal(t, 0, store.EnrollmentCount(e.store))
	})

	t.Run("amount differs", func(t *testing.T) {
		e := newEnv(t)
		created := e.create(t, bootcamp)
		e.pay.paidFor(created)
		e.pay.remote.Amount = 1
		_, err := e.service.Reconcile(ctx, "100001", created.Data.ProviderOrderID, bootcamp)
		require.ErrorIs(t, err, ErrAmountMismatch)
	})

	t.Run("not paid", func(t *testing.T) {
		e := newEnv(t)
		created := e.create(t, bootcamp)
		e.pay.paidFor(created)
		e.pay.remote.Status = payclient.OrderStatusInitial
		_, err := e.service.Reconcile(ctx, "100001", created.Data.ProviderOrderID, bootcamp)
		require.ErrorIs(t, err, ErrPaymentNotCompleted)
	})

	t.Run("failed booking", func(t *testing.T) {
		e := newEnv(t)
		created := e.create(t, bootcamp)
		_, err := e.booking.Apply(ctx, booking.Failed{TradeNo: created.TradeNo})
		require.NoError(t, err)
		_, err = e.service.Reconcile(ctx, "100001", created.Data.ProviderOrderID, bootcamp)
		require.ErrorIs(t, err, ErrPaymentNotCompleted)
		require.Equal(t, 0, e.pay.queries)
	})

	t.Run("unknown session", func(t *testing.T) {
		e := newEnv(t)
		_, err := e.service.Reconcile(ctx, "100001", "prepay-unknown", bootcamp)
		require.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("other customer", func(t *testing.T) {
		e := newEnv(t)
		created := e.create(t, bootcamp)
		_, err := e.service.Reconcile(ctx, "100002", created.Data.ProviderOrderID, bootcamp)
		require.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("provider unavailable", func(t *testing.T) {
		e := newEnv(t)
		created := e.create(t, bootcamp)
		e.pay.err = payclient.ErrUnavailable
		_, err := e.service.Reconcile(ctx, "100001", created.Data.ProviderOrderID, bootcamp)
		require.ErrorIs(t, err, ErrProviderUnavailable)
	})
}

func TestReconcileRacesWebhook(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	created := e.create(t, bootcamp)
	e.pay.paidFor(created)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = e.booking.Apply(ctx, booking.Paid{TradeNo: created.TradeNo, ProviderTxID: "tx-webhook", PaidAt: e.now})
		}()
		go func() {
			defer wg.Done()
			res, err := e.service.Reconcile(ctx, "100001", created.Data.ProviderOrderID, bootcamp)
			if err == nil {
				require.True(t, res.Booking.Data.Status.Succeeded())
			}
		}()
	}
	wg.Wait()

	got, err := e.booking.Peek(ctx, created.TradeNo)
	require.NoError(t, err)
	require.Equal(t, model.BookingStatusPaid, got.Data.Status)
	require.Equal(t, 1, store.EnrollmentCount(e.store))
}
