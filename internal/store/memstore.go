package store

import (
	"context"
	"sync"

	"github.com/iurnickita/paybooking/internal/model"
)

// memStore - хранилище в памяти процесса (локальный запуск и тесты).
// Мьютекс играет роль блокировки строки в Postgres
type memStore struct {
	mutex         sync.Mutex
	bookings      map[string]model.Booking
	providerIndex map[string]string
	enrollments   map[string]model.Enrollment
	webhookEvents []model.WebhookEvent
}

func NewMemStore() Store {
	return &memStore{
		bookings:      make(map[string]model.Booking),
		providerIndex: make(map[string]string),
		enrollments:   make(map[string]model.Enrollment),
	}
}

func (store *memStore) BookingPost(_ context.Context, booking model.Booking) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if _, ok := store.bookings[booking.TradeNo]; ok {
		return ErrAlreadyExists
	}
	providerOrderID := booking.Data.ProviderOrderID
	if providerOrderID != "" {
		if _, ok := store.providerIndex[providerOrderID]; ok {
			return ErrAlreadyExists
		}
		store.providerIndex[providerOrderID] = booking.TradeNo
	}
	store.bookings[booking.TradeNo] = booking
	return nil
}

func (store *memStore) BookingGet(_ context.Context, tradeNo string) (model.Booking, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	booking, ok := store.bookings[tradeNo]
	if !ok {
		return model.Booking{}, ErrNoRows
	}
	return booking, nil
}

func (store *memStore) BookingGetByProviderOrder(_ context.Context, providerOrderID string) (model.Booking, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	tradeNo, ok := store.providerIndex[providerOrderID]
	if !ok {
		return model.Booking{}, ErrNoRows
	}
	return store.bookings[tradeNo], nil
}

func (store *memStore) BookingTransition(_ context.Context, t model.Transition) (bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	booking, ok := store.bookings[t.TradeNo]
	if !ok || booking.Data.Status != t.From {
		return false, nil
	}

	booking.Data.Status = t.To
	booking.Data.PaymentStatus = t.PaymentStatus
	if booking.Data.ProviderTxID == "" {
		booking.Data.ProviderTxID = t.ProviderTxID
	}
	switch t.To {
	case model.BookingStatusPaid:
		booking.Data.PaidAt = t.At
	case model.BookingStatusConfirmed:
		booking.Data.ConfirmedAt = t.At
	}
	store.bookings[t.TradeNo] = booking

	if t.Enrollment != nil {
		if _, ok := store.enrollments[t.Enrollment.TradeNo]; !ok {
			store.enrollments[t.Enrollment.TradeNo] = *t.Enrollment
		}
	}
	return true, nil
}

func (store *memStore) EnrollmentGet(_ context.Context, tradeNo string) (model.Enrollment, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	enrollment, ok := store.enrollments[tradeNo]
	if !ok {
		return model.Enrollment{}, ErrNoRows
	}
	return enrollment, nil
}

func (store *memStore) WebhookEventPost(_ context.Context, event model.WebhookEvent) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	store.webhookEvents = append(store.webhookEvents, event)
	return nil
}

func (store *memStore) Ping(_ context.Context) error {
	return nil
}

func (store *memStore) Close() error {
	return nil
}

// WebhookEvents возвращает копию журнала вебхуков, если store хранит его в памяти
func WebhookEvents(s Store) []model.WebhookEvent {
	m, ok := s.(*memStore)
	if !ok {
		return nil
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return append([]model.WebhookEvent(nil), m.webhookEvents...)
}

// EnrollmentCount - число зачислений в хранилище в памяти
func EnrollmentCount(s Store) int {
	m, ok := s.(*memStore)
	if !ok {
		return -1
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.enrollments)
}
