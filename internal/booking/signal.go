package booking

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/iurnickita/paybooking/internal/model"
)

var ErrInvalidSignal = errors.New("invalid transition signal")

// Signal - закрытый набор сигналов перехода. Реализации только в этом пакете
type Signal interface {
	tradeNo() string
	validate() error
	// transition строит условную запись для текущего состояния.
	// false - переход из текущего статуса не предусмотрен (идемпотентный no-op)
	transition(current model.Booking, now time.Time) (model.Transition, bool)
}

// Paid - провайдер подтвердил получение средств
type Paid struct {
	TradeNo      string
	ProviderTxID string
	PaidAt       time.Time
}

func (s Paid) tradeNo() string { return s.TradeNo }

func (s Paid) validate() error {
	if s.ProviderTxID == "" || s.PaidAt.IsZero() {
		return ErrInvalidSignal
	}
	return nil
}

func (s Paid) transition(current model.Booking, now time.Time) (model.Transition, bool) {
	if current.Data.Status != model.BookingStatusPending {
		return model.Transition{}, false
	}
	t := model.Transition{
		TradeNo:       current.TradeNo,
		From:          model.BookingStatusPending,
		To:            model.BookingStatusPaid,
		PaymentStatus: model.PaymentStatusSuccess,
		ProviderTxID:  s.ProviderTxID,
		At:            s.PaidAt,
	}
	if current.Data.Product.Kind == model.ProductKindBootcamp {
		t.Enrollment = &model.Enrollment{
			TradeNo: current.TradeNo,
			Data: model.EnrollmentData{
				ID:         uuid.NewString(),
				BootcampID: current.Data.Product.ID,
				Customer:   current.Data.Customer,
				Email:      current.Data.Email,
				Name:       current.Data.Name,
				CreatedAt:  now,
			},
		}
	}
	return t, true
}

// Closed - провайдер закрыл сделку.
// Оплаченная сделка становится CONFIRMED, неоплаченная - EXPIRED
type Closed struct {
	TradeNo  string
	ClosedAt time.Time
}

func (s Closed) tradeNo() string { return s.TradeNo }

func (s Closed) validate() error { return nil }

func (s Closed) transition(current model.Booking, now time.Time) (model.Transition, bool) {
	at := s.ClosedAt
	if at.IsZero() {
		at = now
	}
	switch current.Data.Status {
	case model.BookingStatusPaid:
		return model.Transition{
			TradeNo:       current.TradeNo,
			From:          model.BookingStatusPaid,
			To:            model.BookingStatusConfirmed,
			PaymentStatus: model.PaymentStatusClosed,
			At:            at,
		}, true
	case model.BookingStatusPending:
		return model.Transition{
			TradeNo:       current.TradeNo,
			From:          model.BookingStatusPending,
			To:            model.BookingStatusExpired,
			PaymentStatus: model.PaymentStatusClosed,
			At:            at,
		}, true
	default:
		return model.Transition{}, false
	}
}

// Failed - провайдер сообщил об ошибке оплаты
type Failed struct {
	TradeNo  string
	Reason   string
	FailedAt time.Time
}

func (s Failed) tradeNo() string { return s.TradeNo }

func (s Failed) validate() error { return nil }

func (s Failed) transition(current model.Booking, now time.Time) (model.Transition, bool) {
	if current.Data.Status != model.BookingStatusPending {
		return model.Transition{}, false
	}
	at := s.FailedAt
	if at.IsZero() {
		at = now
	}
	return model.Transition{
		TradeNo:       current.TradeNo,
		From:          model.BookingStatusPending,
		To:            model.BookingStatusFailed,
		PaymentStatus: model.PaymentStatusFailed,
		At:            at,
	}, true
}

// expired - ленивое истечение срока при чтении
type expired struct {
	TradeNo string
}

func (s expired) tradeNo() string { return s.TradeNo }

func (s expired) validate() error { return nil }

func (s expired) transition(current model.Booking, now time.Time) (model.Transition, bool) {
	if current.Data.Status != model.BookingStatusPending || !now.After(current.Data.ExpiresAt) {
		return model.Transition{}, false
	}
	return model.Transition{
		TradeNo:       current.TradeNo,
		From:          model.BookingStatusPending,
		To:            model.BookingStatusExpired,
		PaymentStatus: model.PaymentStatusExpired,
		At:            now,
	}, true
}
