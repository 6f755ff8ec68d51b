// Package webhook принимает уведомления провайдера: проверка подписи по сырому телу,
// разбор, переход состояния бронирования, подтверждение.
package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iurnickita/paybooking/internal/booking"
	"github.com/iurnickita/paybooking/internal/metrics"
	"github.com/iurnickita/paybooking/internal/model"
	"github.com/iurnickita/paybooking/internal/signing"
	"github.com/iurnickita/paybooking/internal/store"
)

// Ack - фиксированный ответ провайдеру
const Ack = `{"returnCode":"SUCCESS","returnMessage":null}`

const maxBodyBytes = 1 << 20

// Исход обработки для журнала и метрик
const (
	OutcomeInvalidSignature = "invalid_signature"
	OutcomeMalformed        = "malformed"
	OutcomeIgnored          = "ignored"
	OutcomeApplied          = "applied"
	OutcomeNoop             = "noop"
	OutcomeUnknownTrade     = "unknown_trade"
	OutcomeRejected         = "rejected"
	OutcomeError            = "error"
)

type Receiver struct {
	codec   signing.Codec
	booking booking.Booking
	store   store.Store
	metrics *metrics.Metrics
	zaplog  *zap.Logger
	now     func() time.Time
}

func NewReceiver(codec signing.Codec, booking booking.Booking, store store.Store, metrics *metrics.Metrics, zaplog *zap.Logger) *Receiver {
	return &Receiver{
		codec:   codec,
		booking: booking,
		store:   store,
		metrics: metrics,
		zaplog:  zaplog,
		now:     time.Now,
	}
}

func (rc *Receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	receivedAt := rc.now().UTC()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// до разбора JSON
	if !rc.codec.Verify(signing.HeadersFrom(r.Header), body) {
		rc.record(ctx, Event{}, body, false, OutcomeInvalidSignature, receivedAt)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	// подпись верна: неразборчивое тело тоже подтверждается
	event, err := DecodeEvent(body, receivedAt)
	if err != nil {
		rc.zaplog.Warn("webhook malformed", zap.Error(err))
		rc.record(ctx, event, body, true, OutcomeMalformed, receivedAt)
		rc.ack(w)
		return
	}

	if event.Signal == nil {
		rc.record(ctx, event, body, true, OutcomeIgnored, receivedAt)
		rc.ack(w)
		return
	}

	res, err := rc.booking.Apply(ctx, event.Signal)
	switch {
	case err == nil && res.Applied:
		rc.record(ctx, event, body, true, OutcomeApplied, receivedAt)
	case err == nil:
		rc.record(ctx, event, body, true, OutcomeNoop, receivedAt)
	case errors.Is(err, booking.ErrUnknownTrade), errors.Is(err, booking.ErrInvalidTradeNo):
		rc.record(ctx, event, body, true, OutcomeUnknownTrade, receivedAt)
	case errors.Is(err, booking.ErrInvalidSignal):
		rc.record(ctx, event, body, true, OutcomeRejected, receivedAt)
	default:
		// хранилище недоступно: провайдер повторит доставку
		rc.zaplog.Error("webhook transition failed",
			zap.String("trade_no", event.TradeNo),
			zap.Error(err),
		)
		rc.record(ctx, event, body, true, OutcomeError, receivedAt)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	rc.ack(w)
}

func (rc *Receiver) ack(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, Ack)
}

// record пишет журнал, лог и метрику. Ошибка журнала не влияет на ответ
func (rc *Receiver) record(ctx context.Context, event Event, body []byte, signatureValid bool, outcome string, receivedAt time.Time) {
	fields := []zap.Field{
		zap.String("biz_type", event.BizType),
		zap.String("biz_status", event.BizStatus),
		zap.String("biz_id", event.BizID),
		zap.String("trade_no", event.TradeNo),
		zap.String("outcome", outcome),
	}
	if signatureValid {
		rc.zaplog.Info("webhook received", fields...)
	} else {
		rc.zaplog.Warn("webhook rejected", fields...)
	}

	if rc.metrics != nil {
		rc.metrics.Webhooks.WithLabelValues(event.BizStatus, outcome).Inc()
	}

	err := rc.store.WebhookEventPost(context.WithoutCancel(ctx), model.WebhookEvent{
		ID: uuid.NewString(),
		Data: model.WebhookEventData{
			BizType:        event.BizType,
			BizStatus:      event.BizStatus,
			BizID:          event.BizID,
			TradeNo:        event.TradeNo,
			SignatureValid: signatureValid,
			Payload:        string(body),
			Outcome:        outcome,
			ReceivedAt:     receivedAt,
		},
	})
	if err != nil {
		rc.zaplog.Warn("webhook audit write failed", zap.String("trade_no", event.TradeNo), zap.Error(err))
	}
}
