package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iurnickita/paybooking/internal/auth"
	"github.com/iurnickita/paybooking/internal/booking"
	"github.com/iurnickita/paybooking/internal/handler/config"
	"github.com/iurnickita/paybooking/internal/logger"
	"github.com/iurnickita/paybooking/internal/metrics"
	"github.com/iurnickita/paybooking/internal/model"
	"github.com/iurnickita/paybooking/internal/money"
	"github.com/iurnickita/paybooking/internal/service"
)

// Pinger - проверка доступности хранилища для /health
type Pinger interface {
	Ping(ctx context.Context) error
}

// Serve блокируется до отмены ctx, затем останавливает сервер с таймаутом
func Serve(ctx context.Context, cfg config.Config, auth auth.Auth, service service.Service, receiver http.Handler,
	metrics *metrics.Metrics, pinger Pinger, zaplog *zap.Logger) error {
	h := newHandler(auth, service, receiver, metrics, pinger, zaplog)
	router := h.newRouter()

	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zaplog.Info("server started", zap.String("addr", cfg.ServerAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	zaplog.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type handler struct {
	auth     auth.Auth
	service  service.Service
	receiver http.Handler
	metrics  *metrics.Metrics
	pinger   Pinger
	zaplog   *zap.Logger
}

func newHandler(auth auth.Auth, service service.Service, receiver http.Handler, metrics *metrics.Metrics, pinger Pinger, zaplog *zap.Logger) *handler {
	return &handler{
		auth:     auth,
		service:  service,
		receiver: receiver,
		metrics:  metrics,
		pinger:   pinger,
		zaplog:   zaplog,
	}
}

func (h *handler) newRouter() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/orders", h.route("create_order", h.auth.Middleware(h.PostOrder)))
	mux.HandleFunc("GET /api/orders/{tradeNo}", h.route("get_order", h.auth.Middleware(h.GetOrder)))
	mux.HandleFunc("POST /api/orders/reconcile", h.route("reconcile", h.auth.Middleware(h.PostReconcile)))
	mux.HandleFunc("POST /api/webhooks/pay", h.route("webhook", h.receiver.ServeHTTP))
	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", h.metrics.Handler())

	return mux
}

func (h *handler) route(name string, next http.HandlerFunc) http.HandlerFunc {
	return h.metrics.Middleware(name, logger.RequestLogMdlw(next, h.zaplog))
}

type PostOrderJSONRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Network  string          `json:"network"`
	Email    string          `json:"email"`
	Name     string          `json:"name"`
	Product  string          `json:"product"`
}

func (h *handler) PostOrder(w http.ResponseWriter, r *http.Request) {
	var orderJSON PostOrderJSONRequest
	if err := json.NewDecoder(r.Body).Decode(&orderJSON); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	product, err := model.ParseProductRef(orderJSON.Product)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	amount, err := money.ToMinor(orderJSON.Amount, orderJSON.Currency)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	userCode := r.Header.Get(auth.UserCodeKey)

	order := model.Booking{Data: model.BookingData{
		Customer: userCode,
		Email:    orderJSON.Email,
		Name:     orderJSON.Name,
		Product:  product,
		Amount:   amount,
		Currency: orderJSON.Currency,
		Network:  orderJSON.Network,
	}}
	created, err := h.service.CreateOrder(r.Context(), order)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, bookingResponse(created))
}

func (h *handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	tradeNo := r.PathValue("tradeNo")
	if !booking.ValidTradeNo(tradeNo) {
		http.Error(w, "invalid trade number", http.StatusBadRequest)
		return
	}

	userCode := r.Header.Get(auth.UserCodeKey)

	current, err := h.service.GetStatus(r.Context(), userCode, tradeNo)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, bookingResponse(current))
}

type PostReconcileJSONRequest struct {
	SessionID string `json:"session_id"`
	Product   string `json:"product"`
}

type PostReconcileJSONResponse struct {
	Booking    BookingJSONResponse     `json:"booking"`
	Enrollment *EnrollmentJSONResponse `json:"enrollment,omitempty"`
}

type EnrollmentJSONResponse struct {
	ID         string    `json:"id"`
	BootcampID string    `json:"bootcamp_id"`
	Email      string    `json:"email,omitempty"`
	Name       string    `json:"name,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (h *handler) PostReconcile(w http.ResponseWriter, r *http.Request) {
	var reconcileJSON PostReconcileJSONRequest
	if err := json.NewDecoder(r.Body).Decode(&reconcileJSON); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	product, err := model.ParseProductRef(reconcileJSON.Product)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	userCode := r.Header.Get(auth.UserCodeKey)

	res, err := h.service.Reconcile(r.Context(), userCode, reconcileJSON.SessionID, product)
	if err != nil {
		h.serviceError(w, err)
		return
	}

	response := PostReconcileJSONResponse{Booking: bookingResponse(res.Booking)}
	if res.Enrollment != nil {
		response.Enrollment = &EnrollmentJSONResponse{
			ID:         res.Enrollment.Data.ID,
			BootcampID: res.Enrollment.Data.BootcampID,
			Email:      res.Enrollment.Data.Email,
			Name:       res.Enrollment.Data.Name,
			CreatedAt:  res.Enrollment.Data.CreatedAt,
		}
	}
	h.writeJSON(w, http.StatusOK, response)
}

func (h *handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.pinger.Ping(ctx); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type CheckoutJSONResponse struct {
	CheckoutURL  string `json:"checkout_url,omitempty"`
	QRCodeLink   string `json:"qrcode_link,omitempty"`
	QRContent    string `json:"qr_content,omitempty"`
	Deeplink     string `json:"deeplink,omitempty"`
	UniversalURL string `json:"universal_url,omitempty"`
}

type BookingJSONResponse struct {
	TradeNo       string               `json:"trade_no"`
	SessionID     string               `json:"session_id,omitempty"`
	Status        string               `json:"status"`
	PaymentStatus string               `json:"payment_status"`
	Product       string               `json:"product"`
	Amount        string               `json:"amount"`
	Currency      string               `json:"currency"`
	Network       string               `json:"network,omitempty"`
	Checkout      CheckoutJSONResponse `json:"checkout"`
	CreatedAt     time.Time            `json:"created_at"`
	ExpiresAt     time.Time            `json:"expires_at"`
	PaidAt        *time.Time           `json:"paid_at,omitempty"`
	ConfirmedAt   *time.Time           `json:"confirmed_at,omitempty"`
}

func bookingResponse(b model.Booking) BookingJSONResponse {
	response := BookingJSONResponse{
		TradeNo:       b.TradeNo,
		SessionID:     b.Data.ProviderOrderID,
		Status:        string(b.Data.Status),
		PaymentStatus: string(b.Data.PaymentStatus),
		Product:       b.Data.Product.String(),
		Amount:        money.FormatMajor(b.Data.Amount, b.Data.Currency),
		Currency:      b.Data.Currency,
		Network:       b.Data.Network,
		Checkout: CheckoutJSONResponse{
			CheckoutURL:  b.Data.Checkout.CheckoutURL,
			QRCodeLink:   b.Data.Checkout.QRCodeLink,
			QRContent:    b.Data.Checkout.QRContent,
			Deeplink:     b.Data.Checkout.Deeplink,
			UniversalURL: b.Data.Checkout.UniversalURL,
		},
		CreatedAt: b.Data.CreatedAt,
		ExpiresAt: b.Data.ExpiresAt,
	}
	if !b.Data.PaidAt.IsZero() {
		response.PaidAt = &b.Data.PaidAt
	}
	if !b.Data.ConfirmedAt.IsZero() {
		response.ConfirmedAt = &b.Data.ConfirmedAt
	}
	return response
}

func (h *handler) serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInsufficientData), errors.Is(err, service.ErrAmount), errors.Is(err, service.ErrCurrency):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, service.ErrNotFound), errors.Is(err, service.ErrSessionNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, service.ErrPaymentNotCompleted):
		http.Error(w, err.Error(), http.StatusPaymentRequired)
	case errors.Is(err, service.ErrProductMismatch), errors.Is(err, service.ErrAmountMismatch), errors.Is(err, booking.ErrAlreadyExists):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, service.ErrProviderUnavailable), errors.Is(err, service.ErrProviderRejected), errors.Is(err, service.ErrReconcileFailed):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		h.zaplog.Error("request failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (h *handler) writeJSON(w http.ResponseWriter, code int, v any) {
	responseJSON, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(responseJSON)
}
