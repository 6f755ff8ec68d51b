package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iurnickita/paybooking/internal/auth"
	authConfig "github.com/iurnickita/paybooking/internal/auth/config"
	"github.com/iurnickita/paybooking/internal/booking"
	"github.com/iurnickita/paybooking/internal/metrics"
	"github.com/iurnickita/paybooking/internal/service"
	serviceConfig "github.com/iurnickita/paybooking/internal/service/config"
	"github.com/iurnickita/paybooking/internal/service/payclient"
	payclientConfig "github.com/iurnickita/paybooking/internal/service/payclient/config"
	"github.com/iurnickita/paybooking/internal/signing"
	"github.com/iurnickita/paybooking/internal/store"
	"github.com/iurnickita/paybooking/internal/token"
	"github.com/iurnickita/paybooking/internal/webhook"
)

const jwtSecret = "jwt-secret"

// provider - платежный провайдер на httptest; помнит созданные заказы
type provider struct {
	mutex  sync.Mutex
	codec  signing.Codec
	orders map[string]map[string]any
	paid   map[string]bool
}

func (p *provider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	if !p.codec.Verify(signing.HeadersFrom(r.Header), body) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":"FAIL","code":"400002","errorMessage":"signature error"}`))
		return
	}
	var req map[string]any
	_ = json.Unmarshal(body, &req)

	p.mutex.Lock()
	defer p.mutex.Unlock()
	var data map[string]any
	switch r.URL.Path {
	case "/binancepay/openapi/v3/order":
		prepayID := "prepay-" + req["merchantTradeNo"].(string)
		p.orders[prepayID] = req
		data = map[string]any{"prepayId": prepayID, "checkoutUrl": "https://pay.example/" + prepayID}
	case "/binancepay/openapi/v2/order/query":
		prepayID := req["prepayId"].(string)
		order := p.orders[prepayID]
		status := "INITIAL"
		if p.paid[prepayID] {
			status = "PAID"
		}
		data = map[string]any{
			"prepayId":        prepayID,
			"transactionId":   "tx-" + prepayID,
			"merchantTradeNo": order["merchantTradeNo"],
			"status":          status,
			"currency":        order["currency"],
			"orderAmount":     order["orderAmount"],
			"passThroughInfo": order["passThroughInfo"],
			"transactTime":    time.Now().UnixMilli(),
		}
	}
	out, _ := json.Marshal(map[string]any{"status": "SUCCESS", "code": "000000", "data": data})
	_, _ = w.Write(out)
}

type env struct {
	server   *httptest.Server
	provider *provider
	codec    signing.Codec
	store    store.Store
	now      time.Time
	mutex    sync.Mutex
}

func (e *env) clock() time.Time {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.now
}

func (e *env) advance(d time.Duration) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.now = e.now.Add(d)
}

func newEnv(t *testing.T) *env {
	t.Helper()
	codec := signing.NewHMACCodec("cert-1", []byte("shared-secret"), 5*time.Minute)
	e := &env{
		provider: &provider{codec: codec, orders: map[string]map[string]any{}, paid: map[string]bool{}},
		codec:    codec,
		store:    store.NewMemStore(),
		now:      time.Now().UTC(),
	}
	providerServer := httptest.NewServer(e.provider)
	t.Cleanup(providerServer.Close)

	zaplog := zap.NewNop()
	m := metrics.NewMetrics()
	b := booking.NewBooking(e.store, zaplog, booking.WithClock(e.clock))
	pay := payclient.NewPayClient(payclientConfig.Config{BaseURL: providerServer.URL, Timeout: time.Second}, codec)
	s, err := service.NewService(serviceConfig.Config{AllowedCurrencies: []string{"USDT"}}, b, pay, zaplog)
	require.NoError(t, err)
	receiver := webhook.NewReceiver(codec, b, e.store, m, zaplog)

	h := newHandler(auth.NewAuth(authConfig.Config{JWTSecret: jwtSecret}), s, receiver, m, e.store, zaplog)
	e.server = httptest.NewServer(h.newRouter())
	t.Cleanup(e.server.Close)
	return e
}

func (e *env) call(t *testing.T, method, path, userCode string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	if userCode != "" {
		tokenString, err := token.BuildJWTString(userCode, jwtSecret, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tokenString)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, respBody
}

func (e *env) webhook(t *testing.T, bizStatus, tradeNo string) int {
	t.Helper()
	data, _ := json.Marshal(map[string]any{"merchantTradeNo": tradeNo, "transactionId": "tx-" + tradeNo})
	body, _ := json.Marshal(map[string]any{"bizType": "PAY", "bizIdStr": "1", "bizStatus": bizStatus, "data": string(data)})
	headers, err := e.codec.Sign(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, e.server.URL+"/api/webhooks/pay", bytes.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers.Map() {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	ack, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusOK {
		require.JSONEq(t, webhook.Ack, string(ack))
	}
	return resp.StatusCode
}

func (e *env) createOrder(t *testing.T, product string) BookingJSONResponse {
	t.Helper()
	code, body := e.call(t, http.MethodPost, "/api/orders", "100001", map[string]any{
		"amount":   50,
		"currency": "USDT",
		"email":    "ann@example.com",
		"product":  product,
	})
	require.Equal(t, http.StatusCreated, code, string(body))
	var created BookingJSONResponse
	require.NoError(t, json.Unmarshal(body, &created))
	return created
}

func (e *env) status(t *testing.T, tradeNo string) BookingJSONResponse {
	t.Helper()
	code, body := e.call(t, http.MethodGet, "/api/orders/"+tradeNo, "100001", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	var got BookingJSONResponse
	require.NoError(t, json.Unmarshal(body, &got))
	return got
}

func TestOrderLifecycle(t *testing.T) {
	e := newEnv(t)

	created := e.createOrder(t, "bootcamp:42")
	require.Equal(t, "PENDING", created.Status)
	require.Equal(t, "50.00", created.Amount)
	require.Equal(t, created.CreatedAt.Add(15*time.Minute), created.ExpiresAt)
	require.Equal(t, "https://pay.example/prepay-"+created.TradeNo, created.Checkout.CheckoutURL)

	require.Equal(t, http.StatusOK, e.webhook(t, "PAY_SUCCESS", created.TradeNo))
	got := e.status(t, created.TradeNo)
	require.Equal(t, "PAID", got.Status)
	require.NotNil(t, got.PaidAt)

	require.Equal(t, http.StatusOK, e.webhook(t, "PAY_SUCCESS", created.TradeNo))
	require.Equal(t, "PAID", e.status(t, created.TradeNo).Status)
	require.Equal(t, 1, store.EnrollmentCount(e.store))

	require.Equal(t, http.StatusOK, e.webhook(t, "PAY_CLOSED", created.TradeNo))
	got = e.status(t, created.TradeNo)
	require.Equal(t, "CONFIRMED", got.Status)
	require.NotNil(t, got.ConfirmedAt)

	// вебхук не пришел: после срока чтение возвращает EXPIRED
	missed := e.createOrder(t, "bootcamp:42")
	e.advance(15*time.Minute + time.Second)
	require.Equal(t, "EXPIRED", e.status(t, missed.TradeNo).Status)
}

func TestReconcile(t *testing.T) {
	e := newEnv(t)
	created := e.createOrder(t, "bootcamp:42")

	request := map[string]any{"session_id": created.SessionID, "product": "bootcamp:42"}

	code, body := e.call(t, http.MethodPost, "/api/orders/reconcile", "100001", request)
	require.Equal(t, http.StatusPaymentRequired, code, string(body))

	e.provider.mutex.Lock()
	e.provider.paid[created.SessionID] = true
	e.provider.mutex.Unlock()

	code, body = e.call(t, http.MethodPost, "/api/orders/reconcile", "100001", map[string]any{"session_id": created.SessionID, "product": "bootcamp:43"})
	require.Equal(t, http.StatusConflict, code, string(body))

	code, body = e.call(t, http.MethodPost, "/api/orders/reconcile", "100001", request)
	require.Equal(t, http.StatusOK, code, string(body))
	var res PostReconcileJSONResponse
	require.NoError(t, json.Unmarshal(body, &res))
	require.Equal(t, "PAID", res.Booking.Status)
	require.NotNil(t, res.Enrollment)
	require.Equal(t, "42", res.Enrollment.BootcampID)

	// вебхук после сверки - no-op
	require.Equal(t, http.StatusOK, e.webhook(t, "PAY_SUCCESS", created.TradeNo))
	require.Equal(t, 1, store.EnrollmentCount(e.store))

	code, _ = e.call(t, http.MethodPost, "/api/orders/reconcile", "100001", map[string]any{"session_id": "prepay-unknown", "product": "bootcamp:42"})
	require.Equal(t, http.StatusNotFound, code)
}

func TestRequestErrors(t *testing.T) {
	e := newEnv(t)
	created := e.createOrder(t, "meeting:intro-30")

	code, _ := e.call(t, http.MethodGet, "/api/orders/"+created.TradeNo, "", nil)
	require.Equal(t, http.StatusUnauthorized, code)

	code, _ = e.call(t, http.MethodGet, "/api/orders/"+created.TradeNo, "100002", nil)
	require.Equal(t, http.StatusNotFound, code)

	code, _ = e.call(t, http.MethodGet, "/api/orders/T1", "100001", nil)
	require.Equal(t, http.StatusBadRequest, code)

	tests := []struct {
		name string
		body map[string]any
		want int
	}{
		{"bad product", map[string]any{"amount": 50, "currency": "USDT", "product": "course:1"}, http.StatusBadRequest},
		{"zero amount", map[string]any{"amount": 0, "currency": "USDT", "product": "meeting:1"}, http.StatusBadRequest},
		{"excess precision", map[string]any{"amount": "50.001", "currency": "USDT", "product": "meeting:1"}, http.StatusBadRequest},
		{"currency", map[string]any{"amount": 50, "currency": "EUR", "product": "meeting:1"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := e.call(t, http.MethodPost, "/api/orders", "100001", tt.body)
			require.Equal(t, tt.want, code, string(body))
		})
	}

	require.Equal(t, http.StatusUnauthorized, func() int {
		resp, err := http.Post(e.server.URL+"/api/webhooks/pay", "application/json", strings.NewReader(`{"bizType":"PAY"}`))
		require.NoError(t, err)
		defer resp.Body.Close()
		return resp.StatusCode
	}())
}

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("down") }

func TestHealthAndMetrics(t *testing.T) {
	e := newEnv(t)

	code, _ := e.call(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, code)

	e.createOrder(t, "meeting:intro-30")
	code, body := e.call(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, string(body), `paybooking_http_requests_total{handler="create_order",status="201"} 1`)

	h := newHandler(nil, nil, nil, metrics.NewMetrics(), downPinger{}, zap.NewNop())
	w := httptest.NewRecorder()
	h.Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}
