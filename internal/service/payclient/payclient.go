// Package payclient - HTTP-клиент платежного провайдера.
// Только ввод-вывод: состояние бронирований здесь не меняется.
package payclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/iurnickita/paybooking/internal/model"
	"github.com/iurnickita/paybooking/internal/money"
	"github.com/iurnickita/paybooking/internal/service/payclient/config"
	"github.com/iurnickita/paybooking/internal/signing"
)

const (
	pathCreateOrder = "/binancepay/openapi/v3/order"
	pathQueryOrder  = "/binancepay/openapi/v2/order/query"
)

const envelopeStatusSuccess = "SUCCESS"

// Статусы заказа у провайдера
const (
	OrderStatusInitial  = "INITIAL"
	OrderStatusPending  = "PENDING"
	OrderStatusPaid     = "PAID"
	OrderStatusCanceled = "CANCELED"
	OrderStatusError    = "ERROR"
	OrderStatusExpired  = "EXPIRED"
)

var (
	// ErrUnavailable - сеть или 5xx: вызывающий может повторить
	ErrUnavailable = errors.New("payment provider unavailable")
	ErrRejected    = errors.New("payment provider rejected request")
	ErrMalformed   = errors.New("malformed payment provider response")
)

type OrderRequest struct {
	TradeNo     string
	Amount      int64
	Currency    string
	Product     model.ProductRef
	Description string
	ExpiresAt   time.Time
}

type OrderAnswer struct {
	PrepayID   string
	ExpireTime time.Time
	Checkout   model.Checkout
}

// QueryRequest: достаточно одного из идентификаторов
type QueryRequest struct {
	TradeNo  string
	PrepayID string
}

type QueryAnswer struct {
	PrepayID        string
	TransactionID   string
	TradeNo         string
	Status          string
	Currency        string
	Amount          int64
	PassThroughInfo string
	TransactTime    time.Time
}

type PayClient interface {
	CreateOrder(ctx context.Context, req OrderRequest) (OrderAnswer, error)
	QueryOrder(ctx context.Context, req QueryRequest) (QueryAnswer, error)
}

type payClient struct {
	client     *resty.Client
	codec      signing.Codec
	webhookURL string
}

// NewPayClient: один resty.Client на процесс
func NewPayClient(cfg config.Config, codec signing.Codec) PayClient {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout)
	return &payClient{client: client, codec: codec, webhookURL: cfg.WebhookURL}
}

// JSON конверт ответа провайдера
type envelope struct {
	Status       string          `json:"status"`
	Code         string          `json:"code"`
	Data         json.RawMessage `json:"data"`
	ErrorMessage string          `json:"errorMessage"`
}

type terminalEnv struct {
	TerminalType string `json:"terminalType"`
}

type goodsDetail struct {
	GoodsType        string `json:"goodsType"`
	GoodsCategory    string `json:"goodsCategory"`
	ReferenceGoodsID string `json:"referenceGoodsId"`
	GoodsName        string `json:"goodsName"`
}

type createOrderBody struct {
	Env             terminalEnv   `json:"env"`
	MerchantTradeNo string        `json:"merchantTradeNo"`
	OrderAmount     json.Number   `json:"orderAmount"`
	Currency        string        `json:"currency"`
	Description     string        `json:"description"`
	GoodsDetails    []goodsDetail `json:"goodsDetails"`
	PassThroughInfo string        `json:"passThroughInfo"`
	OrderExpireTime int64         `json:"orderExpireTime,omitempty"`
	WebhookURL      string        `json:"webhookUrl,omitempty"`
}

type createOrderData struct {
	PrepayID     string `json:"prepayId"`
	ExpireTime   int64  `json:"expireTime"`
	QrcodeLink   string `json:"qrcodeLink"`
	QrContent    string `json:"qrContent"`
	CheckoutURL  string `json:"checkoutUrl"`
	Deeplink     string `json:"deeplink"`
	UniversalURL string `json:"universalUrl"`
}

type queryOrderBody struct {
	MerchantTradeNo string `json:"merchantTradeNo,omitempty"`
	PrepayID        string `json:"prepayId,omitempty"`
}

type queryOrderData struct {
	PrepayID        string          `json:"prepayId"`
	TransactionID   string          `json:"transactionId"`
	MerchantTradeNo string          `json:"merchantTradeNo"`
	Status          string          `json:"status"`
	Currency        string          `json:"currency"`
	OrderAmount     decimal.Decimal `json:"orderAmount"`
	PassThroughInfo string          `json:"passThroughInfo"`
	TransactTime    int64           `json:"transactTime"`
}

func (client *payClient) CreateOrder(ctx context.Context, req OrderRequest) (OrderAnswer, error) {
	description := req.Description
	if description == "" {
		description = req.Product.String()
	}
	body := createOrderBody{
		Env:             terminalEnv{TerminalType: "WEB"},
		MerchantTradeNo: req.TradeNo,
		OrderAmount:     json.Number(money.FormatMajor(req.Amount, req.Currency)),
		Currency:        req.Currency,
		Description:     description,
		GoodsDetails: []goodsDetail{{
			GoodsType:        "02",
			GoodsCategory:    "Z000",
			ReferenceGoodsID: req.Product.String(),
			GoodsName:        description,
		}},
		PassThroughInfo: req.Product.String(),
		WebhookURL:      client.webhookURL,
	}
	if !req.ExpiresAt.IsZero() {
		body.OrderExpireTime = req.ExpiresAt.UnixMilli()
	}

	var data createOrderData
	if err := client.post(ctx, pathCreateOrder, body, &data); err != nil {
		return OrderAnswer{}, err
	}
	if data.PrepayID == "" {
		return OrderAnswer{}, fmt.Errorf("%w: empty prepayId", ErrMalformed)
	}

	answer := OrderAnswer{
		PrepayID: data.PrepayID,
		Checkout: model.Checkout{
			CheckoutURL:  data.CheckoutURL,
			QRCodeLink:   data.QrcodeLink,
			QRContent:    data.QrContent,
			Deeplink:     data.Deeplink,
			UniversalURL: data.UniversalURL,
		},
	}
	if data.ExpireTime > 0 {
		answer.ExpireTime = time.UnixMilli(data.ExpireTime).UTC()
	}
	return answer, nil
}

func (client *payClient) QueryOrder(ctx context.Context, req QueryRequest) (QueryAnswer, error) {
	var data queryOrderData
	body := queryOrderBody{MerchantTradeNo: req.TradeNo, PrepayID: req.PrepayID}
	if err := client.post(ctx, pathQueryOrder, body, &data); err != nil {
		return QueryAnswer{}, err
	}

	answer := QueryAnswer{
		PrepayID:        data.PrepayID,
		TransactionID:   data.TransactionID,
		TradeNo:         data.MerchantTradeNo,
		Status:          data.Status,
		Currency:        data.Currency,
		PassThroughInfo: data.PassThroughInfo,
	}
	if data.TransactTime > 0 {
		answer.TransactTime = time.UnixMilli(data.TransactTime).UTC()
	}
	if !data.OrderAmount.IsZero() {
		amount, err := money.ToMinor(data.OrderAmount, data.Currency)
		if err != nil {
			return QueryAnswer{}, fmt.Errorf("%w: orderAmount %s", ErrMalformed, data.OrderAmount)
		}
		answer.Amount = amount
	}
	return answer, nil
}

// post подписывает ровно те байты, которые уходят в теле запроса
func (client *payClient) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	headers, err := client.codec.Sign(body)
	if err != nil {
		return err
	}

	setreq := client.client.R()
	setreq.Method = http.MethodPost
	setreq.URL = path
	setreq.SetContext(ctx)
	setreq.SetHeader("Content-Type", "application/json")
	setreq.SetHeaders(headers.Map())
	setreq.SetBody(body)
	setresp, err := setreq.Send()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if setresp.StatusCode() >= http.StatusInternalServerError {
		return fmt.Errorf("%w: status %d", ErrUnavailable, setresp.StatusCode())
	}

	var env envelope
	if err = json.Unmarshal(setresp.Body(), &env); err != nil {
		if setresp.StatusCode() != http.StatusOK {
			return fmt.Errorf("%w: status %d", ErrRejected, setresp.StatusCode())
		}
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if setresp.StatusCode() != http.StatusOK || env.Status != envelopeStatusSuccess {
		return fmt.Errorf("%w: status %d code %s: %s", ErrRejected, setresp.StatusCode(), env.Code, env.ErrorMessage)
	}

	if err = json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
