package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/iurnickita/paybooking/internal/booking"
)

const bizTypePay = "PAY"

// bizStatus уведомления об оплате
const (
	BizStatusSuccess = "PAY_SUCCESS"
	BizStatusClosed  = "PAY_CLOSED"
	BizStatusFail    = "PAY_FAIL"
)

var ErrMalformed = errors.New("malformed webhook event")

// Event - уведомление, разобранное один раз на входе.
// Signal == nil: событие не относится к оплате и только подтверждается
type Event struct {
	BizType   string
	BizStatus string
	BizID     string
	TradeNo   string
	Signal    booking.Signal
}

type envelope struct {
	BizType   string          `json:"bizType"`
	BizID     json.Number     `json:"bizId"`
	BizIDStr  string          `json:"bizIdStr"`
	BizStatus string          `json:"bizStatus"`
	Data      json.RawMessage `json:"data"`
}

type payData struct {
	MerchantTradeNo string `json:"merchantTradeNo"`
	TransactionID   string `json:"transactionId"`
	TransactTime    int64  `json:"transactTime"`
	PassThroughInfo string `json:"passThroughInfo"`
	Currency        string `json:"currency"`
}

// DecodeEvent разбирает проверенное тело. receivedAt подставляется, если провайдер не передал время
func DecodeEvent(body []byte, receivedAt time.Time) (Event, error) {
	var env envelope
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	if err := decoder.Decode(&env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	event := Event{BizType: env.BizType, BizStatus: env.BizStatus, BizID: env.BizIDStr}
	if event.BizID == "" {
		event.BizID = env.BizID.String()
	}
	if env.BizType != bizTypePay {
		return event, nil
	}

	data, err := decodePayData(env.Data)
	if err != nil {
		return event, err
	}
	if data.MerchantTradeNo == "" {
		return event, fmt.Errorf("%w: merchantTradeNo is empty", ErrMalformed)
	}
	event.TradeNo = data.MerchantTradeNo

	at := receivedAt.UTC()
	if data.TransactTime > 0 {
		at = time.UnixMilli(data.TransactTime).UTC()
	}

	switch env.BizStatus {
	case BizStatusSuccess:
		if data.TransactionID == "" {
			return event, fmt.Errorf("%w: transactionId is empty", ErrMalformed)
		}
		event.Signal = booking.Paid{TradeNo: data.MerchantTradeNo, ProviderTxID: data.TransactionID, PaidAt: at}
	case BizStatusClosed:
		event.Signal = booking.Closed{TradeNo: data.MerchantTradeNo, ClosedAt: at}
	case BizStatusFail:
		event.Signal = booking.Failed{TradeNo: data.MerchantTradeNo, Reason: env.BizStatus, FailedAt: at}
	}
	return event, nil
}

// data приходит строкой с JSON внутри; объект тоже принимаем
func decodePayData(raw json.RawMessage) (payData, error) {
	var data payData
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return data, fmt.Errorf("%w: data is empty", ErrMalformed)
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return data, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		raw = []byte(inner)
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return data, nil
}
