package model

import (
	"errors"
	"strings"
	"time"
)

// Бронирования (платежные попытки)

type Booking struct {
	TradeNo string
	Data    BookingData
}
type BookingData struct {
	ProviderOrderID string
	ProviderTxID    string
	Customer        string
	Email           string
	Name            string
	Product         ProductRef
	Amount          int64 // в минимальных единицах валюты
	Currency        string
	Network         string
	Status          BookingStatus
	PaymentStatus   PaymentStatus
	Checkout        Checkout
	CreatedAt       time.Time
	ExpiresAt       time.Time
	PaidAt          time.Time
	ConfirmedAt     time.Time
}

type BookingStatus string

const (
	BookingStatusPending   BookingStatus = "PENDING"
	BookingStatusPaid      BookingStatus = "PAID"
	BookingStatusConfirmed BookingStatus = "CONFIRMED"
	BookingStatusFailed    BookingStatus = "FAILED"
	BookingStatusExpired   BookingStatus = "EXPIRED"
)

// Terminal: исход оплаты определен. Из PAID допускается только переход в CONFIRMED
func (s BookingStatus) Terminal() bool {
	return s != BookingStatusPending
}

// Succeeded: средства получены
func (s BookingStatus) Succeeded() bool {
	return s == BookingStatusPaid || s == BookingStatusConfirmed
}

// Статус оплаты в терминах провайдера (bizStatus)
type PaymentStatus string

const (
	PaymentStatusInitial PaymentStatus = "INITIAL"
	PaymentStatusSuccess PaymentStatus = "PAY_SUCCESS"
	PaymentStatusClosed  PaymentStatus = "PAY_CLOSED"
	PaymentStatusFailed  PaymentStatus = "PAY_FAIL"
	PaymentStatusExpired PaymentStatus = "EXPIRED"
)

// Данные для оплаты от провайдера, клиенту отдаются без изменений
type Checkout struct {
	CheckoutURL  string
	QRCodeLink   string
	QRContent    string
	Deeplink     string
	UniversalURL string
}

// Продукт

type ProductKind string

const (
	ProductKindMeeting  ProductKind = "meeting"
	ProductKindBootcamp ProductKind = "bootcamp"
)

type ProductRef struct {
	Kind ProductKind
	ID   string
}

var ErrProductRef = errors.New("malformed product reference")

func (p ProductRef) String() string {
	return string(p.Kind) + ":" + p.ID
}

func (p ProductRef) Validate() error {
	if p.ID == "" || strings.Contains(p.ID, ":") {
		return ErrProductRef
	}
	switch p.Kind {
	case ProductKindMeeting, ProductKindBootcamp:
		return nil
	default:
		return ErrProductRef
	}
}

// ParseProductRef разбирает форму "kind:id"
func ParseProductRef(s string) (ProductRef, error) {
	kind, id, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return ProductRef{}, ErrProductRef
	}
	ref := ProductRef{Kind: ProductKind(kind), ID: id}
	if err := ref.Validate(); err != nil {
		return ProductRef{}, err
	}
	return ref, nil
}

// Переходы состояний

// Transition - условная запись: применяется, только если текущий статус равен From
type Transition struct {
	TradeNo       string
	From          BookingStatus
	To            BookingStatus
	PaymentStatus PaymentStatus
	ProviderTxID  string // не перезаписывается, если уже задан
	At            time.Time
	Enrollment    *Enrollment // создается в той же транзакции
}

// Зачисления (bootcamp)

type Enrollment struct {
	TradeNo string
	Data    EnrollmentData
}
type EnrollmentData struct {
	ID         string
	BootcampID string
	Customer   string
	Email      string
	Name       string
	CreatedAt  time.Time
}

// Журнал вебхуков

type WebhookEvent struct {
	ID   string
	Data WebhookEventData
}
type WebhookEventData struct {
	BizType        string
	BizStatus      string
	BizID          string
	TradeNo        string
	SignatureValid bool
	Payload        string
	Outcome        string
	ReceivedAt     time.Time
}

// События жизненного цикла

type BookingEvent struct {
	TradeNo       string        `json:"trade_no"`
	Status        BookingStatus `json:"status"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	Product       string        `json:"product"`
	Customer      string        `json:"customer"`
	Amount        int64         `json:"amount"`
	Currency      string        `json:"currency"`
	OccurredAt    time.Time     `json:"occurred_at"`
}
