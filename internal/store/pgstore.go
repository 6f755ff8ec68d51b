package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/iurnickita/paybooking/internal/model"
	"github.com/iurnickita/paybooking/internal/store/config"
)

const bookingColumns = "trade_no, COALESCE(provider_order_id, ''), provider_tx_id, customer, email, name," +
	" product_kind, product_id, amount, currency, network, status, payment_status," +
	" checkout_url, qrcode_link, qr_content, deeplink, universal_url," +
	" created_at, expires_at, paid_at, confirmed_at"

type pgStore struct {
	database *sql.DB
}

// NewPGStore открывает пул соединений один раз на процесс
func NewPGStore(cfg config.Config) (Store, error) {
	db, err := sql.Open("pgx", cfg.DBDsn)
	if err != nil {
		return nil, err
	}

	// Таблица бронирований.
	// Одна строка на номер сделки, меняется только статус и поля оплаты.
	// provider_order_id уникален, NULL до получения от провайдера
	_, err = db.Exec(
		"CREATE TABLE IF NOT EXISTS booking (" +
			" trade_no VARCHAR (32) PRIMARY KEY," +
			" provider_order_id VARCHAR (64) UNIQUE," +
			" provider_tx_id VARCHAR (64) NOT NULL DEFAULT ''," +
			" customer VARCHAR (64) NOT NULL," +
			" email VARCHAR (254) NOT NULL," +
			" name VARCHAR (128) NOT NULL," +
			" product_kind VARCHAR (16) NOT NULL," +
			" product_id VARCHAR (64) NOT NULL," +
			" amount BIGINT NOT NULL," +
			" currency VARCHAR (10) NOT NULL," +
			" network VARCHAR (32) NOT NULL," +
			" status VARCHAR (10) NOT NULL," +
			" payment_status VARCHAR (16) NOT NULL," +
			" checkout_url TEXT NOT NULL," +
			" qrcode_link TEXT NOT NULL," +
			" qr_content TEXT NOT NULL," +
			" deeplink TEXT NOT NULL," +
			" universal_url TEXT NOT NULL," +
			" created_at TIMESTAMPTZ NOT NULL," +
			" expires_at TIMESTAMPTZ NOT NULL," +
			" paid_at TIMESTAMPTZ," +
			" confirmed_at TIMESTAMPTZ" +
			" );")
	if err != nil {
		return nil, err
	}

	// Таблица зачислений. Ключ - номер сделки, повторная вставка игнорируется
	_, err = db.Exec(
		"CREATE TABLE IF NOT EXISTS enrollment (" +
			" trade_no VARCHAR (32) PRIMARY KEY REFERENCES booking (trade_no)," +
			" id UUID NOT NULL UNIQUE," +
			" bootcamp_id VARCHAR (64) NOT NULL," +
			" customer VARCHAR (64) NOT NULL," +
			" email VARCHAR (254) NOT NULL," +
			" name VARCHAR (128) NOT NULL," +
			" created_at TIMESTAMPTZ NOT NULL" +
			" );")
	if err != nil {
		return nil, err
	}

	// Журнал входящих вебхуков, в том числе с неверной подписью
	_, err = db.Exec(
		"CREATE TABLE IF NOT EXISTS webhook_event (" +
			" id UUID PRIMARY KEY," +
			" biz_type VARCHAR (32) NOT NULL," +
			" biz_status VARCHAR (32) NOT NULL," +
			" biz_id VARCHAR (64) NOT NULL," +
			" trade_no VARCHAR (32) NOT NULL," +
			" signature_valid BOOLEAN NOT NULL," +
			" payload TEXT NOT NULL," +
			" outcome VARCHAR (32) NOT NULL," +
			" received_at TIMESTAMPTZ NOT NULL" +
			" );")
	if err != nil {
		return nil, err
	}

	return &pgStore{
		database: db,
	}, nil
}

func (store *pgStore) BookingPost(ctx context.Context, booking model.Booking) error {
	d := booking.Data
	_, err := store.database.ExecContext(ctx,
		"INSERT INTO booking (trade_no, provider_order_id, provider_tx_id, customer, email, name,"+
			" product_kind, product_id, amount, currency, network, status, payment_status,"+
			" checkout_url, qrcode_link, qr_content, deeplink, universal_url,"+
			" created_at, expires_at, paid_at, confirmed_at)"+
			" VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,"+
			" $14, $15, $16, $17, $18, $19, $20, $21, $22)",
		booking.TradeNo,
		d.ProviderOrderID,
		d.ProviderTxID,
		d.Customer,
		d.Email,
		d.Name,
		string(d.Product.Kind),
		d.Product.ID,
		d.Amount,
		d.Currency,
		d.Network,
		string(d.Status),
		string(d.PaymentStatus),
		d.Checkout.CheckoutURL,
		d.Checkout.QRCodeLink,
		d.Checkout.QRContent,
		d.Checkout.Deeplink,
		d.Checkout.UniversalURL,
		d.CreatedAt,
		d.ExpiresAt,
		nullTime(d.PaidAt),
		nullTime(d.ConfirmedAt))
	if err != nil {
		// Проверка: уже существует
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == "23505" {
				return ErrAlreadyExists
			}
		}
		return err
	}
	return nil
}

func (store *pgStore) BookingGet(ctx context.Context, tradeNo string) (model.Booking, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT "+bookingColumns+
			" FROM booking"+
			" WHERE trade_no = $1",
		tradeNo)
	return scanBooking(row)
}

func (store *pgStore) BookingGetByProviderOrder(ctx context.Context, providerOrderID string) (model.Booking, error) {
	if providerOrderID == "" {
		return model.Booking{}, ErrNoRows
	}
	row := store.database.QueryRowContext(ctx,
		"SELECT "+bookingColumns+
			" FROM booking"+
			" WHERE provider_order_id = $1",
		providerOrderID)
	return scanBooking(row)
}

func (store *pgStore) BookingTransition(ctx context.Context, t model.Transition) (bool, error) {
	tx, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var paidAt, confirmedAt sql.NullTime
	switch t.To {
	case model.BookingStatusPaid:
		paidAt = nullTime(t.At)
	case model.BookingStatusConfirmed:
		confirmedAt = nullTime(t.At)
	}

	// Условное обновление: строка меняется, только если статус все еще From
	res, err := tx.ExecContext(ctx,
		"UPDATE booking"+
			" SET status = $3,"+
			"     payment_status = $4,"+
			"     provider_tx_id = COALESCE(NULLIF(provider_tx_id, ''), $5),"+
			"     paid_at = COALESCE($6, paid_at),"+
			"     confirmed_at = COALESCE($7, confirmed_at)"+
			" WHERE trade_no = $1"+
			"   AND status = $2",
		t.TradeNo,
		string(t.From),
		string(t.To),
		string(t.PaymentStatus),
		t.ProviderTxID,
		paidAt,
		confirmedAt)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}

	if t.Enrollment != nil {
		e := t.Enrollment
		_, err = tx.ExecContext(ctx,
			"INSERT INTO enrollment (trade_no, id, bootcamp_id, customer, email, name, created_at)"+
				" VALUES ($1, $2, $3, $4, $5, $6, $7)"+
				" ON CONFLICT (trade_no) DO NOTHING",
			e.TradeNo,
			e.Data.ID,
			e.Data.BootcampID,
			e.Data.Customer,
			e.Data.Email,
			e.Data.Name,
			e.Data.CreatedAt)
		if err != nil {
			return false, err
		}
	}

	if err = tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (store *pgStore) EnrollmentGet(ctx context.Context, tradeNo string) (model.Enrollment, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT trade_no, id, bootcamp_id, customer, email, name, created_at"+
			" FROM enrollment"+
			" WHERE trade_no = $1",
		tradeNo)
	var e model.Enrollment
	err := row.Scan(&e.TradeNo,
		&e.Data.ID,
		&e.Data.BootcampID,
		&e.Data.Customer,
		&e.Data.Email,
		&e.Data.Name,
		&e.Data.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.Enrollment{}, ErrNoRows
		}
		return model.Enrollment{}, err
	}
	return e, nil
}

func (store *pgStore) WebhookEventPost(ctx context.Context, event model.WebhookEvent) error {
	d := event.Data
	_, err := store.database.ExecContext(ctx,
		"INSERT INTO webhook_event (id, biz_type, biz_status, biz_id, trade_no, signature_valid, payload, outcome, received_at)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		event.ID,
		d.BizType,
		d.BizStatus,
		d.BizID,
		d.TradeNo,
		d.SignatureValid,
		d.Payload,
		d.Outcome,
		d.ReceivedAt)
	return err
}

func (store *pgStore) Ping(ctx context.Context) error {
	return store.database.PingContext(ctx)
}

func (store *pgStore) Close() error {
	return store.database.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (model.Booking, error) {
	var b model.Booking
	var kind, status, paymentStatus string
	var paidAt, confirmedAt sql.NullTime
	err := row.Scan(&b.TradeNo,
		&b.Data.ProviderOrderID,
		&b.Data.ProviderTxID,
		&b.Data.Customer,
		&b.Data.Email,
		&b.Data.Name,
		&kind,
		&b.Data.Product.ID,
		&b.Data.Amount,
		&b.Data.Currency,
		&b.Data.Network,
		&status,
		&paymentStatus,
		&b.Data.Checkout.CheckoutURL,
		&b.Data.Checkout.QRCodeLink,
		&b.Data.Checkout.QRContent,
		&b.Data.Checkout.Deeplink,
		&b.Data.Checkout.UniversalURL,
		&b.Data.CreatedAt,
		&b.Data.ExpiresAt,
		&paidAt,
		&confirmedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.Booking{}, ErrNoRows
		}
		return model.Booking{}, err
	}
	b.Data.Product.Kind = model.ProductKind(kind)
	b.Data.Status = model.BookingStatus(status)
	b.Data.PaymentStatus = model.PaymentStatus(paymentStatus)
	b.Data.PaidAt = paidAt.Time
	b.Data.ConfirmedAt = confirmedAt.Time
	return b, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
