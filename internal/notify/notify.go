// Package notify публикует события жизненного цикла бронирования.
// Публикация необязательна: ошибка не отменяет уже примененный переход.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/iurnickita/paybooking/internal/model"
	"github.com/iurnickita/paybooking/internal/notify/config"
)

type Notifier interface {
	Publish(ctx context.Context, event model.BookingEvent) error
	Close() error
}

func NewNotifier(cfg config.Config) Notifier {
	if len(cfg.Brokers) == 0 {
		return nopNotifier{}
	}
	return &kafkaNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

type kafkaNotifier struct {
	writer *kafka.Writer
}

// Publish: ключ сообщения - номер сделки, события одной сделки попадают в одну партицию
func (n *kafkaNotifier) Publish(ctx context.Context, event model.BookingEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.TradeNo),
		Value: data,
		Time:  time.Now().UTC(),
	})
}

func (n *kafkaNotifier) Close() error {
	return n.writer.Close()
}

type nopNotifier struct{}

func (nopNotifier) Publish(context.Context, model.BookingEvent) error { return nil }
func (nopNotifier) Close() error                                      { return nil }

// Nop - публикация отключена
func Nop() Notifier {
	return nopNotifier{}
}
