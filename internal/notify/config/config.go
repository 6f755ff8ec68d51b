package config

type Config struct {
	// пустой список - публикация отключена
	Brokers []string `envconfig:"KAFKA_BROKERS"`
	Topic   string   `envconfig:"KAFKA_TOPIC" default:"booking.events"`
}
