package config

import "time"

type Config struct {
	BaseURL    string        `envconfig:"PAY_BASE_URL" default:"https://bpay.binanceapi.com"`
	Timeout    time.Duration `envconfig:"PAY_TIMEOUT" default:"10s"`
	WebhookURL string        `envconfig:"WEBHOOK_URL"`
}
