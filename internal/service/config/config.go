package config

import "time"

type Config struct {
	OrderTTL          time.Duration `envconfig:"ORDER_TTL" default:"15m"`
	AllowedCurrencies []string      `envconfig:"ALLOWED_CURRENCIES" default:"USDT,BUSD,BNB,BTC,ETH,USDC"`
}
