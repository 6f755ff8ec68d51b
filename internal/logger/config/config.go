package config

type Config struct {
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}
