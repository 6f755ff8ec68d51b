package config

import (
	"github.com/kelseyhightower/envconfig"

	authConfig "github.com/iurnickita/paybooking/internal/auth/config"
	handlerConfig "github.com/iurnickita/paybooking/internal/handler/config"
	loggerConfig "github.com/iurnickita/paybooking/internal/logger/config"
	notifyConfig "github.com/iurnickita/paybooking/internal/notify/config"
	serviceConfig "github.com/iurnickita/paybooking/internal/service/config"
	payclientConfig "github.com/iurnickita/paybooking/internal/service/payclient/config"
	signingConfig "github.com/iurnickita/paybooking/internal/signing/config"
	storeConfig "github.com/iurnickita/paybooking/internal/store/config"
)

type Config struct {
	Handler   handlerConfig.Config
	Service   serviceConfig.Config
	PayClient payclientConfig.Config
	Signing   signingConfig.Config
	Store     storeConfig.Config
	Logger    loggerConfig.Config
	Auth      authConfig.Config
	Notify    notifyConfig.Config
}

// GetConfig читает окружение; каждый компонент описывает свои переменные сам
func GetConfig() (Config, error) {
	var cfg Config
	for _, component := range []any{
		&cfg.Handler,
		&cfg.Service,
		&cfg.PayClient,
		&cfg.Signing,
		&cfg.Store,
		&cfg.Logger,
		&cfg.Auth,
		&cfg.Notify,
	} {
		if err := envconfig.Process("", component); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}
