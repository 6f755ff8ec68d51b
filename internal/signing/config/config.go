package config

import "time"

type Config struct {
	Algorithm         string        `envconfig:"SIGN_ALGORITHM" default:"RSA-SHA256"`
	CertificateSN     string        `envconfig:"SIGN_CERT_SN" required:"true"`
	PrivateKey        string        `envconfig:"SIGN_PRIVATE_KEY"`
	SecretKey         string        `envconfig:"SIGN_SECRET_KEY"`
	ProviderPublicKey string        `envconfig:"SIGN_PROVIDER_PUBLIC_KEY"`
	MaxSkew           time.Duration `envconfig:"SIGN_MAX_SKEW" default:"5m"`
}
