package config

type Config struct {
	JWTSecret string `envconfig:"JWT_SECRET" required:"true"`
}
