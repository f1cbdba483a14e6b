package server

import (
	"net/http"
	"time"
)

type Option interface {
	apply(*config)
}

type optionFunc func(c *config)

func (f optionFunc) apply(c *config) { f(c) }

// config defines fields used for configuring Server instance
type config struct {
	httpServer *http.Server
}

// EnvConfig defines fields used for parsing from environment variables
type EnvConfig struct {
	Host      string `env:"HOST" envDefault:"0.0.0.0"`
	Port      uint16 `env:"PORT" envDefault:"9000"`
	JWTSecret string `env:"JWT_SECRET,required"`
}

// ReadTimeout sets read timeout for http.Server
func ReadTimeout(d time.Duration) Option {
	return optionFunc(func(c *config) {
		c.httpServer.ReadTimeout = d
	})
}

// WriteTimeout sets write timeout for http.Server
func WriteTimeout(d time.Duration) Option {
	return optionFunc(func(c *config) {
		c.httpServer.WriteTimeout = d
	})
}
