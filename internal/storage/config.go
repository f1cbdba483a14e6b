package storage

import (
	"strconv"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
)

// Config defines connection parameters, parsed from environment variables.
type Config struct {
	User     string `env:"DB_USER" envDefault:"workchat"`
	Password string `env:"DB_PASSWORD" envDefault:"workchat"`
	Host     string `env:"DB_HOST" envDefault:"127.0.0.1"`
	Port     uint16 `env:"DB_PORT" envDefault:"5432"`
	DBName   string `env:"DB_NAME" envDefault:"workchat"`
}

// DSN renders the config as a pgx keyword/value connection string.
func (c Config) DSN() string {
	return "user=" + c.User +
		" password=" + c.Password +
		" host=" + c.Host +
		" port=" + strconv.FormatUint(uint64(c.Port), 10) +
		" dbname=" + c.DBName +
		" sslmode=disable"
}

// Option alters the default configuration of the pgxpool.Config used during new Store construction
type Option interface {
	apply(*pgxpool.Config)
}

type optionFunc func(c *pgxpool.Config)

func (f optionFunc) apply(c *pgxpool.Config) { f(c) }

// ConnectionTimeout sets timeout for connection to be established
func ConnectionTimeout(d time.Duration) Option {
	return optionFunc(func(c *pgxpool.Config) {
		c.ConnConfig.ConnectTimeout = d
	})
}

// MaxConns caps the connection pool size
func MaxConns(n int32) Option {
	return optionFunc(func(c *pgxpool.Config) {
		c.MaxConns = n
	})
}
