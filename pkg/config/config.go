// Package config holds the environment driven configuration of the gateway,
// api and messaging services.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

type Common struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	JWTSecret   string `env:"JWT_SECRET,required"`
}

type Kafka struct {
	Brokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:19092" envSeparator:","`
	Topic   string   `env:"KAFKA_TOPIC" envDefault:"chat-messages"`
}

type Scylla struct {
	Hosts             []string `env:"SCYLLA_HOSTS" envDefault:"localhost:9042" envSeparator:","`
	Keyspace          string   `env:"SCYLLA_KEYSPACE" envDefault:"chat"`
	ReplicationFactor int      `env:"SCYLLA_REPLICATION_FACTOR" envDefault:"1"`
}

type Redis struct {
	Addr        string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	PresenceKey string `env:"PRESENCE_KEY" envDefault:"presence:online"`
}

type Gateway struct {
	Common
	Kafka
	Redis

	Addr            string        `env:"GATEWAY_ADDR" envDefault:":8080"`
	NodeID          int64         `env:"NODE_ID" envDefault:"1"`
	TypingChannel   string        `env:"TYPING_CHANNEL" envDefault:"chat-typing"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

type API struct {
	Common
	Scylla
	Redis

	Addr            string        `env:"API_ADDR" envDefault:":8081"`
	TokenTTL        time.Duration `env:"TOKEN_TTL" envDefault:"24h"`
	CORSOrigins     []string      `env:"CORS_ORIGINS" envDefault:"http://localhost:3000,http://localhost:5173" envSeparator:","`
	HistoryLimit    int           `env:"HISTORY_LIMIT" envDefault:"200"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

type Messaging struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	Kafka
	Scylla

	GroupID    string        `env:"KAFKA_GROUP_ID" envDefault:"messaging-service-group"`
	MaxRetries int           `env:"PERSIST_MAX_RETRIES" envDefault:"3"`
	RetryDelay time.Duration `env:"PERSIST_RETRY_DELAY" envDefault:"1s"`
}

// Load reads the optional dotenv files (".env" when none are given) into the
// process environment and parses it into a T.
func Load[T any](files ...string) (*T, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load dotenv: %w", err)
	}

	cfg := new(T)
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}
	return cfg, nil
}
