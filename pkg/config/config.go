package config

import (
	"fmt"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

const (
	BackendBadger = "badger"
	BackendScylla = "scylla"
)

type Config struct {
	HTTPAddr  string        `env:"HTTP_ADDR,default=:8080"`
	JWTSecret string        `env:"JWT_SECRET,required=true"`
	TokenTTL  time.Duration `env:"TOKEN_TTL,default=24h"`

	BcryptCost      int           `env:"BCRYPT_COST,default=10"`
	CORSOrigins     string        `env:"CORS_ORIGINS,default=*"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=15s"`

	StorageBackend string `env:"STORAGE_BACKEND,default=badger"`
	BadgerPath     string `env:"BADGER_PATH,default=data/badger"`
	ScyllaHosts    string `env:"SCYLLA_HOSTS,default=localhost:9042"`
	ScyllaKeyspace string `env:"SCYLLA_KEYSPACE,default=messaging"`
	ScyllaRF       int    `env:"SCYLLA_REPLICATION,default=1"`

	// Optional, an empty address disables the integration.
	RedisAddr    string `env:"REDIS_ADDR"`
	KafkaBrokers string `env:"KAFKA_BROKERS"`
	KafkaTopic   string `env:"KAFKA_TOPIC,default=messaging-events"`

	NodeID          int64         `env:"NODE_ID,default=1"`
	FanoutShards    int           `env:"FANOUT_SHARDS,default=16"`
	FanoutQueueSize int           `env:"FANOUT_QUEUE_SIZE,default=1024"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT,default=90s"`
	PresenceTTL     time.Duration `env:"PRESENCE_TTL,default=90s"`

	// Conversation order is assigned by one writer. Nodes sharing a scylla
	// cluster over a kafka bus run with ACCEPT_WRITES=false except that one.
	WriterNodes  int  `env:"WRITER_NODES,default=1"`
	AcceptWrites bool `env:"ACCEPT_WRITES,default=true"`

	AppEnv         string `env:"APP_ENV,default=dev"`
	LogLevel       string `env:"LOG_LEVEL,default=info"`
	LogBackend     string `env:"LOG_BACKEND"`
	ServiceVersion string `env:"SERVICE_VERSION,default=dev"`
}

// Load reads an optional .env file, then decodes the environment.
func Load(files ...string) (Config, error) {
	_ = godotenv.Load(files...)

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.StorageBackend {
	case BackendBadger, BackendScylla:
	default:
		return fmt.Errorf("config error: unknown STORAGE_BACKEND %q", c.StorageBackend)
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		return fmt.Errorf("config error: NODE_ID %d out of range [0, 1023]", c.NodeID)
	}
	if c.WriterNodes != 1 {
		return fmt.Errorf("config error: WRITER_NODES=%d, conversation order needs exactly one writer node", c.WriterNodes)
	}
	return nil
}

func (c Config) Scylla() []string {
	return splitList(c.ScyllaHosts)
}

func (c Config) Kafka() []string {
	return splitList(c.KafkaBrokers)
}

func (c Config) Origins() []string {
	return splitList(c.CORSOrigins)
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
