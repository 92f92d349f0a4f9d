package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	StorageMySQL  = "mysql"
	StorageMemory = "memory"
)

type Config struct {
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`
	GRPCAddr string `envconfig:"GRPC_ADDR" default:":9090"`

	StorageDriver string `envconfig:"STORAGE_DRIVER" default:"mysql"`
	MySQLDSN      string `envconfig:"MYSQL_DSN" default:"root:root@tcp(localhost:3306)/farmigo?parseTime=true"`
	RedisAddr     string `envconfig:"REDIS_ADDR"`

	JWTSecret  string        `envconfig:"JWT_SECRET"`
	JWTTTL     time.Duration `envconfig:"JWT_TTL" default:"24h"`
	BcryptCost int           `envconfig:"BCRYPT_COST" default:"10"`

	LedgerOpTimeout time.Duration `envconfig:"LEDGER_OP_TIMEOUT" default:"3s"`
	StatsCacheTTL   time.Duration `envconfig:"STATS_CACHE_TTL" default:"30s"`

	IdempotencyPendingTTL time.Duration `envconfig:"IDEMPOTENCY_PENDING_TTL" default:"1m"`

	UploadDir   string   `envconfig:"UPLOAD_DIR" default:"./uploads"`
	CORSOrigins []string `envconfig:"CORS_ORIGINS" default:"http://localhost:5173"`

	KafkaBrokers []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC" default:"orders"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, errors.Wrap(err, "load .env")
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, errors.Wrap(err, "read environment")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.StorageDriver {
	case StorageMySQL:
		if c.MySQLDSN == "" {
			return errors.New("MYSQL_DSN is required for the mysql storage driver")
		}
		if !strings.Contains(c.MySQLDSN, "parseTime=true") {
			return errors.New("MYSQL_DSN must set parseTime=true")
		}
	case StorageMemory:
	default:
		return errors.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver)
	}
	if c.LedgerOpTimeout <= 0 {
		return errors.New("LEDGER_OP_TIMEOUT must be positive")
	}
	return nil
}

// NewLogger builds the JSON process logger.
func NewLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logger.WithField("level", level).Warn("unknown log level, using info")
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}
