// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"

	"github.com/tendant/simple-wordcounter/internal/bus"
	"github.com/tendant/simple-wordcounter/internal/extract"
	"github.com/tendant/simple-wordcounter/internal/store"
)

type Config struct {
	NATSURL       string
	QueueStream   string
	QueueSubject  string
	QueueConsumer string
	QueueAckWait  time.Duration
	DoneSubject   string

	StoreDriver string
	DatabaseURL string
	MongoURI    string
	MongoDB     string
	SQLitePath  string

	HTTPAddr    string
	MetricsAddr string

	FetchTimeout   time.Duration
	FetchUserAgent string

	RestartBackoff time.Duration

	LogLevel  string
	LogFormat string
}

// Load reads a .env file when present, then the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env file", "err", err)
	}

	cfg := Config{
		NATSURL:        getenv("NATS_URL", "nats://127.0.0.1:4222"),
		QueueStream:    getenv("QUEUE_STREAM", "WORDCOUNT"),
		QueueSubject:   getenv("QUEUE_SUBJECT", "wordcount.jobs"),
		QueueConsumer:  getenv("QUEUE_CONSUMER", "wordcount-workers"),
		DoneSubject:    getenv("SUBJECT_WORDCOUNT_DONE", "wordcount.done"),
		StoreDriver:    getenv("STORE_DRIVER", store.DriverPostgres),
		DatabaseURL:    getenv("DATABASE_URL", ""),
		MongoURI:       getenv("MONGO_URI", ""),
		MongoDB:        getenv("MONGO_DB", "wordcount"),
		SQLitePath:     getenv("SQLITE_PATH", "./data/wordcount.db"),
		HTTPAddr:       getenv("HTTP_ADDR", ":5000"),
		MetricsAddr:    getenv("METRICS_ADDR", ":9090"),
		FetchUserAgent: getenv("FETCH_USER_AGENT", extract.DefaultUserAgent),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		LogFormat:      getenv("LOG_FORMAT", "text"),
	}

	var err error
	if cfg.QueueAckWait, err = parseDuration("QUEUE_ACK_WAIT", "5m"); err != nil {
		return Config{}, err
	}
	if cfg.FetchTimeout, err = parseDuration("FETCH_TIMEOUT", "0"); err != nil {
		return Config{}, err
	}
	if cfg.RestartBackoff, err = parseDuration("WORKER_RESTART_BACKOFF", "2s"); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks settings that depend on each other.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case store.DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	case store.DriverMongo:
		if c.MongoURI == "" {
			return errors.New("MONGO_URI is required when STORE_DRIVER=mongo")
		}
	case store.DriverSQLite:
		if c.SQLitePath == "" {
			return errors.New("SQLITE_PATH is required when STORE_DRIVER=sqlite")
		}
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.StoreDriver)
	}
	if c.QueueAckWait <= 0 {
		return errors.New("QUEUE_ACK_WAIT must be positive")
	}
	if c.QueueSubject == "" || c.QueueStream == "" || c.QueueConsumer == "" {
		return errors.New("QUEUE_STREAM, QUEUE_SUBJECT and QUEUE_CONSUMER must be set")
	}
	switch c.LogFormat {
	case "text", "json", "tint":
	default:
		return fmt.Errorf("unsupported LOG_FORMAT %q", c.LogFormat)
	}
	return nil
}

func (c Config) Store() store.Options {
	return store.Options{
		Driver:      c.StoreDriver,
		DatabaseURL: c.DatabaseURL,
		MongoURI:    c.MongoURI,
		MongoDB:     c.MongoDB,
		SQLitePath:  c.SQLitePath,
	}
}

func (c Config) Bus() bus.Config {
	return bus.Config{
		URL:      c.NATSURL,
		Stream:   c.QueueStream,
		Subject:  c.QueueSubject,
		Consumer: c.QueueConsumer,
		AckWait:  c.QueueAckWait,
	}
}

// Heartbeat is how often a worker extends the ack deadline of the job it is
// running: three times per QUEUE_ACK_WAIT.
func (c Config) Heartbeat() time.Duration {
	return c.QueueAckWait / 3
}

func (c Config) Extract() extract.Options {
	return extract.Options{
		Timeout:   c.FetchTimeout,
		UserAgent: c.FetchUserAgent,
	}
}

// parseDuration accepts Go durations ("90s") and bare seconds ("90").
func parseDuration(key, def string) (time.Duration, error) {
	raw := getenv(key, def)
	var d time.Duration
	if n, err := cast.ToInt64E(raw); err == nil {
		d = time.Duration(n) * time.Second
	} else if d, err = cast.ToDurationE(raw); err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s %q: must not be negative", key, raw)
	}
	return d, nil
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}
