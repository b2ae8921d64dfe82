package config

import (
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/Mutter0815/MassTexter/internal/apperr"
	"github.com/Mutter0815/MassTexter/pkg/logx"
)

const (
	BackendRabbit = "rabbitmq"
	BackendMemory = "memory"

	GatewayTelnyx   = "telnyx"
	GatewaySimulate = "simulate"
)

// Common is shared by both processes.
type Common struct {
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	DBDSN     string `env:"DB_DSN,required"`
	DBMigrate bool   `env:"DB_MIGRATE" envDefault:"false"`

	QueueBackend string `env:"QUEUE_BACKEND" envDefault:"rabbitmq"`
	RMQURL       string `env:"RMQ_URL"`
	Queue        string `env:"QUEUE" envDefault:"sms_tasks"`

	QuietStartHour   int           `env:"QUIET_START_HOUR" envDefault:"21"`
	QuietEndHour     int           `env:"QUIET_END_HOUR" envDefault:"8"`
	DefaultTimezone  string        `env:"DEFAULT_TIMEZONE" envDefault:"America/Chicago"`
	DeferDelay       time.Duration `env:"DEFER_DELAY" envDefault:"15m"`
	MaxMessageLength int           `env:"MAX_MESSAGE_LENGTH" envDefault:"1600"`
}

// Dispatch tunes the consumer side of the queue.
type Dispatch struct {
	Concurrency int           `env:"CONCURRENCY" envDefault:"10"`
	RatePerSec  int           `env:"RATE_PER_SEC" envDefault:"100"`
	MaxAttempts int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	BaseBackoff time.Duration `env:"BASE_BACKOFF" envDefault:"2s"`

	// WorkerReplicas counts every process that consumes the queue, embedded
	// campaign-api workers included. RATE_PER_SEC is split between them.
	WorkerReplicas int `env:"WORKER_REPLICAS" envDefault:"1"`

	Gateway             string  `env:"GATEWAY" envDefault:"telnyx"`
	TelnyxAPIKey        string  `env:"TELNYX_API_KEY"`
	TelnyxPhoneNumber   string  `env:"TELNYX_PHONE_NUMBER"`
	TelnyxProfileID     string  `env:"TELNYX_MESSAGING_PROFILE_ID"`
	TelnyxBaseURL       string  `env:"TELNYX_BASE_URL" envDefault:"https://api.telnyx.com/v2"`
	SimulateSuccessRate float64 `env:"SIMULATE_SUCCESS_RATE" envDefault:"0.9"`
}

type APIConfig struct {
	Common
	Dispatch

	Port           string        `env:"PORT" envDefault:"8080"`
	RunWorker      bool          `env:"RUN_WORKER" envDefault:"false"`
	RelayInterval  time.Duration `env:"RELAY_INTERVAL" envDefault:"500ms"`
	RelayBatch     int           `env:"RELAY_BATCH" envDefault:"500"`
	SchedulerSpec  string        `env:"SCHEDULER_SPEC" envDefault:"@every 1m"`
	TaskRetention  time.Duration `env:"TASK_RETENTION" envDefault:"24h"`
	WebhookTimeout time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"10s"`
}

type WorkerConfig struct {
	Common
	Dispatch

	MetricsPort string `env:"METRICS_PORT" envDefault:"9091"`
}

var (
	API    APIConfig
	Worker WorkerConfig
)

// loadDotenv reads .env when present; OS variables still win.
func loadDotenv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logx.L().Warnw("dotenv_load_error", "error", err)
	}
}

func parse(v any, environ map[string]string) error {
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(v, opts); err != nil {
		return apperr.Configuration("%s", err.Error())
	}
	return nil
}

func (c Common) validate() error {
	switch c.QueueBackend {
	case BackendRabbit:
		if strings.TrimSpace(c.RMQURL) == "" {
			return apperr.Configuration("RMQ_URL is required for queue backend %q", c.QueueBackend)
		}
	case BackendMemory:
	default:
		return apperr.Configuration("unknown QUEUE_BACKEND %q", c.QueueBackend)
	}
	if c.QuietStartHour < 0 || c.QuietStartHour > 23 || c.QuietEndHour < 0 || c.QuietEndHour > 23 {
		return apperr.Configuration("quiet hours must be within 0..23, got %d..%d", c.QuietStartHour, c.QuietEndHour)
	}
	if c.MaxMessageLength <= 0 {
		return apperr.Configuration("MAX_MESSAGE_LENGTH must be positive")
	}
	return nil
}

func (d Dispatch) validate() error {
	if d.Concurrency <= 0 || d.RatePerSec <= 0 || d.MaxAttempts <= 0 {
		return apperr.Configuration("CONCURRENCY, RATE_PER_SEC and MAX_ATTEMPTS must be positive")
	}
	if d.WorkerReplicas <= 0 {
		return apperr.Configuration("WORKER_REPLICAS must be positive")
	}
	if d.RatePerSec < d.WorkerReplicas {
		return apperr.Configuration("RATE_PER_SEC %d leaves less than one send per second for each of %d WORKER_REPLICAS", d.RatePerSec, d.WorkerReplicas)
	}
	switch d.Gateway {
	case GatewayTelnyx:
		if d.TelnyxAPIKey == "" || d.TelnyxPhoneNumber == "" {
			return apperr.Configuration("TELNYX_API_KEY and TELNYX_PHONE_NUMBER are required for the telnyx gateway")
		}
	case GatewaySimulate:
	default:
		return apperr.Configuration("unknown GATEWAY %q", d.Gateway)
	}
	return nil
}

// LoadAPI parses the campaign-api configuration. A nil environ reads the
// process environment.
func LoadAPI(environ map[string]string) (APIConfig, error) {
	var cfg APIConfig
	if err := parse(&cfg, environ); err != nil {
		return cfg, err
	}
	if err := cfg.Common.validate(); err != nil {
		return cfg, err
	}
	if cfg.QueueBackend == BackendMemory && !cfg.RunWorker {
		return cfg, apperr.Configuration("QUEUE_BACKEND=memory requires RUN_WORKER=true")
	}
	if cfg.QueueBackend == BackendMemory && cfg.WorkerReplicas != 1 {
		return cfg, apperr.Configuration("QUEUE_BACKEND=memory has exactly one consumer, WORKER_REPLICAS must be 1")
	}
	if cfg.RunWorker {
		if err := cfg.Dispatch.validate(); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func LoadWorker(environ map[string]string) (WorkerConfig, error) {
	var cfg WorkerConfig
	if err := parse(&cfg, environ); err != nil {
		return cfg, err
	}
	if err := cfg.Common.validate(); err != nil {
		return cfg, err
	}
	if cfg.QueueBackend == BackendMemory {
		return cfg, apperr.Configuration("sender-worker cannot use the memory backend; run campaign-api with RUN_WORKER=true")
	}
	if err := cfg.Dispatch.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func MustLoadAPI() {
	loadDotenv()
	cfg, err := LoadAPI(nil)
	if err != nil {
		logx.L().Fatalw("config_error", "error", err)
	}
	API = cfg
}

func MustLoadWorker() {
	loadDotenv()
	cfg, err := LoadWorker(nil)
	if err != nil {
		logx.L().Fatalw("config_error", "error", err)
	}
	Worker = cfg
}
