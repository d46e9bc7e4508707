package internal

import (
	"chat-relay/domain"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	Host              string        `env:"HOST,default=0.0.0.0" validate:"required"`
	Port              int           `env:"PORT,default=9000" validate:"gte=0,lte=65535"`
	HealthPort        int           `env:"HEALTH_PORT,default=0" validate:"gte=0,lte=65535"`
	LogLevel          string        `env:"LOG_LEVEL,default=INFO" validate:"required"`
	BadgerFilepath    string        `env:"BADGER_FILEPATH,default=./data/badger" validate:"required_without=BadgerInMemory"`
	BadgerInMemory    bool          `env:"BADGER_IN_MEMORY,default=false"`
	StagingDir        string        `env:"STAGING_DIR,default=./data/staging" validate:"required"`
	MaxFrameSize      int           `env:"MAX_FRAME_SIZE,default=1048576" validate:"gte=1024"`
	MaxFileSize       int64         `env:"MAX_FILE_SIZE,default=67108864" validate:"gte=0"`
	MaxPendingPerUser int           `env:"MAX_PENDING_PER_USER,default=1000" validate:"gte=0"`
	AuthTimeout       time.Duration `env:"AUTH_TIMEOUT,default=10s" validate:"gt=0"`
	IdleTimeout       time.Duration `env:"IDLE_TIMEOUT,default=0s" validate:"gte=0"`
	WriteTimeout      time.Duration `env:"WRITE_TIMEOUT,default=30s" validate:"gt=0"`
	PendingTTL        time.Duration `env:"PENDING_TTL,default=0s" validate:"gte=0"`
	JanitorInterval   time.Duration `env:"JANITOR_INTERVAL,default=1m" validate:"gt=0"`
	StatsInterval     time.Duration `env:"STATS_INTERVAL,default=1m" validate:"gt=0"`
	RestartInterval   time.Duration `env:"RESTART_INTERVAL,default=1s" validate:"gt=0"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the bounds environment decoding cannot express.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.MaxFrameSize > 64*domain.MB {
		return fmt.Errorf("invalid configuration: MAX_FRAME_SIZE %d above %d", c.MaxFrameSize, 64*domain.MB)
	}
	return nil
}

func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// HealthAddress is empty when the health endpoint is disabled.
func (c Config) HealthAddress() string {
	if c.HealthPort == 0 {
		return ""
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(c.HealthPort))
}
