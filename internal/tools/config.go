package tools

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ztkent/ap3216-meter/ap3216"
	"github.com/ztkent/ap3216-meter/internal/i2cbus"
)

// Config is read once from the environment at startup.
type Config struct {
	LogLevel       string
	LogFile        string
	I2CBackend     string
	I2CBus         string
	DBPath         string
	Port           string
	SSL            bool
	CertPath       string
	KeyPath        string
	RecordInterval time.Duration
	MaxJobDuration time.Duration
	LuxRange       ap3216.LuxRange
	Location       *time.Location
}

const (
	DefaultLogFile        = "ap3216.log"
	DefaultDBPath         = "ap3216meter.db"
	DefaultPort           = "80"
	DefaultSSLPort        = "443"
	DefaultCertPath       = "cert.pem"
	DefaultKeyPath        = "key.pem"
	DefaultRecordInterval = 30 * time.Second
	DefaultMaxJobDuration = 8 * time.Hour
)

func LoadConfig() (Config, error) {
	cfg := Config{
		LogLevel:   os.Getenv("LOG_LEVEL"),
		LogFile:    envOr("LOG_FILE", DefaultLogFile),
		I2CBackend: envOr("I2C_BACKEND", i2cbus.BackendDevfs),
		I2CBus:     os.Getenv("I2C_BUS"),
		DBPath:     envOr("DB_PATH", DefaultDBPath),
		SSL:        os.Getenv("SSL") == "true",
		CertPath:   envOr("SSL_CERT", DefaultCertPath),
		KeyPath:    envOr("SSL_KEY", DefaultKeyPath),
		LuxRange:   ap3216.AP3216_RANGE_20661,
		Location:   time.UTC,
	}
	defaultPort := DefaultPort
	if cfg.SSL {
		defaultPort = DefaultSSLPort
	}
	cfg.Port = envOr("PORT", defaultPort)
	if cfg.I2CBus == "" && cfg.I2CBackend == i2cbus.BackendDevfs {
		cfg.I2CBus = i2cbus.DefaultDevfsPath
	}

	var err error
	if cfg.RecordInterval, err = envDuration("RECORD_INTERVAL", DefaultRecordInterval); err != nil {
		return Config{}, err
	}
	if cfg.MaxJobDuration, err = envDuration("MAX_JOB_DURATION", DefaultMaxJobDuration); err != nil {
		return Config{}, err
	}
	if v := os.Getenv("LUX_RANGE"); v != "" {
		lux, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("LUX_RANGE: %w", err)
		}
		if cfg.LuxRange, err = ap3216.ParseLuxRange(lux); err != nil {
			return Config{}, fmt.Errorf("LUX_RANGE: %w", err)
		}
	}
	if v := os.Getenv("TZ_LOCATION"); v != "" {
		if cfg.Location, err = time.LoadLocation(v); err != nil {
			return Config{}, fmt.Errorf("TZ_LOCATION: %w", err)
		}
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: must be positive, got %s", key, d)
	}
	return d, nil
}
