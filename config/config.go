package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	golobby "github.com/golobby/config/v3"
	"github.com/golobby/config/v3/pkg/feeder"
	"github.com/joho/godotenv"
)

type Config struct {
	CMS      CMSConfig
	Signpost SignpostConfig
	Storage  StorageConfig
	Sync     SyncConfig
	Pushover PushoverConfig
}

type CMSConfig struct {
	APIKey        string `env:"API_KEY_CMS" validate:"required,min=8"`
	BaseURL       string `env:"CMS_BASE_URL" validate:"required,url"`
	MediaBaseURL  string `env:"CMS_MEDIA_BASE_URL" validate:"required,url"`
	RouteSnapshot string `env:"CMS_ROUTE_SNAPSHOT" validate:"required,url"`
}

type SignpostConfig struct {
	BackgroundJobsEnabled bool   `env:"BACKGROUND_JOBS_ENABLED"`
	DbPath                string `env:"DB_PATH" validate:"required"`
	LogLevel              string `env:"LOG_LEVEL"`
	Port                  int    `env:"PORT" validate:"min=1,max=65535"`
	SecretKey             string `env:"SECRET_KEY" validate:"required,min=8"`
}

type StorageConfig struct {
	LogsPath     string `env:"LOGS_PATH" validate:"required"`
	MediaPath    string `env:"MEDIA_PATH" validate:"required"`
	PlaylistPath string `env:"PLAYLIST_PATH" validate:"required"`
}

type SyncConfig struct {
	Cron                  string `env:"SYNC_CRON" validate:"required"`
	DownloadConcurrency   int    `env:"DOWNLOAD_CONCURRENCY" validate:"min=1,max=100"`
	FetchTimeoutSeconds   int    `env:"FETCH_TIMEOUT_SECONDS" validate:"min=5,max=300"`
	HealthIntervalMinutes int    `env:"HEALTH_INTERVAL_MINUTES" validate:"min=1,max=1440"`
	RetryIntervalMinutes  int    `env:"RETRY_INTERVAL_MINUTES" validate:"min=1,max=1440"`
	TokenTTLMinutes       int    `env:"SSE_TOKEN_TTL_MINUTES" validate:"min=1,max=10080"`
	TTLHours              int    `env:"SYNC_TTL_HOURS" validate:"min=1,max=168"`
}

type PushoverConfig struct {
	Recipient string `env:"PUSHOVER_RECIPIENT"`
	Token     string `env:"PUSHOVER_TOKEN"`
}

// Default returns the configuration used for any value not present in the environment
func Default() Config {
	return Config{
		Signpost: SignpostConfig{
			BackgroundJobsEnabled: true,
			DbPath:                "signpost.db",
			LogLevel:              "info",
			Port:                  3000,
		},
		Storage: StorageConfig{
			LogsPath:     "Logs",
			MediaPath:    "Media",
			PlaylistPath: "Playlist",
		},
		Sync: SyncConfig{
			Cron:                  "*/30 * * * *",
			DownloadConcurrency:   10,
			FetchTimeoutSeconds:   30,
			HealthIntervalMinutes: 5,
			RetryIntervalMinutes:  15,
			TokenTTLMinutes:       60,
			TTLHours:              2,
		},
	}
}

// Load reads an optional .env file, layers the environment over the defaults
// and validates the result. Paths are resolved to absolute paths.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", slog.String("error", err.Error()))
	}

	cfg := Default()
	if err := golobby.New().AddFeeder(feeder.Env{}).AddStruct(&cfg).Feed(); err != nil {
		return cfg, fmt.Errorf("failed to read configuration from environment: %w", err)
	}

	if err := cfg.resolvePaths(); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func (c *Config) resolvePaths() error {
	for _, p := range []*string{&c.Storage.LogsPath, &c.Storage.MediaPath, &c.Storage.PlaylistPath} {
		if *p == "" {
			continue
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			return fmt.Errorf("failed to resolve path %s: %w", *p, err)
		}
		*p = abs
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate reports every invalid setting at once, keyed by its environment variable
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return err
	}
	var problems []string
	for _, fe := range fieldErrors {
		problems = append(problems, fmt.Sprintf("%s failed %q (%s)", envName(fe), fe.Tag(), fe.Param()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
}

// envName maps a validation failure back onto the environment variable
// that feeds the offending field, since that's what an operator will recognise.
func envName(fe validator.FieldError) string {
	name := fe.StructField()
	for _, section := range []any{CMSConfig{}, SignpostConfig{}, StorageConfig{}, SyncConfig{}} {
		if tag, ok := lookupEnvTag(section, name); ok {
			return tag
		}
	}
	return fe.Namespace()
}

func lookupEnvTag(section any, field string) (string, bool) {
	f, ok := reflect.TypeOf(section).FieldByName(field)
	if !ok {
		return "", false
	}
	return f.Tag.Lookup("env")
}

func (s SyncConfig) LockTTL() time.Duration {
	return time.Duration(s.TTLHours) * time.Hour
}

func (s SyncConfig) FetchTimeout() time.Duration {
	return time.Duration(s.FetchTimeoutSeconds) * time.Second
}

func (s SyncConfig) TokenTTL() time.Duration {
	return time.Duration(s.TokenTTLMinutes) * time.Minute
}

func (c *Config) GetLogLevel() slog.Leveler {
	logLevel := strings.ToLower(c.Signpost.LogLevel)
	if logLevel == "error" {
		return slog.LevelError
	}
	if logLevel == "warning" || logLevel == "warn" {
		return slog.LevelWarn
	}
	if logLevel == "info" {
		return slog.LevelInfo
	}
	if logLevel == "debug" {
		return slog.LevelDebug
	}
	// default to info if unknown
	slog.With(slog.String("log_level", logLevel)).Info("Received invalid log level. Defaulting to INFO.")
	return slog.LevelInfo
}
