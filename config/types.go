package config

import "time"

type AppConfig struct {
	// DBDriver is "sqlite" (the supported runtime backend) or "postgres"
	// (migration tooling only; store queries use sqlite placeholders).
	DBDriver   string        `yaml:"db_driver" env:"CIVIC311_DB_DRIVER" env-default:"sqlite"`
	DBURL      string        `yaml:"db_url" env:"CIVIC311_DB_URL" env-default:"file:data/civic311.db?_pragma=busy_timeout(5000)"`
	ListenAddr string        `yaml:"listen_addr" env:"CIVIC311_LISTEN_ADDR" env-default:"0.0.0.0:8080"`
	SessionTTL time.Duration `yaml:"session_ttl" env:"CIVIC311_SESSION_TTL" env-default:"3h"`
	AppEnv     string        `yaml:"app_env" env:"CIVIC311_APP_ENV"`

	Requests  RequestsConfig  `yaml:"requests"`
	Console   ConsoleConfig   `yaml:"console"`
	Retention RetentionConfig `yaml:"retention"`
}

type RequestsConfig struct {
	RegNoFormat string `yaml:"reg_no_format" env:"CIVIC311_REQUESTS_REG_NO_FORMAT" env-default:"REQ-{year}-{seq:05}"`
	// SubmitBurst bounds unauthenticated resident submissions per source IP.
	SubmitBurst     int `yaml:"submit_burst" env:"CIVIC311_REQUESTS_SUBMIT_BURST" env-default:"5"`
	SubmitRefillSec int `yaml:"submit_refill_sec" env:"CIVIC311_REQUESTS_SUBMIT_REFILL_SEC" env-default:"60"`
}

type ConsoleConfig struct {
	// RecordsBaseURL points the console engine at the records API. Empty
	// means "this process": the engine talks to its own listen address.
	RecordsBaseURL  string        `yaml:"records_base_url" env:"CIVIC311_CONSOLE_RECORDS_BASE_URL"`
	RefreshInterval time.Duration `yaml:"refresh_interval" env:"CIVIC311_CONSOLE_REFRESH_INTERVAL" env-default:"30s"`
	RequestTimeout  time.Duration `yaml:"request_timeout" env:"CIVIC311_CONSOLE_REQUEST_TIMEOUT" env-default:"15s"`
	ReferenceTTL    time.Duration `yaml:"reference_ttl" env:"CIVIC311_CONSOLE_REFERENCE_TTL" env-default:"15m"`
	ReferenceSize   int           `yaml:"reference_size" env:"CIVIC311_CONSOLE_REFERENCE_SIZE" env-default:"64"`
}

type RetentionConfig struct {
	Enabled  bool   `yaml:"enabled" env:"CIVIC311_RETENTION_ENABLED" env-default:"true"`
	Schedule string `yaml:"schedule" env:"CIVIC311_RETENTION_SCHEDULE" env-default:"@every 1h"`
	// ArchiveAfterDays archives closed requests; flagged (legal hold) rows
	// are always skipped.
	ArchiveAfterDays int `yaml:"archive_after_days" env:"CIVIC311_RETENTION_ARCHIVE_AFTER_DAYS" env-default:"365"`
}

const maxSessionTTL = 12 * time.Hour

func (c *AppConfig) EffectiveSessionTTL() time.Duration {
	ttl := 3 * time.Hour
	if c != nil && c.SessionTTL > 0 {
		ttl = c.SessionTTL
	}
	if ttl > maxSessionTTL {
		return maxSessionTTL
	}
	return ttl
}
