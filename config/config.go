// This package defines a common config struct which can be used by any subsystem within the mirror.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

const (
	BackendSQL   = "sql"
	BackendRedis = "redis"
	BackendNATS  = "nats"
)

type Config struct {
	Debug                bool   `yaml:"debug"`
	RootDir              string `yaml:"root_dir"`
	LoggingPrefix        string `yaml:"logging_prefix"`
	DecryptTimeoutMs     int64  `yaml:"decrypt_timeout_ms"`
	ReceiveTimeoutMs     int64  `yaml:"receive_timeout_ms"`
	RequestTimeoutMs     int64  `yaml:"request_timeout_ms"`
	RetryBackoffMs       int64  `yaml:"retry_backoff_ms"`
	CredentialWindowDays int    `yaml:"credential_window_days"`
	CommitRetryLimit     int    `yaml:"commit_retry_limit"`
	CredentialBackend    string `yaml:"credential_backend"`
	RedisAddr            string `yaml:"redis_addr"`
	RedisDB              int    `yaml:"redis_db"`
	JobBackend           string `yaml:"job_backend"`
	NatsURL              string `yaml:"nats_url"`
	NatsSubject          string `yaml:"nats_subject"`
	HeyaHost             string `yaml:"heya_host"`
	HeyaPort             int    `yaml:"heya_port"`
	HeyaKeyFile          string `yaml:"heya_key_file"`
	HeyaCertFile         string `yaml:"heya_cert_file"`
	writer               io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	fileEncoder := zapcore.NewJSONEncoder(de)
	consoleEncoder := zapcore.NewConsoleEncoder(de)
	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, zapcore.AddSync(c.writer), level),
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	)
	logger := zap.New(core, opts...)
	sugar := logger.Sugar()
	return sugar
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

func WithDecryptTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.DecryptTimeoutMs = n
	}
}

func WithReceiveTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.ReceiveTimeoutMs = n
	}
}

func WithCredentialWindowDays(n int) Option {
	return func(c *Config) {
		c.CredentialWindowDays = n
	}
}

func WithCommitRetryLimit(n int) Option {
	return func(c *Config) {
		c.CommitRetryLimit = n
	}
}

func WithRedis(addr string, db int) Option {
	return func(c *Config) {
		c.CredentialBackend = BackendRedis
		c.RedisAddr = addr
		c.RedisDB = db
	}
}

func WithNATS(url, subject string) Option {
	return func(c *Config) {
		c.JobBackend = BackendNATS
		c.NatsURL = url
		c.NatsSubject = subject
	}
}

// WithHeya sets the mailbox server envelopes are received from. keyFile and certFile hold the PEM encoded
// client identity.
func WithHeya(host string, port int, keyFile, certFile string) Option {
	return func(c *Config) {
		c.HeyaHost = host
		c.HeyaPort = port
		c.HeyaKeyFile = keyFile
		c.HeyaCertFile = certFile
	}
}

func defaults() *Config {
	return &Config{
		Debug:                os.Getenv("DEBUG") == "1",
		LoggingPrefix:        "mirror",
		RootDir:              ".",
		DecryptTimeoutMs:     300000,
		ReceiveTimeoutMs:     60000,
		RequestTimeoutMs:     10000,
		RetryBackoffMs:       5000,
		CredentialWindowDays: 7,
		CommitRetryLimit:     5,
		CredentialBackend:    BackendSQL,
		JobBackend:           BackendSQL,
		NatsSubject:          "mirror.jobs",
		HeyaPort:             8337,

		writer: nil,
	}
}

func NewConfig(opts ...Option) *Config {
	c := defaults()
	for _, o := range opts {
		o(c)
	}
	c.finish()
	return c
}

// Load reads a yaml file over the defaults and then applies opts. A missing file leaves the defaults in place.
func Load(path string, opts ...Option) (*Config, error) {
	c := defaults()
	b, err := os.ReadFile(path) // #nosec G304
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: error reading %s: %w", path, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("config: error parsing %s: %w", path, err)
		}
	}
	for _, o := range opts {
		o(c)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	c.finish()
	return c, nil
}

func (c *Config) validate() error {
	switch c.CredentialBackend {
	case BackendSQL, BackendRedis:
	default:
		return fmt.Errorf("config: unknown credential backend %q", c.CredentialBackend)
	}
	switch c.JobBackend {
	case BackendSQL, BackendNATS:
	default:
		return fmt.Errorf("config: unknown job backend %q", c.JobBackend)
	}
	if c.CommitRetryLimit < 1 {
		return fmt.Errorf("config: commit retry limit must be positive, got %d", c.CommitRetryLimit)
	}
	if c.CredentialWindowDays < 1 {
		return fmt.Errorf("config: credential window must be positive, got %d", c.CredentialWindowDays)
	}
	return nil
}

func (c *Config) finish() {
	c.writer = &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
}
