package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/searchktools/bodystream/core/codec"
	"github.com/searchktools/bodystream/core/form"
)

// EnvPrefix selects the environment variables read by Load.
const EnvPrefix = "BODYSTREAM"

var ErrInvalidConfig = errors.New("invalid config")

// Config holds all application configuration.
//
// Values are applied in order: defaults, config file, BODYSTREAM_*
// environment variables, explicitly set flags. Keys use dots; the
// environment spells them with underscores (BODYSTREAM_FORM_KEYLENGTH).
type Config struct {
	Port     int    `config:"port"`
	Env      string `config:"env"`
	LogLevel string `config:"log.level"`

	ReadHeaderTimeout time.Duration `config:"http.headertimeout"`
	IdleTimeout       time.Duration `config:"http.idletimeout"`
	ShutdownTimeout   time.Duration `config:"http.shutdowntimeout"`
	RateLimit         int           `config:"http.ratelimit"`

	Codec        string        `config:"codec"`
	MaxBodyBytes int64         `config:"body.limit"`
	ParseTimeout time.Duration `config:"parse.timeout"`

	BufferSize       int `config:"form.buffersize"`
	ValueCountLimit  int `config:"form.valuecount"`
	KeyLengthLimit   int `config:"form.keylength"`
	ValueLengthLimit int `config:"form.valuelength"`

	// File is the optional YAML or JSON config file; flag only.
	File string `config:"-"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:              8080,
		Env:               "development",
		LogLevel:          "info",
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ShutdownTimeout:   15 * time.Second,
		Codec:             "json",
		ParseTimeout:      30 * time.Second,
		BufferSize:        form.DefaultBufferSize,
		ValueCountLimit:   form.DefaultValueCountLimit,
		KeyLengthLimit:    form.DefaultKeyLengthLimit,
		ValueLengthLimit:  form.DefaultValueLengthLimit,
	}
}

// New loads configuration from os.Args, exiting on bad input.
func New() *Config {
	cfg, err := Load(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	return cfg
}

// Load builds a Config from args, the environment and the config file.
func Load(args []string) (*Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet("bodystream", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	fs.StringVar(&cfg.Env, "env", cfg.Env, "Environment (development/production)")
	fs.StringVar(&cfg.LogLevel, "log.level", cfg.LogLevel, "Log level (debug/info/warn/error)")
	fs.DurationVar(&cfg.ReadHeaderTimeout, "http.headertimeout", cfg.ReadHeaderTimeout, "Request header read timeout")
	fs.DurationVar(&cfg.IdleTimeout, "http.idletimeout", cfg.IdleTimeout, "Keep-alive idle timeout")
	fs.DurationVar(&cfg.ShutdownTimeout, "http.shutdowntimeout", cfg.ShutdownTimeout, "Graceful shutdown timeout")
	fs.IntVar(&cfg.RateLimit, "http.ratelimit", cfg.RateLimit, "Requests per second, 0 for unlimited")
	fs.StringVar(&cfg.Codec, "codec", cfg.Codec, "Default response codec (json/protobuf)")
	fs.Int64Var(&cfg.MaxBodyBytes, "body.limit", cfg.MaxBodyBytes, "Maximum body size in bytes, 0 for unlimited")
	fs.DurationVar(&cfg.ParseTimeout, "parse.timeout", cfg.ParseTimeout, "Per-request form parse timeout")
	fs.IntVar(&cfg.BufferSize, "form.buffersize", cfg.BufferSize, "Body read chunk size")
	fs.IntVar(&cfg.ValueCountLimit, "form.valuecount", cfg.ValueCountLimit, "Maximum form fields")
	fs.IntVar(&cfg.KeyLengthLimit, "form.keylength", cfg.KeyLengthLimit, "Maximum encoded key length")
	fs.IntVar(&cfg.ValueLengthLimit, "form.valuelength", cfg.ValueLengthLimit, "Maximum encoded value length")
	fs.StringVar(&cfg.File, "config", "", "YAML or JSON config file")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	m := NewManager()
	if cfg.File != "" {
		var err error
		switch strings.ToLower(filepath.Ext(cfg.File)) {
		case ".yaml", ".yml":
			err = m.LoadFromYAML(cfg.File)
		case ".json":
			err = m.LoadFromJSON(cfg.File)
		default:
			err = fmt.Errorf("%w: unknown config file type %q", ErrInvalidConfig, cfg.File)
		}
		if err != nil {
			return nil, err
		}
	}
	m.LoadFromEnv(EnvPrefix)

	// Flags set on the command line win over file and environment.
	fs.Visit(func(f *flag.Flag) {
		if f.Name != "config" {
			m.Set(f.Name, f.Value.String())
		}
	})

	if err := m.Unmarshal("", cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d", ErrInvalidConfig, c.Port)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if _, err := codec.ByName(c.Codec); err != nil {
		return fmt.Errorf("%w: codec %q: %w", ErrInvalidConfig, c.Codec, err)
	}
	if c.BufferSize <= 0 || c.ValueCountLimit <= 0 || c.KeyLengthLimit <= 0 || c.ValueLengthLimit <= 0 {
		return fmt.Errorf("%w: form sizes and limits must be positive", ErrInvalidConfig)
	}
	if c.MaxBodyBytes < 0 || c.RateLimit < 0 {
		return fmt.Errorf("%w: negative body limit or rate limit", ErrInvalidConfig)
	}
	return nil
}

// FormOptions returns the form reader options.
func (c *Config) FormOptions() form.Options {
	return form.Options{
		BufferSize:       c.BufferSize,
		ValueCountLimit:  c.ValueCountLimit,
		KeyLengthLimit:   c.KeyLengthLimit,
		ValueLengthLimit: c.ValueLengthLimit,
	}
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Production reports whether Env is "production".
func (c *Config) Production() bool {
	return c.Env == "production"
}
