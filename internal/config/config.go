package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"fenrir/internal/engine"
	"fenrir/internal/logging"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix = "FENRIR_"

	defaultTCPAddress       = "0.0.0.0:9001"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultQueueSize        = 1024
	defaultAdmissionTimeout = 50 * time.Millisecond
	defaultHistorySize      = 10_000
	defaultPublishBuffer    = 4096
	defaultTCPWorkers       = 10
	defaultTopicPrefix      = "fenrir"
)

var (
	ErrNoPairs       = errors.New("no trading pairs configured")
	ErrDuplicatePair = errors.New("duplicate trading pair")
)

// Config keeps the runtime configuration of the server.
type Config struct {
	TCP       TCPConfig       `yaml:"tcp"`
	HTTP      HTTPConfig      `yaml:"http"`
	Sequencer SequencerConfig `yaml:"sequencer"`
	Journal   JournalConfig   `yaml:"journal"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Log       logging.Config  `yaml:"log"`
	Pairs     []PairConfig    `yaml:"pairs"`
}

type TCPConfig struct {
	Address string `yaml:"address"`
	Workers int    `yaml:"workers"`
}

type HTTPConfig struct {
	Address string `yaml:"address"`
}

type SequencerConfig struct {
	QueueSize        int           `yaml:"queue_size"`
	AdmissionTimeout time.Duration `yaml:"admission_timeout"`
	HistorySize      int           `yaml:"history_size"`
	PublishBuffer    int           `yaml:"publish_buffer"`
	// ExitOnHalt stops the whole server when any pair halts. Otherwise the
	// remaining pairs keep trading and the halt is logged and reported on
	// /healthz.
	ExitOnHalt       bool          `yaml:"exit_on_halt"`
}

// JournalConfig enables the command journal when Dir is set.
type JournalConfig struct {
	Dir string `yaml:"dir"`
}

// KafkaConfig enables the Kafka event sink when Brokers is non-empty.
type KafkaConfig struct {
	Brokers     []string `yaml:"brokers"`
	TopicPrefix string   `yaml:"topic_prefix"`
}

// PairConfig describes one tradable pair. Limits are decimal strings; empty
// disables the check.
type PairConfig struct {
	Symbol      string `yaml:"symbol"`
	MinQuantity string `yaml:"min_quantity"`
	MaxQuantity string `yaml:"max_quantity"`
	MinPrice    string `yaml:"min_price"`
	MaxPrice    string `yaml:"max_price"`
	TickSize    string `yaml:"tick_size"`
	LotSize     string `yaml:"lot_size"`
}

// Limits parses the pair's limits.
func (p PairConfig) Limits() (engine.Limits, error) {
	var (
		l   engine.Limits
		err error
	)
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"min_quantity", p.MinQuantity, &l.MinQuantity},
		{"max_quantity", p.MaxQuantity, &l.MaxQuantity},
		{"min_price", p.MinPrice, &l.MinPrice},
		{"max_price", p.MaxPrice, &l.MaxPrice},
		{"tick_size", p.TickSize, &l.TickSize},
		{"lot_size", p.LotSize, &l.LotSize},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		if *f.dst, err = decimal.NewFromString(f.raw); err != nil {
			return engine.Limits{}, fmt.Errorf("pair %s %s: %w", p.Symbol, f.name, err)
		}
		if f.dst.IsNegative() {
			return engine.Limits{}, fmt.Errorf("pair %s %s: must not be negative", p.Symbol, f.name)
		}
	}
	if l.MaxQuantity.IsPositive() && l.MinQuantity.GreaterThan(l.MaxQuantity) {
		return engine.Limits{}, fmt.Errorf("pair %s: min_quantity above max_quantity", p.Symbol)
	}
	if l.MaxPrice.IsPositive() && l.MinPrice.GreaterThan(l.MaxPrice) {
		return engine.Limits{}, fmt.Errorf("pair %s: min_price above max_price", p.Symbol)
	}
	return l, nil
}

// Default returns a configuration with every optional field filled in.
func Default() *Config {
	return &Config{
		TCP:  TCPConfig{Address: defaultTCPAddress, Workers: defaultTCPWorkers},
		HTTP: HTTPConfig{Address: defaultHTTPAddress},
		Sequencer: SequencerConfig{
			QueueSize:        defaultQueueSize,
			AdmissionTimeout: defaultAdmissionTimeout,
			HistorySize:      defaultHistorySize,
			PublishBuffer:    defaultPublishBuffer,
		},
		Kafka: KafkaConfig{TopicPrefix: defaultTopicPrefix},
		Log:   logging.Config{Level: "info", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 7},
	}
}

// Load builds the configuration from, in increasing precedence: defaults,
// the YAML file at path (optional), a .env file next to the process, and
// FENRIR_* environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.TCP.Address = getString("TCP_ADDR", c.TCP.Address)
	c.HTTP.Address = getString("HTTP_ADDR", c.HTTP.Address)
	c.Journal.Dir = getString("JOURNAL_DIR", c.Journal.Dir)
	c.Kafka.TopicPrefix = getString("KAFKA_TOPIC_PREFIX", c.Kafka.TopicPrefix)
	c.Log.Level = getString("LOG_LEVEL", c.Log.Level)
	c.Log.File = getString("LOG_FILE", c.Log.File)
	if brokers := getString("KAFKA_BROKERS", ""); brokers != "" {
		c.Kafka.Brokers = splitList(brokers)
	}
	if pairs := getString("PAIRS", ""); pairs != "" {
		c.Pairs = c.Pairs[:0]
		for _, s := range splitList(pairs) {
			c.Pairs = append(c.Pairs, PairConfig{Symbol: s})
		}
	}

	var err error
	if c.TCP.Workers, err = getInt("TCP_WORKERS", c.TCP.Workers); err != nil {
		return err
	}
	if c.Sequencer.QueueSize, err = getInt("QUEUE_SIZE", c.Sequencer.QueueSize); err != nil {
		return err
	}
	if c.Sequencer.AdmissionTimeout, err = getDuration("ADMISSION_TIMEOUT", c.Sequencer.AdmissionTimeout); err != nil {
		return err
	}
	if c.Sequencer.ExitOnHalt, err = getBool("EXIT_ON_HALT", c.Sequencer.ExitOnHalt); err != nil {
		return err
	}
	return nil
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if c.Sequencer.QueueSize <= 0 {
		return fmt.Errorf("sequencer.queue_size must be positive, got %d", c.Sequencer.QueueSize)
	}
	if c.Sequencer.AdmissionTimeout < 0 {
		return fmt.Errorf("sequencer.admission_timeout must not be negative")
	}
	if c.Sequencer.HistorySize < 0 || c.Sequencer.PublishBuffer < 0 {
		return fmt.Errorf("sequencer sizes must not be negative")
	}
	if c.TCP.Address == "" && c.HTTP.Address == "" {
		return errors.New("at least one of tcp.address and http.address is required")
	}
	if len(c.Pairs) == 0 {
		return ErrNoPairs
	}
	seen := make(map[string]bool, len(c.Pairs))
	for _, p := range c.Pairs {
		if p.Symbol == "" || p.Symbol != strings.ToUpper(p.Symbol) {
			return fmt.Errorf("invalid pair symbol %q", p.Symbol)
		}
		if seen[p.Symbol] {
			return fmt.Errorf("%w: %s", ErrDuplicatePair, p.Symbol)
		}
		seen[p.Symbol] = true
		if _, err := p.Limits(); err != nil {
			return err
		}
	}
	return nil
}

// PairLimits returns the parsed limits of every pair keyed by symbol.
func (c *Config) PairLimits() (map[string]engine.Limits, error) {
	out := make(map[string]engine.Limits, len(c.Pairs))
	for _, p := range c.Pairs {
		l, err := p.Limits()
		if err != nil {
			return nil, err
		}
		out[p.Symbol] = l
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getString(key, fallback string) string {
	value, ok := os.LookupEnv(envPrefix + key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func getInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(envPrefix + key)
	if !ok || value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("convert %s%s value %q to int: %w", envPrefix, key, value, err)
	}
	return parsed, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, ok := os.LookupEnv(envPrefix + key)
	if !ok || value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("convert %s%s value %q to duration: %w", envPrefix, key, value, err)
	}
	return parsed, nil
}

func getBool(key string, fallback bool) (bool, error) {
	value, ok := os.LookupEnv(envPrefix + key)
	if !ok || value == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("convert %s%s value %q to bool: %w", envPrefix, key, value, err)
	}
	return parsed, nil
}
