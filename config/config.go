package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigPath = "config/config.yml"

	DefaultSymbol             = "BTCPFC"
	DefaultOrderTopicPrefix   = "update"
	DefaultTradeTopicPrefix   = "trades"
	DefaultTradeMatchTopic    = "tradeHistoryApi"
	DefaultDepth              = 8
	DefaultMaxRawQuotes       = 50
	DefaultUpdateThrottle     = 250 * time.Millisecond
	DefaultFrameInterval      = 16 * time.Millisecond
	DefaultFlashDuration      = 1500 * time.Millisecond
	DefaultResyncAfterSkipped = 100
	DefaultMaxAttempts        = 5
	DefaultBaseDelay          = time.Second
	DefaultKeepAlive          = 20 * time.Second
	DefaultHandshakeTimeout   = 5 * time.Second
	DefaultMailboxBuffer      = 256
	DefaultDashboardAddress   = ":8080"
	DefaultDashboardHistory   = 200
	DefaultKafkaTopic         = "bookflow.frames"
	DefaultKafkaWriteTimeout  = 5 * time.Second
	DefaultReportInterval     = time.Minute
	DefaultCloudWatchPrefix   = "Bookflow"
	DefaultLogFormat          = "text"
	DefaultLogLevel           = "info"
	DefaultLogOutput          = "stdout"
	defaultProductionLogging  = "json"
)

var envSpecificPaths = map[string]string{
	EnvironmentProduction: "config/config.production.yml",
	EnvironmentStaging:    "config/config.staging.yml",
}

type Config struct {
	Bookflow  BookflowConfig  `yaml:"bookflow"`
	Feeds     FeedsConfig     `yaml:"feeds"`
	Book      BookConfig      `yaml:"book"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Publish   PublishConfig   `yaml:"publish"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type BookflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type FeedsConfig struct {
	Order OrderFeedConfig `yaml:"order"`
	Trade TradeFeedConfig `yaml:"trade"`
}

type OrderFeedConfig struct {
	URL         string `yaml:"url"`
	Symbol      string `yaml:"symbol"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Topic is the subscription topic, "<prefix>.<symbol>".
func (o OrderFeedConfig) Topic() string {
	return o.TopicPrefix + "." + o.Symbol
}

type TradeFeedConfig struct {
	URL         string   `yaml:"url"`
	TopicPrefix string   `yaml:"topic_prefix"`
	MatchTopics []string `yaml:"match_topics"`
}

// Topic is the subscription topic for symbol.
func (t TradeFeedConfig) Topic(symbol string) string {
	return t.TopicPrefix + "." + symbol
}

type BookConfig struct {
	Depth          int           `yaml:"depth"`
	MaxRawQuotes   int           `yaml:"max_raw_quotes"`
	UpdateThrottle time.Duration `yaml:"update_throttle"`
	FrameInterval  time.Duration `yaml:"frame_interval"`
	FlashDuration  time.Duration `yaml:"flash_duration"`

	// ResyncAfterSkipped is how many deltas may be skipped while waiting for a
	// snapshot before the feed is resubscribed again.
	ResyncAfterSkipped int `yaml:"resync_after_skipped"`
}

type ReconnectConfig struct {
	MaxAttempts      int           `yaml:"max_attempts"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	KeepAlive        time.Duration `yaml:"keep_alive"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

type ChannelsConfig struct {
	MailboxBuffer int `yaml:"mailbox_buffer"`
}

type DashboardConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Address        string `yaml:"address"`
	MetricsHistory int    `yaml:"metrics_history"`
	LogHistory     int    `yaml:"log_history"`
}

type PublishConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
}

// KafkaConfig controls the optional frame stream to Kafka, one message per
// rebuilt frame keyed by symbol.
type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type MetricsConfig struct {
	ReportInterval time.Duration    `yaml:"report_interval"`
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Region          string `yaml:"region"`
	Namespace       string `yaml:"namespace"`
	Dashboard       string `yaml:"dashboard"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Default returns a configuration carrying every default value and no endpoints.
func Default() Config {
	return Config{
		Bookflow: BookflowConfig{Name: "bookflow", Version: "dev"},
		Feeds: FeedsConfig{
			Order: OrderFeedConfig{Symbol: DefaultSymbol, TopicPrefix: DefaultOrderTopicPrefix},
			Trade: TradeFeedConfig{TopicPrefix: DefaultTradeTopicPrefix, MatchTopics: []string{DefaultTradeMatchTopic}},
		},
		Book: BookConfig{
			Depth:              DefaultDepth,
			MaxRawQuotes:       DefaultMaxRawQuotes,
			UpdateThrottle:     DefaultUpdateThrottle,
			FrameInterval:      DefaultFrameInterval,
			FlashDuration:      DefaultFlashDuration,
			ResyncAfterSkipped: DefaultResyncAfterSkipped,
		},
		Reconnect: ReconnectConfig{
			MaxAttempts:      DefaultMaxAttempts,
			BaseDelay:        DefaultBaseDelay,
			KeepAlive:        DefaultKeepAlive,
			HandshakeTimeout: DefaultHandshakeTimeout,
		},
		Channels: ChannelsConfig{MailboxBuffer: DefaultMailboxBuffer},
		Dashboard: DashboardConfig{
			Address:        DefaultDashboardAddress,
			MetricsHistory: DefaultDashboardHistory,
			LogHistory:     DefaultDashboardHistory,
		},
		Publish: PublishConfig{
			Kafka: KafkaConfig{Topic: DefaultKafkaTopic, WriteTimeout: DefaultKafkaWriteTimeout},
		},
		Metrics: MetricsConfig{
			ReportInterval: DefaultReportInterval,
			CloudWatch:     CloudWatchConfig{Namespace: DefaultCloudWatchPrefix, Dashboard: DefaultCloudWatchPrefix},
		},
		Logging: LoggingConfig{Level: DefaultLogLevel, Output: DefaultLogOutput},
	}
}

// ResolvePath returns the file LoadConfig should read for the current APP_ENV.
func ResolvePath(path string) string {
	return resolveEnvSpecificPath(path, DefaultConfigPath, envSpecificPaths)
}

// LoadConfig reads path over the defaults, applies environment overrides and validates.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if config.Logging.Format == "" {
		config.Logging.Format = DefaultLogFormat
		if IsProductionLike(AppEnvironment()) {
			config.Logging.Format = defaultProductionLogging
		}
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("ORDER_WS_URL"); v != "" {
		config.Feeds.Order.URL = strings.TrimSpace(v)
	}
	if v := os.Getenv("TRADE_WS_URL"); v != "" {
		config.Feeds.Trade.URL = strings.TrimSpace(v)
	}
	if v := os.Getenv("ORDER_SYMBOL"); v != "" {
		config.Feeds.Order.Symbol = strings.TrimSpace(v)
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		config.Publish.Kafka.Brokers = splitList(v)
	}
	if config.Metrics.CloudWatch.Enabled {
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Metrics.CloudWatch.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Metrics.CloudWatch.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Metrics.CloudWatch.SecretAccessKey = strings.TrimSpace(v)
		}
	}
	config.Feeds.Order.URL = strings.TrimSpace(config.Feeds.Order.URL)
	config.Feeds.Trade.URL = strings.TrimSpace(config.Feeds.Trade.URL)
}

func validateConfig(cfg *Config) error {
	if cfg.Bookflow.Name == "" {
		return fmt.Errorf("bookflow.name is required")
	}
	if cfg.Bookflow.Version == "" {
		return fmt.Errorf("bookflow.version is required")
	}

	if cfg.Feeds.Order.URL == "" {
		return fmt.Errorf("feeds.order.url is required (or set ORDER_WS_URL)")
	}
	if cfg.Feeds.Trade.URL == "" {
		return fmt.Errorf("feeds.trade.url is required (or set TRADE_WS_URL)")
	}
	if cfg.Feeds.Order.Symbol == "" {
		return fmt.Errorf("feeds.order.symbol is required")
	}
	if cfg.Feeds.Order.TopicPrefix == "" {
		return fmt.Errorf("feeds.order.topic_prefix is required")
	}
	if cfg.Feeds.Trade.TopicPrefix == "" {
		return fmt.Errorf("feeds.trade.topic_prefix is required")
	}

	if cfg.Book.Depth <= 0 {
		return fmt.Errorf("book.depth must be greater than 0")
	}
	if cfg.Book.MaxRawQuotes < cfg.Book.Depth {
		return fmt.Errorf("book.max_raw_quotes must be at least book.depth (%d)", cfg.Book.Depth)
	}
	if cfg.Book.UpdateThrottle < 0 || cfg.Book.FrameInterval < 0 || cfg.Book.FlashDuration < 0 {
		return fmt.Errorf("book durations must not be negative")
	}

	if cfg.Book.ResyncAfterSkipped <= 0 {
		return fmt.Errorf("book.resync_after_skipped must be greater than 0")
	}

	if cfg.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("reconnect.max_attempts must be greater than 0")
	}
	if cfg.Reconnect.BaseDelay <= 0 {
		return fmt.Errorf("reconnect.base_delay must be greater than 0")
	}
	if cfg.Reconnect.KeepAlive < 0 || cfg.Reconnect.HandshakeTimeout < 0 {
		return fmt.Errorf("reconnect durations must not be negative")
	}

	if cfg.Channels.MailboxBuffer <= 0 {
		return fmt.Errorf("channels.mailbox_buffer must be greater than 0")
	}

	if cfg.Dashboard.Enabled && strings.TrimSpace(cfg.Dashboard.Address) == "" {
		return fmt.Errorf("dashboard.address is required when the dashboard is enabled")
	}

	if k := cfg.Publish.Kafka; k.Enabled {
		if len(k.Brokers) == 0 {
			return fmt.Errorf("publish.kafka.brokers is required when Kafka publishing is enabled (or set KAFKA_BROKERS)")
		}
		if strings.TrimSpace(k.Topic) == "" {
			return fmt.Errorf("publish.kafka.topic is required when Kafka publishing is enabled")
		}
		if k.WriteTimeout < 0 {
			return fmt.Errorf("publish.kafka.write_timeout must not be negative")
		}
	}

	if cfg.Metrics.CloudWatch.Enabled && cfg.Metrics.CloudWatch.Namespace == "" {
		return fmt.Errorf("metrics.cloudwatch.namespace is required when CloudWatch is enabled")
	}

	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
