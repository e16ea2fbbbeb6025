package configs

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides, e.g. ZALONOTIFIER_RABBITMQ__HOST.
const EnvPrefix = "ZALONOTIFIER_"

type Config struct {
	App struct {
		Name          string `koanf:"name"`
		HTTPAddr      string `koanf:"http_addr"`
		LogLevel      string `koanf:"log_level"`
		LogFile       string `koanf:"log_file"`
		LogMaxSizeMB  int    `koanf:"log_max_size_mb"`
		LogMaxBackups int    `koanf:"log_max_backups"`
		LogMaxAgeDays int    `koanf:"log_max_age_days"`
	} `koanf:"app"`

	Rabbit struct {
		URL            string        `koanf:"url"`
		Host           string        `koanf:"host"`
		Port           int           `koanf:"port"`
		User           string        `koanf:"user"`
		Password       string        `koanf:"password"`
		VHost          string        `koanf:"vhost"`
		Queue          string        `koanf:"queue"`
		QueuePrefix    string        `koanf:"queue_prefix"`
		Exchange       string        `koanf:"exchange"`
		ExchangeType   string        `koanf:"exchange_type"`
		RoutingKey     string        `koanf:"routing_key"`
		ConsumerTag    string        `koanf:"consumer_tag"`
		Prefetch       int           `koanf:"prefetch"`
		ConnectRetries int           `koanf:"connect_retries"`
		ConnectDelay   time.Duration `koanf:"connect_delay"`
		Heartbeat      time.Duration `koanf:"heartbeat"`
		CloseTimeout   time.Duration `koanf:"close_timeout"`
	} `koanf:"rabbitmq"`

	Dispatch struct {
		HandlerTimeout  time.Duration `koanf:"handler_timeout"`
		OTPTimeout      time.Duration `koanf:"otp_timeout"`
		FallbackTimeout time.Duration `koanf:"fallback_timeout"`
		RequeueOnError  bool          `koanf:"requeue_on_error"`
	} `koanf:"dispatch"`

	Notify struct {
		BaseURL     string `koanf:"base_url"`
		OTPTemplate string `koanf:"otp_template"`
	} `koanf:"notify"`

	Zalo struct {
		GatewayURL   string        `koanf:"gateway_url"`
		Token        string        `koanf:"token"`
		Timeout      time.Duration `koanf:"timeout"`
		Listen       bool          `koanf:"listen"`
		PollInterval time.Duration `koanf:"poll_interval"`
		Greeting     string        `koanf:"greeting"`
	} `koanf:"zalo"`

	Redis struct {
		Addr     string        `koanf:"addr"`
		Password string        `koanf:"password"`
		DB       int           `koanf:"db"`
		TTL      time.Duration `koanf:"ttl"`
	} `koanf:"redis"`
}

// LoadEnvFiles loads the dotenv files that exist into the process
// environment. Variables already set are kept.
func LoadEnvFiles(files ...string) (int, error) {
	existing := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return 0, nil
	}
	return len(existing), godotenv.Load(existing...)
}

func Load(pathDir, envName string) (Config, error) {
	k := koanf.New(".")
	// 1) base
	if err := k.Load(file.Provider(fmt.Sprintf("%s/base.yaml", pathDir)), yaml.Parser()); err != nil {
		return Config{}, fmt.Errorf("load base: %w", err)
	}

	// 2) env override (dev/staging/prod). Optional: allow missing for local runs.
	if envName != "" {
		_ = k.Load(file.Provider(fmt.Sprintf("%s/%s.yaml", pathDir, envName)), yaml.Parser())
	}

	// 3) environment variables override (prefix ZALONOTIFIER_, nested with __)
	// e.g. ZALONOTIFIER_RABBITMQ__HOST, ZALONOTIFIER_ZALO__TOKEN
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		s = strings.ReplaceAll(s, "__", ".")
		return strings.ToLower(s)
	}), nil); err != nil {
		return Config{}, fmt.Errorf("env overlay: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "zalo-notifier"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.Rabbit.Port == 0 {
		c.Rabbit.Port = 5672
	}
	if c.Rabbit.ConnectRetries == 0 {
		c.Rabbit.ConnectRetries = 5
	}
	if c.Rabbit.ConnectDelay == 0 {
		c.Rabbit.ConnectDelay = 2 * time.Second
	}
	if c.Rabbit.CloseTimeout == 0 {
		c.Rabbit.CloseTimeout = 3 * time.Second
	}
	if c.Rabbit.Prefetch == 0 {
		c.Rabbit.Prefetch = 1
	}
	if c.Rabbit.Heartbeat == 0 {
		c.Rabbit.Heartbeat = 10 * time.Second
	}
	if c.Dispatch.HandlerTimeout == 0 {
		c.Dispatch.HandlerTimeout = 10 * time.Second
	}
	if c.Dispatch.OTPTimeout == 0 {
		c.Dispatch.OTPTimeout = 5 * time.Second
	}
	if c.Dispatch.FallbackTimeout == 0 {
		c.Dispatch.FallbackTimeout = 5 * time.Second
	}
	if c.Zalo.Timeout == 0 {
		c.Zalo.Timeout = 10 * time.Second
	}
	if c.Zalo.PollInterval == 0 {
		c.Zalo.PollInterval = 2 * time.Second
	}
	if c.Redis.TTL == 0 {
		c.Redis.TTL = 24 * time.Hour
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Rabbit.URL == "" && c.Rabbit.Host == "" {
		errs = append(errs, fmt.Errorf("rabbitmq.url or rabbitmq.host required"))
	}
	if c.Rabbit.Queue == "" {
		errs = append(errs, fmt.Errorf("rabbitmq.queue required"))
	}
	if c.Rabbit.Port < 1 || c.Rabbit.Port > 65535 {
		errs = append(errs, fmt.Errorf("rabbitmq.port out of range: %d", c.Rabbit.Port))
	}
	if c.Rabbit.Prefetch < 0 {
		errs = append(errs, fmt.Errorf("rabbitmq.prefetch must be >= 0"))
	}
	if c.Rabbit.ConnectRetries < 1 {
		errs = append(errs, fmt.Errorf("rabbitmq.connect_retries must be >= 1"))
	}
	if c.Rabbit.ConnectDelay < 0 || c.Rabbit.CloseTimeout < 0 {
		errs = append(errs, fmt.Errorf("rabbitmq durations must be positive"))
	}
	if c.Dispatch.HandlerTimeout < 0 || c.Dispatch.OTPTimeout < 0 || c.Dispatch.FallbackTimeout < 0 {
		errs = append(errs, fmt.Errorf("dispatch timeouts must be positive"))
	}
	if c.Notify.BaseURL == "" {
		errs = append(errs, fmt.Errorf("notify.base_url required"))
	}
	if c.Zalo.GatewayURL == "" {
		errs = append(errs, fmt.Errorf("zalo.gateway_url required"))
	}
	return errors.Join(errs...)
}

// QueueName is the full queue name, "<prefix>.<queue>" when a prefix is set.
// ClaimTTL bounds how long one delivery may hold a task's duplicate claim:
// the slowest handler plus its fallback notification.
func (c Config) ClaimTTL() time.Duration {
	return max(c.Dispatch.HandlerTimeout, c.Dispatch.OTPTimeout) + c.Dispatch.FallbackTimeout
}

func (c Config) QueueName() string {
	if c.Rabbit.QueuePrefix == "" {
		return c.Rabbit.Queue
	}
	return c.Rabbit.QueuePrefix + "." + c.Rabbit.Queue
}

// BrokerURL is rabbitmq.url when set, else the URL built from host and credentials.
func (c Config) BrokerURL() string {
	if c.Rabbit.URL != "" {
		return c.Rabbit.URL
	}
	return buildURL(c.Rabbit.Host, c.Rabbit.Port, c.Rabbit.User, c.Rabbit.Password, c.Rabbit.VHost)
}

func buildURL(host string, port int, user, password, vhost string) string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(user, password),
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   "/",
	}
	if vhost != "" && vhost != "/" {
		u.Path = "/" + vhost
	}
	return u.String()
}
