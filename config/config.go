package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full application configuration
type Config struct {
	Criteria Criteria       `yaml:"criteria"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Sources  []SourceConfig `yaml:"sources"`
	Notify   NotifyConfig   `yaml:"notify"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
	Server   ServerConfig   `yaml:"server"`
	Inquiry  InquiryConfig  `yaml:"inquiry"`
}

// Criteria represents the filter criteria. Nil bounds and empty sets mean
// "no constraint".
type Criteria struct {
	MinPrice      *float64 `yaml:"min_price"`
	MaxPrice      *float64 `yaml:"max_price"`
	MinBedrooms   *int     `yaml:"min_bedrooms"`
	MaxBedrooms   *int     `yaml:"max_bedrooms"`
	Locations     []string `yaml:"locations"`
	PropertyTypes []string `yaml:"property_types"`
}

// ScheduleConfig controls polling, timeouts and retries
type ScheduleConfig struct {
	Interval      Duration         `yaml:"interval"`
	FetchTimeout  Duration         `yaml:"fetch_timeout"`
	StoreTimeout  Duration         `yaml:"store_timeout"`
	NotifyTimeout Duration         `yaml:"notify_timeout"`
	Backoff       BackoffConfig    `yaml:"backoff"`
	QuietHours    QuietHoursConfig `yaml:"quiet_hours"`
}

// BackoffConfig is the retry policy for transient fetch errors
type BackoffConfig struct {
	Initial     Duration `yaml:"initial"`
	Max         Duration `yaml:"max"`
	MaxAttempts int      `yaml:"max_attempts"`
}

// QuietHoursConfig defers notifications inside a daily window.
// Start after End means the window spans midnight.
type QuietHoursConfig struct {
	Enabled bool   `yaml:"enabled"`
	Start   string `yaml:"start"`
	End     string `yaml:"end"`
}

// SourceConfig describes one listing source
type SourceConfig struct {
	Name      string            `yaml:"name"`
	Kind      string            `yaml:"kind"`
	Enabled   *bool             `yaml:"enabled"`
	BaseURL   string            `yaml:"base_url"`
	Interval  Duration          `yaml:"interval"`
	MaxPages  int               `yaml:"max_pages"`
	Areas     []string          `yaml:"areas"`
	Params    map[string]string `yaml:"params"`
	Render    bool              `yaml:"render"`
	RateLimit Duration          `yaml:"rate_limit"` // delay between requests to the same domain
}

// IsEnabled reports whether the source should be polled. Sources are
// enabled unless explicitly disabled.
func (s SourceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// NotifyConfig configures the notification channels
type NotifyConfig struct {
	Fields   []string       `yaml:"fields"`
	Telegram TelegramConfig `yaml:"telegram"`
	Ntfy     NtfyConfig     `yaml:"ntfy"`
	Email    EmailConfig    `yaml:"email"`
	Sheets   SheetsConfig   `yaml:"sheets"`
	AMQP     AMQPConfig     `yaml:"amqp"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"-"`
	ChatID  int64  `yaml:"chat_id"`
}

type NtfyConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Server   string   `yaml:"server"`
	Topic    string   `yaml:"topic"`
	Priority int      `yaml:"priority"`
	Tags     []string `yaml:"tags"`
}

type EmailConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Host     string   `yaml:"smtp_host"`
	Port     int      `yaml:"smtp_port"`
	From     string   `yaml:"from"`
	Password string   `yaml:"-"`
	To       []string `yaml:"to"`
}

type SheetsConfig struct {
	Enabled         bool   `yaml:"enabled"`
	SpreadsheetURL  string `yaml:"spreadsheet_url"`
	SheetName       string `yaml:"sheet_name"`
	CredentialsFile string `yaml:"credentials_file"`
}

type AMQPConfig struct {
	Enabled    bool   `yaml:"enabled"`
	URL        string `yaml:"-"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

type DatabaseConfig struct {
	URL             string   `yaml:"url"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	ConnectRetries  int      `yaml:"connect_retries"`
	ConnectInterval Duration `yaml:"connect_interval"`
}

type LoggingConfig struct {
	Level  string       `yaml:"level"`
	JSON   bool         `yaml:"json"`
	Color  bool         `yaml:"color"`
	Fluent FluentConfig `yaml:"fluent"`
}

type FluentConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	TagPrefix string `yaml:"tag_prefix"`
}

type ServerConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	PublicURL string `yaml:"public_url"` // how ntfy buttons reach the server
}

// InquiryConfig enables emailing landlords from a notification button.
// Mail goes out through the notify.email account.
type InquiryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Name         string `yaml:"name"`
	Phone        string `yaml:"phone"`
	ReplyTo      string `yaml:"reply_to"`
	TemplateFile string `yaml:"template_file"`
	MaxPerHour   int    `yaml:"max_per_hour"`
}

// Duration is a time.Duration read from a Go duration string ("10m")
type Duration time.Duration

// D returns the value as time.Duration
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// LoadConfig reads the YAML file at path, overlays secrets from the
// environment, applies defaults and validates the result. When envFile is
// not empty it is loaded into the environment first; a missing env file is
// not an error.
func LoadConfig(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML without touching the environment
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

// GetDefaultConfig returns a configuration with defaults and no sources
func GetDefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyEnv() error {
	c.Notify.Telegram.Token = getEnv("TELEGRAM_BOT_TOKEN", c.Notify.Telegram.Token)
	if raw := os.Getenv("TELEGRAM_CHAT_ID"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		c.Notify.Telegram.ChatID = id
	}
	c.Notify.Ntfy.Topic = getEnv("NTFY_TOPIC", c.Notify.Ntfy.Topic)
	c.Notify.Email.From = getEnv("GMAIL_ADDRESS", c.Notify.Email.From)
	c.Notify.Email.Password = getEnv("GMAIL_APP_PASSWORD", c.Notify.Email.Password)
	c.Notify.Sheets.CredentialsFile = getEnv("GOOGLE_SHEETS_CREDENTIALS", c.Notify.Sheets.CredentialsFile)
	c.Notify.AMQP.URL = getEnv("RABBITMQ_URL", c.Notify.AMQP.URL)
	c.Inquiry.Name = getEnv("INQUIRY_NAME", c.Inquiry.Name)
	c.Inquiry.Phone = getEnv("INQUIRY_PHONE", c.Inquiry.Phone)
	c.Inquiry.ReplyTo = getEnv("INQUIRY_REPLY_TO", c.Inquiry.ReplyTo)
	c.Server.PublicURL = getEnv("SERVER_URL", c.Server.PublicURL)
	c.Database.URL = getEnv("DATABASE_URL", c.Database.URL)
	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Color = getEnvAsBool("LOG_COLOR", c.Logging.Color)
	return nil
}

func (c *Config) applyDefaults() {
	s := &c.Schedule
	setDuration(&s.Interval, 10*time.Minute)
	setDuration(&s.FetchTimeout, 60*time.Second)
	setDuration(&s.StoreTimeout, 5*time.Second)
	setDuration(&s.NotifyTimeout, 15*time.Second)
	setDuration(&s.Backoff.Initial, 5*time.Second)
	setDuration(&s.Backoff.Max, 2*time.Minute)
	if s.Backoff.MaxAttempts <= 0 {
		s.Backoff.MaxAttempts = 3
	}
	if s.QuietHours.Start == "" {
		s.QuietHours.Start = "23:00"
	}
	if s.QuietHours.End == "" {
		s.QuietHours.End = "07:00"
	}

	for i := range c.Sources {
		src := &c.Sources[i]
		if src.Kind == "" {
			src.Kind = src.Name
		}
		setDuration(&src.Interval, s.Interval.D())
		if src.MaxPages <= 0 {
			src.MaxPages = 1
		}
		setDuration(&src.RateLimit, 2*time.Second)
	}

	if c.Notify.Ntfy.Server == "" {
		c.Notify.Ntfy.Server = "https://ntfy.sh"
	}
	if c.Notify.Ntfy.Priority == 0 {
		c.Notify.Ntfy.Priority = 4
	}
	if c.Notify.Email.Host == "" {
		c.Notify.Email.Host = "smtp.gmail.com"
	}
	if c.Notify.Email.Port == 0 {
		c.Notify.Email.Port = 587
	}
	if c.Notify.Sheets.SheetName == "" {
		c.Notify.Sheets.SheetName = "Listings"
	}
	if c.Notify.AMQP.Exchange == "" {
		c.Notify.AMQP.Exchange = "listings"
	}
	if c.Notify.AMQP.RoutingKey == "" {
		c.Notify.AMQP.RoutingKey = "listing.new"
	}

	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.ConnectRetries <= 0 {
		c.Database.ConnectRetries = 5
	}
	setDuration(&c.Database.ConnectInterval, 2*time.Second)

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Fluent.Port == 0 {
		c.Logging.Fluent.Port = 24224
	}
	if c.Logging.Fluent.TagPrefix == "" {
		c.Logging.Fluent.TagPrefix = "rental-hunter"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":5151"
	}
	if c.Server.PublicURL == "" {
		host := c.Server.Addr
		if strings.HasPrefix(host, ":") {
			host = "localhost" + host
		}
		c.Server.PublicURL = "http://" + host
	}
	if c.Inquiry.MaxPerHour <= 0 {
		c.Inquiry.MaxPerHour = 20
	}
}

// Validate reports every configuration problem at once
func (c *Config) Validate() error {
	var errs []error

	cr := c.Criteria
	if cr.MinPrice != nil && cr.MaxPrice != nil && *cr.MinPrice > *cr.MaxPrice {
		errs = append(errs, fmt.Errorf("criteria: min_price %.0f exceeds max_price %.0f", *cr.MinPrice, *cr.MaxPrice))
	}
	if cr.MinBedrooms != nil && cr.MaxBedrooms != nil && *cr.MinBedrooms > *cr.MaxBedrooms {
		errs = append(errs, fmt.Errorf("criteria: min_bedrooms %d exceeds max_bedrooms %d", *cr.MinBedrooms, *cr.MaxBedrooms))
	}

	if c.Database.URL == "" {
		errs = append(errs, errors.New("database: url is required (DATABASE_URL)"))
	}

	b := c.Schedule.Backoff
	if b.Initial.D() > b.Max.D() {
		errs = append(errs, fmt.Errorf("schedule: backoff initial %s exceeds max %s", b.Initial.D(), b.Max.D()))
	}
	if c.Schedule.QuietHours.Enabled {
		if _, err := ParseClock(c.Schedule.QuietHours.Start); err != nil {
			errs = append(errs, fmt.Errorf("schedule: quiet_hours start: %w", err))
		}
		if _, err := ParseClock(c.Schedule.QuietHours.End); err != nil {
			errs = append(errs, fmt.Errorf("schedule: quiet_hours end: %w", err))
		}
	}

	names := make(map[string]bool)
	enabled := 0
	for i, src := range c.Sources {
		if src.Name == "" {
			errs = append(errs, fmt.Errorf("sources[%d]: name is required", i))
			continue
		}
		if names[src.Name] {
			errs = append(errs, fmt.Errorf("sources[%d]: duplicate name %q", i, src.Name))
		}
		names[src.Name] = true
		if src.IsEnabled() {
			enabled++
		}
		if src.Interval.D() <= 0 {
			errs = append(errs, fmt.Errorf("source %q: interval must be positive", src.Name))
		}
	}
	if enabled == 0 {
		errs = append(errs, errors.New("sources: at least one enabled source is required"))
	}

	n := c.Notify
	if n.Telegram.Enabled && (n.Telegram.Token == "" || n.Telegram.ChatID == 0) {
		errs = append(errs, errors.New("notify.telegram: TELEGRAM_BOT_TOKEN and chat id are required"))
	}
	if n.Ntfy.Enabled && n.Ntfy.Topic == "" {
		errs = append(errs, errors.New("notify.ntfy: topic is required (NTFY_TOPIC)"))
	}
	if n.Ntfy.Priority < 1 || n.Ntfy.Priority > 5 {
		errs = append(errs, fmt.Errorf("notify.ntfy: priority %d out of range 1-5", n.Ntfy.Priority))
	}
	if n.Email.Enabled && (n.Email.From == "" || n.Email.Password == "" || len(n.Email.To) == 0) {
		errs = append(errs, errors.New("notify.email: sender, app password and recipients are required"))
	}
	if n.Sheets.Enabled && (n.Sheets.SpreadsheetURL == "" || n.Sheets.CredentialsFile == "") {
		errs = append(errs, errors.New("notify.sheets: spreadsheet_url and credentials file are required"))
	}
	if n.AMQP.Enabled && n.AMQP.URL == "" {
		errs = append(errs, errors.New("notify.amqp: RABBITMQ_URL is required"))
	}

	if in := c.Inquiry; in.Enabled {
		if !c.Server.Enabled {
			errs = append(errs, errors.New("inquiry: server must be enabled to receive requests"))
		}
		if n.Email.From == "" || n.Email.Password == "" {
			errs = append(errs, errors.New("inquiry: GMAIL_ADDRESS and GMAIL_APP_PASSWORD are required"))
		}
		if in.Name == "" {
			errs = append(errs, errors.New("inquiry: name is required (INQUIRY_NAME)"))
		}
	}

	return errors.Join(errs...)
}

// ParseClock parses "HH:MM" into an offset from midnight
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func setDuration(d *Duration, def time.Duration) {
	if *d <= 0 {
		*d = Duration(def)
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return value
	}
	return fallback
}
