package config

import (
	"log"
	"strings"

	"github.com/spf13/viper"
)

type Database struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	SSLMode  string `mapstructure:"ssl-mode"`
}

type Gateway struct {
	WebhookSecret   string `mapstructure:"webhook-secret"`
	APIKey          string `mapstructure:"api-key"`
	ReplayWindowSec int    `mapstructure:"replay-window-sec"`
}

type NotificationTransport struct {
	URL          string `mapstructure:"url"`
	TokenURL     string `mapstructure:"token-url"`
	ClientID     string `mapstructure:"client-id"`
	ClientSecret string `mapstructure:"client-secret"`
	TimeoutMs    int    `mapstructure:"timeout-ms"`
}

type Notification struct {
	Transport           NotificationTransport `mapstructure:"transport"`
	DispatchTimeoutMs   int                   `mapstructure:"dispatch-timeout-ms"`
	MaxAttempts         int                   `mapstructure:"max-attempts"`
	Parallelism         int                   `mapstructure:"parallelism"`
	EmergencyRecipients []string              `mapstructure:"emergency-recipients"`
}

type KafkaWriter struct {
	BatchSize      int `mapstructure:"batch-size"`
	BatchTimeoutMs int `mapstructure:"batch-timeout-ms"`
}

type KafkaBroker struct {
	URL string `mapstructure:"url"`
}

type KafkaTopic struct {
	ReconciliationEvents string `mapstructure:"reconciliation-events"`
}

type Kafka struct {
	Writer KafkaWriter `mapstructure:"writer"`
	Broker KafkaBroker `mapstructure:"broker"`
	Topic  KafkaTopic  `mapstructure:"topic"`
}

type Cache struct {
	TTLMs int `mapstructure:"ttl-ms"`
}

type Server struct {
	Port string `mapstructure:"port"`
}

type Metrics struct {
	URL          string `mapstructure:"url"`
	IntervalMs   int    `mapstructure:"interval-ms"`
	CommonLabels string `mapstructure:"common-labels"`
}

type Logs struct {
	URL string `mapstructure:"url"`
}

type Config struct {
	Environment  string       `mapstructure:"environment"`
	Database     Database     `mapstructure:"database"`
	Gateway      Gateway      `mapstructure:"gateway"`
	Notification Notification `mapstructure:"notification"`
	Kafka        Kafka        `mapstructure:"kafka"`
	Cache        Cache        `mapstructure:"cache"`
	Server       Server       `mapstructure:"server"`
	Metrics      Metrics      `mapstructure:"metrics"`
	Logs         Logs         `mapstructure:"logs"`
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func LoadConfig(path string) (*Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func MustLoadConfig(path string) *Config {
	config, err := LoadConfig(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return config
}
