package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ServiceName string    `mapstructure:"service_name"`
	Env         string    `mapstructure:"env"`
	Port        string    `mapstructure:"port"`
	Database    Database  `mapstructure:"database"`
	AWS         AWS       `mapstructure:"aws"`
	Gateways    Gateways  `mapstructure:"gateways"`
	Pricing     Pricing   `mapstructure:"pricing"`
	Breaker     Breaker   `mapstructure:"breaker"`
	Saga        Saga      `mapstructure:"saga"`
	Telemetry   Telemetry `mapstructure:"telemetry"`
}

type Database struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

type AWS struct {
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Region          string `mapstructure:"region"`
	EndpointSNS     string `mapstructure:"endpoint_sns"`
	EndpointSQS     string `mapstructure:"endpoint_sqs"`
	SNSTopicArn     string `mapstructure:"sns_topic_arn"`
	SQSQueueURL     string `mapstructure:"sqs_queue_url"`
}

// Gateways holds the base URLs of the collaborator services
type Gateways struct {
	PaymentURL  string `mapstructure:"payment_url"`
	CatalogURL  string `mapstructure:"catalog_url"`
	ProviderURL string `mapstructure:"provider_url"`
	BillingURL  string `mapstructure:"billing_url"`
}

// Pricing holds the order pricing rates
type Pricing struct {
	TaxRateBasisPoints int64 `mapstructure:"tax_rate_basis_points"`
	ShippingFlatFee    int64 `mapstructure:"shipping_flat_fee"`
}

// Breaker holds circuit breaker tuning shared by all collaborator breakers
type Breaker struct {
	WindowSize      int     `mapstructure:"window_size"`
	FailureRatio    float64 `mapstructure:"failure_ratio"`
	MinCalls        int     `mapstructure:"min_calls"`
	IntervalSeconds int     `mapstructure:"interval_seconds"`
	CooldownSeconds int     `mapstructure:"cooldown_seconds"`
}

// Interval returns the window age bound
func (b Breaker) Interval() time.Duration {
	return time.Duration(b.IntervalSeconds) * time.Second
}

// Cooldown returns the open-state cooldown
func (b Breaker) Cooldown() time.Duration {
	return time.Duration(b.CooldownSeconds) * time.Second
}

// Saga holds worker pool and per-call tuning for the saga runner
type Saga struct {
	Workers            int `mapstructure:"workers"`
	QueueSize          int `mapstructure:"queue_size"`
	CallTimeoutSeconds int `mapstructure:"call_timeout_seconds"`
	CallAttempts       int `mapstructure:"call_attempts"`
	RetryDelayMillis   int `mapstructure:"retry_delay_millis"`
}

// CallTimeout returns the per-attempt collaborator timeout
func (s Saga) CallTimeout() time.Duration {
	return time.Duration(s.CallTimeoutSeconds) * time.Second
}

// RetryDelay returns the pause between call attempts
func (s Saga) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelayMillis) * time.Millisecond
}

type Telemetry struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func ReadConfig() (*Config, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return nil, fmt.Errorf("unable to get current file")
	}

	configDir := filepath.Join(filepath.Dir(filename))
	viper.SetConfigName(getConfigName())
	viper.SetConfigType("json")
	viper.AddConfigPath(configDir)

	viper.AutomaticEnv()
	viper.SetEnvPrefix("ORDER")

	setDefaultsFromEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Defaults cover local runs without a config file
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

func getConfigName() string {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		return "local"
	}
	return env
}

func setDefaultsFromEnv() {
	viper.SetDefault("service_name", "order-service")
	viper.SetDefault("env", getEnv("ENV", "local"))
	viper.SetDefault("port", getEnv("PORT", "8080"))

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "password")
	viper.SetDefault("database.database", "order_system")
	viper.SetDefault("database.ssl_mode", "disable")

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		viper.Set("database.url", dbURL)
	}

	viper.SetDefault("aws.access_key_id", getEnv("AWS_ACCESS_KEY_ID", "test"))
	viper.SetDefault("aws.secret_access_key", getEnv("AWS_SECRET_ACCESS_KEY", "test"))
	viper.SetDefault("aws.region", getEnv("AWS_DEFAULT_REGION", "us-east-1"))
	viper.SetDefault("aws.endpoint_sns", getEnv("AWS_ENDPOINT_URL_SNS", "http://localhost:4566"))
	viper.SetDefault("aws.endpoint_sqs", getEnv("AWS_ENDPOINT_URL_SQS", "http://localhost:4566"))
	viper.SetDefault("aws.sns_topic_arn", getEnv("SNS_TOPIC_ARN", "arn:aws:sns:us-east-1:000000000000:order-events"))
	viper.SetDefault("aws.sqs_queue_url", getEnv("SQS_QUEUE_URL", "http://localhost:4566/000000000000/order-events"))

	viper.SetDefault("gateways.payment_url", getEnv("PAYMENT_SERVICE_URL", "http://localhost:8081"))
	viper.SetDefault("gateways.catalog_url", getEnv("CATALOG_SERVICE_URL", "http://localhost:8082"))
	viper.SetDefault("gateways.provider_url", getEnv("PROVIDER_SERVICE_URL", "http://localhost:8083"))
	viper.SetDefault("gateways.billing_url", getEnv("BILLING_SERVICE_URL", "http://localhost:8084"))

	// 19% tax, flat shipping fee in minor units
	viper.SetDefault("pricing.tax_rate_basis_points", 1900)
	viper.SetDefault("pricing.shipping_flat_fee", 15000)

	viper.SetDefault("breaker.window_size", 10)
	viper.SetDefault("breaker.failure_ratio", 0.5)
	viper.SetDefault("breaker.min_calls", 5)
	viper.SetDefault("breaker.interval_seconds", 60)
	viper.SetDefault("breaker.cooldown_seconds", 30)

	viper.SetDefault("saga.workers", 4)
	viper.SetDefault("saga.queue_size", 64)
	viper.SetDefault("saga.call_timeout_seconds", 3)
	viper.SetDefault("saga.call_attempts", 1)
	viper.SetDefault("saga.retry_delay_millis", 200)

	viper.SetDefault("telemetry.otlp_endpoint", getEnv("OTLP_ENDPOINT", "localhost:4318"))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetDatabaseURL constructs database URL from config
func (c *Config) GetDatabaseURL() string {
	if url := viper.GetString("database.url"); url != "" {
		return url
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
		c.Database.SSLMode,
	)
}
