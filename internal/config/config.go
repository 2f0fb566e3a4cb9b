package config

import (
	"fmt"

	env "github.com/caarlos0/env/v11"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`
	JWTSecret   string `env:"JWT_SECRET,required"`
	Port        int    `env:"PORT" envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	AppEnv      string `env:"APP_ENV" envDefault:"production"`

	MpesaBaseURL       string `env:"MPESA_BASE_URL" envDefault:"http://mock-gateway:8081"`
	MpesaShortcode     string `env:"MPESA_SHORTCODE" envDefault:"174379"`
	MpesaCallbackToken string `env:"MPESA_CALLBACK_TOKEN,required"`
	BankBaseURL        string `env:"BANK_BASE_URL" envDefault:"http://mock-gateway:8081/bank"`
	BankWebhookSecret  string `env:"BANK_WEBHOOK_SECRET,required"`
	CardBaseURL        string `env:"CARD_BASE_URL" envDefault:"http://mock-gateway:8081/card"`
	CardWebhookSecret  string `env:"CARD_WEBHOOK_SECRET,required"`
	CallbackBaseURL    string `env:"CALLBACK_BASE_URL" envDefault:"http://app:8080/webhooks"`
	GatewayTimeoutS    int    `env:"GATEWAY_TIMEOUT_S" envDefault:"10"`

	ReconIntervalS    int `env:"RECON_INTERVAL_S" envDefault:"60"`
	ReconGracePeriodS int `env:"RECON_GRACE_PERIOD_S" envDefault:"300"`
	ReconMaxAttempts  int `env:"RECON_MAX_ATTEMPTS" envDefault:"10"`
	ReconBatchSize    int `env:"RECON_BATCH_SIZE" envDefault:"50"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"kejapay.settlements"`

	DBMaxOpenConns     int `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DBMaxIdleConns     int `env:"DB_MAX_IDLE_CONNS" envDefault:"10"`
	DBConnMaxLifetimeS int `env:"DB_CONN_MAX_LIFETIME_S" envDefault:"300"`
	DBConnMaxIdleTimeS int `env:"DB_CONN_MAX_IDLE_TIME_S" envDefault:"60"`
}

func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}
