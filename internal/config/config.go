package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is built once at process start and passed by reference into every
// component constructor. Core logic never reads viper or the environment
// directly.
type Config struct {
	Database   DatabaseConfig
	Redis      RedisConfig
	Encryption EncryptionConfig
	Payout     PayoutConfig
	Fees       FeeConfig
	Webhook    WebhookConfig
	JWT        JWTConfig
}

type DatabaseConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// EncryptionConfig resolves to a 256-bit AES key. Either Key carries the raw
// key base64-encoded, or Passphrase+Salt are stretched with Argon2id. Anything
// that does not yield exactly 32 bytes is a startup error.
type EncryptionConfig struct {
	Key        string
	Passphrase string
	Salt       string
}

type PayoutConfig struct {
	MinThresholdCents int64
	Currency          string
	Method            string
	DebtorBIC         string
	Interval          time.Duration
	ReprocessInterval time.Duration
}

// FeeConfig uses basis points so fee math stays in integer/decimal space.
type FeeConfig struct {
	BasisPoints int64
	FixedCents  int64
}

type WebhookConfig struct {
	Secret string
}

type JWTConfig struct {
	SecretKey   string
	ExpiryHours int
}

// Load reads the bound viper keys into an explicit Config. Defaults mirror a
// local development setup.
func Load() *Config {
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", "5432")
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "password")
	viper.SetDefault("database.name", "creator_payments")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", time.Minute*5)

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", "6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("payout.min_threshold_cents", 1000)
	viper.SetDefault("payout.currency", "EUR")
	viper.SetDefault("payout.method", "SEPA")
	viper.SetDefault("payout.debtor_bic", "CRTRPAYX")
	viper.SetDefault("payout.interval", 168*time.Hour)
	viper.SetDefault("payout.reprocess_interval", 5*time.Minute)

	viper.SetDefault("fees.basis_points", 2000)
	viper.SetDefault("fees.fixed_cents", 0)

	viper.SetDefault("jwt.expiry_hours", 24)

	return &Config{
		Database: DatabaseConfig{
			Host:            viper.GetString("database.host"),
			Port:            viper.GetString("database.port"),
			User:            viper.GetString("database.user"),
			Password:        viper.GetString("database.password"),
			Name:            viper.GetString("database.name"),
			SSLMode:         viper.GetString("database.ssl_mode"),
			MaxOpenConns:    viper.GetInt("database.max_open_conns"),
			MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: viper.GetDuration("database.conn_max_lifetime"),
		},
		Redis: RedisConfig{
			Host:     viper.GetString("redis.host"),
			Port:     viper.GetString("redis.port"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Encryption: EncryptionConfig{
			Key:        viper.GetString("encryption.key"),
			Passphrase: viper.GetString("encryption.passphrase"),
			Salt:       viper.GetString("encryption.salt"),
		},
		Payout: PayoutConfig{
			MinThresholdCents: viper.GetInt64("payout.min_threshold_cents"),
			Currency:          viper.GetString("payout.currency"),
			Method:            viper.GetString("payout.method"),
			DebtorBIC:         viper.GetString("payout.debtor_bic"),
			Interval:          viper.GetDuration("payout.interval"),
			ReprocessInterval: viper.GetDuration("payout.reprocess_interval"),
		},
		Fees: FeeConfig{
			BasisPoints: viper.GetInt64("fees.basis_points"),
			FixedCents:  viper.GetInt64("fees.fixed_cents"),
		},
		Webhook: WebhookConfig{
			Secret: viper.GetString("webhook.secret"),
		},
		JWT: JWTConfig{
			SecretKey:   viper.GetString("jwt.secret_key"),
			ExpiryHours: viper.GetInt("jwt.expiry_hours"),
		},
	}
}
