package config

import (
	"errors"
	"fmt"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// ストレージの種類
const (
	StorageMemory   = "memory"
	StorageBadger   = "badger"
	StoragePostgres = "postgres"
	StorageRedis    = "redis"
)

var ErrMissingDatabaseURL = errors.New("DATABASE_URL or DB_HOST/DB_USERNAME/DB_PASSWORD/DB_NAME is required when STORAGE_TYPE=postgres")

var validate = validator.New()

// Config はサーバーの設定
type Config struct {
	Host     string `env:"HOST"`
	Port     int    `env:"PORT,default=8080" validate:"min=1,max=65535"`
	LogLevel string `env:"LOG_LEVEL,default=INFO" validate:"oneof=DEBUG INFO WARN ERROR"`

	StorageType  string `env:"STORAGE_TYPE,default=memory" validate:"oneof=memory badger postgres redis"`
	MessagesPath string `env:"MESSAGES_PATH,default=messages" validate:"required,excludesall=/"`

	WriteTimeout time.Duration `env:"WRITE_TIMEOUT,default=5s" validate:"gt=0"`
	HistoryLimit int           `env:"HISTORY_LIMIT,default=0" validate:"gte=0"`

	BadgerFilepath string        `env:"BADGER_FILEPATH" validate:"required_if=StorageType badger"`
	BadgerResync   time.Duration `env:"BADGER_RESYNC,default=1s" validate:"gt=0"`

	DatabaseURL string `env:"DATABASE_URL"`
	DBHost      string `env:"DB_HOST"`
	DBPort      string `env:"DB_PORT,default=5432"`
	DBUsername  string `env:"DB_USERNAME"`
	DBPassword  string `env:"DB_PASSWORD"`
	DBName      string `env:"DB_NAME"`

	RedisAddr     string `env:"REDIS_ADDR" validate:"required_if=StorageType redis"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB,default=0" validate:"gte=0"`
}

// Load は .env と環境変数から設定を読み込む
// .env が無くてもエラーにしない
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnviron()
}

// FromEnviron は環境変数だけから設定を読み込んで検証する
func FromEnviron() (Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate は設定値を検証する
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.StorageType == StoragePostgres {
		if _, err := c.PostgresURL(); err != nil {
			return err
		}
	}
	return nil
}

// Addr はサーバーの待ち受けアドレスを返す
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// PostgresURL は接続文字列を返す
// DATABASE_URL が無ければ個別の環境変数から組み立てる（ECS + Secrets Manager対応）
func (c Config) PostgresURL() (string, error) {
	if c.DatabaseURL != "" {
		return c.DatabaseURL, nil
	}
	if c.DBHost == "" || c.DBUsername == "" || c.DBPassword == "" || c.DBName == "" {
		return "", ErrMissingDatabaseURL
	}
	port := c.DBPort
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=require",
		c.DBUsername, c.DBPassword, c.DBHost, port, c.DBName), nil
}
