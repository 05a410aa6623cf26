package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации координационного слоя.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Console   ServerConfig    `mapstructure:"console"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Routing   RoutingConfig   `mapstructure:"routing"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Circuit   CircuitConfig   `mapstructure:"circuit"`
	Fanout    FanoutConfig    `mapstructure:"fanout"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Approvals ApprovalsConfig `mapstructure:"approvals"`
	Logger    LoggerConfig    `mapstructure:"logger"`
}

// ServerConfig — один HTTP-листенер; используется и шлюзом (server),
// и консолью (console).
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	MetricsPort  int           `mapstructure:"metrics_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig — PostgreSQL: строка подключения и размер пула.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// RedisConfig — Pub/Sub-сигналы и разделяемое состояние.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig — ключи RSA и параметры операторских токенов.
// PublicKey/PrivateKey заполняет LoadConfig из файла либо из ENV.
type AuthConfig struct {
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"` // нужен только консоли
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	BcryptCost     int           `mapstructure:"bcrypt_cost"`
	PublicKey      []byte
	PrivateKey     []byte
}

// RetryConfig — дефолтная политика повторов доставки. Сообщение может
// переопределить ее через retryPolicy в своем теле.
type RetryConfig struct {
	MaxRetries  int           `mapstructure:"max_retries"`
	BackoffMs   int64         `mapstructure:"backoff_ms"`
	Exponential bool          `mapstructure:"exponential"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"` // Потолок экспоненты
}

// RoutingConfig — настройки протокольного движка (Router).
type RoutingConfig struct {
	// DefaultEffect: "allow" или "deny" — что делать, когда для
	// получателя не задано ни одной политики (Zero Trust = deny)
	DefaultEffect string `mapstructure:"default_effect"`

	// ReviewerID — принципал, чьи APPROVAL_REQUEST паркуются в очередь
	// ручного ревью вместо доставки агенту
	ReviewerID string `mapstructure:"reviewer_id"`

	DefaultTimeoutSec int           `mapstructure:"default_timeout_sec"` // Ожидание ответа на запрос
	AckTimeout        time.Duration `mapstructure:"ack_timeout"`         // Таймаут одной попытки доставки
	QueueSize         int           `mapstructure:"queue_size"`          // Очередь EVENT-доставки
	Workers           int           `mapstructure:"workers"`
	DedupeTTL         time.Duration `mapstructure:"dedupe_ttl"`  // Окно идемпотентности на приеме
	GapTimeout        time.Duration `mapstructure:"gap_timeout"` // Ожидание пропущенного номера
	Retry             RetryConfig   `mapstructure:"retry"`

	// AcceptsFrom — статические allow-list из файла конфигурации,
	// поверх них накладываются политики из БД
	AcceptsFrom map[string][]string `mapstructure:"accepts_from"`

	RateLimit float64 `mapstructure:"rate_limit"` // Запросов в секунду на входе HTTP
	RateBurst int     `mapstructure:"rate_burst"`
}

// RegistryConfig — аренда и выселение.
type RegistryConfig struct {
	LeaseTTL      time.Duration `mapstructure:"lease_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// SingleOwnerCapabilities — теги, которыми может владеть только
	// один агент одновременно (по умолчанию владение свободное)
	SingleOwnerCapabilities []string `mapstructure:"single_owner_capabilities"`
}

// CircuitConfig — пороги Circuit Tracker.
type CircuitConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	CoolDown         time.Duration `mapstructure:"cool_down"`
	CacheFreshness   time.Duration `mapstructure:"cache_freshness"` // Окно годности last-good ответа
}

// FanoutConfig — ограничение параллелизма Task Coordinator.
type FanoutConfig struct {
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

// LedgerConfig — буферизация write-behind архиватора журнала.
type LedgerConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// ApprovalsConfig — настройки очереди ручного ревью в Console.
type ApprovalsConfig struct {
	// RiskFields: числовое поле payload -> порог. Превышение подсвечивает
	// заявку в очереди (risk_note), на маршрутизацию не влияет.
	RiskFields map[string]float64 `mapstructure:"risk_fields"`

	// VerifyCacheTTL — сколько консоль доверяет последней проверке
	// целостности цепочки, прежде чем пересчитать ее перед решением
	VerifyCacheTTL time.Duration `mapstructure:"verify_cache_ttl"`
}

// LoggerConfig — уровень и формат zap.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig собирает конфигурацию: дефолты, поверх них config.yaml,
// поверх всего — переменные окружения.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// config.yaml ищем рядом с бинарем и в ./configs
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// ENV перекрывает файл: ROUTING_WORKERS=16 сильнее routing.workers
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Файла может не быть вовсе: ENV и дефолтов достаточно
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// PEM-материал: в контейнере ключ удобнее передать через ENV,
	// путь из конфига — запасной вариант
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("console.port", 8000)
	v.SetDefault("console.read_timeout", 5*time.Second)
	v.SetDefault("console.write_timeout", 10*time.Second)
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("auth.token_ttl", 1*time.Hour)
	v.SetDefault("auth.bcrypt_cost", 10)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("routing.default_effect", "allow")
	v.SetDefault("routing.reviewer_id", "console")
	v.SetDefault("routing.default_timeout_sec", 30)
	v.SetDefault("routing.ack_timeout", 10*time.Second)
	v.SetDefault("routing.queue_size", 1024)
	v.SetDefault("routing.workers", 8)
	v.SetDefault("routing.dedupe_ttl", 10*time.Minute)
	v.SetDefault("routing.gap_timeout", 3*time.Second)
	v.SetDefault("routing.retry.max_retries", 3)
	v.SetDefault("routing.retry.backoff_ms", 200)
	v.SetDefault("routing.retry.exponential", true)
	v.SetDefault("routing.retry.max_backoff", 30*time.Second)
	v.SetDefault("routing.rate_limit", 100)
	v.SetDefault("routing.rate_burst", 20)

	v.SetDefault("registry.lease_ttl", 30*time.Second)
	v.SetDefault("registry.sweep_interval", 5*time.Second)

	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.cool_down", 30*time.Second)
	v.SetDefault("circuit.cache_freshness", 5*time.Minute)

	v.SetDefault("fanout.max_concurrent", 16)

	v.SetDefault("ledger.buffer_size", 10000)
	v.SetDefault("ledger.batch_size", 100)
	v.SetDefault("ledger.flush_interval", 500*time.Millisecond)

	v.SetDefault("approvals.verify_cache_ttl", 30*time.Second)
}

// loadKeyResource отдает PEM из ENV, если он там есть, иначе читает
// файл. Пустой результат валидация ключей поймает выше.
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
