package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/ulule/limiter/v3"
	"gopkg.in/yaml.v3"

	"github.com/nemonet1337/zaiStockLedger/pkg/inventory"
)

// Storage drivers
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds application configuration
// アプリケーション設定を保持
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Database  DatabaseConfig  `yaml:"database"`
	API       APIConfig       `yaml:"api"`
	Auth      AuthConfig      `yaml:"auth"`
	Redis     RedisConfig     `yaml:"redis"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Inventory InventoryConfig `yaml:"inventory"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// StorageConfig selects the ledger backend
// ストレージ設定を保持
type StorageConfig struct {
	Driver       string `yaml:"driver"`        // postgres, memory
	EnsureSchema bool   `yaml:"ensure_schema"` // 起動時にテーブルを作成
}

// DatabaseConfig holds database configuration
// データベース設定を保持
type DatabaseConfig struct {
	URL             string        `yaml:"url"` // 指定時は個別項目より優先
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	DBName          string        `yaml:"dbname"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// APIConfig holds API server configuration
// APIサーバー設定を保持
type APIConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	EnableCORS      bool          `yaml:"enable_cors"`
	EnableMetrics   bool          `yaml:"enable_metrics"`
}

// AuthConfig holds bearer token settings
// 認証設定を保持
type AuthConfig struct {
	Disabled bool          `yaml:"disabled"` // 開発用: 全リクエストをadminとして扱う
	Secret   string        `yaml:"secret"`
	Issuer   string        `yaml:"issuer"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// RedisConfig holds event bus settings
// Redis設定を保持
type RedisConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// RateLimitConfig holds API rate limit settings
// レート制限設定を保持
type RateLimitConfig struct {
	Enabled bool   `yaml:"enabled"`
	Rate    string `yaml:"rate"` // 例: "100-M"
}

// InventoryConfig holds inventory-specific configuration
// 在庫固有の設定を保持
type InventoryConfig struct {
	QueryPageSize         int           `yaml:"query_page_size"`
	EnforceThresholdOrder bool          `yaml:"enforce_threshold_order"`
	ReconcileInterval     time.Duration `yaml:"reconcile_interval"`
	ExpiryWarningDays     int           `yaml:"expiry_warning_days"`
}

// LoggingConfig holds logging configuration
// ログ設定を保持
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, console
	Output string `yaml:"output"` // stdout, stderr, ファイルパス
}

// Default returns the built-in configuration
// 既定の設定を返す
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Driver:       DriverPostgres,
			EnsureSchema: true,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "inventory",
			Password:        "password",
			DBName:          "stock_ledger",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    10,
			ConnMaxLifetime: 5 * time.Minute,
		},
		API: APIConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			EnableCORS:      true,
			EnableMetrics:   true,
		},
		Auth: AuthConfig{
			Issuer:   "stock-ledger",
			TokenTTL: 12 * time.Hour,
		},
		Redis: RedisConfig{
			Addr:          "localhost:6379",
			ChannelPrefix: "stock_ledger",
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Rate:    "100-M",
		},
		Inventory: InventoryConfig{
			QueryPageSize:         100,
			EnforceThresholdOrder: true,
			ReconcileInterval:     time.Hour,
			ExpiryWarningDays:     7,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, a .env
// file and the environment, in increasing precedence
// 既定値・YAML・.env・環境変数の順に設定を読み込み
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗しました: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("設定ファイルの解析に失敗しました: %w", err)
		}
	}

	// .envは任意
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf(".envの読み込みに失敗しました: %w", err)
	}

	v := viper.New()
	v.AutomaticEnv()
	applyEnv(v, cfg)

	// バリデーション
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定バリデーションに失敗しました: %w", err)
	}

	return cfg, nil
}

func applyEnv(v *viper.Viper, cfg *Config) {
	cfg.Storage.Driver = getString(v, "STORAGE_DRIVER", cfg.Storage.Driver)
	cfg.Storage.EnsureSchema = getBool(v, "STORAGE_ENSURE_SCHEMA", cfg.Storage.EnsureSchema)

	cfg.Database.URL = getString(v, "DATABASE_URL", cfg.Database.URL)
	cfg.Database.Host = getString(v, "DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getInt(v, "DB_PORT", cfg.Database.Port)
	cfg.Database.User = getString(v, "DB_USER", cfg.Database.User)
	cfg.Database.Password = getString(v, "DB_PASSWORD", cfg.Database.Password)
	cfg.Database.DBName = getString(v, "DB_NAME", cfg.Database.DBName)
	cfg.Database.SSLMode = getString(v, "DB_SSLMODE", cfg.Database.SSLMode)
	cfg.Database.MaxOpenConns = getInt(v, "DB_MAX_OPEN_CONNS", cfg.Database.MaxOpenConns)
	cfg.Database.MaxIdleConns = getInt(v, "DB_MAX_IDLE_CONNS", cfg.Database.MaxIdleConns)
	cfg.Database.ConnMaxLifetime = getDuration(v, "DB_CONN_MAX_LIFETIME", cfg.Database.ConnMaxLifetime)

	cfg.API.Port = getInt(v, "API_PORT", cfg.API.Port)
	cfg.API.ReadTimeout = getDuration(v, "API_READ_TIMEOUT", cfg.API.ReadTimeout)
	cfg.API.WriteTimeout = getDuration(v, "API_WRITE_TIMEOUT", cfg.API.WriteTimeout)
	cfg.API.IdleTimeout = getDuration(v, "API_IDLE_TIMEOUT", cfg.API.IdleTimeout)
	cfg.API.ShutdownTimeout = getDuration(v, "API_SHUTDOWN_TIMEOUT", cfg.API.ShutdownTimeout)
	cfg.API.EnableCORS = getBool(v, "API_ENABLE_CORS", cfg.API.EnableCORS)
	cfg.API.EnableMetrics = getBool(v, "API_ENABLE_METRICS", cfg.API.EnableMetrics)

	cfg.Auth.Disabled = getBool(v, "AUTH_DISABLED", cfg.Auth.Disabled)
	cfg.Auth.Secret = getString(v, "JWT_SECRET", cfg.Auth.Secret)
	cfg.Auth.Issuer = getString(v, "JWT_ISSUER", cfg.Auth.Issuer)
	cfg.Auth.TokenTTL = getDuration(v, "JWT_TOKEN_TTL", cfg.Auth.TokenTTL)

	cfg.Redis.Enabled = getBool(v, "REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Redis.Addr = getString(v, "REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getString(v, "REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getInt(v, "REDIS_DB", cfg.Redis.DB)
	cfg.Redis.ChannelPrefix = getString(v, "REDIS_CHANNEL_PREFIX", cfg.Redis.ChannelPrefix)

	cfg.RateLimit.Enabled = getBool(v, "RATE_LIMIT_ENABLED", cfg.RateLimit.Enabled)
	cfg.RateLimit.Rate = getString(v, "RATE_LIMIT_RATE", cfg.RateLimit.Rate)

	cfg.Inventory.QueryPageSize = getInt(v, "INVENTORY_QUERY_PAGE_SIZE", cfg.Inventory.QueryPageSize)
	cfg.Inventory.EnforceThresholdOrder = getBool(v, "INVENTORY_ENFORCE_THRESHOLD_ORDER", cfg.Inventory.EnforceThresholdOrder)
	cfg.Inventory.ReconcileInterval = getDuration(v, "INVENTORY_RECONCILE_INTERVAL", cfg.Inventory.ReconcileInterval)
	cfg.Inventory.ExpiryWarningDays = getInt(v, "INVENTORY_EXPIRY_WARNING_DAYS", cfg.Inventory.ExpiryWarningDays)

	cfg.Logging.Level = getString(v, "LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getString(v, "LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.Output = getString(v, "LOG_OUTPUT", cfg.Logging.Output)
}

// Validate validates the configuration
// 設定をバリデーション
func (c *Config) Validate() error {
	// ストレージ設定チェック
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Database.URL == "" {
			if c.Database.Host == "" {
				return fmt.Errorf("データベースホストが指定されていません")
			}
			if c.Database.Port <= 0 || c.Database.Port > 65535 {
				return fmt.Errorf("無効なデータベースポート: %d", c.Database.Port)
			}
			if c.Database.User == "" {
				return fmt.Errorf("データベースユーザーが指定されていません")
			}
			if c.Database.DBName == "" {
				return fmt.Errorf("データベース名が指定されていません")
			}
		}
	default:
		return fmt.Errorf("無効なストレージドライバー: %s", c.Storage.Driver)
	}

	// API設定チェック
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("無効なAPIポート: %d", c.API.Port)
	}

	// 認証設定チェック
	if !c.Auth.Disabled && len(c.Auth.Secret) < 16 {
		return fmt.Errorf("JWT_SECRETは16文字以上で指定してください")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("Redisアドレスが指定されていません")
	}

	if c.RateLimit.Enabled {
		if _, err := limiter.NewRateFromFormatted(c.RateLimit.Rate); err != nil {
			return fmt.Errorf("無効なレート制限: %s: %w", c.RateLimit.Rate, err)
		}
	}

	// 在庫設定チェック
	if c.Inventory.QueryPageSize <= 0 {
		return fmt.Errorf("検索ページサイズは1以上である必要があります")
	}
	if c.Inventory.ReconcileInterval < 0 {
		return fmt.Errorf("照合間隔は0以上である必要があります")
	}
	if c.Inventory.ExpiryWarningDays <= 0 {
		return fmt.Errorf("期限警告日数は1以上である必要があります")
	}

	// ログ設定チェック
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("無効なログレベル: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true, "console": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("無効なログフォーマット: %s", c.Logging.Format)
	}

	return nil
}

// DSN generates PostgreSQL Data Source Name
// PostgreSQLデータソース名を生成
func (c *Config) DSN() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}

	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.Database.User, c.Database.Password),
		Host:   fmt.Sprintf("%s:%d", c.Database.Host, c.Database.Port),
		Path:   "/" + c.Database.DBName,
	}
	q := u.Query()
	q.Set("sslmode", c.Database.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// Addr returns the API listen address
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.API.Port)
}

// ManagerConfig converts the inventory section for inventory.NewManager
func (c *Config) ManagerConfig() *inventory.Config {
	return &inventory.Config{
		QueryPageSize:         c.Inventory.QueryPageSize,
		EnforceThresholdOrder: c.Inventory.EnforceThresholdOrder,
		ReconcileInterval:     c.Inventory.ReconcileInterval,
	}
}

// ExpiryWindow returns the default look-ahead for expiring batches
func (c *Config) ExpiryWindow() time.Duration {
	return time.Duration(c.Inventory.ExpiryWarningDays) * 24 * time.Hour
}

// ヘルパー関数

// getString gets an environment value through viper with default value
// デフォルト値付きで環境変数を取得
func getString(v *viper.Viper, key, def string) string {
	if v.IsSet(key) {
		return strings.TrimSpace(v.GetString(key))
	}
	return def
}

func getInt(v *viper.Viper, key string, def int) int {
	if v.IsSet(key) {
		return v.GetInt(key)
	}
	return def
}

func getBool(v *viper.Viper, key string, def bool) bool {
	if v.IsSet(key) {
		return v.GetBool(key)
	}
	return def
}

func getDuration(v *viper.Viper, key string, def time.Duration) time.Duration {
	if v.IsSet(key) {
		return v.GetDuration(key)
	}
	return def
}
