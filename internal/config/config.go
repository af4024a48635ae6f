// Package config loads server settings from the environment, optionally
// layered over a YAML file named by CONFIG_FILE.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"gopkg.in/yaml.v2"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	StoreDriver string          `yaml:"store_driver"`
	Server      ServerConfig    `yaml:"server"`
	Database    DatabaseConfig  `yaml:"database"`
	Redis       RedisConfig     `yaml:"redis"`
	Game        GameConfig      `yaml:"game"`
	Ledger      LedgerConfig    `yaml:"ledger"`
	Reconcile   ReconcileConfig `yaml:"reconcile"`
	Log         LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RateLimitMax    int           `yaml:"rate_limit_max"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
	CORSOrigins     string        `yaml:"cors_origins"`
}

type DatabaseConfig struct {
	Host           string `yaml:"host"`
	Port           string `yaml:"port"`
	Database       string `yaml:"database"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	Schema         string `yaml:"schema"`
	MaxConns       int    `yaml:"max_conns"`
	MigrationsPath string `yaml:"migrations_path"`
	AutoMigrate    bool   `yaml:"auto_migrate"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type GameConfig struct {
	TickInterval     time.Duration `yaml:"tick_interval"`
	Countdown        time.Duration `yaml:"countdown"`
	GrowthPerSecond  float64       `yaml:"growth_per_second"`
	MinStake         float64       `yaml:"min_stake"`
	MaxStake         float64       `yaml:"max_stake"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	RetrySchedule    string        `yaml:"retry_schedule"`
	RecentCrashLimit int           `yaml:"recent_crash_limit"`
}

type LedgerConfig struct {
	MinWithdrawal float64 `yaml:"min_withdrawal"`
}

type ReconcileConfig struct {
	Schedule  string        `yaml:"schedule"`
	Tolerance time.Duration `yaml:"tolerance"`
	Timeout   time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns the built-in settings.
func Defaults() Config {
	return Config{
		StoreDriver: DriverPostgres,
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateLimitMax:    100,
			RateLimitWindow: time.Minute,
			CORSOrigins:     "*",
		},
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           "5432",
			Database:       "crashdb",
			Username:       "postgres",
			Password:       "postgres",
			Schema:         "public",
			MaxConns:       20,
			MigrationsPath: "./migrations",
			AutoMigrate:    true,
		},
		Redis: RedisConfig{
			Enabled: true,
			Addr:    "localhost:6379",
		},
		Game: GameConfig{
			TickInterval:     100 * time.Millisecond,
			Countdown:        5 * time.Second,
			GrowthPerSecond:  1.0,
			MinStake:         1,
			MaxStake:         10000,
			WriteTimeout:     2 * time.Second,
			RetrySchedule:    "*/10 * * * * *",
			RecentCrashLimit: 50,
		},
		Ledger: LedgerConfig{
			MinWithdrawal: 500,
		},
		Reconcile: ReconcileConfig{
			Schedule:  "0 */15 * * * *",
			Tolerance: 5 * time.Minute,
			Timeout:   2 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load resolves defaults, then CONFIG_FILE, then the environment.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadFile(file string, cfg *Config) error {
	path := file
	if !filepath.IsAbs(path) {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get working directory: %w", err)
		}
		path = filepath.Join(wd, file)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("unable to read %s: %w", file, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("unable to parse %s: %w", file, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var err error
	cfg.StoreDriver = getEnv("STORE_DRIVER", cfg.StoreDriver)

	s := &cfg.Server
	s.Port = getEnvAsInt("PORT", s.Port)
	if s.ReadTimeout, err = getEnvDuration("SERVER_READ_TIMEOUT", s.ReadTimeout); err != nil {
		return err
	}
	if s.WriteTimeout, err = getEnvDuration("SERVER_WRITE_TIMEOUT", s.WriteTimeout); err != nil {
		return err
	}
	if s.IdleTimeout, err = getEnvDuration("SERVER_IDLE_TIMEOUT", s.IdleTimeout); err != nil {
		return err
	}
	if s.ShutdownTimeout, err = getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", s.ShutdownTimeout); err != nil {
		return err
	}
	s.RateLimitMax = getEnvAsInt("RATE_LIMIT_MAX", s.RateLimitMax)
	if s.RateLimitWindow, err = getEnvDuration("RATE_LIMIT_WINDOW", s.RateLimitWindow); err != nil {
		return err
	}
	s.CORSOrigins = getEnv("CORS_ORIGINS", s.CORSOrigins)

	d := &cfg.Database
	d.Host = getEnv("BLUEPRINT_DB_HOST", d.Host)
	d.Port = getEnv("BLUEPRINT_DB_PORT", d.Port)
	d.Database = getEnv("BLUEPRINT_DB_DATABASE", d.Database)
	d.Username = getEnv("BLUEPRINT_DB_USERNAME", d.Username)
	d.Password = getEnv("BLUEPRINT_DB_PASSWORD", d.Password)
	d.Schema = getEnv("BLUEPRINT_DB_SCHEMA", d.Schema)
	d.MaxConns = getEnvAsInt("DB_MAX_CONNS", d.MaxConns)
	d.MigrationsPath = getEnv("MIGRATIONS_PATH", d.MigrationsPath)
	d.AutoMigrate = getEnvBool("DB_AUTO_MIGRATE", d.AutoMigrate)

	r := &cfg.Redis
	r.Enabled = getEnvBool("REDIS_ENABLED", r.Enabled)
	r.Addr = getEnv("REDIS_URL", r.Addr)
	r.Password = getEnv("REDIS_PASSWORD", r.Password)
	r.DB = getEnvAsInt("REDIS_DB", r.DB)

	g := &cfg.Game
	if g.TickInterval, err = getEnvDuration("GAME_TICK_INTERVAL", g.TickInterval); err != nil {
		return err
	}
	if g.Countdown, err = getEnvDuration("GAME_COUNTDOWN", g.Countdown); err != nil {
		return err
	}
	if g.GrowthPerSecond, err = getEnvFloat("GAME_GROWTH_PER_SECOND", g.GrowthPerSecond); err != nil {
		return err
	}
	if g.MinStake, err = getEnvFloat("GAME_MIN_STAKE", g.MinStake); err != nil {
		return err
	}
	if g.MaxStake, err = getEnvFloat("GAME_MAX_STAKE", g.MaxStake); err != nil {
		return err
	}
	if g.WriteTimeout, err = getEnvDuration("SETTLEMENT_WRITE_TIMEOUT", g.WriteTimeout); err != nil {
		return err
	}
	g.RetrySchedule = getEnv("SETTLEMENT_RETRY_SCHEDULE", g.RetrySchedule)
	g.RecentCrashLimit = getEnvAsInt("RECENT_CRASH_LIMIT", g.RecentCrashLimit)

	if cfg.Ledger.MinWithdrawal, err = getEnvFloat("MIN_WITHDRAWAL", cfg.Ledger.MinWithdrawal); err != nil {
		return err
	}

	rc := &cfg.Reconcile
	rc.Schedule = getEnv("RECONCILE_SCHEDULE", rc.Schedule)
	if rc.Tolerance, err = getEnvDuration("RECONCILE_TOLERANCE", rc.Tolerance); err != nil {
		return err
	}
	if rc.Timeout, err = getEnvDuration("RECONCILE_TIMEOUT", rc.Timeout); err != nil {
		return err
	}

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)
	return nil
}

// Validate rejects settings the game cannot run with.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMemory, c.StoreDriver)
	}
	if c.Game.TickInterval <= 0 {
		return fmt.Errorf("game tick interval must be positive, got %s", c.Game.TickInterval)
	}
	if c.Game.GrowthPerSecond <= 0 {
		return fmt.Errorf("game growth per second must be positive, got %v", c.Game.GrowthPerSecond)
	}
	if c.Game.MinStake < 1 || c.Game.MaxStake < c.Game.MinStake {
		return fmt.Errorf("invalid stake range [%v, %v]", c.Game.MinStake, c.Game.MaxStake)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if boolVal, err := strconv.ParseBool(val); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return 0, fmt.Errorf("invalid duration for %s: %q (%w)", key, val, err)
		}
		return d, nil
	}
	return defaultVal, nil
}

func getEnvFloat(key string, defaultVal float64) (float64, error) {
	if val := os.Getenv(key); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number for %s: %q (%w)", key, val, err)
		}
		return f, nil
	}
	return defaultVal, nil
}
