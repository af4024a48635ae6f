// Package database is the PostgreSQL backend: connection pool, schema
// migrations and the store.Store implementation.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Service represents a service that interacts with a database.
type Service interface {
	// Health returns a map of health status information.
	// The keys and values in the map are service-specific.
	Health() map[string]string

	// Close terminates the database connection.
	// It returns an error if the connection cannot be closed.
	Close() error

	Pool() *pgxpool.Pool
}

type Config struct {
	Host     string
	Port     string
	Database string
	Username string
	Password string
	Schema   string
	MaxConns int32
	MinConns int32
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable&search_path=%s",
		c.Username, c.Password, c.Host, c.Port, c.Database, c.Schema)
}

type service struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

var (
	database   = os.Getenv("BLUEPRINT_DB_DATABASE")
	password   = os.Getenv("BLUEPRINT_DB_PASSWORD")
	username   = os.Getenv("BLUEPRINT_DB_USERNAME")
	port       = os.Getenv("BLUEPRINT_DB_PORT")
	host       = os.Getenv("BLUEPRINT_DB_HOST")
	schema     = os.Getenv("BLUEPRINT_DB_SCHEMA")
	dbInstance *service
)

// New connects with the BLUEPRINT_DB_* environment and reuses the
// connection on later calls. It exits the process when the database is
// unreachable.
func New() Service {
	if dbInstance != nil {
		return dbInstance
	}
	cfg := Config{
		Host:     host,
		Port:     port,
		Database: database,
		Username: username,
		Password: password,
		Schema:   schema,
	}
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	svc, err := Connect(context.Background(), cfg)
	if err != nil {
		zap.L().Named("database").Fatal("connect failed", zap.Error(err))
	}
	dbInstance = svc.(*service)
	return dbInstance
}

// Connect opens a pool for cfg and pings it.
func Connect(ctx context.Context, cfg Config) (Service, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping %s:%s/%s: %w", cfg.Host, cfg.Port, cfg.Database, err)
	}

	log := zap.L().Named("database")
	log.Info("connected", zap.String("host", cfg.Host), zap.String("database", cfg.Database))
	return &service{pool: pool, log: log}, nil
}

func (s *service) Pool() *pgxpool.Pool {
	return s.pool
}

// Health checks the health of the database connection by pinging the database.
// It returns a map with keys indicating various health statistics.
func (s *service) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	stats := make(map[string]string)

	if err := s.pool.Ping(ctx); err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("db down: %v", err)
		s.log.Error("health check failed", zap.Error(err))
		return stats
	}

	stats["status"] = "up"
	stats["message"] = "It's healthy"

	ps := s.pool.Stat()
	stats["total_conns"] = strconv.Itoa(int(ps.TotalConns()))
	stats["acquired_conns"] = strconv.Itoa(int(ps.AcquiredConns()))
	stats["idle_conns"] = strconv.Itoa(int(ps.IdleConns()))
	stats["max_conns"] = strconv.Itoa(int(ps.MaxConns()))
	stats["acquire_count"] = strconv.FormatInt(ps.AcquireCount(), 10)
	stats["empty_acquire_count"] = strconv.FormatInt(ps.EmptyAcquireCount(), 10)

	if ps.AcquiredConns() >= ps.MaxConns() {
		stats["message"] = "The database is experiencing heavy load."
	}
	if ps.EmptyAcquireCount() > 1000 {
		stats["message"] = "Many acquires waited for a connection, consider raising the pool size."
	}

	return stats
}

// Close closes the pool. It logs a message indicating the disconnection
// from the specific database.
func (s *service) Close() error {
	s.log.Info("disconnected from database", zap.String("database", database))
	s.pool.Close()
	if dbInstance == s {
		dbInstance = nil
	}
	return nil
}

func newMigrate(db *sql.DB, migrationsPath string) (*migrate.Migrate, error) {
	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsPath, "pgx5", driver)
	if err != nil {
		return nil, fmt.Errorf("load migrations from %s: %w", migrationsPath, err)
	}
	return m, nil
}

// RunMigrations applies every pending up migration. The migrate instance
// is not closed because closing it closes db, which the caller owns.
func RunMigrations(db *sql.DB, migrationsPath string) error {
	m, err := newMigrate(db, migrationsPath)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// ApplyMigrations is RunMigrations for a db opened only to migrate: the
// migrate instance is closed afterwards, and db with it.
func ApplyMigrations(db *sql.DB, migrationsPath string) error {
	m, err := newMigrate(db, migrationsPath)
	if err != nil {
		db.Close()
		return err
	}
	upErr := m.Up()
	srcErr, dbErr := m.Close()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", upErr)
	}
	return errors.Join(srcErr, dbErr)
}

// RollbackMigration reverts the last applied migration.
func RollbackMigration(db *sql.DB, migrationsPath string) error {
	m, err := newMigrate(db, migrationsPath)
	if err != nil {
		return err
	}
	if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate down: %w", err)
	}
	return nil
}

// GetMigrationVersion reports the applied version and whether the last
// migration left the schema dirty. Version 0 means nothing is applied.
func GetMigrationVersion(db *sql.DB, migrationsPath string) (uint, bool, error) {
	m, err := newMigrate(db, migrationsPath)
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("migration version: %w", err)
	}
	return version, dirty, nil
}
