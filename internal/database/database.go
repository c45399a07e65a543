package database

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/MarcoPoloResearchLab/gamesync/internal/logging"
	"github.com/MarcoPoloResearchLab/gamesync/internal/replicas"
	"github.com/MarcoPoloResearchLab/gamesync/internal/syncengine"
	sqlite "github.com/glebarez/sqlite"
	_ "github.com/jackc/pgx/v4/stdlib"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const (
	pgxDriverName         = "pgx"
	postgresAdminDatabase = "postgres"
)

// Options selects and locates the backing store.
type Options struct {
	Driver string
	Path   string
	DSN    string
	Logger *zap.Logger
}

// Open connects to the configured store and brings its schema up to date.
func Open(opts Options) (*gorm.DB, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gormConfig := &gorm.Config{Logger: logging.NewGormLogger(logger, logging.DefaultSlowQueryThreshold)}

	var (
		db  *gorm.DB
		err error
	)
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case DriverSQLite, "":
		db, err = openSQLite(opts.Path, gormConfig)
	case DriverPostgres:
		db, err = openPostgres(opts.DSN, gormConfig, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", opts.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := migrate(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized",
		zap.String("driver", db.Dialector.Name()),
		zap.String("location", describeLocation(opts)))
	return db, nil
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	return Open(Options{Driver: DriverSQLite, Path: path, Logger: logger})
}

func openSQLite(path string, gormConfig *gorm.Config) (*gorm.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), gormConfig)
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

func openPostgres(dsn string, gormConfig *gorm.Config, logger *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	db, err := gorm.Open(postgres.Open(dsn), gormConfig)
	if err != nil && isMissingDatabase(err) {
		logger.Info("target database missing, creating it")
		if createErr := ensureDatabaseExists(dsn); createErr != nil {
			return nil, fmt.Errorf("create database: %w", createErr)
		}
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	}
	if err != nil {
		return nil, err
	}
	return db, nil
}

func isMissingDatabase(err error) bool {
	message := err.Error()
	return strings.Contains(message, "3D000") || strings.Contains(message, "does not exist")
}

// ensureDatabaseExists connects to the admin database named by a URL style DSN
// and creates the target database when it is absent.
func ensureDatabaseExists(dsn string) error {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return err
	}
	databaseName := strings.TrimSpace(strings.TrimPrefix(parsed.Path, "/"))
	if databaseName == "" || databaseName == postgresAdminDatabase {
		return nil
	}
	parsed.Path = "/" + postgresAdminDatabase

	admin, err := sql.Open(pgxDriverName, parsed.String())
	if err != nil {
		return err
	}
	defer admin.Close()

	err = admin.QueryRow("SELECT 1 FROM pg_database WHERE datname = $1", databaseName).Scan(new(int))
	if errors.Is(err, sql.ErrNoRows) {
		_, err = admin.Exec(`CREATE DATABASE "` + strings.ReplaceAll(databaseName, `"`, `""`) + `"`)
	}
	return err
}

func migrate(db *gorm.DB, logger *zap.Logger) error {
	models := append(syncengine.Models(), &replicas.State{}, &migrationRecord{})
	if err := db.AutoMigrate(models...); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}

func describeLocation(opts Options) string {
	if strings.EqualFold(strings.TrimSpace(opts.Driver), DriverPostgres) {
		parsed, err := url.Parse(opts.DSN)
		if err != nil {
			return "postgres"
		}
		return parsed.Redacted()
	}
	return opts.Path
}
