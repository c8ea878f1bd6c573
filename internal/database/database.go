package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/xelth-com/eckdisplay/internal/config"
	"github.com/xelth-com/eckdisplay/internal/models"
)

// embeddedPassword is fixed; the embedded server only listens on localhost
const embeddedPassword = "postgres"

// DB wraps gorm.DB and the embedded PostgreSQL process when one was started
type DB struct {
	*gorm.DB
	embedded *embeddedpostgres.EmbeddedPostgres
	log      *slog.Logger
}

// GormConfig is the gorm configuration shared by every dialect.
// TranslateError turns unique index violations into gorm.ErrDuplicatedKey,
// which the directory relies on to retry code allocation.
func GormConfig(level logger.LogLevel) *gorm.Config {
	return &gorm.Config{
		Logger:         logger.Default.LogMode(level),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Connect opens PostgreSQL, starting an embedded server first when cfg asks for one
func Connect(cfg config.DatabaseConfig, log *slog.Logger) (*DB, error) {
	var embedded *embeddedpostgres.EmbeddedPostgres
	if cfg.Embedded() {
		var err error
		if embedded, err = startEmbedded(cfg, log); err != nil {
			return nil, err
		}
		cfg.Port = strconv.Itoa(cfg.EmbeddedPort)
		cfg.Password = embeddedPassword
	} else {
		log.Info("connecting to external PostgreSQL", "host", cfg.Host, "port", cfg.Port)
	}

	level := logger.Warn
	if cfg.Alter {
		level = logger.Silent
	}

	db, err := gorm.Open(postgres.Open(dsn(cfg)), GormConfig(level))
	if err != nil {
		if embedded != nil {
			_ = embedded.Stop()
		}
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(50)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	log.Info("database connection established", "embedded", embedded != nil)
	return &DB{DB: db, embedded: embedded, log: log}, nil
}

func dsn(cfg config.DatabaseConfig) string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable TimeZone=UTC",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database)
}

func startEmbedded(cfg config.DatabaseConfig, log *slog.Logger) (*embeddedpostgres.EmbeddedPostgres, error) {
	log.Info("starting embedded PostgreSQL", "data_path", cfg.EmbeddedDataPath, "port", cfg.EmbeddedPort)

	stopStalePostmaster(cfg.EmbeddedDataPath, log)
	if err := waitForPort(cfg.EmbeddedPort, 3*time.Second); err != nil {
		return nil, err
	}

	pg := embeddedpostgres.NewDatabase(embeddedpostgres.DefaultConfig().
		DataPath(cfg.EmbeddedDataPath).
		Port(uint32(cfg.EmbeddedPort)).
		Database(cfg.Database).
		Username(cfg.Username).
		Password(embeddedPassword))
	if err := pg.Start(); err != nil {
		return nil, fmt.Errorf("failed to start embedded database: %w", err)
	}
	return pg, nil
}

// stopStalePostmaster ends a server left running by a crashed previous run
func stopStalePostmaster(dataPath string, log *slog.Logger) {
	pidFile := filepath.Join(dataPath, "postmaster.pid")
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return
	}

	// The PID is the first line of postmaster.pid
	first, _, _ := strings.Cut(string(data), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil {
		log.Warn("could not parse postmaster.pid", "error", err)
		return
	}
	defer os.Remove(pidFile)

	// FindProcess always succeeds on Unix; signal 0 probes liveness
	proc, err := os.FindProcess(pid)
	if err != nil || proc.Signal(syscall.Signal(0)) != nil {
		log.Info("removing stale postmaster.pid", "pid", pid)
		return
	}

	log.Warn("stopping orphaned PostgreSQL process", "pid", pid)
	_ = proc.Signal(syscall.SIGTERM)
	for deadline := time.Now().Add(5 * time.Second); time.Now().Before(deadline); {
		time.Sleep(500 * time.Millisecond)
		if proc.Signal(syscall.Signal(0)) != nil {
			return
		}
	}
	log.Warn("orphaned PostgreSQL ignored SIGTERM, killing", "pid", pid)
	_ = proc.Kill()
	time.Sleep(500 * time.Millisecond)
}

// waitForPort blocks until nothing listens on port or timeout passes
func waitForPort(port int, timeout time.Duration) error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	for deadline := time.Now().Add(timeout); ; {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err != nil {
			return nil
		}
		conn.Close()
		if time.Now().After(deadline) {
			return fmt.Errorf("port %d is still in use by another process", port)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

// Close shuts the pool, then the embedded process if one was started
func (db *DB) Close() error {
	var errs []error
	if sqlDB, err := db.DB.DB(); err != nil {
		errs = append(errs, err)
	} else if err := sqlDB.Close(); err != nil {
		errs = append(errs, err)
	}
	if db.embedded != nil {
		db.log.Info("stopping embedded PostgreSQL")
		if err := db.embedded.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Ping checks the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Migrate synchronises the schema of every model this service owns
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Device{},
		&models.DayPlan{},
		&models.ScheduleItem{},
	)
}
