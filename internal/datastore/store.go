package datastore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/tphakala/iotalerts/internal/conf"
	"github.com/tphakala/iotalerts/internal/datastore/entities"
	"github.com/tphakala/iotalerts/internal/logger"
)

// slowQueryThreshold is where statements start being logged as slow
const slowQueryThreshold = 200 * time.Millisecond

// GetLogger returns the datastore module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("datastore")
}

// Store implements AlertStore and TopicLedger on a gorm database.
type Store struct {
	DB *gorm.DB

	severities *severityCache
	locks      topicLocks

	watchMu  sync.Mutex
	watchers map[int]chan []entities.Alert
	nextID   int
	closed   bool
	done     chan struct{}
}

var (
	_ AlertStore  = (*Store)(nil)
	_ TopicLedger = (*Store)(nil)
)

// Open connects to the configured backend and migrates the schema.
func Open(settings conf.DatabaseSettings) (*Store, error) {
	var (
		db  *gorm.DB
		err error
	)
	switch settings.Type {
	case "", "sqlite":
		db, err = openSQLite(settings.Path)
	case "mysql":
		db, err = openMySQL(settings.DSN)
	default:
		return nil, validationError("unsupported database type", "database.type", settings.Type)
	}
	if err != nil {
		return nil, err
	}
	return NewStore(db)
}

// NewStore wraps an open gorm database and migrates the schema.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, validationError("database handle is required", "db", nil)
	}
	if err := db.AutoMigrate(&entities.Alert{}, &entities.Topic{}); err != nil {
		return nil, dbError(err, "auto_migrate", "high")
	}
	return &Store{
		DB:         db,
		severities: newSeverityCache(),
		watchers:   make(map[int]chan []entities.Alert),
		done:       make(chan struct{}),
	}, nil
}

// Close ends every watch stream and closes the database.
func (s *Store) Close() error {
	s.watchMu.Lock()
	if !s.closed {
		s.closed = true
		close(s.done)
		for id, ch := range s.watchers {
			close(ch)
			delete(s.watchers, id)
		}
	}
	s.watchMu.Unlock()

	sqlDB, err := s.DB.DB()
	if err != nil {
		return dbError(err, "close", "")
	}
	if err := sqlDB.Close(); err != nil {
		return dbError(err, "close", "")
	}
	return nil
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return dbError(err, "ping", "")
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return dbError(err, "ping", "")
	}
	return nil
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger: logger.NewGormLoggerAdapter(GetLogger(), slowQueryThreshold),
	}
}

func openError(backend string, err error) error {
	return dbError(fmt.Errorf("failed to open %s database: %w", backend, err), "open", "critical", "backend", backend)
}
