package datastore

import (
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/tphakala/iotalerts/internal/logger"
)

const memoryPath = ":memory:"

// openSQLite opens a SQLite database at path. One connection is used so
// ":memory:" databases persist for the life of the store and writes are
// serialized.
func openSQLite(path string) (*gorm.DB, error) {
	if path == "" {
		path = memoryPath
	}

	dsn := path
	if path != memoryPath {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, openError("sqlite", err)
			}
		}
		if !strings.Contains(path, "?") {
			dsn = path + "?_busy_timeout=5000&_journal_mode=WAL"
		}
	}

	db, err := gorm.Open(sqlite.Open(dsn), gormConfig())
	if err != nil {
		return nil, openError("sqlite", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, openError("sqlite", err)
	}
	sqlDB.SetMaxOpenConns(1)

	GetLogger().Debug("opened sqlite database", logger.String("path", path))
	return db, nil
}
