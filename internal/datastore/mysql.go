package datastore

import (
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// openMySQL opens a MySQL database. The DSN must set parseTime=true.
func openMySQL(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, validationError("mysql dsn is required", "database.dsn", "")
	}

	db, err := gorm.Open(mysql.Open(dsn), gormConfig())
	if err != nil {
		return nil, openError("mysql", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, openError("mysql", err)
	}
	sqlDB.SetMaxOpenConns(4)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	GetLogger().Debug("opened mysql database")
	return db, nil
}
