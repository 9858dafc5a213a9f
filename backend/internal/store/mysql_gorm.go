// Package store persists snapshots, chat messages and read markers in MySQL
// through gorm.
package store

import (
	"errors"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
)

const mysqlDuplicateEntry = 1062

func InitMySQL(dsn string) (*gorm.DB, error) {
	return gorm.Open(mysql.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
}

// Migrate creates or updates every table the server uses.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Snapshot{}, &ChatMessage{}, &Reaction{}, &ReadMarker{})
}

func isDuplicate(err error) bool {
	var mysqlErr *mysqldriver.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry
}
