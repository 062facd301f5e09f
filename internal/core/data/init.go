// Package data is the gorm-backed account store used by the logon
// authentication backend. Production runs against Postgres; tests use the
// pure-Go sqlite driver.
package data

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Initialize opens the database connection and runs migrations.
func Initialize(dataSource string, debug bool) (*gorm.DB, error) {
	// By default only log errors but enable full SQL query prints-to-console
	// with debug mode.
	log := logger.Default.LogMode(logger.Error)
	if debug {
		log = logger.Default.LogMode(logger.Info)
	}

	db, err := gorm.Open(postgres.Open(dataSource), &gorm.Config{Logger: log})
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	if err := db.AutoMigrate(&Account{}); err != nil {
		return nil, fmt.Errorf("error auto migrating db: %w", err)
	}

	return db, nil
}

// Shutdown closes the underlying database connection.
func Shutdown(db *gorm.DB) error {
	database, err := db.DB()
	if err != nil {
		return fmt.Errorf("error while getting current connection: %w", err)
	}
	if err := database.Close(); err != nil {
		return fmt.Errorf("error while closing database connection: %w", err)
	}
	return nil
}
