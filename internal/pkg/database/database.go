package database

import "gorm.io/gorm"

var DB *gorm.DB

// GetDB returns the shared connection opened by SetupDatabase.
func GetDB() *gorm.DB {
	return DB
}

// SetDB replaces the shared connection, used by tests and tools.
func SetDB(db *gorm.DB) {
	DB = db
}
