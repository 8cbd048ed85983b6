package db

import (
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/autoflowhq/braincore/internal/db/models"
)

// Init opens the SQLite database and runs migrations.
func Init(dbPath string) (*gorm.DB, error) {
	database, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	if err := database.AutoMigrate(&models.Credential{}, &models.AuthProfile{}); err != nil {
		return nil, err
	}

	return database, nil
}
