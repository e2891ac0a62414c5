package database

import (
	"fmt"
	"path/filepath"

	"debpub/internal/config"
)

// NewDatabaseFromConfig creates a SQLiteDatabase based on the database config type.
// Each archive gets its own database file named after it.
func NewDatabaseFromConfig(cfg config.DatabaseConfig, archiveName string) (*SQLiteDatabase, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		return NewSQLiteDatabase(filepath.Join(cfg.DataDir, archiveName+".db"))
	case "memory":
		db, err := NewSQLiteDatabase(":memory:")
		if err != nil {
			return nil, err
		}
		// Nothing persists in memory, so the schema is always applied here.
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
