package tools

import (
	"database/sql"
	"embed"
	"io/fs"
	"path"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

//go:embed migration/*
var migrationFiles embed.FS

// Retry delay grows linearly with each failed attempt.
var connectBackoff = 3 * time.Second

func ConnectSqlite(filePath string) (*sql.DB, error) {
	db, err := connectWithBackoff("sqlite3", filePath, 3)
	if err != nil {
		return nil, err
	}

	err = RunMigrations(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Migrations are idempotent and applied in file name order on every start.
func RunMigrations(db *sql.DB) error {
	dirEntries, err := fs.ReadDir(migrationFiles, "migration")
	if err != nil {
		return err
	}
	for _, entry := range dirEntries {
		fileName := path.Join("migration", entry.Name())
		fileData, err := fs.ReadFile(migrationFiles, fileName)
		if err != nil {
			return err
		}
		if _, err := db.Exec(string(fileData)); err != nil {
			return err
		}
		logrus.WithField("migration", entry.Name()).Debug("Applied migration")
	}

	return nil
}

func connectWithBackoff(driver string, connStr string, maxRetries int) (*sql.DB, error) {
	var db *sql.DB
	var err error
	for i := 0; i < maxRetries; i++ {
		db, err = sql.Open(driver, connStr)
		if err != nil {
			logrus.Warnf("Failed attempt to connect to %s: %v", driver, err)
			time.Sleep(time.Duration(i+1) * connectBackoff)
			continue
		}
		err = db.Ping()
		if err != nil {
			db.Close()
			logrus.Warnf("Failed attempt to connect to %s: %v", driver, err)
			time.Sleep(time.Duration(i+1) * connectBackoff)
			continue
		}
		return db, nil
	}
	return nil, err
}
