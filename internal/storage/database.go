package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Database is the durable key/value store backing every cached value.
type Database struct {
	db  *gorm.DB
	log *logrus.Entry
}

func NewDatabase(path string, log *logrus.Entry) (*Database, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path+"?_journal_mode=WAL&_busy_timeout=5000"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Database{db: db, log: log}, nil
}

// Put serializes value as JSON and stores it under key, replacing any
// previous value.
func (d *Database) Put(ctx context.Context, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return d.fail("put", key, err)
	}

	entry := Entry{Key: key, Value: datatypes.JSON(payload), UpdatedAt: time.Now().UTC()}
	err = d.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&entry).Error
	if err != nil {
		return d.fail("put", key, err)
	}
	return nil
}

// Get decodes the value stored under key into dst. found is false when the
// key has never been written or was deleted.
func (d *Database) Get(ctx context.Context, key string, dst any) (bool, error) {
	var entry Entry
	err := d.db.WithContext(ctx).Where(&Entry{Key: key}).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, d.fail("get", key, err)
	}

	if err := json.Unmarshal(entry.Value, dst); err != nil {
		return false, d.fail("decode", key, err)
	}
	return true, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (d *Database) Delete(ctx context.Context, key string) error {
	if err := d.db.WithContext(ctx).Delete(&Entry{Key: key}).Error; err != nil {
		return d.fail("delete", key, err)
	}
	return nil
}

func (d *Database) fail(op, key string, err error) error {
	serr := &StorageError{Op: op, Key: key, Err: err}
	d.log.WithError(err).Errorf("Storage %s failed for %s", op, key)
	return serr
}

func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
