package storage

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// Keys of the persisted state. Each one is serialized on its own.
const (
	KeySensorData   = "mistcharge_sensor_data"
	KeyStatistics   = "mistcharge_statistics"
	KeyCommandQueue = "mistcharge_command_queue"
	KeySettings     = "mistcharge_settings"
	KeyLastSync     = "mistcharge_last_sync"
	KeyOfflineMode  = "mistcharge_offline_mode"
)

// Entry is one key/value row.
type Entry struct {
	Key       string         `gorm:"primaryKey" json:"key"`
	Value     datatypes.JSON `json:"value"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// StorageError is returned by every failing store operation.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
