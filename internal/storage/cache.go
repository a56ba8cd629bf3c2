package storage

import (
	"context"
	"time"

	"mistcharge/internal/device"
)

// SaveSensorData replaces the cached snapshot and stamps the last sync time.
func (d *Database) SaveSensorData(ctx context.Context, data *device.SensorSnapshot) error {
	if err := d.Put(ctx, KeySensorData, data); err != nil {
		return err
	}
	return d.Put(ctx, KeyLastSync, time.Now().UnixMilli())
}

// SaveSensorDataLocal replaces the cached snapshot without touching the last
// sync time. Used for optimistic updates that did not come from the server.
func (d *Database) SaveSensorDataLocal(ctx context.Context, data *device.SensorSnapshot) error {
	return d.Put(ctx, KeySensorData, data)
}

// LoadSensorData returns nil without error when nothing is cached.
func (d *Database) LoadSensorData(ctx context.Context) (*device.SensorSnapshot, error) {
	var data device.SensorSnapshot
	found, err := d.Get(ctx, KeySensorData, &data)
	if err != nil || !found {
		return nil, err
	}
	return &data, nil
}

// PruneSensorData drops the cached snapshot when it was last updated before
// cutoff. It reports whether anything was removed.
func (d *Database) PruneSensorData(ctx context.Context, cutoff time.Time) (bool, error) {
	data, err := d.LoadSensorData(ctx)
	if err != nil || data == nil {
		return false, err
	}
	if !data.LastUpdated.Before(cutoff) {
		return false, nil
	}
	if err := d.Delete(ctx, KeySensorData); err != nil {
		return false, err
	}
	d.log.Infof("Cleaned up sensor data last updated at %s", data.LastUpdated.Format(time.RFC3339))
	return true, nil
}

func (d *Database) SaveStatistics(ctx context.Context, stats device.StatisticsSeries) error {
	if stats == nil {
		stats = device.StatisticsSeries{}
	}
	return d.Put(ctx, KeyStatistics, stats)
}

// LoadStatistics returns nil without error when nothing is cached. A cached
// empty series comes back as an empty, non-nil slice.
func (d *Database) LoadStatistics(ctx context.Context) (device.StatisticsSeries, error) {
	var stats device.StatisticsSeries
	found, err := d.Get(ctx, KeyStatistics, &stats)
	if err != nil || !found {
		return nil, err
	}
	if stats == nil {
		stats = device.StatisticsSeries{}
	}
	return stats, nil
}

// LastSync returns the zero time if no snapshot was ever synced.
func (d *Database) LastSync(ctx context.Context) (time.Time, error) {
	var millis int64
	found, err := d.Get(ctx, KeyLastSync, &millis)
	if err != nil || !found {
		return time.Time{}, err
	}
	return time.UnixMilli(millis), nil
}

// LoadSettings always returns a complete record: stored fields are laid over
// the defaults. On a read error the defaults are returned with the error.
func (d *Database) LoadSettings(ctx context.Context) (device.AppSettings, error) {
	settings := device.DefaultSettings()
	if _, err := d.Get(ctx, KeySettings, &settings); err != nil {
		return device.DefaultSettings(), err
	}
	return settings, nil
}

// SaveSettings merges patch over the current settings and persists the
// result.
func (d *Database) SaveSettings(ctx context.Context, patch device.SettingsPatch) (device.AppSettings, error) {
	current, err := d.LoadSettings(ctx)
	if err != nil {
		return current, err
	}
	next := patch.Apply(current)
	if err := d.Put(ctx, KeySettings, next); err != nil {
		return current, err
	}
	return next, nil
}

// SetOfflineMode persists the user override both under its own key and in
// the settings record.
func (d *Database) SetOfflineMode(ctx context.Context, offline bool) error {
	if err := d.Put(ctx, KeyOfflineMode, offline); err != nil {
		return err
	}
	_, err := d.SaveSettings(ctx, device.SettingsPatch{OfflineMode: &offline})
	return err
}

func (d *Database) OfflineMode(ctx context.Context) (bool, error) {
	var offline bool
	if _, err := d.Get(ctx, KeyOfflineMode, &offline); err != nil {
		return false, err
	}
	return offline, nil
}
