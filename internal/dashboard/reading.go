package dashboard

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"time"

	"mistcharge/internal/device"
)

// Sensor names accepted by ApplyReading. They match the MQTT topic suffixes.
const (
	SensorTemperature  = "temperature"
	SensorHumidity     = "humidity"
	SensorWaterLevel   = "water_level"
	SensorBattery      = "battery"
	SensorWaterQuality = "water_quality"
	SensorPower        = "power"
)

// ApplyReading folds a single sensor value into the cached snapshot and
// stores the result as a fresh snapshot. Values are rounded the way the
// device reports them.
func (s *Service) ApplyReading(ctx context.Context, sensor string, value any) (*device.SensorSnapshot, error) {
	return s.ApplyReadingAt(ctx, sensor, value, time.Time{})
}

// ApplyReadingAt is ApplyReading with the time the device took the reading.
// A zero at stamps the snapshot with the current time.
func (s *Service) ApplyReadingAt(ctx context.Context, sensor string, value any, at time.Time) (*device.SensorSnapshot, error) {
	if value == nil {
		return nil, invalid("value", "missing for %s", sensor)
	}

	data, err := s.store.LoadSensorData(ctx)
	if err != nil {
		return nil, err
	}
	var next device.SensorSnapshot
	if data != nil {
		next = *data
	} else {
		next = device.EmptySnapshot(s.now())
	}

	switch sensor {
	case SensorTemperature:
		v, err := number(sensor, value)
		if err != nil {
			return nil, err
		}
		next.Temperature = device.Round1(v)
	case SensorHumidity:
		v, err := percent(sensor, value)
		if err != nil {
			return nil, err
		}
		next.Humidity = math.Round(v)
	case SensorWaterLevel:
		v, err := number(sensor, value)
		if err != nil {
			return nil, err
		}
		if v < 0 {
			return nil, invalid(sensor, "must not be negative, got %v", v)
		}
		next.WaterLevel = device.Round1(v)
	case SensorBattery:
		v, err := percent(sensor, value)
		if err != nil {
			return nil, err
		}
		next.BatteryLevel = math.Round(v)
	case SensorWaterQuality:
		q, err := quality(sensor, value)
		if err != nil {
			return nil, err
		}
		next.WaterQuality = q
	case SensorPower:
		on, err := power(sensor, value)
		if err != nil {
			return nil, err
		}
		next.IsPoweredOn = on
	default:
		return nil, invalid("sensor", "unknown sensor %q", sensor)
	}

	if at.IsZero() {
		at = s.now()
	}
	next.LastUpdated = at.UTC()
	if err := s.store.SaveSensorData(ctx, &next); err != nil {
		return nil, err
	}
	return &next, nil
}

func number(field string, value any) (float64, error) {
	var v float64
	switch n := value.(type) {
	case float64:
		v = n
	case float32:
		v = float64(n)
	case int:
		v = float64(n)
	case int64:
		v = float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, invalid(field, "not a number: %q", n.String())
		}
		v = f
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, invalid(field, "not a number: %q", n)
		}
		v = f
	default:
		return 0, invalid(field, "expected a number, got %T", value)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, invalid(field, "not a finite number")
	}
	return v, nil
}

func percent(field string, value any) (float64, error) {
	v, err := number(field, value)
	if err != nil {
		return 0, err
	}
	if v < 0 || v > 100 {
		return 0, invalid(field, "must be between 0 and 100, got %v", v)
	}
	return v, nil
}

// quality accepts a quality name or the sensor's numeric output, where any
// positive value is safe.
func quality(field string, value any) (device.WaterQuality, error) {
	if q, ok := value.(string); ok {
		if _, err := strconv.ParseFloat(q, 64); err != nil {
			if q == "" {
				return "", invalid(field, "must not be empty")
			}
			return device.NormalizeQuality(q), nil
		}
	}
	v, err := number(field, value)
	if err != nil {
		return "", err
	}
	if v > 0 {
		return device.QualitySafe, nil
	}
	return device.QualityUnsafe, nil
}

// power accepts a boolean or a number, where any non-zero value is on.
func power(field string, value any) (bool, error) {
	if on, ok := value.(bool); ok {
		return on, nil
	}
	if _, ok := value.(string); ok {
		return false, invalid(field, "expected a boolean or number, got %T", value)
	}
	v, err := number(field, value)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}
