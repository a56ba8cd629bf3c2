package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mistcharge/internal/device"
)

func TestApplyReading(t *testing.T) {
	tests := []struct {
		sensor string
		value  any
		check  func(t *testing.T, s *device.SensorSnapshot)
	}{
		{SensorTemperature, 23.456, func(t *testing.T, s *device.SensorSnapshot) { assert.Equal(t, 23.5, s.Temperature) }},
		{SensorHumidity, 61.6, func(t *testing.T, s *device.SensorSnapshot) { assert.Equal(t, 62.0, s.Humidity) }},
		{SensorWaterLevel, json.Number("4.26"), func(t *testing.T, s *device.SensorSnapshot) { assert.Equal(t, 4.3, s.WaterLevel) }},
		{SensorBattery, 87, func(t *testing.T, s *device.SensorSnapshot) { assert.Equal(t, 87.0, s.BatteryLevel) }},
		{SensorWaterQuality, "cloudy", func(t *testing.T, s *device.SensorSnapshot) { assert.Equal(t, device.QualityCaution, s.WaterQuality) }},
		{SensorWaterQuality, json.Number("1"), func(t *testing.T, s *device.SensorSnapshot) { assert.Equal(t, device.QualitySafe, s.WaterQuality) }},
		{SensorWaterQuality, json.Number("0"), func(t *testing.T, s *device.SensorSnapshot) { assert.Equal(t, device.QualityUnsafe, s.WaterQuality) }},
		{SensorWaterQuality, "1", func(t *testing.T, s *device.SensorSnapshot) { assert.Equal(t, device.QualitySafe, s.WaterQuality) }},
		{SensorPower, true, func(t *testing.T, s *device.SensorSnapshot) { assert.True(t, s.IsPoweredOn) }},
		{SensorPower, json.Number("1"), func(t *testing.T, s *device.SensorSnapshot) { assert.True(t, s.IsPoweredOn) }},
		{SensorPower, 0, func(t *testing.T, s *device.SensorSnapshot) { assert.False(t, s.IsPoweredOn) }},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s %v", tt.sensor, tt.value), func(t *testing.T) {
			f := newFixture(t, false)
			ctx := context.Background()

			snap, err := f.service.ApplyReading(ctx, tt.sensor, tt.value)
			require.NoError(t, err)
			tt.check(t, snap)

			cached, err := f.db.LoadSensorData(ctx)
			require.NoError(t, err)
			assert.Equal(t, snap, cached)
		})
	}
}

func TestApplyReadingKeepsOtherFields(t *testing.T) {
	f := newFixture(t, false)
	f.cacheSnapshot(t, 20, true)
	ctx := context.Background()

	snap, err := f.service.ApplyReading(ctx, SensorBattery, 55.0)
	require.NoError(t, err)
	assert.Equal(t, 20.0, snap.Temperature)
	assert.True(t, snap.IsPoweredOn)
	assert.Equal(t, 55.0, snap.BatteryLevel)

	last, err := f.db.LastSync(ctx)
	require.NoError(t, err)
	assert.False(t, last.IsZero())
}

func TestApplyReadingRejectsBadInput(t *testing.T) {
	tests := []struct {
		name   string
		sensor string
		value  any
	}{
		{"missing value", SensorTemperature, nil},
		{"unknown sensor", "pressure", 1.0},
		{"text temperature", SensorTemperature, "warm"},
		{"humidity over 100", SensorHumidity, 101.0},
		{"negative battery", SensorBattery, -1},
		{"negative water level", SensorWaterLevel, -0.5},
		{"nan", SensorTemperature, math.NaN()},
		{"empty quality", SensorWaterQuality, ""},
		{"boolean quality", SensorWaterQuality, true},
		{"string power", SensorPower, "on"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, false)

			_, err := f.service.ApplyReading(context.Background(), tt.sensor, tt.value)
			assert.True(t, IsValidationError(err), "got %v", err)

			cached, err := f.db.LoadSensorData(context.Background())
			require.NoError(t, err)
			assert.Nil(t, cached)
		})
	}
}

func TestApplyReadingAtUsesDeviceTime(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 23, 15, 0, 0, time.FixedZone("BRT", -3*3600))

	snap, err := f.service.ApplyReadingAt(ctx, SensorTemperature, 21.0, at)
	require.NoError(t, err)
	assert.True(t, at.Equal(snap.LastUpdated))
	assert.Equal(t, time.UTC, snap.LastUpdated.Location())

	snap, err = f.service.ApplyReadingAt(ctx, SensorTemperature, 22.0, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, f.service.now(), snap.LastUpdated)
}
