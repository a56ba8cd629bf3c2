package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeQuality(t *testing.T) {
	tests := []struct {
		in   string
		want WaterQuality
	}{
		{"safe", QualitySafe},
		{" SAFE ", QualitySafe},
		{"unsafe", QualityUnsafe},
		{"caution", QualityCaution},
		{"murky", QualityCaution},
		{"", QualityCaution},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeQuality(tt.in))
		})
	}
}

func TestPowerState(t *testing.T) {
	on, ok := PowerState(CommandPowerToggle, map[string]any{"isOn": true})
	assert.True(t, ok)
	assert.True(t, on)

	_, ok = PowerState(CommandPowerToggle, map[string]any{"isOn": "yes"})
	assert.False(t, ok)

	on, ok = PowerState(CommandPowerOff, nil)
	assert.True(t, ok)
	assert.False(t, on)

	_, ok = PowerState("reboot", nil)
	assert.False(t, ok)
}

func TestPowerParams(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	params := PowerParams(true, now)

	assert.Equal(t, true, params["isOn"])
	assert.Equal(t, CommandSource, params["source"])
	assert.Equal(t, "2024-05-01T10:00:00Z", params["timestamp"])
}

func TestSettingsPatchApply(t *testing.T) {
	autoSync := false
	days := 7
	patch := SettingsPatch{AutoSync: &autoSync, DataRetentionDays: &days}

	got := patch.Apply(DefaultSettings())

	want := DefaultSettings()
	want.AutoSync = false
	want.DataRetentionDays = 7
	assert.Equal(t, want, got)
	assert.False(t, patch.Empty())
	assert.True(t, SettingsPatch{}.Empty())
}

func TestStatisticsSeriesToday(t *testing.T) {
	_, ok := StatisticsSeries(nil).Today()
	assert.False(t, ok)

	series := StatisticsSeries{{Day: "Mon"}, {Day: "Tue"}}
	today, ok := series.Today()
	assert.True(t, ok)
	assert.Equal(t, "Tue", today.Day)
}

func TestRound1(t *testing.T) {
	assert.Equal(t, 23.5, Round1(23.46))
	assert.Equal(t, 2.0, Round1(1.96))
}
