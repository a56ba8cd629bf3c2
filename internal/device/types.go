package device

import (
	"math"
	"strings"
	"time"
)

// WaterCapacity is the tank size of the collector in liters.
const WaterCapacity = 10.0

const (
	CommandPowerToggle = "power_toggle"
	CommandPowerOn     = "power_on"
	CommandPowerOff    = "power_off"

	// CommandSource tags commands issued from this client.
	CommandSource = "mobile_app"
)

type WaterQuality string

const (
	QualitySafe    WaterQuality = "safe"
	QualityCaution WaterQuality = "caution"
	QualityUnsafe  WaterQuality = "unsafe"
)

// NormalizeQuality maps anything that is not "safe" or "unsafe" to caution.
func NormalizeQuality(value string) WaterQuality {
	switch WaterQuality(strings.ToLower(strings.TrimSpace(value))) {
	case QualitySafe:
		return QualitySafe
	case QualityUnsafe:
		return QualityUnsafe
	default:
		return QualityCaution
	}
}

// SensorSnapshot is the latest known device state. A write always replaces
// the whole snapshot.
type SensorSnapshot struct {
	Temperature   float64      `json:"temperature"`
	Humidity      float64      `json:"humidity"`
	WaterLevel    float64      `json:"waterLevel"`
	WaterCapacity float64      `json:"waterCapacity"`
	BatteryLevel  float64      `json:"batteryLevel"`
	WaterQuality  WaterQuality `json:"waterQuality"`
	IsPoweredOn   bool         `json:"isPoweredOn"`
	LastUpdated   time.Time    `json:"lastUpdated"`
}

// EmptySnapshot is the state shown before anything was received.
func EmptySnapshot(now time.Time) SensorSnapshot {
	return SensorSnapshot{
		WaterCapacity: WaterCapacity,
		WaterQuality:  QualitySafe,
		LastUpdated:   now.UTC(),
	}
}

// DailyStat is one day of aggregated collection data.
type DailyStat struct {
	Day         string   `json:"day"`
	Date        string   `json:"date,omitempty"`
	Amount      float64  `json:"amount"`
	Max         float64  `json:"max"`
	Min         float64  `json:"min"`
	Temperature *float64 `json:"temperature,omitempty"`
	Humidity    *float64 `json:"humidity,omitempty"`
	Battery     *float64 `json:"battery,omitempty"`
	Readings    int      `json:"readings,omitempty"`
}

// StatisticsSeries is ordered oldest first; the last element is today and
// may still be accumulating.
type StatisticsSeries []DailyStat

// Today returns the live aggregate, if any.
func (s StatisticsSeries) Today() (DailyStat, bool) {
	if len(s) == 0 {
		return DailyStat{}, false
	}
	return s[len(s)-1], true
}

// QueuedCommand is a device command waiting for delivery.
type QueuedCommand struct {
	ID         string         `json:"id"`
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Timestamp  int64          `json:"timestamp"`
	RetryCount int            `json:"retryCount"`
}

func (c QueuedCommand) EnqueuedAt() time.Time {
	return time.UnixMilli(c.Timestamp)
}

// PowerParams builds the parameter payload of a power command.
func PowerParams(on bool, now time.Time) map[string]any {
	return map[string]any{
		"timestamp": now.UTC().Format(time.RFC3339),
		"source":    CommandSource,
		"isOn":      on,
	}
}

// PowerState reports the requested power state carried by a command, if it
// is a power command at all.
func PowerState(command string, params map[string]any) (bool, bool) {
	switch command {
	case CommandPowerOn:
		return true, true
	case CommandPowerOff:
		return false, true
	case CommandPowerToggle:
		on, ok := params["isOn"].(bool)
		return on, ok
	}
	return false, false
}

// Round1 rounds to one decimal, the precision used for temperature and
// water level readings.
func Round1(v float64) float64 {
	return math.Round(v*10) / 10
}
