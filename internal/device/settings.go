package device

import "time"

// AppSettings is the persisted client configuration.
type AppSettings struct {
	AutoSync          bool  `json:"autoSync"`
	OfflineMode       bool  `json:"offlineMode"`
	DataRetentionDays int   `json:"dataRetentionDays"`
	SyncInterval      int64 `json:"syncInterval"` // milliseconds

	// Presentation toggles, stored but not interpreted here.
	ShowNetworkIndicator       bool `json:"showNetworkIndicator"`
	NetworkIndicatorSubtleMode bool `json:"networkIndicatorSubtleMode"`
	ShowFloatingIndicator      bool `json:"showFloatingIndicator"`
	AutoHideIndicator          bool `json:"autoHideIndicator"`
}

func DefaultSettings() AppSettings {
	return AppSettings{
		AutoSync:                   true,
		OfflineMode:                false,
		DataRetentionDays:          30,
		SyncInterval:               30000,
		ShowNetworkIndicator:       true,
		NetworkIndicatorSubtleMode: true,
		ShowFloatingIndicator:      true,
		AutoHideIndicator:          true,
	}
}

func (s AppSettings) SyncIntervalDuration() time.Duration {
	return time.Duration(s.SyncInterval) * time.Millisecond
}

func (s AppSettings) Retention() time.Duration {
	return time.Duration(s.DataRetentionDays) * 24 * time.Hour
}

// SettingsPatch is a partial update; nil fields keep their current value.
type SettingsPatch struct {
	AutoSync                   *bool  `json:"autoSync,omitempty"`
	OfflineMode                *bool  `json:"offlineMode,omitempty"`
	DataRetentionDays          *int   `json:"dataRetentionDays,omitempty"`
	SyncInterval               *int64 `json:"syncInterval,omitempty"`
	ShowNetworkIndicator       *bool  `json:"showNetworkIndicator,omitempty"`
	NetworkIndicatorSubtleMode *bool  `json:"networkIndicatorSubtleMode,omitempty"`
	ShowFloatingIndicator      *bool  `json:"showFloatingIndicator,omitempty"`
	AutoHideIndicator          *bool  `json:"autoHideIndicator,omitempty"`
}

// Apply returns s with every set field of p copied over it.
func (p SettingsPatch) Apply(s AppSettings) AppSettings {
	if p.AutoSync != nil {
		s.AutoSync = *p.AutoSync
	}
	if p.OfflineMode != nil {
		s.OfflineMode = *p.OfflineMode
	}
	if p.DataRetentionDays != nil {
		s.DataRetentionDays = *p.DataRetentionDays
	}
	if p.SyncInterval != nil {
		s.SyncInterval = *p.SyncInterval
	}
	if p.ShowNetworkIndicator != nil {
		s.ShowNetworkIndicator = *p.ShowNetworkIndicator
	}
	if p.NetworkIndicatorSubtleMode != nil {
		s.NetworkIndicatorSubtleMode = *p.NetworkIndicatorSubtleMode
	}
	if p.ShowFloatingIndicator != nil {
		s.ShowFloatingIndicator = *p.ShowFloatingIndicator
	}
	if p.AutoHideIndicator != nil {
		s.AutoHideIndicator = *p.AutoHideIndicator
	}
	return s
}

// Empty reports whether the patch changes nothing.
func (p SettingsPatch) Empty() bool {
	return p == SettingsPatch{}
}
