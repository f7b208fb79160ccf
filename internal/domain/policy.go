package domain

import "fmt"

// NetworkClass is the platform's coarse connection classification.
type NetworkClass string

const (
	NetworkEthernet NetworkClass = "ethernet"
	NetworkWiFi     NetworkClass = "wifi"
	NetworkCellular NetworkClass = "cellular"
	NetworkUnknown  NetworkClass = "unknown"
)

// QualityFactor scales concurrency and upload caps down on lower-quality
// network classes.
func (n NetworkClass) QualityFactor() float64 {
	switch n {
	case NetworkEthernet:
		return 1.0
	case NetworkWiFi:
		return 1.0
	case NetworkCellular:
		return 0.4
	default:
		return 0.6
	}
}

// ResourceProfile is a transient snapshot of platform conditions. It is
// recomputed on every platform signal and never persisted.
type ResourceProfile struct {
	Network      NetworkClass `json:"network"`
	Metered      bool         `json:"metered"`
	Charging     bool         `json:"charging"`
	BatteryLevel float64      `json:"batteryLevel"` // 0..1, 1 when unknown
}

// UserPolicy holds the user's resource limits. Invalid values are rejected
// at configuration time, never silently clamped.
type UserPolicy struct {
	OnlyOnWiFi             bool    `json:"onlyOnWifi"`
	SaveBattery            bool    `json:"saveBattery"`
	LowBatteryThreshold    float64 `json:"lowBatteryThreshold"`
	MaxConcurrentPeers     int     `json:"maxConcurrentPeers"`
	UploadLimitBytesPerSec int64   `json:"uploadLimitBytesPerSec"` // 0 = unlimited
}

func (p UserPolicy) Validate() error {
	if p.LowBatteryThreshold < 0 || p.LowBatteryThreshold > 1 {
		return fmt.Errorf("%w: lowBatteryThreshold %v outside [0,1]", ErrInvalidPolicy, p.LowBatteryThreshold)
	}
	if p.MaxConcurrentPeers <= 0 {
		return fmt.Errorf("%w: maxConcurrentPeers %d must be positive", ErrInvalidPolicy, p.MaxConcurrentPeers)
	}
	if p.UploadLimitBytesPerSec < 0 {
		return fmt.Errorf("%w: uploadLimitBytesPerSec %d must not be negative", ErrInvalidPolicy, p.UploadLimitBytesPerSec)
	}
	return nil
}

// DefaultPolicy mirrors the defaults shipped to new installs.
func DefaultPolicy() UserPolicy {
	return UserPolicy{
		OnlyOnWiFi:          false,
		SaveBattery:         true,
		LowBatteryThreshold: 0.25,
		MaxConcurrentPeers:  35,
	}
}
