// Package platform abstracts the host signals the cache reacts to:
// connectivity, network quality, battery and storage pressure. Every
// capability has an Unsupported variant so callers never probe for features.
package platform

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrUnsupported is returned by capabilities the host does not expose.
var ErrUnsupported = errors.New("capability not supported")

// Quality is a coarse network quality bucket.
type Quality string

const (
	Good Quality = "good"
	Fair Quality = "fair"
	Poor Quality = "poor"
)

// NetworkInfo mirrors the connection descriptor of the host.
type NetworkInfo struct {
	// EffectiveType is one of slow-2g, 2g, 3g, 4g or empty when unknown.
	EffectiveType string `json:"effectiveType"`
	// Downlink is the estimated bandwidth in Mbps, zero when unknown.
	Downlink float64       `json:"downlink"`
	RTT      time.Duration `json:"rtt"`
	SaveData bool          `json:"saveData"`
}

// Quality buckets the effective connection type.
func (n NetworkInfo) Quality() Quality {
	return QualityOf(n.EffectiveType)
}

// Slow reports whether the connection is 2g class.
func (n NetworkInfo) Slow() bool {
	return QualityOf(n.EffectiveType) == Poor
}

// QualityOf maps an effective connection type to a quality bucket.
func QualityOf(effectiveType string) Quality {
	switch strings.ToLower(effectiveType) {
	case "slow-2g", "2g":
		return Poor
	case "3g":
		return Fair
	}
	return Good
}

// BatteryStatus is the host battery state.
type BatteryStatus struct {
	// Level is between 0 and 1.
	Level    float64 `json:"level"`
	Charging bool    `json:"charging"`
}

// StorageEstimate reports used and available bytes of the backing storage.
type StorageEstimate struct {
	Usage int64 `json:"usage"`
	Quota int64 `json:"quota"`
}

// Pressure is Usage/Quota, zero when the quota is unknown.
func (s StorageEstimate) Pressure() float64 {
	if s.Quota <= 0 {
		return 0
	}
	return float64(s.Usage) / float64(s.Quota)
}

type NetworkSource interface {
	Network(ctx context.Context) (NetworkInfo, error)
}

type BatterySource interface {
	Battery(ctx context.Context) (BatteryStatus, error)
}

type StorageEstimator interface {
	Estimate(ctx context.Context) (StorageEstimate, error)
}

type ConnectivityProbe interface {
	Online(ctx context.Context) (bool, error)
}

// Unsupported implements every capability by reporting ErrUnsupported.
type Unsupported struct{}

func (Unsupported) Network(context.Context) (NetworkInfo, error) {
	return NetworkInfo{}, ErrUnsupported
}

func (Unsupported) Battery(context.Context) (BatteryStatus, error) {
	return BatteryStatus{}, ErrUnsupported
}

func (Unsupported) Estimate(context.Context) (StorageEstimate, error) {
	return StorageEstimate{}, ErrUnsupported
}

// Online assumes connectivity when it cannot be observed.
func (Unsupported) Online(context.Context) (bool, error) {
	return true, ErrUnsupported
}
