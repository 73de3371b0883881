// Package device defines the feeder Device model, its document store, and
// the identity resolver that correlates untagged telemetry with a logical
// device.
package device

import (
	"strings"
	"time"
)

// UnknownAddress is the placeholder network address before an ip
// announcement has been seen.
const UnknownAddress = "unknown"

// Valve state tokens as reported by the device firmware
const (
	ValveOpen   = "abierto"
	ValveClosed = "cerrado"
)

// Settings is the per-device configuration snapshot
type Settings struct {
	// TargetGrams is the default dispense quantity
	TargetGrams float64 `json:"cantidadObjetivo"`
	// LowLevel is the hopper weight under which a low-level alert fires
	LowLevel float64 `json:"umbralNivelBajo"`
	// Capacity is the maximum hopper capacity in grams
	Capacity float64 `json:"capacidadMaxima"`
}

// Device is one physical dispenser. The hardware address is the immutable
// correlation key; everything else is last-known-value with no history.
type Device struct {
	Mac string `json:"mac"`
	IP  string `json:"ip"`

	Weight        float64 `json:"peso"`
	Distance      float64 `json:"distancia"`
	Led           string  `json:"led"`
	Valve         string  `json:"servo"`
	Potentiometer int     `json:"potenciometro"`
	Battery       int     `json:"bateria"`
	Temperature   float64 `json:"temperatura"`

	Connected bool  `json:"conectado"`
	LastSeen  int64 `json:"lastSeen"` // unix milliseconds

	Settings Settings `json:"config"`
}

// Canonical normalizes a hardware address for storage and comparison
func Canonical(mac string) string {
	return strings.ToUpper(strings.TrimSpace(mac))
}

// Key normalizes a hardware address into a document key. KV keys cannot
// contain colons, and the firmware is inconsistent about address casing.
func Key(mac string) string {
	return strings.ReplaceAll(Canonical(mac), ":", "-")
}

// LastSeenTime returns the last-message timestamp as a time.Time
func (d *Device) LastSeenTime() time.Time {
	if d.LastSeen == 0 {
		return time.Time{}
	}
	return time.UnixMilli(d.LastSeen)
}
