// Package selection implements the multi-attribute filter an allocation
// request carries and the predicate that evaluates it against candidate
// devices, recording per-device reject reasons.
package selection

import "github.com/example/devicefleet/pkg/device"

// BatteryBound is an optional bound with an explicit enable flag.
type BatteryBound struct {
	Enabled bool
	Value   int
}

// Criteria is the filter an allocation request carries.
type Criteria struct {
	SerialsInclude []string
	SerialsExclude []string

	// ProductTypes holds entries of the form "product" or "product:variant".
	ProductTypes []string

	Properties map[string]string

	// KindRequested defaults to device.KindPhysical when unset.
	KindRequested device.Kind
	KindSet       bool

	MinBattery     BatteryBound
	MaxBattery     BatteryBound
	MaxBatteryTemp BatteryBound

	MinSDKLevel int
	MaxSDKLevel int
	SDKBoundSet bool
}

// Kind returns the effective kind requested, applying the default.
func (c Criteria) Kind() device.Kind {
	if c.KindSet {
		return c.KindRequested
	}
	return device.KindPhysical
}
