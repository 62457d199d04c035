package device

import "github.com/example/devicefleet/pkg/statemachine"

// Descriptor is the immutable, recomputed-on-transition view of a Record
// handed to consumers so they never need the Record's lock.
type Descriptor struct {
	Serial           string
	Kind             Kind
	Mode             Mode
	AllocationState  statemachine.AllocationState
	Product          string
	Variant          string
	BuildID          string
	BatteryLevel     int
	BatteryValid     bool
	BatteryTemp      int // degrees Celsius
	BatteryTempValid bool
	SDKLevel         int
	SDKValid         bool
	Properties       map[string]string
}

// Short returns a copy of d with only the fields the default list-devices
// table needs (serial, mode, allocation state, product, variant, build,
// battery) plus the kind.
func (d Descriptor) Short() Descriptor {
	return Descriptor{
		Serial:          d.Serial,
		Kind:            d.Kind,
		Mode:            d.Mode,
		AllocationState: d.AllocationState,
		Product:         d.Product,
		Variant:         d.Variant,
		BuildID:         d.BuildID,
		BatteryLevel:    d.BatteryLevel,
		BatteryValid:    d.BatteryValid,
	}
}
