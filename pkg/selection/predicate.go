package selection

import (
	"fmt"
	"strings"

	"github.com/example/devicefleet/pkg/device"
)

// Predicate evaluates one Criteria against a stream of candidate
// Descriptors.
//
// A Predicate is stateful across the candidates of a single allocation
// attempt: it tracks whether serials-include ever matched anything, so
// that an empty result set can report a single top-level "need serial"
// reason instead of leaving the caller to notice silently-rejected
// candidates.
type Predicate struct {
	Criteria Criteria

	anySerialMatched bool
}

// NewPredicate constructs a Predicate over c.
func NewPredicate(c Criteria) *Predicate {
	return &Predicate{Criteria: c}
}

// Evaluate runs the ordered, short-circuiting checks against one candidate
// descriptor. reasons is nil when the candidate was rejected silently
// (serials-include mismatch) or matched outright.
func (p *Predicate) Evaluate(d device.Descriptor) (bool, map[string]string) {
	c := p.Criteria

	// 1. serials-include: silent rejection, no reason recorded.
	if len(c.SerialsInclude) > 0 {
		if !contains(c.SerialsInclude, d.Serial) {
			return false, nil
		}
		p.anySerialMatched = true
	}

	// 2. serials-exclude.
	if contains(c.SerialsExclude, d.Serial) {
		return false, reason("serial", fmt.Sprintf("device serial (%s) is in the exclude list", d.Serial))
	}

	// 3. product[:variant].
	if len(c.ProductTypes) > 0 {
		if ok, why := matchProductTypes(c.ProductTypes, d.Product, d.Variant); !ok {
			return false, reason("product-type", why)
		}
	}

	// 4. required properties.
	for k, v := range c.Properties {
		got, ok := d.Properties[k]
		if !ok || got != v {
			return false, reason("property", fmt.Sprintf("device property %s=%q does not match required %q", k, got, v))
		}
	}

	// 5. kind.
	if ok, why := matchKind(c.Kind(), d); !ok {
		return false, reason("kind", why)
	}

	// 6. SDK bounds.
	if c.SDKBoundSet {
		if !d.SDKValid {
			return false, reason("sdk-level", "device SDK level is unparseable")
		}
		if c.MinSDKLevel > 0 && d.SDKLevel < c.MinSDKLevel {
			return false, reason("sdk-level", fmt.Sprintf("device SDK level (%d) below minimum (%d)", d.SDKLevel, c.MinSDKLevel))
		}
		if c.MaxSDKLevel > 0 && d.SDKLevel > c.MaxSDKLevel {
			return false, reason("sdk-level", fmt.Sprintf("device SDK level (%d) above maximum (%d)", d.SDKLevel, c.MaxSDKLevel))
		}
	}

	// 7. battery level, physical kinds only.
	if d.Kind == device.KindPhysical && c.MinBattery.Enabled {
		if !d.BatteryValid {
			return false, reason("battery", "battery level unavailable within check timeout")
		}
		if d.BatteryLevel < c.MinBattery.Value {
			return false, reason("battery", fmt.Sprintf("battery level (%d) below minimum (%d)", d.BatteryLevel, c.MinBattery.Value))
		}
	}
	if d.Kind == device.KindPhysical && c.MaxBattery.Enabled {
		if !d.BatteryValid {
			return false, reason("battery", "battery level unavailable within check timeout")
		}
		if d.BatteryLevel > c.MaxBattery.Value {
			return false, reason("battery", fmt.Sprintf("battery level (%d) above maximum (%d)", d.BatteryLevel, c.MaxBattery.Value))
		}
	}

	// 8. battery temperature, physical kinds only.
	if d.Kind == device.KindPhysical && c.MaxBatteryTemp.Enabled {
		if !d.BatteryTempValid {
			return false, reason("battery-temperature", "battery temperature unavailable within check timeout")
		}
		if d.BatteryTemp > c.MaxBatteryTemp.Value {
			return false, reason("battery-temperature", fmt.Sprintf("battery temperature (%d) above maximum (%d)", d.BatteryTemp, c.MaxBatteryTemp.Value))
		}
	}

	return true, nil
}

// TopLevelReason returns the single top-level reason to surface when no
// candidate matched at all and serials-include was set but never matched.
func (p *Predicate) TopLevelReason() string {
	if len(p.Criteria.SerialsInclude) > 0 && !p.anySerialMatched {
		return fmt.Sprintf("need serial (%s) but couldn't match it", strings.Join(p.Criteria.SerialsInclude, ", "))
	}
	return ""
}

func reason(key, msg string) map[string]string {
	return map[string]string{key: msg}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// ParseProductType splits a "product" or "product:variant" criteria entry.
func ParseProductType(entry string) (product, variant string, hasVariant bool) {
	if i := strings.IndexByte(entry, ':'); i >= 0 {
		return entry[:i], strings.ToLower(entry[i+1:]), true
	}
	return entry, "", false
}

func matchProductTypes(entries []string, product, variant string) (bool, string) {
	var variants []string
	for _, entry := range entries {
		wantProduct, wantVariant, hasVariant := ParseProductType(entry)
		if wantProduct != product {
			continue
		}
		if !hasVariant {
			return true, ""
		}
		variants = append(variants, wantVariant)
		if wantVariant == variant {
			return true, ""
		}
	}
	if len(variants) > 0 {
		return false, fmt.Sprintf("device variant (%s) does not match requested variants(%s)", variant, strings.Join(variants, ","))
	}
	wanted := make([]string, 0, len(entries))
	for _, entry := range entries {
		p, _, _ := ParseProductType(entry)
		wanted = append(wanted, p)
	}
	return false, fmt.Sprintf("device product (%s) does not match requested product(%s)", product, strings.Join(wanted, ","))
}

func matchKind(want device.Kind, d device.Descriptor) (bool, string) {
	switch want {
	case device.KindPhysical:
		if d.Kind.IsPlaceholder() {
			return false, fmt.Sprintf("requested a physical device but %s is %s", d.Serial, d.Kind)
		}
		if isNetworkSerialFormat(d.Serial) {
			return false, fmt.Sprintf("requested a physical device but %s looks like a network serial", d.Serial)
		}
		return true, ""
	default:
		if d.Kind != want {
			return false, fmt.Sprintf("requested kind %s but device is %s", want, d.Kind)
		}
		return true, ""
	}
}

// isNetworkSerialFormat matches the "host:port" shape adb/fastboot use for
// network-attached targets.
func isNetworkSerialFormat(serial string) bool {
	return strings.Contains(serial, ":")
}
