// Package device implements per-device mutable state: identity, mode,
// allocation state, a cached descriptor snapshot, a swappable recovery
// strategy, and the readiness monitor handle. There is one concrete Record
// type with a Kind tag and capability flags; behaviors that differ per
// kind are dispatched on the tag by callers.
package device

// Kind is the device placeholder/materialization class.
type Kind string

const (
	KindPhysical           Kind = "physical"
	KindEmulatorSlot       Kind = "emulator-slot"
	KindNull               Kind = "null"
	KindVirtualLocal       Kind = "virtual-local"
	KindVirtualRemoteKnown Kind = "virtual-remote-known-ip"
	KindVirtualRemoteGCE   Kind = "virtual-remote-gce"
	KindLowLevelOnly       Kind = "low-level-only"
)

// IsPlaceholder reports whether this Kind is a pre-seeded capacity slot
// that returns to the pool on free, as opposed to a physical target that
// must still be observed by the bridge before it is usable again.
func (k Kind) IsPlaceholder() bool {
	switch k {
	case KindEmulatorSlot, KindNull, KindVirtualLocal, KindVirtualRemoteKnown, KindVirtualRemoteGCE:
		return true
	default:
		return false
	}
}

// IsVirtualRemote reports whether k is one of the two virtual-remote
// subkinds.
func (k Kind) IsVirtualRemote() bool {
	return k == KindVirtualRemoteKnown || k == KindVirtualRemoteGCE
}

// Mode is the underlying target's protocol mode as reported by the bridge
// or the low-level tool.
type Mode string

const (
	ModeOnline            Mode = "online"
	ModeOffline           Mode = "offline"
	ModeUnauthorized      Mode = "unauthorized"
	ModeRecovery          Mode = "recovery-mode"
	ModeBootloader        Mode = "bootloader"
	ModeLowLevelUserspace Mode = "low-level-userspace" // fastbootd
	ModeSideload          Mode = "sideload"
	ModeNotAvailable      Mode = "not-available"
)

// IsLowLevel reports whether m is one of the two modes serviced by the
// low-level poller rather than the bridge (bootloader/fastbootd).
func (m Mode) IsLowLevel() bool {
	return m == ModeBootloader || m == ModeLowLevelUserspace
}
