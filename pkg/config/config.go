// Package config holds the flat option surface the fleet manager and its
// collaborators consume.
package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/example/devicefleet/pkg/ftlerr"
)

// Options is the flat configuration surface consumed by pkg/fleet and its
// collaborators. It is populated from CLI flags in cmd/fleetd and can also
// be constructed programmatically for embedding/tests.
type Options struct {
	MaxEmulators           int
	MaxNullDevices         int
	MaxGCEDevices          int
	MaxRemoteDevices       int
	MaxLocalVirtual        int
	DeviceRecoveryCron     string // cron expression, default "@every 30m"
	LowLevelPollCron       string // cron expression, default "@every 5s"
	AdbPath                string
	FastbootPath           string
	// FastbootArchive, if set, names an archive the low-level helper
	// binary is staged out of at Init time; the staged copy is deleted on
	// Terminate. Takes precedence over FastbootPath.
	FastbootArchive        string
	EnabledFilesystemCheck bool
	OnlineWaitTime         time.Duration
	DeviceWaitTime         time.Duration
	BootloaderWaitTime     time.Duration
	ShellWaitTime          time.Duration
	FastbootWaitTime       time.Duration

	MinBatteryAfterRecovery   int
	DisableUnresponsiveReboot bool
	DisableUSBReset           bool

	// DefaultSerial is the serial targeted when an allocation names none
	// (conventionally populated from ANDROID_SERIAL).
	DefaultSerial string

	// FastbootdEnabled decides whether a device the low-level poller sees
	// in the userspace set is classified as fastbootd rather than folded
	// into the bootloader set. Fleet-wide, threaded explicitly rather than
	// read from a package global.
	FastbootdEnabled bool

	// SandboxAllocateRetry configures the retry-on-allocate loop used when
	// running nested under a sandbox.
	SandboxAllocateRetry RetryPolicy

	// SandboxNested reports that this process runs nested under a sandbox.
	// cmd/fleetd populates it from the environment; threaded explicitly
	// rather than read from a package global.
	SandboxNested bool

	// KnownIPPools seeds virtual-remote placeholder Records for pre-known
	// remote hosts.
	KnownIPPools []KnownIP

	// CPUAffinityGrammar, if non-empty, is validated at Init time; a
	// malformed grammar is rejected immediately rather than surfacing later
	// at first use.
	CPUAffinityGrammar string
}

// RetryPolicy is a constant-interval bounded retry count.
type RetryPolicy struct {
	MaxAttempts int
	Interval    time.Duration
}

// KnownIP describes a pre-registered virtual-remote host.
type KnownIP struct {
	Host            string
	User            string
	DeviceNumOffset int
}

// Default returns the baseline configuration.
func Default() Options {
	return Options{
		DeviceRecoveryCron:   "@every 30m",
		LowLevelPollCron:     "@every 5s",
		OnlineWaitTime:       60 * time.Second,
		DeviceWaitTime:       30 * time.Second,
		BootloaderWaitTime:   30 * time.Second,
		ShellWaitTime:        30 * time.Second,
		FastbootWaitTime:     30 * time.Second,
		SandboxAllocateRetry: RetryPolicy{MaxAttempts: 6, Interval: 500 * time.Millisecond},
	}
}

var cpuAffinityGrammar = regexp.MustCompile(`^\d+(-\d+)?(,\d+(-\d+)?)*$`)

// Validate checks the parts of Options that can be rejected up front,
// returning an *ftlerr.Error of kind InfraConfigurationError on failure.
func (o Options) Validate() error {
	if o.CPUAffinityGrammar != "" && !cpuAffinityGrammar.MatchString(o.CPUAffinityGrammar) {
		return ftlerr.New(ftlerr.InfraConfigurationError,
			"invalid CPU-affinity grammar %q (expected e.g. \"0-3,6\")", o.CPUAffinityGrammar)
	}
	if o.MaxEmulators < 0 || o.MaxNullDevices < 0 || o.MaxGCEDevices < 0 ||
		o.MaxRemoteDevices < 0 || o.MaxLocalVirtual < 0 {
		return ftlerr.New(ftlerr.InfraConfigurationError, "pool sizes must be non-negative")
	}
	if o.SandboxAllocateRetry.MaxAttempts < 0 {
		return ftlerr.New(ftlerr.InfraConfigurationError, "sandbox allocate retry count must be non-negative")
	}
	return nil
}

// String is used by klog/cobra usage text and error messages.
func (o Options) String() string {
	return fmt.Sprintf("Options{emulators=%d null=%d gce=%d remote=%d virtual=%d}",
		o.MaxEmulators, o.MaxNullDevices, o.MaxGCEDevices, o.MaxRemoteDevices, o.MaxLocalVirtual)
}
