// Package bridge specifies the debug-bridge client library contract and
// implements the listener that turns its connect/disconnect/state-change
// callbacks into registry events.
//
// The client itself lives outside this repository; only the Go interface
// consumed here is specified.
package bridge

import (
	"context"
	"errors"
	"time"
)

// Shell execution error kinds: timeout, unresponsive,
// rejected-while-offline, and I/O are distinguishable so probe and
// recovery code can branch with errors.Is.
var (
	ErrShellTimeout         = errors.New("bridge: shell command timed out")
	ErrShellUnresponsive    = errors.New("bridge: device unresponsive")
	ErrShellRejectedOffline = errors.New("bridge: shell command rejected, device offline")
	ErrShellIO              = errors.New("bridge: shell I/O error")
)

// Listener is registered with the Client to learn about device lifecycle
// events. Each callback is invoked exactly once per event.
type Listener interface {
	Connected(serial string, mode Mode)
	Disconnected(serial string)
	Changed(serial string, mask StateMask)
}

// Mode mirrors device.Mode without importing pkg/device, keeping the
// external-collaborator contract free of this repository's internal types.
type Mode string

// StateMask is the protocol-mode bitmask a `changed` callback carries.
type StateMask int

const (
	MaskOnline StateMask = iota
	MaskOffline
	MaskUnauthorized
)

// Client is the subset of the debug-bridge client library's surface this
// repository consumes.
type Client interface {
	Init(ctx context.Context, toolPath string) error
	Terminate() error
	DisconnectBridge() error
	GetAdbVersion() (string, error)

	AddListener(l Listener)
	RemoveListener(l Listener)

	ExecuteShell(ctx context.Context, serial, cmd string, timeout time.Duration) (string, error)
	InstallPackage(ctx context.Context, serial, apkPath string, reinstall bool) error
	InstallPackages(ctx context.Context, serial string, apkPaths []string, reinstall bool) error
	SyncPackageToDevice(ctx context.Context, serial, localPath, remotePath string) error
	RemoveRemotePackage(ctx context.Context, serial, remotePath string) error
	GetMountPoint(ctx context.Context, serial, name string) (string, error)
	GetBattery(ctx context.Context, serial string, timeout time.Duration) (level int, ok bool)
	GetProperty(ctx context.Context, serial, prop string) (string, error)
	GetState(ctx context.Context, serial string) (string, error)
	Reboot(ctx context.Context, serial, mode string) error
	GetScreenshot(ctx context.Context, serial string, timeout time.Duration) ([]byte, error)
}
