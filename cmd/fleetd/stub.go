package main

import (
	"context"
	"time"

	"github.com/example/devicefleet/pkg/bridge"
	"github.com/example/devicefleet/pkg/usb"
	"github.com/example/devicefleet/pkg/virtual"
)

// offlineClient is the bridge.Client this binary wires in when no real
// debug-bridge daemon connection is configured. It lets `fleetd serve`
// start and manage its placeholder pools (null, emulator-slot, virtual-*)
// without a debug bridge. A deployment that needs physical devices
// supplies a real bridge.Client, usb.Bus, and virtual.Driver to
// fleet.NewManager instead of these.
type offlineClient struct{}

var _ bridge.Client = (*offlineClient)(nil)

func (offlineClient) Init(ctx context.Context, toolPath string) error { return nil }
func (offlineClient) Terminate() error                                { return nil }
func (offlineClient) DisconnectBridge() error                         { return nil }
func (offlineClient) GetAdbVersion() (string, error)                  { return "", errNoBridge }

func (offlineClient) AddListener(l bridge.Listener)    {}
func (offlineClient) RemoveListener(l bridge.Listener) {}

func (offlineClient) ExecuteShell(ctx context.Context, serial, cmd string, timeout time.Duration) (string, error) {
	return "", errNoBridge
}
func (offlineClient) InstallPackage(ctx context.Context, serial, apkPath string, reinstall bool) error {
	return errNoBridge
}
func (offlineClient) InstallPackages(ctx context.Context, serial string, apkPaths []string, reinstall bool) error {
	return errNoBridge
}
func (offlineClient) SyncPackageToDevice(ctx context.Context, serial, localPath, remotePath string) error {
	return errNoBridge
}
func (offlineClient) RemoveRemotePackage(ctx context.Context, serial, remotePath string) error {
	return errNoBridge
}
func (offlineClient) GetMountPoint(ctx context.Context, serial, name string) (string, error) {
	return "", errNoBridge
}
func (offlineClient) GetBattery(ctx context.Context, serial string, timeout time.Duration) (int, bool) {
	return 0, false
}
func (offlineClient) GetProperty(ctx context.Context, serial, prop string) (string, error) {
	return "", errNoBridge
}
func (offlineClient) GetState(ctx context.Context, serial string) (string, error) {
	return "", errNoBridge
}
func (offlineClient) Reboot(ctx context.Context, serial, mode string) error { return errNoBridge }
func (offlineClient) GetScreenshot(ctx context.Context, serial string, timeout time.Duration) ([]byte, error) {
	return nil, errNoBridge
}

// offlineBus is the usb.Bus stub wired in alongside offlineClient.
type offlineBus struct{}

var _ usb.Bus = (*offlineBus)(nil)

func (offlineBus) ResetDevice(ctx context.Context, serial string) error { return errNoBridge }

// offlineVirtualDriver is the virtual.Driver stub wired in alongside
// offlineClient; without a real virtual-device driver binary, this
// daemon still seeds virtual-local/virtual-remote placeholder slots but
// cannot actually launch instances for them.
type offlineVirtualDriver struct{}

var _ virtual.Driver = (*offlineVirtualDriver)(nil)

func (offlineVirtualDriver) Create(ctx context.Context, serial string, opts virtual.CreateOptions) (*virtual.Report, error) {
	return nil, errNoBridge
}
func (offlineVirtualDriver) Delete(ctx context.Context, instanceName string) error { return errNoBridge }

var errNoBridge = errBridgeUnconfigured{}

type errBridgeUnconfigured struct{}

func (errBridgeUnconfigured) Error() string {
	return "fleetd: no debug-bridge/virtual-driver implementation configured for this process; only placeholder pools are usable"
}
