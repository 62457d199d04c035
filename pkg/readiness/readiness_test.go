package readiness

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/devicefleet/pkg/bridge"
	"github.com/example/devicefleet/pkg/config"
	"github.com/example/devicefleet/pkg/device"
	"github.com/example/devicefleet/pkg/ftlerr"
)

// fakeClient is a hand-written stand-in for bridge.Client, scripted per
// test rather than recorded.
type fakeClient struct {
	shellResponses []shellResponse
	shellCalls     int

	bootCompleteAfter int
	bootCalls         int

	mountPoint    string
	mountErr      error
	listeners     []bridge.Listener
}

type shellResponse struct {
	out string
	err error
}

func (f *fakeClient) Init(ctx context.Context, toolPath string) error { return nil }
func (f *fakeClient) Terminate() error                                { return nil }
func (f *fakeClient) DisconnectBridge() error                         { return nil }
func (f *fakeClient) GetAdbVersion() (string, error)                  { return "1.0.0", nil }
func (f *fakeClient) AddListener(l bridge.Listener)                   { f.listeners = append(f.listeners, l) }
func (f *fakeClient) RemoveListener(l bridge.Listener)                {}

func (f *fakeClient) ExecuteShell(ctx context.Context, serial, cmd string, timeout time.Duration) (string, error) {
	if f.shellCalls >= len(f.shellResponses) {
		return "", errors.New("fakeClient: no more scripted shell responses")
	}
	r := f.shellResponses[f.shellCalls]
	f.shellCalls++
	return r.out, r.err
}

func (f *fakeClient) InstallPackage(ctx context.Context, serial, apkPath string, reinstall bool) error {
	return nil
}
func (f *fakeClient) InstallPackages(ctx context.Context, serial string, apkPaths []string, reinstall bool) error {
	return nil
}
func (f *fakeClient) SyncPackageToDevice(ctx context.Context, serial, localPath, remotePath string) error {
	return nil
}
func (f *fakeClient) RemoveRemotePackage(ctx context.Context, serial, remotePath string) error {
	return nil
}

func (f *fakeClient) GetMountPoint(ctx context.Context, serial, name string) (string, error) {
	if f.mountErr != nil {
		return "", f.mountErr
	}
	return f.mountPoint, nil
}

func (f *fakeClient) GetBattery(ctx context.Context, serial string, timeout time.Duration) (int, bool) {
	return 100, true
}

func (f *fakeClient) GetProperty(ctx context.Context, serial, prop string) (string, error) {
	f.bootCalls++
	if prop == "dev.bootcomplete" && f.bootCalls >= f.bootCompleteAfter {
		return "1", nil
	}
	return "0", nil
}

func (f *fakeClient) GetState(ctx context.Context, serial string) (string, error) { return "device", nil }
func (f *fakeClient) Reboot(ctx context.Context, serial, mode string) error       { return nil }
func (f *fakeClient) GetScreenshot(ctx context.Context, serial string, timeout time.Duration) ([]byte, error) {
	return nil, nil
}

func testConfig() config.Options {
	cfg := config.Default()
	cfg.DeviceWaitTime = time.Second
	cfg.ShellWaitTime = 200 * time.Millisecond
	return cfg
}

func TestProbeShellResponsive_SucceedsOnFirstTry(t *testing.T) {
	c := &fakeClient{shellResponses: []shellResponse{{out: "uid=2000(shell) gid=2000(shell)", err: nil}}}
	m := New("S1", c, testConfig())

	if err := m.probeShellResponsive(context.Background()); err != nil {
		t.Fatalf("probeShellResponsive: %v", err)
	}
}

func TestProbeShellResponsive_TransientOfflineThenRecovers(t *testing.T) {
	c := &fakeClient{shellResponses: []shellResponse{
		{err: bridge.ErrShellRejectedOffline},
		{err: bridge.ErrShellRejectedOffline},
		{out: "uid=0(root)"},
	}}
	cfg := testConfig()
	cfg.DeviceWaitTime = 5 * time.Second
	m := New("S1", c, cfg)

	if err := m.probeShellResponsive(context.Background()); err != nil {
		t.Fatalf("probeShellResponsive: %v", err)
	}
}

func TestProbeShellResponsive_GivesUpAfterTooManyOfflineRejections(t *testing.T) {
	responses := make([]shellResponse, maxTransientOfflineRejections+2)
	for i := range responses {
		responses[i] = shellResponse{err: bridge.ErrShellRejectedOffline}
	}
	c := &fakeClient{shellResponses: responses}
	cfg := testConfig()
	// Generous budget: the linear backoff after the five tolerated
	// rejections sums to 10s before the sixth fires the permanent error.
	cfg.DeviceWaitTime = 15 * time.Second
	m := New("S1", c, cfg)

	err := m.probeShellResponsive(context.Background())
	if err == nil {
		t.Fatal("expected an error after exhausting the transient-offline tolerance")
	}
	if !ftlerr.Is(err, ftlerr.DeviceUnavailable) {
		t.Fatalf("err kind = %v, want DeviceUnavailable", err)
	}
}

func TestProbeBootComplete_PollsUntilSet(t *testing.T) {
	c := &fakeClient{bootCompleteAfter: 3}
	cfg := testConfig()
	cfg.DeviceWaitTime = 5 * time.Second
	m := New("S1", c, cfg)

	if err := m.probeBootComplete(context.Background()); err != nil {
		t.Fatalf("probeBootComplete: %v", err)
	}
}

func TestProbeExternalStorage_Succeeds(t *testing.T) {
	c := &fakeClient{
		mountPoint: "/sdcard",
		shellResponses: []shellResponse{
			{out: "ef53"}, // filesystem magic
			{out: "ok"},
		},
	}
	m := New("S1", c, testConfig())

	if err := m.probeExternalStorage(context.Background()); err != nil {
		t.Fatalf("probeExternalStorage: %v", err)
	}
}

func TestProbeExternalStorage_RejectsRamdiskMagic(t *testing.T) {
	c := &fakeClient{
		mountPoint: "/sdcard",
		shellResponses: []shellResponse{
			{out: "1021994"},
		},
	}
	m := New("S1", c, testConfig())

	err := m.probeExternalStorage(context.Background())
	if err == nil {
		t.Fatal("expected a RAM-disk mount to be rejected")
	}
	if !ftlerr.Is(err, ftlerr.DeviceUnexpectedResponse) {
		t.Fatalf("err kind = %v, want DeviceUnexpectedResponse", err)
	}
}

func TestProbeExternalStorage_RetriesOncePermissionDenied(t *testing.T) {
	c := &fakeClient{
		mountPoint: "/sdcard",
		shellResponses: []shellResponse{
			{out: "ef53"},
			{err: errors.New("Permission denied")},
			{out: "ok"},
		},
	}
	m := New("S1", c, testConfig())

	if err := m.probeExternalStorage(context.Background()); err != nil {
		t.Fatalf("probeExternalStorage: %v", err)
	}
}

func TestProbeAvailability_SkipsFilesystemCheckWhenDisabled(t *testing.T) {
	c := &fakeClient{
		shellResponses: []shellResponse{{out: "uid=0(root)"}},
		bootCompleteAfter: 1,
	}
	cfg := testConfig()
	cfg.EnabledFilesystemCheck = false
	m := New("S1", c, cfg)

	if err := m.ProbeAvailability(context.Background()); err != nil {
		t.Fatalf("ProbeAvailability: %v", err)
	}
}

func TestWaitForMode_UnblocksOnMatchingNotification(t *testing.T) {
	m := New("S1", &fakeClient{}, testConfig())

	done := make(chan error, 1)
	go func() {
		done <- m.WaitForMode(context.Background(), device.ModeBootloader)
	}()

	time.Sleep(10 * time.Millisecond)
	m.NotifyModeChange(device.ModeOffline)
	m.NotifyModeChange(device.ModeBootloader)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitForMode: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForMode never returned")
	}
}

func TestWaitForMode_RespectsContextDeadline(t *testing.T) {
	m := New("S1", &fakeClient{}, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := m.WaitForMode(ctx, device.ModeBootloader)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if !ftlerr.Is(err, ftlerr.DeviceUnresponsive) {
		t.Fatalf("err kind = %v, want DeviceUnresponsive", err)
	}
}
