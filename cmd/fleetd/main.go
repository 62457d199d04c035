package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/example/devicefleet/pkg/config"
	"github.com/example/devicefleet/pkg/fleet"
	"github.com/example/devicefleet/pkg/registry"
)

// Flag-backed configuration surface.
var (
	maxEmulators     int
	maxNullDevices   int
	maxGCEDevices    int
	maxRemoteDevices int
	maxLocalVirtual  int

	deviceRecoveryCron string
	lowLevelPollCron   string
	adbPath            string
	fastbootPath       string
	fastbootArchive    string

	enabledFilesystemCheck    bool
	minBatteryAfterRecovery   int
	disableUnresponsiveReboot bool
	disableUSBReset           bool
	cpuAffinityGrammar        string

	fullTable bool
)

func main() {
	root := &cobra.Command{
		Use:   "fleetd",
		Short: "Device fleet manager: discovers, tracks, allocates, and recovers attached and virtual test targets",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the fleet manager daemon until terminated",
		Run:   runServe,
	}
	addConfigFlags(serveCmd)

	listCmd := &cobra.Command{
		Use:   "list-devices",
		Short: "Render a table of every known device and its allocation state",
		Run:   runListDevices,
	}
	addConfigFlags(listCmd)
	listCmd.Flags().BoolVar(&fullTable, "full", false, "include class and raw device-state columns")

	root.AddCommand(serveCmd, listCmd)
	if err := root.Execute(); err != nil {
		klog.Fatal(err)
	}
}

func addConfigFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&maxEmulators, "max-emulators", 0, "size of the emulator-slot placeholder pool")
	cmd.Flags().IntVar(&maxNullDevices, "max-null-devices", 0, "size of the null placeholder pool")
	cmd.Flags().IntVar(&maxGCEDevices, "max-gce-devices", 0, "size of the virtual-remote-gce placeholder pool")
	cmd.Flags().IntVar(&maxRemoteDevices, "max-remote-devices", 0, "size of the virtual-remote-known-ip placeholder pool")
	cmd.Flags().IntVar(&maxLocalVirtual, "max-local-virtual-devices", 0, "size of the virtual-local placeholder pool")
	cmd.Flags().StringVar(&deviceRecoveryCron, "device-recovery-interval", "@every 30m", "cron expression for the multi-device recovery sweep")
	cmd.Flags().StringVar(&lowLevelPollCron, "low-level-poll-interval", "@every 5s", "cron expression for the low-level-mode poller")
	cmd.Flags().StringVar(&adbPath, "adb-path", "", "path to the debug-bridge daemon binary")
	cmd.Flags().StringVar(&fastbootPath, "fastboot-path", "", "path to the low-level helper binary")
	cmd.Flags().StringVar(&fastbootArchive, "fastboot-archive", "", "archive to stage the low-level helper binary from; the staged copy is removed on shutdown")
	cmd.Flags().BoolVar(&enabledFilesystemCheck, "enabled-filesystem-check", false, "require the external-storage-mounted probe during readiness checks")
	cmd.Flags().IntVar(&minBatteryAfterRecovery, "min-battery-after-recovery", 0, "minimum battery percent required after a successful recovery, 0 disables the check")
	cmd.Flags().BoolVar(&disableUnresponsiveReboot, "disable-unresponsive-reboot", false, "skip the reboot-while-online escalation step")
	cmd.Flags().BoolVar(&disableUSBReset, "disable-usb-reset", false, "skip the USB bus reset escalation step")
	cmd.Flags().StringVar(&cpuAffinityGrammar, "cpu-affinity", "", "CPU-affinity grammar validated at startup, e.g. \"0-3,6\"")
}

func buildConfig() config.Options {
	cfg := config.Default()
	cfg.MaxEmulators = maxEmulators
	cfg.MaxNullDevices = maxNullDevices
	cfg.MaxGCEDevices = maxGCEDevices
	cfg.MaxRemoteDevices = maxRemoteDevices
	cfg.MaxLocalVirtual = maxLocalVirtual
	cfg.DeviceRecoveryCron = deviceRecoveryCron
	cfg.LowLevelPollCron = lowLevelPollCron
	cfg.AdbPath = adbPath
	cfg.FastbootPath = fastbootPath
	cfg.FastbootArchive = fastbootArchive
	cfg.EnabledFilesystemCheck = enabledFilesystemCheck
	cfg.MinBatteryAfterRecovery = minBatteryAfterRecovery
	cfg.DisableUnresponsiveReboot = disableUnresponsiveReboot
	cfg.DisableUSBReset = disableUSBReset
	cfg.CPUAffinityGrammar = cpuAffinityGrammar
	cfg.DefaultSerial = os.Getenv("ANDROID_SERIAL")
	cfg.SandboxNested = os.Getenv("FLEETD_SANDBOX_NESTED") != ""
	return cfg
}

// buildManager wires every component the way pkg/fleet.NewManager expects.
// offlineClient/offlineBus/offlineVirtualDriver stand in for the
// debug-bridge client library, the USB bus helper, and the virtual-device
// driver. Low-level devices are still discovered through the helper binary
// Init detects from --fastboot-path/--fastboot-archive. A deployment that
// needs physical devices builds its own main package embedding pkg/fleet
// with real implementations instead.
func buildManager(cfg config.Options) *fleet.Manager {
	admit := func(serial string) bool { return true }
	return fleet.NewManager(cfg, &offlineClient{}, &offlineBus{}, &offlineVirtualDriver{}, admit, nil)
}

func runServe(cmd *cobra.Command, args []string) {
	cfg := buildConfig()
	mgr := buildManager(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		klog.Infof("fleetd: received signal %v, shutting down", sig)
		cancel()
	}()

	// Init detects the low-level binary itself, staging it out of
	// --fastboot-archive when one is given.
	if err := mgr.Init(ctx, nil); err != nil {
		klog.Fatalf("fleetd: init failed: %v", err)
	}
	klog.Infof("fleetd: serving (%s)", cfg.String())

	<-ctx.Done()
	if err := mgr.Terminate(); err != nil {
		klog.Warningf("fleetd: terminate: %v", err)
	}
	klog.Info("fleetd: stopped")
}

func runListDevices(cmd *cobra.Command, args []string) {
	cfg := buildConfig()
	mgr := buildManager(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := mgr.Init(ctx, nil); err != nil {
		klog.Fatalf("fleetd: init failed: %v", err)
	}
	defer mgr.Terminate()

	renderDeviceTable(os.Stdout, registry.SortedBy(mgr.Registry().Snapshot()), fullTable)
}
