package lowlevel

import (
	"context"
	"os/exec"
	"strings"

	"github.com/example/devicefleet/pkg/ftlerr"
)

// ExecRunner is the Runner backed by the real low-level helper binary.
// Listing invokes the binary's `devices` command and parses its output
// line-wise; each device line yields a serial and a userspace flag.
// Network-attached targets report their network serial; the configured
// map translates those back to the canonical serial the registry keys on.
type ExecRunner struct {
	binary string

	// byNetworkSerial maps the network serial the tool prints back to the
	// canonical device serial.
	byNetworkSerial map[string]string
}

// NewExecRunner constructs an ExecRunner for the binary at path.
// networkSerials maps canonical serial to network serial; it may be nil.
func NewExecRunner(path string, networkSerials map[string]string) *ExecRunner {
	reverse := make(map[string]string, len(networkSerials))
	for serial, network := range networkSerials {
		reverse[network] = serial
	}
	return &ExecRunner{binary: path, byNetworkSerial: reverse}
}

var _ Runner = (*ExecRunner)(nil)

type deviceLine struct {
	serial    string
	userspace bool
}

// parseDeviceLines extracts (serial, userspace) pairs from the listing
// output. A device line has the serial in the first column and the mode
// in the second; anything else (banners, blank lines) is skipped.
func parseDeviceLines(out string) []deviceLine {
	var devices []deviceLine
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[1] {
		case "fastboot":
			devices = append(devices, deviceLine{serial: fields[0]})
		case "fastbootd":
			devices = append(devices, deviceLine{serial: fields[0], userspace: true})
		}
	}
	return devices
}

func (r *ExecRunner) canonical(serial string) string {
	if mapped, ok := r.byNetworkSerial[serial]; ok {
		return mapped
	}
	return serial
}

func (r *ExecRunner) list(ctx context.Context, userspace bool) ([]string, error) {
	out, err := exec.CommandContext(ctx, r.binary, "devices").CombinedOutput()
	if err != nil {
		return nil, ftlerr.Wrap(ftlerr.ExternalToolFailure, err, "listing low-level devices with %s", r.binary)
	}
	var serials []string
	for _, d := range parseDeviceLines(string(out)) {
		if d.userspace == userspace {
			serials = append(serials, r.canonical(d.serial))
		}
	}
	return serials, nil
}

// ListBootloaderDevices implements Runner.
func (r *ExecRunner) ListBootloaderDevices(ctx context.Context) ([]string, error) {
	return r.list(ctx, false)
}

// ListFastbootdDevices implements Runner.
func (r *ExecRunner) ListFastbootdDevices(ctx context.Context) ([]string, error) {
	return r.list(ctx, true)
}

// DescribeDevice implements Runner: `getvar product` against one serial.
// The tool prints variables as "name: value" lines.
func (r *ExecRunner) DescribeDevice(ctx context.Context, serial string) (Properties, error) {
	out, err := exec.CommandContext(ctx, r.binary, "-s", serial, "getvar", "product").CombinedOutput()
	if err != nil {
		return Properties{}, ftlerr.Wrap(ftlerr.ExternalToolFailure, err, "getvar product for %s", serial)
	}
	product, ok := parseGetVar(string(out), "product")
	if !ok {
		return Properties{}, ftlerr.New(ftlerr.ExternalToolFailure, "no product variable in getvar output for %s", serial)
	}
	return Properties{Product: product, Variant: strings.ToLower(product)}, nil
}

// parseGetVar finds "name: value" in getvar output, which the tool
// interleaves with status lines.
func parseGetVar(out, name string) (string, bool) {
	prefix := name + ":"
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix)), true
		}
	}
	return "", false
}

// Version reports the tool's version string, used at startup to confirm
// the detected binary is runnable.
func (r *ExecRunner) Version(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, r.binary, "--version").CombinedOutput()
	if err != nil {
		return "", ftlerr.Wrap(ftlerr.ExternalToolFailure, err, "querying %s version", r.binary)
	}
	line, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(line), nil
}
