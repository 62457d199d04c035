package fleet

import (
	"context"
	"path/filepath"

	"github.com/spf13/afero"
	"k8s.io/klog/v2"

	"github.com/example/devicefleet/pkg/ftlerr"
	"github.com/example/devicefleet/pkg/lowlevel"
)

// lowLevelBinaryName is the helper binary staged out of a configured
// archive.
const lowLevelBinaryName = "fastboot"

// detectLowLevelRunner resolves the low-level helper binary from the
// configuration: staged out of FastbootArchive when one is set (the
// staged copy is deleted on Terminate through a registered cleanup),
// taken from FastbootPath otherwise. The binary is probed once; a binary
// that cannot report its version disables the poller rather than failing
// Init.
func (m *Manager) detectLowLevelRunner(ctx context.Context) lowlevel.Runner {
	path := m.cfg.FastbootPath
	if m.cfg.FastbootArchive != "" {
		staged, cleanup, err := DetectLowLevelBinary(m.fs, m.cfg.FastbootArchive, lowLevelBinaryName)
		if err != nil {
			klog.Warningf("fleet: staging low-level binary from %s: %v", m.cfg.FastbootArchive, err)
			return nil
		}
		m.RegisterCleanup(cleanup)
		path = staged
	}
	if path == "" {
		return nil
	}
	runner := lowlevel.NewExecRunner(path, nil)
	version, err := runner.Version(ctx)
	if err != nil {
		klog.Warningf("fleet: low-level binary %s not usable, poller disabled: %v", path, err)
		return nil
	}
	klog.Infof("fleet: low-level binary %s (%s)", path, version)
	return runner
}

// DetectLowLevelBinary stages the low-level helper binary into a fresh
// temp directory and returns its path plus a cleanup function the caller
// must invoke on Terminate. An empty archivePath means the binary is
// already on PATH; no staging happens and the returned path is binaryName
// unchanged.
//
// Archive extraction (zip/tar) is handled by the packaging tooling before
// this runs; this stages a single already-extracted file.
func DetectLowLevelBinary(fs afero.Fs, archivePath, binaryName string) (string, func() error, error) {
	noop := func() error { return nil }
	if archivePath == "" {
		return binaryName, noop, nil
	}

	dir, err := afero.TempDir(fs, "", "fleet-lowlevel-")
	if err != nil {
		return "", nil, ftlerr.Wrap(ftlerr.InfraConfigurationError, err, "creating low-level binary temp dir")
	}

	data, err := afero.ReadFile(fs, archivePath)
	if err != nil {
		_ = fs.RemoveAll(dir)
		return "", nil, ftlerr.Wrap(ftlerr.InfraConfigurationError, err, "reading low-level archive %s", archivePath)
	}

	staged := filepath.Join(dir, binaryName)
	if err := afero.WriteFile(fs, staged, data, 0o755); err != nil {
		_ = fs.RemoveAll(dir)
		return "", nil, ftlerr.Wrap(ftlerr.InfraConfigurationError, err, "staging low-level binary into %s", dir)
	}

	cleanup := func() error { return fs.RemoveAll(dir) }
	return staged, cleanup, nil
}
