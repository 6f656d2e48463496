package platform

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func memFs(t *testing.T, files map[string]string) afero.Fs {
	t.Helper()

	fs := afero.NewMemMapFs()
	for path, content := range files {
		require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0644))
	}
	return fs
}

type countingSource struct {
	calls   atomic.Int32
	release string
}

func (s *countingSource) Name() string { return "counting" }

func (s *countingSource) Release() (string, bool) {
	s.calls.Add(1)
	return s.release, s.release != ""
}

// ============================================================================
// SystemReleaseVersion
// ============================================================================

func TestSystemReleaseVersion(t *testing.T) {
	t.Run("DarwinUsesPlatformString", func(t *testing.T) {
		d := NewDetector(DetectorConfig{
			GOOS:  "darwin",
			Fs:    memFs(t, map[string]string{SystemReleasePath: "ignored"}),
			Uname: func() (string, error) { return "Darwin-23.4.0-arm64", nil },
		})
		assert.Equal(t, "Darwin-23.4.0-arm64", d.SystemReleaseVersion())
	})

	t.Run("DarwinUnameFailure", func(t *testing.T) {
		d := NewDetector(DetectorConfig{
			GOOS:  "darwin",
			Uname: func() (string, error) { return "", errors.New("boom") },
		})
		assert.Equal(t, UnknownRelease, d.SystemReleaseVersion())
	})

	t.Run("SystemReleaseFile", func(t *testing.T) {
		d := NewDetector(DetectorConfig{
			GOOS: "linux",
			Fs: memFs(t, map[string]string{
				SystemReleasePath: "Amazon Linux release 2 (Karoo)\n",
				OSReleasePath:     `PRETTY_NAME="Something else"`,
			}),
		})
		assert.Equal(t, AmazonLinux2ReleaseID, d.SystemReleaseVersion())
	})

	t.Run("OSReleasePrettyName", func(t *testing.T) {
		d := NewDetector(DetectorConfig{
			GOOS: "linux",
			Fs: memFs(t, map[string]string{
				OSReleasePath: "NAME=\"Amazon Linux\"\nVERSION=\"2\"\nPRETTY_NAME=\"Amazon Linux 2\"\nID=amzn\n",
			}),
		})
		assert.Equal(t, AmazonLinux2PrettyName, d.SystemReleaseVersion())
	})

	t.Run("OSReleaseWithoutPrettyName", func(t *testing.T) {
		d := NewDetector(DetectorConfig{
			GOOS: "linux",
			Fs:   memFs(t, map[string]string{OSReleasePath: "NAME=Debian\n"}),
		})
		assert.Equal(t, UnknownRelease, d.SystemReleaseVersion())
	})

	t.Run("NoReleaseFiles", func(t *testing.T) {
		d := NewDetector(DetectorConfig{GOOS: "linux", Fs: afero.NewMemMapFs()})
		assert.Equal(t, UnknownRelease, d.SystemReleaseVersion())
	})
}

func TestSystemReleaseVersionIsCached(t *testing.T) {
	source := &countingSource{release: "Ubuntu 22.04"}
	d := NewDetectorWithSources(source)

	for i := 0; i < 3; i++ {
		assert.Equal(t, "Ubuntu 22.04", d.SystemReleaseVersion())
	}
	assert.Equal(t, int32(1), source.calls.Load())
}

func TestSourcesTriedInOrder(t *testing.T) {
	first := &countingSource{}
	second := &countingSource{release: "second"}
	third := &countingSource{release: "third"}

	d := NewDetectorWithSources(first, second, third)

	assert.Equal(t, "second", d.SystemReleaseVersion())
	assert.Equal(t, int32(1), first.calls.Load())
	assert.Equal(t, int32(0), third.calls.Load())
}

// ============================================================================
// Tunnel binary selection
// ============================================================================

func TestTunnelBinaryName(t *testing.T) {
	tests := []struct {
		release  string
		expected string
	}{
		{AmazonLinux2PrettyName, Stunnel5Binary},
		{AmazonLinux2ReleaseID, Stunnel5Binary},
		{"Amazon Linux 2023", StunnelBinary},
		{"amazon linux 2", StunnelBinary},
		{"Amazon Linux 2 ", StunnelBinary},
		{"Red Hat Enterprise Linux 8", StunnelBinary},
		{UnknownRelease, StunnelBinary},
		{"", StunnelBinary},
	}

	for _, tt := range tests {
		t.Run(tt.release, func(t *testing.T) {
			assert.Equal(t, tt.expected, TunnelBinaryName(tt.release))
		})
	}
}

func TestLocateTunnelBinary(t *testing.T) {
	t.Run("Found", func(t *testing.T) {
		var looked string
		path, err := LocateTunnelBinary(AmazonLinux2PrettyName, func(file string) (string, error) {
			looked = file
			return "/usr/bin/" + file, nil
		})
		require.NoError(t, err)
		assert.Equal(t, Stunnel5Binary, looked)
		assert.Equal(t, "/usr/bin/stunnel5", path)
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := LocateTunnelBinary("Fedora 40", func(string) (string, error) {
			return "", errors.New("not found")
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "stunnel")
	})
}
