// Package platform detects the host operating system release and selects
// the tunnel binary that matches it.
package platform

import (
	"bufio"
	"bytes"
	"runtime"
	"strings"
	"sync"

	"github.com/marmos91/efsmount/internal/logger"
	"github.com/spf13/afero"
)

// UnknownRelease is returned when no release source yields a value.
const UnknownRelease = "unknown"

const (
	SystemReleasePath = "/etc/system-release"
	OSReleasePath     = "/etc/os-release"
)

// ReleaseSource is one strategy for identifying the OS release.
//
// Release returns ok=false when the source has nothing to offer (file
// absent, field missing). Sources never return errors: any failure simply
// means the next source is tried.
type ReleaseSource interface {
	Name() string
	Release() (release string, ok bool)
}

// SystemReleaseFile returns the full trimmed content of a release file
// such as /etc/system-release.
type SystemReleaseFile struct {
	Fs   afero.Fs
	Path string
}

func (s SystemReleaseFile) Name() string { return s.Path }

func (s SystemReleaseFile) Release() (string, bool) {
	data, err := afero.ReadFile(s.Fs, s.Path)
	if err != nil {
		return "", false
	}

	release := strings.TrimSpace(string(data))
	return release, release != ""
}

// OSReleaseFile extracts PRETTY_NAME from an os-release(5) file.
type OSReleaseFile struct {
	Fs   afero.Fs
	Path string
}

func (s OSReleaseFile) Name() string { return s.Path }

func (s OSReleaseFile) Release() (string, bool) {
	data, err := afero.ReadFile(s.Fs, s.Path)
	if err != nil {
		return "", false
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, value, found := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !found || key != "PRETTY_NAME" {
			continue
		}

		value = strings.Trim(strings.TrimSpace(value), `"'`)
		return value, value != ""
	}

	return "", false
}

// PlatformString reports the release through the running kernel. It is the
// only source consulted on macOS, which has no release files.
type PlatformString struct {
	Uname func() (string, error)
}

func (s PlatformString) Name() string { return "uname" }

func (s PlatformString) Release() (string, bool) {
	uname := s.Uname
	if uname == nil {
		uname = kernelPlatform
	}

	release, err := uname()
	if err != nil {
		logger.Debug("Failed to read platform string: %v", err)
		return "", false
	}
	return release, release != ""
}

// Detector resolves the release once and caches it for its lifetime.
//
// Thread Safety: Safe for concurrent use.
type Detector struct {
	sources []ReleaseSource

	once    sync.Once
	release string
}

// DetectorConfig configures a Detector. Zero values select the host.
type DetectorConfig struct {
	// Fs is the filesystem release files are read from (default: OS filesystem)
	Fs afero.Fs

	// GOOS overrides runtime.GOOS
	GOOS string

	// Uname overrides the kernel platform string lookup
	Uname func() (string, error)
}

// NewDetector creates a Detector.
//
// On darwin the platform string is the only source. Everywhere else
// /etc/system-release is tried first, then PRETTY_NAME of /etc/os-release.
func NewDetector(config DetectorConfig) *Detector {
	if config.Fs == nil {
		config.Fs = afero.NewOsFs()
	}
	if config.GOOS == "" {
		config.GOOS = runtime.GOOS
	}

	if config.GOOS == "darwin" {
		return NewDetectorWithSources(PlatformString{Uname: config.Uname})
	}

	return NewDetectorWithSources(
		SystemReleaseFile{Fs: config.Fs, Path: SystemReleasePath},
		OSReleaseFile{Fs: config.Fs, Path: OSReleasePath},
	)
}

// NewDetectorWithSources creates a Detector trying sources in order.
func NewDetectorWithSources(sources ...ReleaseSource) *Detector {
	return &Detector{sources: sources}
}

// SystemReleaseVersion returns the OS release string, or UnknownRelease
// when every source comes up empty. The first call does the work; later
// calls return the cached value.
func (d *Detector) SystemReleaseVersion() string {
	d.once.Do(func() {
		d.release = UnknownRelease
		for _, source := range d.sources {
			if release, ok := source.Release(); ok {
				logger.Debug("Detected platform release %q from %s", release, source.Name())
				d.release = release
				return
			}
		}
		logger.Debug("No release source available, using %q", UnknownRelease)
	})
	return d.release
}
