package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/marmos91/efsmount/pkg/config"
	"github.com/marmos91/efsmount/pkg/credentials"
	"github.com/marmos91/efsmount/pkg/mounthelper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMounter struct {
	err  error
	reqs []mounthelper.Request
}

func (m *fakeMounter) Mount(_ context.Context, req mounthelper.Request) error {
	m.reqs = append(m.reqs, req)
	return m.err
}

func runWith(t *testing.T, m *fakeMounter, args ...string) (int, string) {
	t.Helper()

	var stderr bytes.Buffer
	configPath := filepath.Join(t.TempDir(), "efs-utils.toml")
	args = append([]string{"--config", configPath}, args...)

	code := run(context.Background(), args, &stderr, func(*config.Config) mounter { return m })
	return code, stderr.String()
}

func TestRun_Success(t *testing.T) {
	m := &fakeMounter{}

	code, _ := runWith(t, m, "fs-0123abcd:/data", "/mnt/efs", "-o", "tls,iam", "-o", "awsprofile=dev")

	assert.Equal(t, 0, code)
	require.Len(t, m.reqs, 1)
	assert.Equal(t, mounthelper.Request{
		Device:     "fs-0123abcd:/data",
		MountPoint: "/mnt/efs",
		Options:    "tls,iam,awsprofile=dev",
	}, m.reqs[0])
}

func TestRun_ProfileNotFound(t *testing.T) {
	m := &fakeMounter{err: &credentials.ProfileNotFoundError{Profile: "missing"}}

	code, stderr := runWith(t, m, "fs-0123abcd", "/mnt/efs", "-o", "tls,iam,awsprofile=missing")

	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, `the profile "missing" could not be found`)
}

func TestRun_MountFailure(t *testing.T) {
	m := &fakeMounter{err: errors.New("mount.nfs4: access denied")}

	code, stderr := runWith(t, m, "fs-0123abcd", "/mnt/efs")

	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "failed to mount fs-0123abcd on /mnt/efs")
}

func TestRun_Usage(t *testing.T) {
	m := &fakeMounter{}

	code, stderr := runWith(t, m, "fs-0123abcd")

	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Usage: mount-efs")
	assert.Empty(t, m.reqs)
}

func TestRun_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "efs-utils.toml")
	require.NoError(t, os.WriteFile(path, []byte("[mount]\nport_range_lower_bound = 30000\nport_range_upper_bound = 20000\n"), 0o644))

	var stderr bytes.Buffer
	code := run(context.Background(), []string{"--config", path, "fs-0123abcd", "/mnt/efs"}, &stderr,
		func(*config.Config) mounter { return &fakeMounter{} })

	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "configuration validation failed")
}
