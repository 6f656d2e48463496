package watchdog

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	mountutils "k8s.io/mount-utils"
)

type brokenMounter struct{ *mountutils.FakeMounter }

func (brokenMounter) List() ([]mountutils.MountPoint, error) {
	return nil, errors.New("permission denied")
}

func TestMountTable(t *testing.T) {
	mounted := MountTable(mountutils.NewFakeMounter([]mountutils.MountPoint{
		{Device: "sysfs", Path: "/sys", Type: "sysfs"},
		{Device: "/dev/nvme0n1p1", Path: "/", Type: "xfs"},
		{Device: "127.0.0.1:/", Path: "/mnt/efs", Type: "nfs4"},
		{Device: "127.0.0.1:/", Path: `/mnt/with\040space`, Type: "nfs4"},
		{Device: "127.0.0.1:/", Path: "/mnt/plain space", Type: "nfs"},
		{Device: "/dev/sdb1", Path: "/mnt/data", Type: "ext4"},
	}))

	tests := []struct {
		mountPoint string
		want       bool
	}{
		{"/mnt/efs", true},
		{"/mnt/efs/", true},
		{"/mnt/with space", true},
		{"/mnt/plain space", true},
		{"/mnt/data", false},
		{"/mnt/other", false},
	}

	for _, tt := range tests {
		t.Run(tt.mountPoint, func(t *testing.T) {
			got, err := mounted(tt.mountPoint)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMountTable_AfterMount(t *testing.T) {
	fake := mountutils.NewFakeMounter(nil)
	mounted := MountTable(fake)

	got, err := mounted("/mnt/efs")
	require.NoError(t, err)
	assert.False(t, got)

	require.NoError(t, fake.Mount("127.0.0.1:/", "/mnt/efs", "nfs4", []string{"port=20049"}))
	got, err = mounted("/mnt/efs")
	require.NoError(t, err)
	assert.True(t, got)

	require.NoError(t, fake.Unmount("/mnt/efs"))
	got, err = mounted("/mnt/efs")
	require.NoError(t, err)
	assert.False(t, got)
}

func TestMountTable_ListError(t *testing.T) {
	_, err := MountTable(brokenMounter{mountutils.NewFakeMounter(nil)})("/mnt/efs")
	assert.ErrorContains(t, err, "failed to list mounts")
}
