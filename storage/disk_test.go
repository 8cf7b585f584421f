package storage

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcus-crane/signpost/models"
)

func TestPhysicalIntegrityCheck(t *testing.T) {
	d := newTestDownloader(t, "http://cms.invalid/media", 10)
	require.NoError(t, os.MkdirAll(filepath.Join(d.MediaPath(), TempDirName), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(d.MediaPath(), "m3"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(d.MediaPath(), "m1.mp4"), []byte("1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(d.MediaPath(), TempDirName, "m2.mp4"), []byte("2"), 0o644))

	missing, err := d.PhysicalIntegrityCheck([]models.Descriptor{
		{ID: "m1", Name: "one.mp4"},
		{ID: "m2", Name: "two.mp4"},
		{ID: "m3", Name: "three.mp4"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"m2", "m3"}, missing)
}

func TestPhysicalIntegrityCheck_CreatesMediaPath(t *testing.T) {
	d := newTestDownloader(t, "http://cms.invalid/media", 10)
	d.mediaPath = filepath.Join(d.mediaPath, "nested", "Media")

	missing, err := d.PhysicalIntegrityCheck([]models.Descriptor{{ID: "m1", Name: "one.mp4"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, missing)
	assert.DirExists(t, d.MediaPath())
}

func TestCleanTemp(t *testing.T) {
	d := newTestDownloader(t, "http://cms.invalid/media", 10)

	require.NoError(t, d.CleanTemp())
	assert.DirExists(t, d.TempPath())

	require.NoError(t, os.WriteFile(filepath.Join(d.TempPath(), "m1.mp4"), []byte("partial"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(d.TempPath(), "leftover"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(d.MediaPath(), "m2.mp4"), []byte("keep"), 0o644))

	require.NoError(t, d.CleanTemp())

	entries, err := os.ReadDir(d.TempPath())
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.FileExists(t, filepath.Join(d.MediaPath(), "m2.mp4"))
}

func TestRemoveFile(t *testing.T) {
	d := newTestDownloader(t, "http://cms.invalid/media", 10)
	m := models.Descriptor{ID: "m1", Name: "one.mp4"}
	require.NoError(t, os.WriteFile(d.FinalPath(m), []byte("1"), 0o644))

	require.NoError(t, d.RemoveFile(m))
	assert.NoFileExists(t, d.FinalPath(m))
	assert.NoError(t, d.RemoveFile(m))
}

func TestMoveFile_CrossDeviceFallback(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "staged.mp4")
	dst := filepath.Join(dir, "final.mp4")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	original := rename
	rename = func(oldpath, newpath string) error {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: syscall.EXDEV}
	}
	defer func() { rename = original }()

	require.NoError(t, moveFile(src, dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
	assert.NoFileExists(t, src)
	assert.NoFileExists(t, dst+".partial")
}

func TestMoveFile_OtherErrorsPropagate(t *testing.T) {
	dir := t.TempDir()
	err := moveFile(filepath.Join(dir, "missing.mp4"), filepath.Join(dir, "final.mp4"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
