package services

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func archiveRange(t *testing.T) TimeRange {
	t.Helper()
	tr, err := ParseTimeRange("2024-05-01T10:00", "2024-05-01T11:00")
	require.NoError(t, err)
	return tr
}

func TestArchivePathIsDeterministic(t *testing.T) {
	a := NewArchiver("/srv/archive", time.Second, newTestManager("ffmpeg", nil))
	tr := archiveRange(t)

	want := filepath.Join("/srv/archive", "101", "101_20240501T120000Z_20240501T130000Z.mp4")
	assert.Equal(t, want, a.Path("101", tr))
	assert.Equal(t, a.Path("101", tr), a.Path("101", tr))
	assert.Equal(t, "101_A_B.mp4", ArchiveFileName("101", "A", "B"))
}

func TestArchiveSaveWritesFile(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dir := t.TempDir()
	m := newTestManager(writeScript(t, "ffmpeg", "printf 'archived-mp4'"), &fakeProber{})
	a := NewArchiver(dir, 2*time.Second, m)
	tr := archiveRange(t)

	sess, err := m.Prepare(context.Background(), "101", ModeArchive, &tr)
	require.NoError(t, err)
	path, err := a.Save(context.Background(), sess)
	require.NoError(t, err)

	assert.Equal(t, a.Path("101", tr), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "archived-mp4", string(data))

	existing, ok := a.Existing("101", tr)
	assert.True(t, ok)
	assert.Equal(t, path, existing)

	// A second save for the same range reuses the file without encoding.
	failing := newTestManager(writeScript(t, "ffmpeg", "exit 1"), &fakeProber{})
	again, err := NewArchiver(dir, 2*time.Second, failing).Save(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, path, again)
}

func TestArchiveFailureLeavesNothingBehind(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	for name, body := range map[string]string{
		"encoder error": "echo 'no such track' >&2\nexit 1",
		"empty output":  "exit 0",
	} {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			m := newTestManager(writeScript(t, "ffmpeg", body), &fakeProber{})
			a := NewArchiver(dir, time.Second, m)
			tr := archiveRange(t)

			sess, err := m.Prepare(context.Background(), "101", ModeArchive, &tr)
			require.NoError(t, err)
			_, err = a.Save(context.Background(), sess)
			require.ErrorIs(t, err, ErrEncoderLaunch)

			entries, err := os.ReadDir(filepath.Join(dir, "101"))
			require.NoError(t, err)
			assert.Empty(t, entries)
			_, ok := a.Existing("101", tr)
			assert.False(t, ok)
		})
	}
}

func TestArchiveSaveRejectsOtherModes(t *testing.T) {
	m := newTestManager("ffmpeg", nil)
	a := NewArchiver(t.TempDir(), time.Second, m)
	_, err := a.Save(context.Background(), liveSession(t, m, "101"))
	assert.Error(t, err)
}

func TestArchiveListAndResolve(t *testing.T) {
	dir := t.TempDir()
	a := NewArchiver(dir, time.Second, newTestManager("ffmpeg", nil))

	chDir := filepath.Join(dir, "101")
	require.NoError(t, os.MkdirAll(chDir, 0o755))
	older := filepath.Join(chDir, "101_20240501T120000Z_20240501T130000Z.mp4")
	newer := filepath.Join(chDir, "101_20240502T120000Z_20240502T130000Z.mp4")
	require.NoError(t, os.WriteFile(older, []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(newer, []byte("bb"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(chDir, ".101_pending.mp4123"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(chDir, "notes.txt"), []byte("x"), 0o644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(older, past, past))

	entries, err := a.List("101")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, filepath.Base(newer), entries[0].FileName)
	assert.Equal(t, int64(2), entries[0].Size)
	assert.Equal(t, filepath.Base(older), entries[1].FileName)

	empty, err := a.List("999")
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = a.List("../101")
	require.ErrorIs(t, err, ErrInvalidChannel)

	path, err := a.Resolve("101", filepath.Base(newer))
	require.NoError(t, err)
	assert.Equal(t, newer, path)

	for _, name := range []string{"../101/x.mp4", ".101_pending.mp4123", "notes.txt", "missing.mp4"} {
		_, err := a.Resolve("101", name)
		assert.ErrorIs(t, err, os.ErrNotExist, name)
	}
}
