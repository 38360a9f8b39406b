package confload

import (
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestOpen_MissingFileIsEOFNotError(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(filepath.Join(dir, "nope"), "", 0)
	require.NoError(t, err)

	_, err = l.ReadLine(Chomp)
	assert.ErrorIs(t, err, io.EOF)
}

func TestOpen_FallsBackToGzipSibling(t *testing.T) {
	dir := t.TempDir()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte("line one\nline two\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "prefs.gz"), buf.Bytes(), 0o644))

	l, err := Open(filepath.Join(dir, "prefs"), "", 0)
	require.NoError(t, err)

	line, err := l.ReadLine(Chomp)
	require.NoError(t, err)
	assert.Equal(t, "line one", line)

	line, err = l.ReadLine(Chomp)
	require.NoError(t, err)
	assert.Equal(t, "line two", line)

	_, err = l.ReadLine(Chomp)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadLine_SkipEmptyAndComments(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "prefs", "# header\n\nkeyword value\n# trailing comment\nfooter\n")

	l, err := Open(path, "", 0)
	require.NoError(t, err)

	line, err := l.ReadLine(Chomp | SkipEmpty | SkipComments)
	require.NoError(t, err)
	assert.Equal(t, "keyword value", line)

	line, err = l.ReadLine(Chomp | SkipEmpty | SkipComments)
	require.NoError(t, err)
	assert.Equal(t, "footer", line)

	_, err = l.ReadLine(Chomp)
	assert.ErrorIs(t, err, io.EOF)
}

func TestUnreadLine_DoubleUnreadForbidden(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "prefs", "one\ntwo\n")

	l, err := Open(path, "", 0)
	require.NoError(t, err)

	line, err := l.ReadLine(Chomp)
	require.NoError(t, err)
	require.NoError(t, l.UnreadLine(line))

	err = l.UnreadLine(line)
	assert.Error(t, err)

	again, err := l.ReadLine(Chomp)
	require.NoError(t, err)
	assert.Equal(t, "one", again)
}

func TestDone_RenamesBackupIntoPlace(t *testing.T) {
	dir := t.TempDir()
	backupDir := t.TempDir()
	path := writeFile(t, dir, "prefs", "hello\nworld\n")

	l, err := Open(path, backupDir, 0)
	require.NoError(t, err)

	_, err = l.ReadFile(Chomp, 0)
	require.NoError(t, err)

	require.NoError(t, l.Done())

	contents, err := os.ReadFile(filepath.Join(backupDir, "prefs"))
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld\n", string(contents))
}

func TestReject_MovesIntoRejectDir(t *testing.T) {
	dir := t.TempDir()
	backupDir := t.TempDir()
	rejectDir := t.TempDir()
	path := writeFile(t, dir, "broken", "bad header\n")

	l, err := Open(path, backupDir, 0)
	require.NoError(t, err)

	require.NoError(t, l.Reject("broken", rejectDir))

	contents, err := os.ReadFile(filepath.Join(rejectDir, "broken"))
	require.NoError(t, err)
	assert.Equal(t, "bad header\n", string(contents))

	_, err = os.Stat(filepath.Join(backupDir, "broken"))
	assert.True(t, os.IsNotExist(err), "backup must not receive a copy on reject")
}

func TestDigestIsStable(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "prefs", "identical content\n")

	l1, err := Open(path, "", 0)
	require.NoError(t, err)
	_, err = l1.ReadFile(Chomp, 0)
	require.NoError(t, err)

	l2, err := Open(path, "", 0)
	require.NoError(t, err)
	_, err = l2.ReadFile(Chomp, 0)
	require.NoError(t, err)

	assert.Equal(t, l1.Digest(), l2.Digest())
}

func TestStatPopulatesSizeAndMtime(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "prefs", "0123456789")

	l, err := Open(path, "", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(10), l.Stat.Size)
	assert.False(t, l.Stat.Mtime.IsZero())
}
