package worker

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resolvercore/confd/internal/confd/confload"
	"github.com/resolvercore/confd/internal/confd/confset"
	"github.com/resolvercore/confd/internal/confd/dispatch"
)

func writePrefs(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func waitForDone(t *testing.T, d *dispatch.Dispatch) *dispatch.Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		jobs := d.DrainDone()
		if len(jobs) > 0 {
			return jobs[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for a done job")
	return nil
}

func TestReload_SuccessProducesConfAndLastGoodCopy(t *testing.T) {
	confDir := t.TempDir()
	lastGoodDir := t.TempDir()
	rejectDir := t.TempDir()
	path := writePrefs(t, confDir, "prefs.conf", "keyword value\n")

	vt := &confset.Vtable{
		Parse: func(l *confload.Loader, info *confset.Info) (any, error) {
			lines, err := l.ReadFile(confload.Chomp, 0)
			return lines, err
		},
	}
	info := &confset.Info{Name: "prefs", Path: path, Vtable: vt}

	d := dispatch.New()
	pool := New(d, Config{LastGoodDir: lastGoodDir, RejectDir: rejectDir}, nil)
	pool.Start(1)
	defer pool.Stop(1)

	d.Put(&dispatch.Job{Info: info}, dispatch.Todo)

	job := waitForDone(t, d)
	conf, ok := job.Data.(*confset.Conf)
	require.True(t, ok)
	assert.Equal(t, []string{"keyword value"}, conf.Payload)

	_, err := os.Stat(filepath.Join(lastGoodDir, "prefs.conf"))
	assert.NoError(t, err)
}

func TestReload_FailureRejectsAndClearsStat(t *testing.T) {
	confDir := t.TempDir()
	lastGoodDir := t.TempDir()
	rejectDir := t.TempDir()
	path := writePrefs(t, confDir, "broken.conf", "bad line\n")

	vt := &confset.Vtable{
		Parse: func(l *confload.Loader, info *confset.Info) (any, error) {
			return nil, assertFail{}
		},
	}
	info := &confset.Info{Name: "broken", Path: path, Vtable: vt}
	info.Stat.Dev = 42
	info.Stat.Ino = 99

	d := dispatch.New()
	pool := New(d, Config{LastGoodDir: lastGoodDir, RejectDir: rejectDir}, nil)
	pool.Start(1)
	defer pool.Stop(1)

	d.Put(&dispatch.Job{Info: info}, dispatch.Todo)

	job := waitForDone(t, d)
	assert.Nil(t, job.Data)
	assert.Zero(t, info.Stat.Dev)
	assert.Zero(t, info.Stat.Ino)

	_, err := os.Stat(filepath.Join(rejectDir, "broken.conf"))
	assert.NoError(t, err)
}

func TestReload_InitialStartupFallsBackToLastGood(t *testing.T) {
	confDir := t.TempDir()
	lastGoodDir := t.TempDir()
	rejectDir := t.TempDir()
	path := writePrefs(t, confDir, "prefs.conf", "new-bad-content\n")
	writePrefs(t, lastGoodDir, "prefs.conf", "old-good-content\n")

	attempt := 0
	vt := &confset.Vtable{
		Parse: func(l *confload.Loader, info *confset.Info) (any, error) {
			attempt++
			lines, err := l.ReadFile(confload.Chomp, 0)
			if attempt == 1 {
				return nil, assertFail{}
			}
			return lines, err
		},
	}
	info := &confset.Info{Name: "prefs", Path: path, Vtable: vt}

	d := dispatch.New()
	pool := New(d, Config{LastGoodDir: lastGoodDir, RejectDir: rejectDir, InitialStartup: true}, nil)
	pool.Start(1)
	defer pool.Stop(1)

	d.Put(&dispatch.Job{Info: info}, dispatch.Todo)

	job := waitForDone(t, d)
	conf, ok := job.Data.(*confset.Conf)
	require.True(t, ok)
	assert.Equal(t, []string{"old-good-content"}, conf.Payload)
}

func TestFreeJob_ReleasesConfAndGoesToDead(t *testing.T) {
	freed := false
	vt := &confset.Vtable{Free: func(any) { freed = true }}
	conf := confset.NewConf(vt, "payload")

	d := dispatch.New()
	pool := New(d, Config{}, nil)
	pool.Start(1)
	defer pool.Stop(1)

	d.Put(&dispatch.Job{Data: conf}, dispatch.Todo)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if dead, _, _, _, _ := d.Lens(); dead > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.True(t, freed)
}

type assertFail struct{}

func (assertFail) Error() string { return "parse failed" }
