package worker

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunLogAppendsAcrossJobs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rq.log")

	for _, msg := range []string{"first", "second"} {
		l, err := OpenRunLog(path, 0)
		require.NoError(t, err)
		l.Printf("%s job", msg)
		require.NoError(t, l.Close())
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), " job\n"))
	assert.Contains(t, string(data), "first job")
}

func TestRunLogRotatesPastMaxSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rq.log")

	l, err := OpenRunLog(path, 1) // rounds up to 1 MB
	require.NoError(t, err)
	chunk := []byte(strings.Repeat("x", 600*1024) + "\n")
	_, err = l.Write(chunk)
	require.NoError(t, err)
	_, err = l.Write(chunk)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	backups, err := filepath.Glob(filepath.Join(dir, "rq-*.log"))
	require.NoError(t, err)
	assert.Len(t, backups, 1)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(chunk)), info.Size())
}

func TestRunLogClosedWrites(t *testing.T) {
	l, err := OpenRunLog(filepath.Join(t.TempDir(), "rq.log"), 0)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	_, err = l.Write([]byte("late\n"))
	assert.ErrorIs(t, err, os.ErrClosed)

	var detached *RunLog
	n, err := detached.Write([]byte("ignored"))
	assert.NoError(t, err)
	assert.Equal(t, 7, n)
}
