package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weppcloud/weppcloud/internal/models"
	"github.com/weppcloud/weppcloud/internal/wd"
)

func writeFile(t *testing.T, path, content string, mode os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), mode))
}

func snapshot(t *testing.T, dir string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		require.NoError(t, err)
		rel, _ := filepath.Rel(dir, p)
		if rel == wd.ArchivesDir && info.IsDir() {
			return filepath.SkipDir
		}
		if info.Mode().IsRegular() {
			data, err := os.ReadFile(p)
			require.NoError(t, err)
			out[rel] = info.Mode().Perm().String() + ":" + string(data)
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestCreateAndRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "ron.nodb"), `{"runid":"demo"}`, 0644)
	writeFile(t, filepath.Join(dir, "wepp", "output", "H1.loss.dat"), "1 2 3", 0644)
	writeFile(t, filepath.Join(dir, "climate", "run.sh"), "#!/bin/sh", 0755)
	writeFile(t, filepath.Join(dir, "archives", "old.zip"), "not really", 0644)
	before := snapshot(t, dir)

	now := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	var seen []string
	path, err := Create(context.Background(), dir, "demo", now, func(name string) { seen = append(seen, name) })
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "archives", "demo.20240301T123000Z.zip"), path)
	assert.NoFileExists(t, path+".tmp")
	assert.Contains(t, seen, "wepp/output/H1.loss.dat")
	assert.NotContains(t, seen, "archives/old.zip")

	// Mutate the run, then restore.
	writeFile(t, filepath.Join(dir, "ron.nodb"), `{"runid":"changed"}`, 0644)
	writeFile(t, filepath.Join(dir, "extra.txt"), "gone after restore", 0644)
	require.NoError(t, os.RemoveAll(filepath.Join(dir, "wepp")))

	n, err := Restore(context.Background(), dir, filepath.Base(path), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, before, snapshot(t, dir))
	assert.FileExists(t, filepath.Join(dir, "archives", "old.zip"))
	assert.NoFileExists(t, filepath.Join(dir, "extra.txt"))
}

func TestRestoreRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "keep.txt"), "still here", 0644)
	require.NoError(t, os.MkdirAll(wd.ArchivesPath(dir), 0755))

	f, err := os.Create(filepath.Join(wd.ArchivesPath(dir), "evil.zip"))
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("../escape.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	_, err = Restore(context.Background(), dir, "evil.zip", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.FileExists(t, filepath.Join(dir, "keep.txt"))
	assert.NoFileExists(t, filepath.Join(filepath.Dir(dir), "escape.txt"))
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	_, err := Resolve(dir, "../../etc/passwd.zip")
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = Resolve(dir, "missing.zip")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestListNewestFirst(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "archives", "demo.20240101T000000Z.zip"), "a", 0644)
	writeFile(t, filepath.Join(dir, "archives", "demo.20240201T000000Z.zip"), "b", 0644)
	writeFile(t, filepath.Join(dir, "archives", "demo.20240301T000000Z.zip.tmp"), "c", 0644)

	list, err := List(dir)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "demo.20240201T000000Z.zip", list[0].Name)
}
