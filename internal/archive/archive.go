// Package archive snapshots a run directory into <wd>/archives/ and restores
// it from such a snapshot.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/weppcloud/weppcloud/internal/models"
	"github.com/weppcloud/weppcloud/internal/wd"
)

// StampLayout is the UTC timestamp embedded in archive names.
const StampLayout = "20060102T150405Z"

const tmpSuffix = ".tmp"

// Info describes one archive of a run.
type Info struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modified"`
}

// Name returns the archive file name for runid at t.
func Name(runid string, t time.Time) string {
	return fmt.Sprintf("%s.%s.zip", runid, t.UTC().Format(StampLayout))
}

// Create writes <dir>/archives/<runid>.<stamp>.zip. Entries are written to a
// .zip.tmp file that is renamed into place once complete, so a failed run
// never leaves a partial archive under the final name. The archives
// directory itself is skipped. progress, when set, receives each entry name.
func Create(ctx context.Context, dir, runid string, now time.Time, progress func(string)) (string, error) {
	root := wd.ArchivesPath(dir)
	if err := wd.EnsureDir(root); err != nil {
		return "", err
	}
	final := filepath.Join(root, Name(runid, now))
	tmp := final + tmpSuffix

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return "", err
	}
	if err := writeZip(ctx, f, dir, progress); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return final, nil
}

func writeZip(ctx context.Context, w io.Writer, dir string, progress func(string)) error {
	zw := zip.NewWriter(w)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if rel == wd.ArchivesDir {
			return filepath.SkipDir
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
			_, err := zw.CreateHeader(hdr)
			return err
		}
		hdr.Method = zip.Deflate
		out, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		in, err := os.Open(p)
		if err != nil {
			return err
		}
		defer in.Close()
		if _, err := io.Copy(out, in); err != nil {
			return fmt.Errorf("archive %s: %w", rel, err)
		}
		if progress != nil {
			progress(hdr.Name)
		}
		return nil
	})
	if err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

// List returns the finished archives of a run, newest first.
func List(dir string) ([]Info, error) {
	entries, err := os.ReadDir(wd.ArchivesPath(dir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Info
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".zip") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		out = append(out, Info{Name: e.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name > out[j].Name })
	return out, nil
}

// Resolve validates an archive name and returns its path. The name must stay
// inside <dir>/archives and the file must exist.
func Resolve(dir, name string) (string, error) {
	root := wd.ArchivesPath(dir)
	if name == "" || filepath.IsAbs(name) {
		return "", models.NewValidationError("archive_name", "invalid archive name %q", name)
	}
	p := filepath.Join(root, name)
	if !wd.IsWithin(root, p) || p == root || !strings.HasSuffix(p, ".zip") {
		return "", models.NewValidationError("archive_name", "invalid archive name %q", name)
	}
	if _, err := os.Stat(p); err != nil {
		return "", &models.NotFoundError{Kind: "archive", Name: name}
	}
	return p, nil
}

// memberPath maps a zip member to a path under dir, rejecting absolute names,
// traversal and members that would land in the archives directory.
func memberPath(dir, name string) (string, error) {
	clean := path.Clean(strings.ReplaceAll(name, `\`, "/"))
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") || filepath.VolumeName(clean) != "" {
		return "", models.NewValidationError("archive", "unsafe archive member %q", name)
	}
	if clean == wd.ArchivesDir || strings.HasPrefix(clean, wd.ArchivesDir+"/") {
		return "", models.NewValidationError("archive", "unsafe archive member %q", name)
	}
	p := filepath.Join(dir, filepath.FromSlash(clean))
	if !wd.IsWithin(dir, p) {
		return "", models.NewValidationError("archive", "unsafe archive member %q", name)
	}
	return p, nil
}

// Restore replaces the contents of dir, except archives/, with the named
// archive. Every member is checked before anything is removed.
func Restore(ctx context.Context, dir, name string, progress func(string)) (int, error) {
	src, err := Resolve(dir, name)
	if err != nil {
		return 0, err
	}
	zr, err := zip.OpenReader(src)
	if err != nil {
		return 0, &models.CorruptError{Path: src, Err: err}
	}
	defer zr.Close()

	for _, f := range zr.File {
		if _, err := memberPath(dir, f.Name); err != nil {
			return 0, err
		}
	}
	if err := clearRun(dir); err != nil {
		return 0, err
	}

	n := 0
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		dest, _ := memberPath(dir, f.Name)
		if err := extract(f, dest); err != nil {
			return n, err
		}
		if !f.FileInfo().IsDir() {
			n++
			if progress != nil {
				progress(f.Name)
			}
		}
	}
	// Directory modes last, so read-only directories do not block extraction.
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			dest, _ := memberPath(dir, f.Name)
			if err := os.Chmod(dest, f.Mode().Perm()); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

func clearRun(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name() == wd.ArchivesDir {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func extract(f *zip.File, dest string) error {
	if f.FileInfo().IsDir() {
		return os.MkdirAll(dest, 0755)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	in, err := f.Open()
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("extract %s: %w", f.Name, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Chmod(dest, f.Mode().Perm()); err != nil {
		return err
	}
	return os.Chtimes(dest, f.Modified, f.Modified)
}
