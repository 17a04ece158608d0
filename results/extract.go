package results

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"
)

// Archives built on the default image nest results 5 levels deep, those
// built on deployed images 3 levels deep.
var StripDepths = []int{5, 3}

// ExtractResults unpacks archive into dest, trying each of StripDepths.
func ExtractResults(archive, dest string) error {
	var errs []string
	for _, strip := range StripDepths {
		n, err := Extract(archive, dest, strip)
		if err == nil {
			log.WithFields(log.Fields{"archive": archive, "strip": strip, "files": n}).Debug("Extracted results")
			return nil
		}
		errs = append(errs, err.Error())
	}
	return errors.Errorf("extracting %s: %s", archive, strings.Join(errs, "; "))
}

// Extract unpacks the regular files of an xz compressed tar into dest,
// dropping the first strip path segments of every entry. The archive is
// read twice: nothing is written unless every file entry can be stripped
// and stays inside dest.
func Extract(archive, dest string, strip int) (int, error) {
	n, err := walkArchive(archive, strip, nil)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, errors.Errorf("strip %d: no files", strip)
	}
	return walkArchive(archive, strip, func(name string, hdr *tar.Header, r io.Reader) error {
		target := filepath.Join(dest, name)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, hdr.FileInfo().Mode().Perm()|0o600)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, r); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	})
}

// walkArchive calls fn with the stripped name of every regular file. A nil
// fn only validates.
func walkArchive(archive string, strip int, fn func(string, *tar.Header, io.Reader) error) (int, error) {
	f, err := os.Open(archive)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	xr, err := xz.NewReader(f)
	if err != nil {
		return 0, errors.Wrapf(err, "reading %s", archive)
	}
	tr := tar.NewReader(xr)

	files := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return files, nil
		}
		if err != nil {
			return files, errors.Wrapf(err, "reading %s", archive)
		}
		if hdr.Typeflag != tar.TypeReg && hdr.Typeflag != tar.TypeRegA {
			continue
		}
		name, err := stripPath(hdr.Name, strip)
		if err != nil {
			return files, err
		}
		if fn != nil {
			if err := fn(name, hdr, tr); err != nil {
				return files, errors.Wrapf(err, "extracting %s", hdr.Name)
			}
		}
		files++
	}
}

// stripPath drops the first strip segments of an entry name. The rest must
// be a relative path that stays below the extraction root.
func stripPath(name string, strip int) (string, error) {
	parts := strings.Split(strings.Trim(filepath.ToSlash(name), "/"), "/")
	if len(parts) <= strip {
		return "", errors.Errorf("strip %d: entry %q is too shallow", strip, name)
	}
	rest := filepath.Clean(filepath.Join(parts[strip:]...))
	if rest == ".." || strings.HasPrefix(rest, ".."+string(filepath.Separator)) || filepath.IsAbs(rest) {
		return "", errors.Errorf("strip %d: entry %q escapes the results dir", strip, name)
	}
	return rest, nil
}
