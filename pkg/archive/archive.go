// Package archive creates and extracts tar.gz model archives.
package archive

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/YuminosukeSato/churnpipe/pkg/errors"
)

// ErrUnsafePath is returned when an archive member points outside dest.
var ErrUnsafePath = errors.New("archive member escapes destination")

// IsGzip reports whether the file at path starts with the gzip magic bytes.
func IsGzip(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	magic := make([]byte, 2)
	if _, err := io.ReadFull(f, magic); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return false, nil
		}
		return false, errors.Wrapf(err, "read %s", path)
	}
	return magic[0] == 0x1f && magic[1] == 0x8b, nil
}

// Create writes a gzip-compressed tar to dest containing files as top-level
// members (base names only).
func Create(dest string, files ...string) (err error) {
	if len(files) == 0 {
		return errors.NewValueError("archive.Create", "no files to archive")
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.Wrapf(err, "create directory for %s", dest)
	}

	out, err := os.Create(dest)
	if err != nil {
		return errors.Wrapf(err, "create %s", dest)
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	for _, name := range files {
		if err := addFile(tw, name); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return errors.Wrap(err, "close tar writer")
	}
	if err := gz.Close(); err != nil {
		return errors.Wrap(err, "close gzip writer")
	}
	return nil
}

func addFile(tw *tar.Writer, path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !fi.Mode().IsRegular() {
		return errors.NewValueError("archive.Create", path+" is not a regular file")
	}

	hdr, err := tar.FileInfoHeader(fi, "")
	if err != nil {
		return err
	}
	hdr.Name = filepath.Base(path)
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

// Extract unpacks a gzip-compressed tar stream into dest and returns the
// paths of the regular files written, in archive order.
// Symlinks and other special members are skipped.
func Extract(src io.Reader, dest string) ([]string, error) {
	gz, err := gzip.NewReader(bufio.NewReader(src))
	if err != nil {
		return nil, errors.Wrap(err, "open gzip stream")
	}
	defer gz.Close()

	root, err := filepath.Abs(dest)
	if err != nil {
		return nil, err
	}

	var written []string
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, errors.Wrap(err, "read tar header")
		}
		if hdr.Name == "" {
			continue
		}

		fullpath := filepath.Join(root, hdr.Name)
		if fullpath != root && !strings.HasPrefix(fullpath, root+string(os.PathSeparator)) {
			return written, errors.Wrapf(ErrUnsafePath, "%q", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(fullpath, 0o755); err != nil {
				return written, err
			}
		case tar.TypeReg:
			if err := writeFile(fullpath, tr, fs.FileMode(hdr.Mode).Perm()); err != nil {
				return written, err
			}
			written = append(written, fullpath)
		}
	}
}

// ExtractFile opens path and extracts it into dest.
func ExtractFile(path, dest string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Extract(f, dest)
}

func writeFile(path string, r io.Reader, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if perm == 0 {
		perm = 0o644
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return errors.Wrapf(err, "write %s", path)
	}
	return f.Close()
}
