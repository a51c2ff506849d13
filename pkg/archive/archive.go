package archive

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/core-tools/hsu-logtrack/pkg/errors"
)

// Extension of the archives produced by Pack
const Extension = ".zip"

// ArchivePathFor derives the archive name from the report document path
func ArchivePathFor(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + Extension
}

// Pack writes every file in paths into a flat zip archive at archivePath.
// Directories are walked recursively, entries are stored by base name, missing
// paths are skipped and the first file wins when base names collide.
// It returns the entry names in archive order.
func Pack(archivePath string, paths ...string) ([]string, error) {
	files, err := collect(paths)
	if err != nil {
		return nil, err
	}

	out, err := os.Create(archivePath)
	if err != nil {
		return nil, errors.NewIOError("failed to create archive", err).WithContext("path", archivePath)
	}

	zw := zip.NewWriter(out)
	names := make([]string, 0, len(files))
	seen := make(map[string]struct{}, len(files))

	packErr := func() error {
		for _, path := range files {
			name := filepath.Base(path)
			if _, ok := seen[name]; ok {
				continue
			}
			added, err := addFile(zw, path, name)
			if err != nil {
				return err
			}
			if added {
				seen[name] = struct{}{}
				names = append(names, name)
			}
		}
		return nil
	}()

	errs := errors.NewErrorCollection()
	errs.Add(packErr)
	if err := zw.Close(); err != nil {
		errs.Add(errors.NewIOError("failed to finish archive", err).WithContext("path", archivePath))
	}
	if err := out.Close(); err != nil {
		errs.Add(errors.NewIOError("failed to close archive", err).WithContext("path", archivePath))
	}
	if errs.HasErrors() {
		os.Remove(archivePath)
		return nil, errs.Errors[0]
	}
	return names, nil
}

// collect expands directories into their regular files, in walk order
func collect(paths []string) ([]string, error) {
	var files []string
	for _, path := range paths {
		if path == "" {
			continue
		}
		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, errors.NewIOError("failed to stat attachment", err).WithContext("path", path)
		}
		if !info.IsDir() {
			files = append(files, path)
			continue
		}

		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if d.Type().IsRegular() {
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return nil, errors.NewIOError("failed to walk attachment directory", err).WithContext("path", path)
		}
	}
	return files, nil
}

// addFile copies one file into the archive. A file removed since collection is skipped.
func addFile(zw *zip.Writer, path, name string) (bool, error) {
	in, err := os.Open(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.NewIOError("failed to open file for archiving", err).WithContext("path", path)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return false, errors.NewIOError("failed to stat file for archiving", err).WithContext("path", path)
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return false, errors.NewIOError("failed to build archive header", err).WithContext("path", path)
	}
	header.Name = name
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return false, errors.NewIOError("failed to add archive entry", err).WithContext("entry", name)
	}
	if _, err := io.Copy(w, in); err != nil {
		return false, errors.NewIOError("failed to write archive entry", err).WithContext("entry", name)
	}
	return true, nil
}
