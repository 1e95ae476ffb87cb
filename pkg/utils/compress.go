package utils

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Compress takes a path to a file or directory and creates a .tar.gzip file
// at the outputPath location. Entry names are recorded relative to path so
// decompressing elsewhere does not reproduce the source prefix.
func Compress(path, outputPath string) error {
	tarFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer tarFile.Close()

	gzw := gzip.NewWriter(tarFile)
	defer gzw.Close()

	tw := tar.NewWriter(gzw)
	defer tw.Close()

	return filepath.Walk(path, func(file string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(path, file)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		header, err := tar.FileInfoHeader(info, file)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(header); err != nil {
			return err
		}

		if !info.IsDir() {
			data, err := os.Open(file)
			if err != nil {
				return err
			}
			if _, err := io.Copy(tw, data); err != nil {
				data.Close()
				return err
			}
			data.Close()
		}
		return nil
	})
}

// CompressFiles archives the named base-relative paths into a .tar.gzip at
// outputPath, preserving their relative layout. Directories are archived
// recursively.
func CompressFiles(base string, files []string, outputPath string) error {
	tarFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer tarFile.Close()

	gzw := gzip.NewWriter(tarFile)
	defer gzw.Close()

	tw := tar.NewWriter(gzw)
	defer tw.Close()

	for _, rel := range files {
		err := filepath.Walk(filepath.Join(base, rel), func(file string, info fs.FileInfo, err error) error {
			if err != nil {
				return err
			}
			entryRel, err := filepath.Rel(base, file)
			if err != nil {
				return err
			}

			header, err := tar.FileInfoHeader(info, file)
			if err != nil {
				return err
			}
			header.Name = filepath.ToSlash(entryRel)
			if err := tw.WriteHeader(header); err != nil {
				return err
			}

			if !info.IsDir() {
				data, err := os.Open(file)
				if err != nil {
					return err
				}
				if _, err := io.Copy(tw, data); err != nil {
					data.Close()
					return err
				}
				data.Close()
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Decompress takes a location to a .tar.gzip file and a base path and
// decompresses the contents wrt the base path.
func Decompress(tarPath, baseDir string) error {
	tarFile, err := os.Open(tarPath)
	if err != nil {
		return err
	}
	defer tarFile.Close()

	gzr, err := gzip.NewReader(tarFile)
	if err != nil {
		return err
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}

		target := filepath.Join(baseDir, filepath.FromSlash(header.Name))
		if !strings.HasPrefix(target, filepath.Clean(baseDir)+string(os.PathSeparator)) {
			return fmt.Errorf("tar entry %s escapes %s", header.Name, baseDir)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, fs.FileMode(header.Mode)); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_RDWR|os.O_TRUNC, fs.FileMode(header.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			f.Close()
		}
	}
}

// TarCopy uses tar archive to copy src to dst to preserve the folder
// structure and file modes.
func TarCopy(src, dst, tempDir string) error {
	f, err := os.CreateTemp(tempDir, "tarcopy-*.tar.gzip")
	if err != nil {
		return err
	}
	f.Close()
	defer os.Remove(f.Name())

	if err := Compress(src, f.Name()); err != nil {
		return err
	}
	return Decompress(f.Name(), dst)
}
