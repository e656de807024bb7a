package sandbox

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Staging permissions for extracted workdir content.
const (
	dirPermission  = 0o755
	filePermission = 0o600
)

// ExtractTarToDir unpacks a tar.gz payload into destDir. Entries that
// would escape destDir (absolute paths, ".." traversal) are rejected.
func ExtractTarToDir(fs FileSystem, tarData []byte, destDir string) error {
	gzipReader, err := gzip.NewReader(bytes.NewReader(tarData))
	if err != nil {
		return fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("error reading tar: %w", err)
		}

		if filepath.IsAbs(header.Name) {
			return fmt.Errorf("absolute path not allowed in tar: %s", header.Name)
		}
		cleanName := filepath.Clean(header.Name)
		if strings.Contains(cleanName, "..") {
			return fmt.Errorf("unsafe relative path in tar: %s", header.Name)
		}
		filePath := filepath.Join(destDir, cleanName)
		if !strings.HasPrefix(filePath, destDir) {
			return fmt.Errorf("invalid file path in tar: %s", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := fs.MkdirAll(filePath, dirPermission); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
		case tar.TypeReg:
			if err := fs.MkdirAll(filepath.Dir(filePath), dirPermission); err != nil {
				return fmt.Errorf("failed to create parent directories: %w", err)
			}
			content := make([]byte, header.Size)
			if _, err := io.ReadFull(tarReader, content); err != nil {
				return fmt.Errorf("failed to read file content: %w", err)
			}
			if err := fs.WriteFile(filePath, content, filePermission); err != nil {
				return fmt.Errorf("failed to write file: %w", err)
			}
		default:
			return fmt.Errorf("unsupported file type in tar: %c", header.Typeflag)
		}
	}

	return nil
}

// CreateTarFromDir archives srcDir as tar.gz, skipping entries whose
// path relative to srcDir matches any exclude pattern.
func CreateTarFromDir(srcDir string, excludePatterns []string) ([]byte, error) {
	var buf bytes.Buffer
	gzipWriter := gzip.NewWriter(&buf)
	tarWriter := tar.NewWriter(gzipWriter)

	err := filepath.Walk(srcDir, func(file string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		relPath, err := filepath.Rel(srcDir, file)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}
		if shouldExcludeFile(relPath, excludePatterns) {
			if fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		// Archive only what extraction can reproduce.
		if !fi.Mode().IsRegular() && !fi.IsDir() {
			return nil
		}

		header, err := tar.FileInfoHeader(fi, file)
		if err != nil {
			return err
		}
		header.Name = relPath
		if err := tarWriter.WriteHeader(header); err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}

		data, err := os.Open(file)
		if err != nil {
			return err
		}
		defer data.Close()
		_, err = io.Copy(tarWriter, data)
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := tarWriter.Close(); err != nil {
		return nil, err
	}
	if err := gzipWriter.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// shouldExcludeFile matches relPath against glob patterns. A pattern
// matches the whole relative path, its basename, or any leading
// directory component, so "node_modules" excludes the entire tree.
func shouldExcludeFile(relPath string, excludePatterns []string) bool {
	for _, pattern := range excludePatterns {
		// Directory-style patterns ("node_modules/") match by component.
		pattern = strings.TrimSuffix(pattern, "/")
		if ok, _ := filepath.Match(pattern, relPath); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, filepath.Base(relPath)); ok {
			return true
		}
		for dir := filepath.Dir(relPath); dir != "." && dir != string(filepath.Separator); dir = filepath.Dir(dir) {
			if ok, _ := filepath.Match(pattern, filepath.Base(dir)); ok {
				return true
			}
		}
	}
	return false
}
