package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var imageExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".tif":  {},
	".tiff": {},
	".bmp":  {},
	".dng":  {},
	".nef":  {},
	".cr2":  {},
	".cr3":  {},
	".arw":  {},
	".rw2":  {},
	".orf":  {},
	".raf":  {},
}

var rawExts = map[string]struct{}{
	".dng": {},
	".nef": {},
	".cr2": {},
	".cr3": {},
	".arw": {},
	".rw2": {},
	".orf": {},
	".raf": {},
}

// ListImages returns all image files directly under dir, sorted by name so
// that stack order follows capture order for typical camera filenames.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if IsImageFile(e.Name()) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// IsImageFile checks if a file is any supported image format.
func IsImageFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := imageExts[ext]
	return ok
}

// IsRAWFile checks if a file is a RAW camera format, which OpenCV's codecs
// cannot decode directly.
func IsRAWFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := rawExts[ext]
	return ok
}

// AllExist reports whether every path currently exists.
func AllExist(paths []string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}
