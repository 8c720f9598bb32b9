package staging

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"
)

// ResetDirs removes each directory with its contents and creates it again
// empty.
func ResetDirs(fs afero.Fs, dirs ...string) error {
	for _, dir := range dirs {
		if err := fs.RemoveAll(dir); err != nil {
			return err
		}
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// CollectFiles lists the regular files below dir in lexical order. macOS
// archive debris (__MACOSX) is skipped.
func CollectFiles(fs afero.Fs, dir string) ([]string, error) {
	files := make([]string, 0)
	err := afero.Walk(fs, dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if info.Name() == "__MACOSX" {
				return filepath.SkipDir
			}
			return nil
		}
		if info.Mode().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// IsEmpty reports whether dir exists and has no entries
func IsEmpty(fs afero.Fs, dir string) (bool, error) {
	return afero.IsEmpty(fs, dir)
}
