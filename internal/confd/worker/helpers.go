package worker

import (
	"fmt"
	"path/filepath"
)

func errNoParser(name string) error {
	return fmt.Errorf("worker: module %q has no registered parser", name)
}

func baseName(path string) string {
	return filepath.Base(path)
}

func lastGoodPath(lastGoodDir, path string) string {
	if lastGoodDir == "" {
		return path
	}
	return filepath.Join(lastGoodDir, baseName(path))
}
