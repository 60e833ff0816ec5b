//go:build !unix || windows

package nodecache

import (
	"fmt"
	"os"
	"path/filepath"
)

// fileLock is a no-op on platforms without flock; atomic rename still
// protects readers from partial writes.
type fileLock struct{}

func acquireFileLock(cachePath string) (*fileLock, error) {
	if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &fileLock{}, nil
}

func (l *fileLock) Release() error {
	return nil
}
