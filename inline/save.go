package inline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Saver hands a finished snapshot to its destination and returns where it
// went.
type Saver interface {
	Save(ctx context.Context, name string, data []byte) (string, error)
}

// FileSaver writes snapshots into a directory. Existing files are never
// overwritten; a numeric suffix is added instead.
type FileSaver struct {
	Dir string
}

func (s FileSaver) Save(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir := s.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".pagepack-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temporary file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close %s: %w", tmpName, err)
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(filepath.Base(name), ext)
	for i := 0; i < 1000; i++ {
		candidate := stem + ext
		if i > 0 {
			candidate = stem + "-" + strconv.Itoa(i) + ext
		}
		dst := filepath.Join(dir, candidate)
		// os.Link refuses to replace an existing file
		if err := os.Link(tmpName, dst); err != nil {
			if errors.Is(err, fs.ErrExist) {
				continue
			}
			os.Remove(tmpName)
			return "", fmt.Errorf("save %s: %w", dst, err)
		}
		os.Remove(tmpName)
		return dst, nil
	}
	os.Remove(tmpName)
	return "", fmt.Errorf("save %s: too many files with this name", name)
}
