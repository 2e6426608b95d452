package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidName is returned when a requested name sanitizes to nothing or
// would resolve outside the storage directory.
var ErrInvalidName = errors.New("storage: invalid file name")

// Dir is a flat directory holding one file per stored name.
// It is immutable after New and safe for concurrent use.
type Dir struct {
	root string
}

// New returns a Dir rooted at dir. The directory is not created.
func New(dir string) *Dir {
	return &Dir{root: filepath.Clean(dir)}
}

// Root returns the storage directory path.
func (d *Dir) Root() string {
	return d.root
}

// Sanitize strips everything from name that could select a file outside a
// flat directory: path separators, control characters and characters that
// are reserved on common filesystems.
func Sanitize(name string) string {
	var sb strings.Builder
	for _, r := range name {
		switch {
		case r == '/' || r == '\\':
		case r < 0x20 || r == 0x7f:
		case strings.ContainsRune(`<>:"|?*`, r):
		default:
			sb.WriteRune(r)
		}
	}
	cleaned := strings.TrimRight(sb.String(), ". ")
	if cleaned == "" || cleaned == "." || cleaned == ".." {
		return ""
	}
	return cleaned
}

// path resolves name to a file inside the storage directory.
func (d *Dir) path(name string) (string, error) {
	clean := Sanitize(name)
	if clean == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	p := filepath.Join(d.root, clean)
	rel, err := filepath.Rel(d.root, p)
	if err != nil || rel != clean {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return p, nil
}

// ReadFile returns the contents of the named file. Existence check and read
// are one attempt: a missing file yields an error matching fs.ErrNotExist.
func (d *Dir) ReadFile(name string) ([]byte, error) {
	p, err := d.path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p, err)
	}
	return data, nil
}

// WriteFile creates or truncates the named file and writes data to it.
// The write is not atomic; a crash part way through can leave a partial file.
// Concurrent writers to the same name are not serialized.
func (d *Dir) WriteFile(name string, data []byte) error {
	p, err := d.path(name)
	if err != nil {
		return err
	}
	if err := os.WriteFile(p, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", p, err)
	}
	return nil
}
