package channel

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileFactory builds file:<relative/path> destinations rooted at baseDir.
// Paths escaping baseDir are rejected.
func FileFactory(baseDir string) Factory {
	return func(key Key) (Destination, error) {
		rel := filepath.Clean(filepath.FromSlash(key.Rest))
		if key.Rest == "" || filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, fmt.Errorf("%w: file path must be relative: %q", ErrInvalidKey, key.Rest)
		}
		return &File{key: key, path: filepath.Join(baseDir, rel)}, nil
	}
}

// File appends messages to a file; transferred files land next to it.
type File struct {
	key  Key
	mu   sync.Mutex
	path string
}

func (f *File) Key() Key { return f.key }

func (f *File) Capabilities() Capabilities {
	return Capabilities{CapOutput, CapFile}
}

func (f *File) Send(ctx context.Context, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	fh, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer fh.Close()
	_, err = fmt.Fprintln(fh, msg.Text)
	return err
}

func (f *File) SendFile(ctx context.Context, name string, r io.Reader) error {
	if name == "" || filepath.Base(name) != name {
		return fmt.Errorf("invalid file name %q", name)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	fh, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	if _, err := io.Copy(fh, r); err != nil {
		_ = fh.Close()
		return err
	}
	return fh.Close()
}
