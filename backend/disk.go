package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrInvalidKey is returned for body keys that are absolute or climb out of
// the body directory.
var ErrInvalidKey = errors.New("invalid body key")

// partialPrefix marks a body still being written. List never reports one.
const partialPrefix = ".partial-"

// Disk keeps response bodies as files under one directory, one file per
// body key. A body is written to a partial file first and renamed into
// place once synced, so Read sees either the previous body or the whole
// new one.
type Disk struct {
	dir string
}

// NewDisk opens the body directory dir, creating it if needed.
func NewDisk(dir string) (*Disk, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving body dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating body dir: %w", err)
	}
	return &Disk{dir: abs}, nil
}

// Dir returns the absolute body directory.
func (d *Disk) Dir() string {
	return d.dir
}

func (d *Disk) Write(_ context.Context, key string, r io.Reader) error {
	dst, err := d.bodyPath(key)
	if err != nil {
		return err
	}
	parent := filepath.Dir(dst)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", parent, err)
	}

	f, err := os.CreateTemp(parent, partialPrefix+"*")
	if err != nil {
		return fmt.Errorf("creating partial body: %w", err)
	}
	if err := fill(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return fmt.Errorf("writing body %s: %w", key, err)
	}
	if err := os.Rename(f.Name(), dst); err != nil {
		_ = os.Remove(f.Name())
		return fmt.Errorf("publishing body %s: %w", key, err)
	}
	return nil
}

// fill copies r into f, syncs and closes it.
func fill(f *os.File, r io.Reader) error {
	if _, err := io.Copy(f, r); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	return f.Close()
}

func (d *Disk) Read(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := d.bodyPath(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("opening body %s: %w", key, err)
	}
	return f, nil
}

// Delete removes a body. Missing bodies are not an error.
func (d *Disk) Delete(_ context.Context, key string) error {
	p, err := d.bodyPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing body %s: %w", key, err)
	}
	return nil
}

func (d *Disk) Exists(ctx context.Context, key string) (bool, error) {
	_, err := d.Size(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (d *Disk) Size(_ context.Context, key string) (int64, error) {
	p, err := d.bodyPath(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("stat body %s: %w", key, err)
	}
	return info.Size(), nil
}

// List walks the bodies under prefix. Keys use "/" whatever the platform.
func (d *Disk) List(_ context.Context, prefix string) ([]string, error) {
	root, err := d.bodyPath(prefix)
	if err != nil {
		return nil, err
	}

	var keys []string
	err = filepath.WalkDir(root, func(p string, e fs.DirEntry, err error) error {
		switch {
		case err != nil:
			return err
		case e.IsDir() || strings.HasPrefix(e.Name(), partialPrefix):
			return nil
		}
		rel, err := filepath.Rel(d.dir, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing bodies under %s: %w", prefix, err)
	}
	return keys, nil
}

// bodyPath maps key onto the body directory.
func (d *Disk) bodyPath(key string) (string, error) {
	clean := path.Clean(key)
	if key == "" || path.IsAbs(key) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(d.dir, filepath.FromSlash(clean)), nil
}

var _ SizeAwareBackend = (*Disk)(nil)
