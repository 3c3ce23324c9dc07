package spatial

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/roomfi/roomfi/pkg/logx"
)

// DiskCache mirrors raw signature documents under a directory tree that
// follows the area names: <root>/<country>/<region>/.../sig.xml.
type DiskCache struct {
	root   string
	logger *logx.Logger
}

// NewDiskCache creates the cache root if needed.
func NewDiskCache(root string, logger *logx.Logger) (*DiskCache, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	return &DiskCache{root: root, logger: logger}, nil
}

// Root returns the cache directory.
func (c *DiskCache) Root() string {
	return c.root
}

func (c *DiskCache) dir(name string) (string, error) {
	if err := ValidateAreaName(name); err != nil {
		return "", err
	}
	return filepath.Join(c.root, filepath.FromSlash(name)), nil
}

// Save writes a document atomically and stamps it with the server's
// modification time so conditional requests survive restarts.
func (c *DiskCache) Save(name string, doc []byte, modified time.Time) error {
	dir, err := c.dir(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create area dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, DocumentFile+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(doc); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	path := filepath.Join(dir, DocumentFile)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", name, err)
	}
	if !modified.IsZero() {
		if err := os.Chtimes(path, modified, modified); err != nil {
			c.logger.Warn("could not stamp cached document", "area", name, "error", err)
		}
	}
	return nil
}

// Load returns the cached document of one area.
func (c *DiskCache) Load(name string) ([]byte, time.Time, error) {
	dir, err := c.dir(name)
	if err != nil {
		return nil, time.Time{}, err
	}
	path := filepath.Join(dir, DocumentFile)
	info, err := os.Stat(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	return data, info.ModTime(), nil
}

// Remove deletes an area's document and prunes directories left empty.
func (c *DiskCache) Remove(name string) error {
	dir, err := c.dir(name)
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(dir, DocumentFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", name, err)
	}

	root := filepath.Clean(c.root)
	for d := dir; d != root && strings.HasPrefix(d, root); d = filepath.Dir(d) {
		if err := os.Remove(d); err != nil {
			// not empty or already gone
			break
		}
	}
	return nil
}

// LoadAll walks the tree and parses every cached document. Unreadable or
// invalid documents are logged and skipped.
func (c *DiskCache) LoadAll() ([]*AreaDesc, error) {
	var areas []*AreaDesc
	err := filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			c.logger.Warn("cache walk error", "path", path, "error", err)
			return nil
		}
		if d.IsDir() || d.Name() != DocumentFile {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			c.logger.Warn("unreadable cached document", "path", path, "error", err)
			return nil
		}
		area, err := ParseDocument(data, c.logger)
		if err != nil {
			c.logger.Warn("invalid cached document", "path", path, "error", err)
			return nil
		}

		rel, err := filepath.Rel(c.root, filepath.Dir(path))
		if err == nil && filepath.ToSlash(rel) != area.Name {
			c.logger.Warn("cached document stored under another name", "path", path, "area", area.Name)
		}
		if info, err := d.Info(); err == nil {
			area.LastModified = info.ModTime()
		}
		areas = append(areas, area)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk cache: %w", err)
	}
	return areas, nil
}
