// Package tilecache stores fetched tile rasters on disk, one file per tile
// index, so interrupted runs can resume without refetching.
package tilecache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/errors"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/logger"
)

const (
	filePrefix = "tile_"
	// DefaultExt is the tile file extension used by the pipeline.
	DefaultExt = ".tif"
	tempSuffix = ".part"
)

// Entry is a tile file discovered on disk.
type Entry struct {
	Index int
	Path  string
	Size  int64
}

// Cache is a directory of tile_<index><ext> files.
type Cache struct {
	dir string
	ext string
	log logger.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithExt overrides the tile file extension.
func WithExt(ext string) Option {
	return func(c *Cache) {
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		if ext != "" {
			c.ext = ext
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Cache) { c.log = l }
}

// New returns a cache rooted at dir. The directory is created if missing.
func New(dir string, opts ...Option) (*Cache, error) {
	c := &Cache{dir: dir, ext: DefaultExt}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.Global().Module("tilecache")
	}
	if err := c.Ensure(); err != nil {
		return nil, err
	}
	return c, nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string { return c.dir }

// Path returns the canonical file path for a tile index.
func (c *Cache) Path(index int) string {
	return filepath.Join(c.dir, filePrefix+strconv.Itoa(index)+c.ext)
}

// Exists reports whether a non-empty file is cached for index.
func (c *Cache) Exists(index int) bool {
	fi, err := os.Stat(c.Path(index))
	return err == nil && fi.Mode().IsRegular() && fi.Size() > 0
}

// Write stores the contents of r as the tile for index. The file appears
// under its final name only once fully written.
func (c *Cache) Write(index int, r io.Reader) (int64, error) {
	final := c.Path(index)
	tmp, err := os.CreateTemp(c.dir, filepath.Base(final)+".*"+tempSuffix)
	if err != nil {
		return 0, c.fileErr(err, final, "create_temp")
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	n, err := io.Copy(tmp, r)
	if err != nil {
		_ = tmp.Close()
		return n, c.fileErr(err, final, "copy")
	}
	if n == 0 {
		_ = tmp.Close()
		return 0, errors.Newf("empty tile body for index %d", index).
			Component("tilecache").
			Category(errors.CategoryTileCache).
			Context("path", final).
			Build()
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return n, c.fileErr(err, final, "sync")
	}
	if err := tmp.Close(); err != nil {
		return n, c.fileErr(err, final, "close")
	}
	if err := os.Rename(tmpName, final); err != nil {
		return n, c.fileErr(err, final, "rename")
	}
	committed = true

	c.log.Debug("tile cached",
		logger.Int("index", index),
		logger.String("path", final),
		logger.Int64("bytes", n))
	return n, nil
}

// List scans the directory for tile files and returns them by ascending index.
// Temporary and foreign files are ignored.
func (c *Cache) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, c.fileErr(err, c.dir, "read_dir")
	}

	var entries []Entry
	for _, de := range dirEntries {
		if !de.Type().IsRegular() {
			continue
		}
		index, ok := c.parseName(de.Name())
		if !ok {
			continue
		}
		info, err := de.Info()
		if err != nil || info.Size() == 0 {
			continue
		}
		entries = append(entries, Entry{
			Index: index,
			Path:  filepath.Join(c.dir, de.Name()),
			Size:  info.Size(),
		})
	}

	slices.SortFunc(entries, func(a, b Entry) int { return a.Index - b.Index })
	return entries, nil
}

func (c *Cache) parseName(name string) (int, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, c.ext) {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), c.ext)
	index, err := strconv.Atoi(digits)
	if err != nil || index < 0 || strconv.Itoa(index) != digits {
		return 0, false
	}
	return index, true
}

// Reset deletes the directory and everything in it, then recreates it empty.
func (c *Cache) Reset() error {
	if err := os.RemoveAll(c.dir); err != nil {
		return c.fileErr(err, c.dir, "remove_all")
	}
	if err := c.Ensure(); err != nil {
		return err
	}
	c.log.Info("tile cache reset", logger.String("dir", c.dir))
	return nil
}

// Ensure creates the directory if it does not exist.
func (c *Cache) Ensure() error {
	if c.dir == "" {
		return errors.Newf("tile cache directory not set").
			Component("tilecache").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return c.fileErr(err, c.dir, "mkdir")
	}
	return nil
}

func (c *Cache) fileErr(err error, path, op string) error {
	return errors.New(fmt.Errorf("tile cache %s: %w", op, err)).
		Component("tilecache").
		Category(errors.CategoryTileCache).
		Context("path", path).
		Context("operation", op).
		Build()
}
