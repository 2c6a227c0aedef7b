package tilecache

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/errors"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/logger"
)

// ManifestName is the file in the cache directory describing the request
// the cached tiles belong to.
const ManifestName = "run.json"

// ErrNoManifest is returned by ReadManifest when the directory has no manifest.
var ErrNoManifest = errors.NewStd("tile cache has no run manifest")

// Manifest identifies the request that produced the cached tiles. Tiles are
// only reused by a run whose manifest is equal field for field.
type Manifest struct {
	AreaName   string     `json:"area_name"`
	EPSG       int        `json:"epsg"`
	Bounds     [4]float64 `json:"bounds"` // WGS84 xmin, ymin, xmax, ymax
	Resolution float64    `json:"resolution"`
	MaxTilePx  int        `json:"max_tile_px"`
	Tiles      int        `json:"tiles"`
	From       string     `json:"from"` // RFC 3339
	To         string     `json:"to"`
	Bands      string     `json:"bands"`
	Speckle    string     `json:"speckle"`
}

// ReadManifest loads the manifest of the cached run.
func (c *Cache) ReadManifest() (Manifest, error) {
	path := c.manifestPath()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Manifest{}, ErrNoManifest
	}
	if err != nil {
		return Manifest{}, c.fileErr(err, path, "read_manifest")
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, c.fileErr(err, path, "decode_manifest")
	}
	return m, nil
}

// Bind claims the cache for the run described by m. Cached tiles are kept
// only when they were written for an identical manifest; otherwise the
// directory is reset before the new manifest is written. It reports whether
// existing tiles may be reused.
func (c *Cache) Bind(m Manifest) (bool, error) {
	current, err := c.ReadManifest()
	if err == nil && current == m {
		c.log.Info("tile cache matches run, reusing cached tiles",
			logger.String("area", m.AreaName),
			logger.String("dir", c.dir))
		return true, nil
	}

	entries, listErr := c.List()
	if listErr != nil {
		return false, listErr
	}
	if len(entries) > 0 || err == nil {
		c.log.Info("tile cache holds tiles from another run, resetting",
			logger.String("area", m.AreaName),
			logger.String("previous_area", current.AreaName),
			logger.Int("stale_tiles", len(entries)))
		if err := c.Reset(); err != nil {
			return false, err
		}
	}
	return false, c.writeManifest(m)
}

func (c *Cache) writeManifest(m Manifest) error {
	path := c.manifestPath()
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return c.fileErr(err, path, "encode_manifest")
	}
	tmp, err := os.CreateTemp(c.dir, ManifestName+".*"+tempSuffix)
	if err != nil {
		return c.fileErr(err, path, "create_temp")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return c.fileErr(err, path, "write_manifest")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return c.fileErr(err, path, "close")
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return c.fileErr(err, path, "rename")
	}
	return nil
}

func (c *Cache) manifestPath() string {
	return filepath.Join(c.dir, ManifestName)
}
