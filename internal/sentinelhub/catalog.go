package sentinelhub

import (
	"context"
	"fmt"
	"time"

	"github.com/antonholmquist/jason"
	"github.com/patrickmn/go-cache"
	"github.com/paulmach/orb"

	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/errors"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/fetch"
	"github.com/FrostyTrailMate/FrostyTrailMate.github.io/internal/logger"
)

// ErrNoAcquisition is returned when the catalog has no scene for the query.
var ErrNoAcquisition = errors.NewStd("no acquisition in catalog")

const (
	catalogPageSize = 100
	catalogMaxPages = 10
)

type catalogSearch struct {
	BBox        [4]float64 `json:"bbox"`
	Datetime    string     `json:"datetime"`
	Collections []string   `json:"collections"`
	Limit       int        `json:"limit"`
	Next        int        `json:"next,omitempty"`
}

// LatestAcquisition returns the most recent Sentinel-1 acquisition time over
// aoi (WGS84 lon/lat) within tr. Results are cached per query.
func (c *Client) LatestAcquisition(ctx context.Context, aoi orb.Bound, tr fetch.TimeRange) (time.Time, error) {
	if err := tr.Validate(); err != nil {
		return time.Time{}, err
	}
	search := catalogSearch{
		BBox: [4]float64{aoi.Min.Lon(), aoi.Min.Lat(), aoi.Max.Lon(), aoi.Max.Lat()},
		Datetime: tr.From.UTC().Format(time.RFC3339) + "/" +
			tr.To.UTC().Format(time.RFC3339),
		Collections: []string{Collection},
		Limit:       catalogPageSize,
	}

	key := fmt.Sprintf("%.6f,%.6f,%.6f,%.6f|%s", search.BBox[0], search.BBox[1], search.BBox[2], search.BBox[3], search.Datetime)
	if c.catalog != nil {
		if v, ok := c.catalog.Get(key); ok {
			c.log.Debug("catalog cache hit", logger.String("key", key))
			return v.(time.Time), nil
		}
	}

	log := c.log.With(logger.String("operation", "catalog_search"), logger.String("datetime", search.Datetime))

	var latest time.Time
	for page := 0; page < catalogMaxPages; page++ {
		obj, err := c.searchPage(ctx, search, log)
		if err != nil {
			return time.Time{}, err
		}
		t, err := latestFeature(obj)
		if err != nil {
			return time.Time{}, err
		}
		if t.After(latest) {
			latest = t
		}
		next, err := obj.GetInt64("context", "next")
		if err != nil || next <= 0 {
			break
		}
		search.Next = int(next)
	}

	if latest.IsZero() {
		return time.Time{}, errors.New(ErrNoAcquisition).
			Component(providerName).
			Category(errors.CategoryNotFound).
			Context("datetime", search.Datetime).
			Build()
	}

	if c.catalog != nil {
		c.catalog.Set(key, latest, cache.DefaultExpiration)
	}
	log.Debug("latest acquisition found", logger.Time("acquired_at", latest))
	return latest, nil
}

func (c *Client) searchPage(ctx context.Context, search catalogSearch, log logger.Logger) (*jason.Object, error) {
	resp, err := c.postJSON(ctx, catalogPath, "application/geo+json", search, log)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	obj, err := jason.NewObjectFromReader(resp.Body)
	if err != nil {
		return nil, errors.New(err).
			Component(providerName).
			Category(errors.CategoryImageProvider).
			Context("operation", "decode_catalog_response").
			Build()
	}
	return obj, nil
}

// latestFeature returns the newest properties.datetime among the features of
// a STAC search page, or the zero time for an empty page.
func latestFeature(page *jason.Object) (time.Time, error) {
	features, err := page.GetObjectArray("features")
	if err != nil {
		return time.Time{}, errors.New(fmt.Errorf("catalog response has no features array: %w", err)).
			Component(providerName).
			Category(errors.CategoryImageProvider).
			Build()
	}

	var latest time.Time
	for _, f := range features {
		s, err := f.GetString("properties", "datetime")
		if err != nil {
			continue
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			continue
		}
		if t.After(latest) {
			latest = t
		}
	}
	return latest.UTC(), nil
}
