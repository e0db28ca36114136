package catalog

import (
	"fmt"
	"time"

	"github.com/cuemby/glacier/pkg/regerr"
	"github.com/cuemby/glacier/pkg/types"
)

// LocationAdd appends a new location row, used when the lifecycle
// controller finishes writing a body to the object store or when
// a create or update request supplies a location. The URL is
// passed through s.codec, so it is encrypted at rest whenever a
// location-encryption key is configured.
func (s *Store) LocationAdd(imageID, url string, metadata map[string]string) (*types.Location, error) {
	meta, err := marshalMetadata(metadata)
	if err != nil {
		return nil, err
	}
	stored, err := s.codec.Encode(url)
	if err != nil {
		return nil, fmt.Errorf("encrypt location: %w", err)
	}
	now := time.Now().UTC()

	var id int64
	err = s.withRetry("LocationAdd", func() error {
		return s.withImageLock(imageID, func() error {
			res, err := s.db.Exec(`INSERT INTO image_locations (image_id, url, metadata, status, created_at)
				VALUES (?, ?, ?, ?, ?)`, imageID, stored, meta, types.LocationStatusActive, now)
			if err != nil {
				return fmt.Errorf("insert location: %w", err)
			}
			id, err = res.LastInsertId()
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return &types.Location{ID: id, ImageID: imageID, URL: url, Metadata: metadata, Status: types.LocationStatusActive, CreatedAt: now}, nil
}

// LocationSetStatus marks a location failed or deleted, e.g. when a
// store driver reports the backing URL is no longer reachable.
func (s *Store) LocationSetStatus(locationID int64, status types.LocationStatus) error {
	return s.withRetry("LocationSetStatus", func() error {
		res, err := s.db.Exec(`UPDATE image_locations SET status = ? WHERE id = ?`, status, locationID)
		if err != nil {
			return fmt.Errorf("update location status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return regerr.Newf(regerr.NotFound, "location %d not found", locationID)
		}
		return nil
	})
}

// loadLocations reads back the location rows for imageID, decrypting
// each URL through s.codec. Decode tolerates a raw, never-encrypted (or
// differently-keyed) URL by returning it unchanged, so rows written
// before encryption was enabled, or under a rotated key, still load.
func (s *Store) loadLocations(imageID string) ([]*types.Location, error) {
	var locs []*types.Location
	err := s.withRetry("loadLocations", func() error {
		locs = nil
		rows, err := s.db.Query(`SELECT id, image_id, url, metadata, status, created_at
			FROM image_locations WHERE image_id = ? ORDER BY id ASC`, imageID)
		if err != nil {
			return fmt.Errorf("query locations: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var l types.Location
			var meta string
			if err := rows.Scan(&l.ID, &l.ImageID, &l.URL, &meta, &l.Status, &l.CreatedAt); err != nil {
				return err
			}
			l.URL = s.codec.Decode(l.URL)
			m, err := unmarshalMetadata(meta)
			if err != nil {
				return err
			}
			l.Metadata = m
			locs = append(locs, &l)
		}
		return rows.Err()
	})
	return locs, err
}
