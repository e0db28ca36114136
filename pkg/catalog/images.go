package catalog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/glacier/pkg/regerr"
	"github.com/cuemby/glacier/pkg/types"
)

// ImageCreate inserts a new image row and its properties/tags, assigning
// a UUID if img.ID is empty. Duplicate IDs surface as regerr.Duplicate.
func (s *Store) ImageCreate(img *types.Image) (*types.Image, error) {
	if img.ID == "" {
		img.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	img.CreatedAt, img.UpdatedAt = now, now

	var out *types.Image
	err := s.withRetry("ImageCreate", func() error {
		return s.withImageLock(img.ID, func() error {
			tx, err := s.db.Begin()
			if err != nil {
				return fmt.Errorf("begin: %w", err)
			}
			defer tx.Rollback()

			_, err = tx.Exec(`INSERT INTO images
				(id, name, status, disk_format, container_format, size, checksum,
				 min_disk, min_ram, owner, is_public, protected, created_at, updated_at, deleted_at, deleted)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
				img.ID, img.Name, img.Status, img.DiskFormat, img.ContainerFormat, img.Size, img.Checksum,
				img.MinDisk, img.MinRAM, img.Owner, boolToInt(img.IsPublic), boolToInt(img.Protected),
				img.CreatedAt, img.UpdatedAt, epochSentinel)
			if err != nil {
				if isUniqueViolation(err) {
					return regerr.Newf(regerr.Duplicate, "image %s already exists", img.ID)
				}
				return fmt.Errorf("insert image: %w", err)
			}

			if err := replaceProperties(tx, img.ID, img.Properties, now); err != nil {
				return err
			}
			if err := replaceTags(tx, img.ID, tagValues(img.Tags), now); err != nil {
				return err
			}

			if err := tx.Commit(); err != nil {
				return fmt.Errorf("commit: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	out, err = s.ImageGet(img.ID, visibleCtx{owner: img.Owner, isAdmin: true, showDeleted: true})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ImageGet fetches one image with its properties, tags and locations.
// Soft-deleted rows are excluded from the SELECT unless vc.showDeleted
// is set (mirroring buildWhere's own "images.deleted = 0" clause for the
// listing path); an unknown or soft-deleted-and-hidden id both surface
// as the same regerr.NotFound, so a caller can never tell the two apart.
func (s *Store) ImageGet(id string, vc visibleCtx) (*types.Image, error) {
	var img *types.Image
	err := s.withRetry("ImageGet", func() error {
		query := `SELECT id, name, status, disk_format, container_format, size, checksum,
			min_disk, min_ram, owner, is_public, protected, created_at, updated_at, deleted_at, deleted
			FROM images WHERE id = ?`
		if !vc.showDeleted {
			query += " AND deleted = 0"
		}
		row := s.db.QueryRow(query, id)
		scanned, err := scanImage(row)
		if err == sql.ErrNoRows {
			return regerr.Newf(regerr.NotFound, "image %s not found", id)
		}
		if err != nil {
			return err
		}
		img = scanned
		return nil
	})
	if err != nil {
		return nil, err
	}

	if props, err := s.loadProperties(img.ID); err != nil {
		return nil, err
	} else {
		img.Properties = props
	}
	if tags, err := s.loadTags(img.ID); err != nil {
		return nil, err
	} else {
		img.Tags = tags
	}
	if locs, err := s.loadLocations(img.ID); err != nil {
		return nil, err
	} else {
		img.Locations = locs
	}
	return img, nil
}

// ImageUpdate applies a full replace of the mutable fields on an existing
// image row, plus property and tag reconciliation, inside the image's
// write lock. purgeProperties selects the reconciliation mode: when
// true, any property name not present in img.Properties is
// soft-deleted; when false, omitted names are left untouched.
func (s *Store) ImageUpdate(img *types.Image, purgeProperties bool) (*types.Image, error) {
	now := time.Now().UTC()
	err := s.withRetry("ImageUpdate", func() error {
		return s.withImageLock(img.ID, func() error {
			tx, err := s.db.Begin()
			if err != nil {
				return fmt.Errorf("begin: %w", err)
			}
			defer tx.Rollback()

			res, err := tx.Exec(`UPDATE images SET
				name = ?, status = ?, disk_format = ?, container_format = ?, size = ?, checksum = ?,
				min_disk = ?, min_ram = ?, owner = ?, is_public = ?, protected = ?, updated_at = ?
				WHERE id = ? AND deleted = 0`,
				img.Name, img.Status, img.DiskFormat, img.ContainerFormat, img.Size, img.Checksum,
				img.MinDisk, img.MinRAM, img.Owner, boolToInt(img.IsPublic), boolToInt(img.Protected), now,
				img.ID)
			if err != nil {
				return fmt.Errorf("update image: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				return regerr.Newf(regerr.NotFound, "image %s not found", img.ID)
			}

			if purgeProperties {
				if err := replaceProperties(tx, img.ID, img.Properties, now); err != nil {
					return err
				}
			} else if err := upsertProperties(tx, img.ID, img.Properties, now); err != nil {
				return err
			}
			if img.Tags != nil {
				if err := replaceTags(tx, img.ID, tagValues(img.Tags), now); err != nil {
					return err
				}
			}

			return tx.Commit()
		})
	})
	if err != nil {
		return nil, err
	}
	return s.ImageGet(img.ID, visibleCtx{owner: img.Owner, isAdmin: true, showDeleted: true})
}

// ImageDestroy soft-deletes the image row (status=deleted, deleted=1,
// deleted_at=now) and cascades to its children in the same transaction:
// properties and memberships are soft-deleted, locations are marked
// deleted. Tag rows are left in place — the table carries no state
// beyond the value itself and the rows are unreachable once the parent
// is hidden. The backing store bodies are not touched here; the caller
// (lifecycle controller or scrubber) reaps those.
func (s *Store) ImageDestroy(id string) error {
	now := time.Now().UTC()
	return s.withRetry("ImageDestroy", func() error {
		return s.withImageLock(id, func() error {
			tx, err := s.db.Begin()
			if err != nil {
				return fmt.Errorf("begin: %w", err)
			}
			defer tx.Rollback()

			res, err := tx.Exec(`UPDATE images SET deleted = 1, deleted_at = ?, status = ?, updated_at = ?
				WHERE id = ? AND deleted = 0`, now, types.StatusDeleted, now, id)
			if err != nil {
				return fmt.Errorf("soft-delete image: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				return regerr.Newf(regerr.NotFound, "image %s not found", id)
			}

			if _, err := tx.Exec(`UPDATE image_properties SET deleted = 1, updated_at = ?
				WHERE image_id = ? AND deleted = 0`, now, id); err != nil {
				return fmt.Errorf("soft-delete properties: %w", err)
			}
			if _, err := tx.Exec(`UPDATE image_members SET deleted = 1, deleted_at = ?, updated_at = ?
				WHERE image_id = ? AND deleted = 0`, now, now, id); err != nil {
				return fmt.Errorf("soft-delete members: %w", err)
			}
			if _, err := tx.Exec(`UPDATE image_locations SET status = ? WHERE image_id = ?`,
				types.LocationStatusDeleted, id); err != nil {
				return fmt.Errorf("mark locations deleted: %w", err)
			}

			return tx.Commit()
		})
	})
}

// ImageMarkPendingDelete transitions an image into the delayed-delete
// state: soft-deleted with status pending_delete. The row becomes invisible immediately —
// invisible to callers without show_deleted — while its locations are
// left untouched for the scrubber to reap later.
func (s *Store) ImageMarkPendingDelete(id string) error {
	now := time.Now().UTC()
	return s.withRetry("ImageMarkPendingDelete", func() error {
		return s.withImageLock(id, func() error {
			res, err := s.db.Exec(`UPDATE images SET deleted = 1, deleted_at = ?, status = ?, updated_at = ?
				WHERE id = ? AND deleted = 0`, now, types.StatusPendingDelete, now, id)
			if err != nil {
				return fmt.Errorf("mark image pending_delete: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				return regerr.Newf(regerr.NotFound, "image %s not found", id)
			}
			return nil
		})
	})
}

// ImagesPendingDeleteBefore lists every pending_delete image whose
// deleted_at is at or before cutoff, for the scrubber's periodic sweep
//. Locations are eagerly loaded since the
// scrubber needs every one of them to invoke the dispatcher's delete.
func (s *Store) ImagesPendingDeleteBefore(cutoff time.Time) ([]*types.Image, error) {
	var images []*types.Image
	err := s.withRetry("ImagesPendingDeleteBefore", func() error {
		images = nil
		rows, err := s.db.Query(`SELECT id, name, status, disk_format, container_format, size, checksum,
			min_disk, min_ram, owner, is_public, protected, created_at, updated_at, deleted_at, deleted
			FROM images WHERE status = ? AND deleted_at <= ? ORDER BY deleted_at ASC`,
			types.StatusPendingDelete, cutoff)
		if err != nil {
			return fmt.Errorf("list pending_delete images: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			img, err := scanImage(rows)
			if err != nil {
				return err
			}
			images = append(images, img)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	for _, img := range images {
		locs, err := s.loadLocations(img.ID)
		if err != nil {
			return nil, err
		}
		img.Locations = locs
	}
	return images, nil
}

// ImageMarkScrubbed completes the pending_delete → deleted transition
// once every location has been reaped. Idempotent: an
// image no longer in pending_delete (already scrubbed by a concurrent
// cycle, or never pending in the first place) is left untouched and
// reported as not-affected rather than an error, which is what makes
// repeated scrub cycles idempotent.
func (s *Store) ImageMarkScrubbed(id string) (bool, error) {
	now := time.Now().UTC()
	var affected bool
	err := s.withRetry("ImageMarkScrubbed", func() error {
		res, err := s.db.Exec(`UPDATE images SET status = ?, updated_at = ?
			WHERE id = ? AND status = ?`, types.StatusDeleted, now, id, types.StatusPendingDelete)
		if err != nil {
			return fmt.Errorf("mark image scrubbed: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		affected = n > 0
		return nil
	})
	return affected, err
}

// ImageGetAll implements the filtered, sorted, keyset-paginated
// listing: the marker is resolved to a real row first (so an unknown or
// invisible marker id returns NotFound, never leaking existence), then
// the same WHERE clause that would have produced that row is reused to
// build the "rows after the marker" predicate.
func (s *Store) ImageGetAll(opts ListOptions, vc visibleCtx) ([]*types.Image, error) {
	keys, dirs, err := normalizeSort(opts.SortKeys, opts.SortDirs)
	if err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit <= 0 || limit > s.cfg.MaxListLimit {
		limit = s.cfg.MaxListLimit
	}

	where, args := buildWhere(opts.Filters, vc)

	if opts.Marker != "" {
		// Marker resolution respects show-deleted per the current
		// filter, in addition to whatever vc itself already
		// permits, so an unknown or now-invisible marker raises the
		// same NotFound as an unknown image id rather than leaking
		// existence.
		markerVC := vc
		markerVC.showDeleted = markerVC.showDeleted || opts.Filters.ShowDeleted
		marker, err := s.ImageGet(opts.Marker, markerVC)
		if err != nil {
			return nil, err
		}
		markerValues := map[string]any{
			"id":         marker.ID,
			"name":       marker.Name,
			"status":     string(marker.Status),
			"size":       marker.Size,
			"created_at": marker.CreatedAt,
			"updated_at": marker.UpdatedAt,
			"owner":      marker.Owner,
		}
		keysetClause, keysetArgs := buildKeysetPredicate(keys, dirs, markerValues)
		if where != "" {
			where = "(" + where + ") AND (" + keysetClause + ")"
		} else {
			where = keysetClause
		}
		args = append(args, keysetArgs...)
	}

	query := "SELECT id, name, status, disk_format, container_format, size, checksum, min_disk, min_ram, owner, is_public, protected, created_at, updated_at, deleted_at, deleted FROM images"
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY " + orderByClause(keys, dirs)
	query += fmt.Sprintf(" LIMIT %d", limit)

	var images []*types.Image
	err = s.withRetry("ImageGetAll", func() error {
		images = nil
		rows, err := s.db.Query(query, args...)
		if err != nil {
			return fmt.Errorf("list images: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			img, err := scanImage(rows)
			if err != nil {
				return err
			}
			images = append(images, img)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	for _, img := range images {
		if props, err := s.loadProperties(img.ID); err != nil {
			return nil, err
		} else {
			img.Properties = props
		}
		if tags, err := s.loadTags(img.ID); err != nil {
			return nil, err
		} else {
			img.Tags = tags
		}
	}
	return images, nil
}

func orderByClause(keys []string, dirs []SortDir) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		col := sortableColumns[k]
		dir := "ASC"
		if dirs[i] == SortDesc {
			dir = "DESC"
		}
		parts[i] = fmt.Sprintf("images.%s %s", col, dir)
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += ", " + p
	}
	return out
}

// rowScanner abstracts over *sql.Row and *sql.Rows so scanImage serves
// both ImageGet (single row) and ImageGetAll (row set).
type rowScanner interface {
	Scan(dest ...any) error
}

func scanImage(row rowScanner) (*types.Image, error) {
	var img types.Image
	var deletedAt time.Time
	var deletedInt int
	var isPublicInt, protectedInt int
	var name, diskFormat, containerFormat, checksum, owner sql.NullString

	err := row.Scan(&img.ID, &name, &img.Status, &diskFormat, &containerFormat, &img.Size, &checksum,
		&img.MinDisk, &img.MinRAM, &owner, &isPublicInt, &protectedInt,
		&img.CreatedAt, &img.UpdatedAt, &deletedAt, &deletedInt)
	if err != nil {
		return nil, err
	}

	img.Name = name.String
	img.DiskFormat = types.DiskFormat(diskFormat.String)
	img.ContainerFormat = types.ContainerFormat(containerFormat.String)
	img.Checksum = checksum.String
	img.Owner = owner.String
	img.IsPublic = isPublicInt != 0
	img.Protected = protectedInt != 0
	img.Deleted = deletedInt != 0
	// Live rows store the epoch sentinel rather than NULL (see
	// epochSentinel); surface that as the zero time so callers can keep
	// using DeletedAt.IsZero() as the "never deleted" test.
	if !deletedAt.Equal(epochSentinel) {
		img.DeletedAt = deletedAt
	}
	return &img, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func tagValues(tags []*types.Tag) []string {
	values := make([]string, len(tags))
	for i, t := range tags {
		values[i] = t.Value
	}
	return values
}

func isUniqueViolation(err error) bool {
	return sqliteErrCodeIs(err, "unique constraint")
}

func marshalMetadata(m map[string]string) (string, error) {
	if m == nil {
		m = map[string]string{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal location metadata: %w", err)
	}
	return string(b), nil
}

func unmarshalMetadata(s string) (map[string]string, error) {
	m := map[string]string{}
	if s == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("unmarshal location metadata: %w", err)
	}
	return m, nil
}
