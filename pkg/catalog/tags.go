package catalog

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/cuemby/glacier/pkg/regerr"
	"github.com/cuemby/glacier/pkg/types"
)

func tagNotFoundError(imageID, value string) error {
	return regerr.Newf(regerr.NotFound, "tag %q not found on image %s", value, imageID)
}

// replaceTags reconciles the tag set on one image to exactly the
// incoming values: a straightforward set-difference add/remove, since
// tags carry no other mutable state. A nil or empty slice removes
// every tag; ImageUpdate skips the call entirely when the image's Tags
// field is nil, which is how "tags not mentioned" differs from "clear
// all tags".
func replaceTags(tx *sql.Tx, imageID string, values []string, now time.Time) error {
	rows, err := tx.Query(`SELECT value FROM image_tags WHERE image_id = ?`, imageID)
	if err != nil {
		return fmt.Errorf("list existing tags: %w", err)
	}
	existing := map[string]bool{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		existing[v] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	incoming := map[string]bool{}
	for _, v := range values {
		incoming[v] = true
	}

	for v := range incoming {
		if existing[v] {
			continue
		}
		if _, err := tx.Exec(`INSERT INTO image_tags (image_id, value, created_at) VALUES (?, ?, ?)`,
			imageID, v, now); err != nil {
			return fmt.Errorf("add tag %s: %w", v, err)
		}
	}
	for v := range existing {
		if incoming[v] {
			continue
		}
		if _, err := tx.Exec(`DELETE FROM image_tags WHERE image_id = ? AND value = ?`, imageID, v); err != nil {
			return fmt.Errorf("remove tag %s: %w", v, err)
		}
	}
	return nil
}

func (s *Store) loadTags(imageID string) ([]*types.Tag, error) {
	var tags []*types.Tag
	err := s.withRetry("loadTags", func() error {
		tags = nil
		rows, err := s.db.Query(`SELECT image_id, value, created_at FROM image_tags
			WHERE image_id = ? ORDER BY created_at ASC`, imageID)
		if err != nil {
			return fmt.Errorf("query tags: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var t types.Tag
			if err := rows.Scan(&t.ImageID, &t.Value, &t.CreatedAt); err != nil {
				return err
			}
			tags = append(tags, &t)
		}
		return rows.Err()
	})
	return tags, err
}

// TagAdd adds a single tag outside of a full image update, used by the
// dedicated PUT .../tags/{value} endpoint.
func (s *Store) TagAdd(imageID, value string) error {
	now := time.Now().UTC()
	return s.withRetry("TagAdd", func() error {
		return s.withImageLock(imageID, func() error {
			_, err := s.db.Exec(`INSERT OR IGNORE INTO image_tags (image_id, value, created_at) VALUES (?, ?, ?)`,
				imageID, value, now)
			if err != nil {
				return fmt.Errorf("add tag: %w", err)
			}
			return nil
		})
	})
}

// TagRemove removes a single tag, returning regerr.NotFound if it wasn't
// present.
func (s *Store) TagRemove(imageID, value string) error {
	return s.withRetry("TagRemove", func() error {
		return s.withImageLock(imageID, func() error {
			res, err := s.db.Exec(`DELETE FROM image_tags WHERE image_id = ? AND value = ?`, imageID, value)
			if err != nil {
				return fmt.Errorf("remove tag: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				return tagNotFoundError(imageID, value)
			}
			return nil
		})
	})
}
