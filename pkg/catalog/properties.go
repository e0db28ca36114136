package catalog

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/cuemby/glacier/pkg/types"
)

// upsertProperties writes every incoming property, un-deleting it if a
// previously soft-deleted row shares its name:
// submitting a name that was previously purged brings it back rather
// than erroring when the same name reappears in a later PUT.
func upsertProperties(tx *sql.Tx, imageID string, props []*types.Property, now time.Time) error {
	for _, p := range props {
		_, err := tx.Exec(`INSERT INTO image_properties (image_id, name, value, deleted, created_at, updated_at)
			VALUES (?, ?, ?, 0, ?, ?)
			ON CONFLICT (image_id, name) DO UPDATE SET value = excluded.value, deleted = 0, updated_at = excluded.updated_at`,
			imageID, p.Name, p.Value, now, now)
		if err != nil {
			return fmt.Errorf("upsert property %s: %w", p.Name, err)
		}
	}
	return nil
}

// replaceProperties upserts the incoming properties and soft-deletes any
// existing live property whose name is absent from the incoming set,
// matching purge-on-full-replace semantics for a full PUT.
func replaceProperties(tx *sql.Tx, imageID string, props []*types.Property, now time.Time) error {
	incoming := make(map[string]bool, len(props))
	for _, p := range props {
		incoming[p.Name] = true
	}

	rows, err := tx.Query(`SELECT name FROM image_properties WHERE image_id = ? AND deleted = 0`, imageID)
	if err != nil {
		return fmt.Errorf("list existing properties: %w", err)
	}
	var existingNames []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		existingNames = append(existingNames, name)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	if err := upsertProperties(tx, imageID, props, now); err != nil {
		return err
	}

	for _, name := range existingNames {
		if incoming[name] {
			continue
		}
		if _, err := tx.Exec(`UPDATE image_properties SET deleted = 1, updated_at = ? WHERE image_id = ? AND name = ?`,
			now, imageID, name); err != nil {
			return fmt.Errorf("soft-delete property %s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) loadProperties(imageID string) ([]*types.Property, error) {
	var props []*types.Property
	err := s.withRetry("loadProperties", func() error {
		props = nil
		rows, err := s.db.Query(`SELECT image_id, name, value, deleted, created_at, updated_at
			FROM image_properties WHERE image_id = ? AND deleted = 0 ORDER BY name`, imageID)
		if err != nil {
			return fmt.Errorf("query properties: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var p types.Property
			var deletedInt int
			if err := rows.Scan(&p.ImageID, &p.Name, &p.Value, &deletedInt, &p.CreatedAt, &p.UpdatedAt); err != nil {
				return err
			}
			p.Deleted = deletedInt != 0
			props = append(props, &p)
		}
		return rows.Err()
	})
	return props, err
}
