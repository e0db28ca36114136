package catalog

import (
	"fmt"
	"time"

	"github.com/cuemby/glacier/pkg/regerr"
	"github.com/cuemby/glacier/pkg/types"
)

// MemberFind lists memberships matching the given (optional) image and
// member filters. showDeleted overrides the context's own show-deleted
// preference, since some callers need to see a soft-deleted grant to
// resurrect it.
func (s *Store) MemberFind(imageID, member string, showDeleted bool) ([]*types.Membership, error) {
	var clauses []string
	var args []any
	if imageID != "" {
		clauses = append(clauses, "image_id = ?")
		args = append(args, imageID)
	}
	if member != "" {
		clauses = append(clauses, "member = ?")
		args = append(args, member)
	}
	if !showDeleted {
		clauses = append(clauses, "deleted = 0")
	}

	query := "SELECT id, image_id, member, can_share, status, deleted, created_at, updated_at, deleted_at FROM image_members"
	if len(clauses) > 0 {
		query += " WHERE " + joinAnd(clauses)
	}
	query += " ORDER BY created_at ASC"

	var members []*types.Membership
	err := s.withRetry("MemberFind", func() error {
		members = nil
		rows, err := s.db.Query(query, args...)
		if err != nil {
			return fmt.Errorf("query members: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			m, err := scanMember(rows)
			if err != nil {
				return err
			}
			members = append(members, m)
		}
		return rows.Err()
	})
	return members, err
}

// MemberCreate grants imageID to member. can_share defaults to false
// when unspecified.
func (s *Store) MemberCreate(imageID, member string, canShare bool) (*types.Membership, error) {
	now := time.Now().UTC()
	var id int64
	err := s.withRetry("MemberCreate", func() error {
		return s.withImageLock(imageID, func() error {
			res, err := s.db.Exec(`INSERT INTO image_members
				(image_id, member, can_share, status, deleted, created_at, updated_at, deleted_at)
				VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
				imageID, member, boolToInt(canShare), types.MembershipPending, now, now, epochSentinel)
			if err != nil {
				if isUniqueViolation(err) {
					return regerr.Newf(regerr.Duplicate, "member %s already has access to image %s", member, imageID)
				}
				return fmt.Errorf("insert member: %w", err)
			}
			id, err = res.LastInsertId()
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return &types.Membership{ID: id, ImageID: imageID, Member: member, CanShare: canShare,
		Status: types.MembershipPending, CreatedAt: now, UpdatedAt: now, DeletedAt: epochSentinel}, nil
}

// MemberUpdate changes can_share and/or status on an existing
// membership. A nil canShare leaves can_share untouched; only what the
// caller supplied is overwritten.
func (s *Store) MemberUpdate(id int64, canShare *bool, status types.MembershipStatus) error {
	now := time.Now().UTC()
	return s.withRetry("MemberUpdate", func() error {
		if canShare != nil {
			_, err := s.db.Exec(`UPDATE image_members SET can_share = ?, status = ?, updated_at = ? WHERE id = ? AND deleted = 0`,
				boolToInt(*canShare), status, now, id)
			if err != nil {
				return fmt.Errorf("update member: %w", err)
			}
		} else {
			_, err := s.db.Exec(`UPDATE image_members SET status = ?, updated_at = ? WHERE id = ? AND deleted = 0`,
				status, now, id)
			if err != nil {
				return fmt.Errorf("update member: %w", err)
			}
		}
		return nil
	})
}

// MemberDelete soft-deletes a single membership row.
func (s *Store) MemberDelete(id int64) error {
	now := time.Now().UTC()
	return s.withRetry("MemberDelete", func() error {
		res, err := s.db.Exec(`UPDATE image_members SET deleted = 1, deleted_at = ?, updated_at = ? WHERE id = ? AND deleted = 0`,
			now, now, id)
		if err != nil {
			return fmt.Errorf("delete member: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return regerr.Newf(regerr.NotFound, "membership %d not found", id)
		}
		return nil
	})
}

// MemberReplaceAll replaces every live membership on imageID with the
// given set, in one transaction under the image's write lock: this is
// the PUT .../members bulk-replace endpoint. Members present
// in the incoming set but not existing are created (can_share defaults
// to false); existing members not in the incoming set are soft-deleted;
// members present in both keep their prior can_share unless the
// incoming entry specifies one.
func (s *Store) MemberReplaceAll(imageID string, incoming map[string]*bool) error {
	now := time.Now().UTC()
	return s.withRetry("MemberReplaceAll", func() error {
		return s.withImageLock(imageID, func() error {
			tx, err := s.db.Begin()
			if err != nil {
				return fmt.Errorf("begin: %w", err)
			}
			defer tx.Rollback()

			rows, err := tx.Query(`SELECT id, member, can_share FROM image_members WHERE image_id = ? AND deleted = 0`, imageID)
			if err != nil {
				return fmt.Errorf("list existing members: %w", err)
			}
			type existingRow struct {
				id       int64
				canShare bool
			}
			existing := map[string]existingRow{}
			for rows.Next() {
				var id int64
				var member string
				var canShareInt int
				if err := rows.Scan(&id, &member, &canShareInt); err != nil {
					rows.Close()
					return err
				}
				existing[member] = existingRow{id: id, canShare: canShareInt != 0}
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return err
			}
			rows.Close()

			for member, canShare := range incoming {
				if e, ok := existing[member]; ok {
					share := e.canShare
					if canShare != nil {
						share = *canShare
					}
					if _, err := tx.Exec(`UPDATE image_members SET can_share = ?, updated_at = ? WHERE id = ?`,
						boolToInt(share), now, e.id); err != nil {
						return fmt.Errorf("update member %s: %w", member, err)
					}
					continue
				}
				share := false
				if canShare != nil {
					share = *canShare
				}
				if _, err := tx.Exec(`INSERT INTO image_members
					(image_id, member, can_share, status, deleted, created_at, updated_at, deleted_at)
					VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
					imageID, member, boolToInt(share), types.MembershipPending, now, now, epochSentinel); err != nil {
					return fmt.Errorf("add member %s: %w", member, err)
				}
			}

			for member, e := range existing {
				if _, ok := incoming[member]; ok {
					continue
				}
				if _, err := tx.Exec(`UPDATE image_members SET deleted = 1, deleted_at = ?, updated_at = ? WHERE id = ?`,
					now, now, e.id); err != nil {
					return fmt.Errorf("remove member %s: %w", member, err)
				}
			}

			return tx.Commit()
		})
	})
}

func scanMember(row rowScanner) (*types.Membership, error) {
	var m types.Membership
	var canShareInt, deletedInt int
	err := row.Scan(&m.ID, &m.ImageID, &m.Member, &canShareInt, &m.Status, &deletedInt, &m.CreatedAt, &m.UpdatedAt, &m.DeletedAt)
	if err != nil {
		return nil, err
	}
	m.CanShare = canShareInt != 0
	m.Deleted = deletedInt != 0
	return &m, nil
}

func joinAnd(clauses []string) string {
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += " AND " + c
	}
	return out
}
