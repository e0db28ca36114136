package catalog

import (
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/glacier/pkg/regerr"
	"github.com/cuemby/glacier/pkg/types"
)

// SortDir is an ascending or descending sort direction.
type SortDir string

const (
	SortAsc  SortDir = "asc"
	SortDesc SortDir = "desc"
)

// sortableColumns maps the sort keys a caller may name to the actual
// images-table column backing them. Only these names are valid sort_key
// values; everything else is rejected up front.
var sortableColumns = map[string]string{
	"id":         "id",
	"name":       "name",
	"status":     "status",
	"size":       "size",
	"created_at": "created_at",
	"updated_at": "updated_at",
	"owner":      "owner",
}

// ListOptions controls ImageGetAll: the filter predicate, sort order, and
// keyset pagination cursor.
type ListOptions struct {
	Filters   Filters
	SortKeys  []string
	SortDirs  []SortDir
	Marker    string // image ID of the last row of the previous page
	Limit     int
}

// Filters is the set of predicates ImageGetAll applies.
type Filters struct {
	IsPublic        *bool
	Owner           string
	Statuses        []string
	NamePattern     string
	DiskFormat      string
	ContainerFormat string
	Protected       *bool
	// MinDisk and MinRAM are exact-match filters, what a bare
	// min_disk=<n> query parameter means; the *Min/*Max pairs below are
	// the inclusive range variants selected by a _min/_max suffix on
	// the attribute name.
	MinDisk    *int64
	MinRAM     *int64
	SizeMin    *int64
	SizeMax    *int64
	MinDiskMin *int64
	MinDiskMax *int64
	MinRAMMin  *int64
	MinRAMMax  *int64
	// ChangesSince, when set, restricts to rows strictly newer than the
	// timestamp and implicitly enables ShowDeleted. Bound as a
	// time.Time so the driver formats it the same way it formats the
	// stored updated_at values.
	ChangesSince time.Time
	// Deleted is the explicit deleted=<bool> listing filter,
	// distinct from ShowDeleted (the context's permission to see
	// soft-deleted rows at all). Deleted=false additionally excludes
	// status='killed'.
	Deleted     *bool
	Tags        []string
	Properties  map[string]string
	ShowDeleted bool
}

// normalizeSort fills SortDirs from a single direction when the caller
// supplied one direction for every key, validates every key name, and
// appends "id" as a trailing tiebreaker if the caller didn't already
// include a unique key -- without it a compound cursor can repeat or skip
// rows whenever two images share every other sort value.
func normalizeSort(keys []string, dirs []SortDir) ([]string, []SortDir, error) {
	if len(keys) == 0 {
		keys = []string{"created_at"}
	}
	if len(dirs) == 0 {
		dirs = make([]SortDir, len(keys))
		for i := range dirs {
			dirs[i] = SortDesc
		}
	} else if len(dirs) == 1 && len(keys) > 1 {
		only := dirs[0]
		dirs = make([]SortDir, len(keys))
		for i := range dirs {
			dirs[i] = only
		}
	}
	if len(dirs) != len(keys) {
		return nil, nil, regerr.Newf(regerr.BadRequest, "sort_dirs length %d does not match sort_keys length %d", len(dirs), len(keys))
	}
	for _, k := range keys {
		if _, ok := sortableColumns[k]; !ok {
			return nil, nil, invalidSortKeyError(k)
		}
	}
	for _, d := range dirs {
		if d != SortAsc && d != SortDesc {
			return nil, nil, regerr.Newf(regerr.BadRequest, "unknown sort direction %q, must be asc or desc", d)
		}
	}

	hasUnique := false
	for _, k := range keys {
		if k == "id" {
			hasUnique = true
			break
		}
	}
	if !hasUnique {
		keys = append(append([]string{}, keys...), "id")
		dirs = append(append([]SortDir{}, dirs...), dirs[len(dirs)-1])
	}
	return keys, dirs, nil
}

// buildWhere assembles the WHERE clause and its bound args for Filters,
// excluding the keyset/marker predicate (added separately by
// buildKeysetPredicate since it depends on the resolved marker row).
func buildWhere(f Filters, ctx visibleCtx) (string, []any) {
	var clauses []string
	var args []any

	showDeleted := f.ShowDeleted || !f.ChangesSince.IsZero()
	if !showDeleted {
		clauses = append(clauses, "images.deleted = 0")
	}

	// Blanket per-request visibility restriction, applied regardless of whether the caller also set
	// an explicit is_public filter.
	if !ctx.isAdmin {
		clauses = append(clauses, `(images.is_public = 1 OR images.owner = ? OR EXISTS (
			SELECT 1 FROM image_members m
			WHERE m.image_id = images.id AND m.member = ? AND m.deleted = 0
		))`)
		args = append(args, ctx.owner, ctx.owner)
	}

	if f.IsPublic != nil {
		if *f.IsPublic && ctx.owner != "" {
			// is_public=true additionally widens the result to the
			// caller's own (possibly private) images and images shared
			// with them.
			clauses = append(clauses, `(images.is_public = 1 OR images.owner = ? OR EXISTS (
				SELECT 1 FROM image_members m
				WHERE m.image_id = images.id AND m.member = ? AND m.deleted = 0
			))`)
			args = append(args, ctx.owner, ctx.owner)
		} else {
			isPublic := 0
			if *f.IsPublic {
				isPublic = 1
			}
			clauses = append(clauses, "images.is_public = ?")
			args = append(args, isPublic)
		}
	}

	if f.Deleted != nil {
		deleted := 0
		if *f.Deleted {
			deleted = 1
		}
		clauses = append(clauses, "images.deleted = ?")
		args = append(args, deleted)
		if !*f.Deleted {
			clauses = append(clauses, "images.status != ?")
			args = append(args, "killed")
		}
	}

	if f.Owner != "" {
		clauses = append(clauses, "images.owner = ?")
		args = append(args, f.Owner)
	}

	if len(f.Statuses) > 0 {
		placeholders := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			placeholders[i] = "?"
			args = append(args, s)
		}
		clauses = append(clauses, fmt.Sprintf("images.status IN (%s)", strings.Join(placeholders, ",")))
	}

	if f.NamePattern != "" {
		clauses = append(clauses, "images.name LIKE ?")
		args = append(args, "%"+f.NamePattern+"%")
	}

	if f.DiskFormat != "" {
		clauses = append(clauses, "images.disk_format = ?")
		args = append(args, f.DiskFormat)
	}
	if f.ContainerFormat != "" {
		clauses = append(clauses, "images.container_format = ?")
		args = append(args, f.ContainerFormat)
	}
	if f.Protected != nil {
		clauses = append(clauses, "images.protected = ?")
		args = append(args, boolToInt(*f.Protected))
	}

	if f.MinDisk != nil {
		clauses = append(clauses, "images.min_disk = ?")
		args = append(args, *f.MinDisk)
	}
	if f.MinRAM != nil {
		clauses = append(clauses, "images.min_ram = ?")
		args = append(args, *f.MinRAM)
	}

	rangeClause := func(col string, min, max *int64) {
		if min != nil {
			clauses = append(clauses, fmt.Sprintf("images.%s >= ?", col))
			args = append(args, *min)
		}
		if max != nil {
			clauses = append(clauses, fmt.Sprintf("images.%s <= ?", col))
			args = append(args, *max)
		}
	}
	rangeClause("size", f.SizeMin, f.SizeMax)
	rangeClause("min_disk", f.MinDiskMin, f.MinDiskMax)
	rangeClause("min_ram", f.MinRAMMin, f.MinRAMMax)

	if !f.ChangesSince.IsZero() {
		clauses = append(clauses, "images.updated_at > ?")
		args = append(args, f.ChangesSince)
	}

	for _, tag := range f.Tags {
		clauses = append(clauses, `EXISTS (SELECT 1 FROM image_tags t WHERE t.image_id = images.id AND t.value = ?)`)
		args = append(args, tag)
	}

	for name, value := range f.Properties {
		clauses = append(clauses, `EXISTS (
			SELECT 1 FROM image_properties p
			WHERE p.image_id = images.id AND p.name = ? AND p.value = ? AND p.deleted = 0
		)`)
		args = append(args, name, value)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return strings.Join(clauses, " AND "), args
}

// buildKeysetPredicate builds the lexicographic "row > marker"
// predicate:
//
//	(k1 > X1) OR (k1 = X1 AND k2 > X2) OR (k1 = X1 AND k2 = X2 AND k3 > X3)
//
// with > flipped to < per-column when that column sorts descending.
func buildKeysetPredicate(keys []string, dirs []SortDir, marker map[string]any) (string, []any) {
	var orClauses []string
	var args []any

	for i := range keys {
		var andClauses []string
		for j := 0; j < i; j++ {
			col := sortableColumns[keys[j]]
			andClauses = append(andClauses, fmt.Sprintf("images.%s = ?", col))
			args = append(args, marker[keys[j]])
		}
		col := sortableColumns[keys[i]]
		op := ">"
		if dirs[i] == SortDesc {
			op = "<"
		}
		andClauses = append(andClauses, fmt.Sprintf("images.%s %s ?", col, op))
		args = append(args, marker[keys[i]])

		orClauses = append(orClauses, "("+strings.Join(andClauses, " AND ")+")")
	}

	return strings.Join(orClauses, " OR "), args
}

// visibleCtx is the minimal slice of a RequestContext the filter builder
// needs to expand an is_public=true filter into "public OR mine OR shared
// with me", plus the show-deleted bit ImageGet uses to decide whether a
// soft-deleted row is fetchable at all. isAdmin does NOT by itself
// bypass the deleted filter -- buildWhere never consults it for that
// purpose either, only Filters.ShowDeleted -- so admin-ness has to be
// folded into showDeleted explicitly wherever that's the desired
// behavior (VisCtx does this for every production RequestContext).
type visibleCtx struct {
	owner       string
	isAdmin     bool
	showDeleted bool
}

// VisCtx builds the opaque context ImageGet/ImageGetAll need from a full
// types.RequestContext. Callers outside this package (pkg/registry) can't
// name visibleCtx's type, only construct and pass it through, which is
// enough: they never need to read its fields back out. showDeleted folds
// in ctx.IsAdmin the same way visibility.ShowDeleted does, so a
// production admin context can fetch a soft-deleted row through
// ImageGet (or resolve one as an ImageGetAll marker) without the caller
// having to set ShowDeleted explicitly. ImageGetAll's listing itself
// includes soft-deleted rows only when Filters.ShowDeleted or
// Filters.ChangesSince is set.
func VisCtx(ctx types.RequestContext) visibleCtx {
	return visibleCtx{
		owner:       ctx.Owner(),
		isAdmin:     ctx.IsAdmin,
		showDeleted: ctx.IsAdmin || ctx.ShowDeleted,
	}
}

// VisCtxAfterOwnDelete is VisCtx with showDeleted forced on, for the
// narrow case of re-fetching a row immediately after this same call
// soft-deleted or pending-deleted it (registry.DeleteImage,
// registry.MarkPendingDelete): the caller just performed the delete
// they're now reading back, so their own ShowDeleted/admin status must
// not hide the result they themselves produced.
func VisCtxAfterOwnDelete(ctx types.RequestContext) visibleCtx {
	vc := VisCtx(ctx)
	vc.showDeleted = true
	return vc
}

func invalidSortKeyError(key string) error {
	return regerr.Newf(regerr.InvalidSortKey, "invalid sort key %q", key)
}
