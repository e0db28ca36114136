// Package registry implements the Registry Service: the
// transport-neutral CRUD/validation/reconciliation layer sitting
// between pkg/catalog (raw
// persistence) and pkg/api (HTTP). Every write authorizes through
// pkg/visibility first; every read and list result is filtered through
// it too, since pkg/catalog's own visibility plumbing only knows the
// owner/is_public shape, not the full membership-aware predicate set.
package registry

import (
	"github.com/rs/zerolog"

	"github.com/cuemby/glacier/pkg/catalog"
	"github.com/cuemby/glacier/pkg/log"
	"github.com/cuemby/glacier/pkg/regerr"
	"github.com/cuemby/glacier/pkg/types"
	"github.com/cuemby/glacier/pkg/visibility"
)

// readonlyAttributes are rejected on create with errReadonlyAttribute
//.
var readonlyAttributes = map[string]bool{
	"created_at": true, "updated_at": true, "status": true,
	"checksum": true, "size": true,
}

// reservedPropertyNames can never be submitted as a custom property,
// on create or update.
var reservedPropertyNames = map[string]bool{
	"owner": true, "is_public": true, "location": true, "deleted": true,
	"deleted_at": true, "direct_url": true, "self": true, "file": true,
	"schema": true,
}

func errReadonlyAttribute(name string) error {
	return regerr.Newf(regerr.Invalid, "%q is a read-only attribute and cannot be set on create", name)
}

func errReservedPropertyName(name string) error {
	return regerr.Newf(regerr.Invalid, "%q is a reserved property name", name)
}

// ValidatePropertyNames checks custom property names as submitted by a
// transport (the x-image-meta-property-<name> headers, before they are
// mapped onto the Properties map) against the reserved and readonly
// lists. Base attributes like name or disk_format are not subject to
// either list — only the free-form property namespace is. isCreate
// additionally rejects the readonly attribute names, which only apply
// on create: readonly and reserved are kept as two distinct checks
// rather than one folded list, because callers sometimes need to tell
// "never settable" apart from "not settable at creation time."
func ValidatePropertyNames(names []string, isCreate bool) error {
	for _, name := range names {
		if reservedPropertyNames[name] {
			return errReservedPropertyName(name)
		}
		if isCreate && readonlyAttributes[name] {
			return errReadonlyAttribute(name)
		}
	}
	return nil
}

// Service is the validating CRUD layer between the transport and the
// catalog.
type Service struct {
	store  *catalog.Store
	logger zerolog.Logger
}

// New builds a Service over store.
func New(store *catalog.Store) *Service {
	return &Service{store: store, logger: log.WithComponent("registry")}
}

// CreateInput is the language-neutral shape of a create-image request.
type CreateInput struct {
	ID              string
	Name            string
	DiskFormat      types.DiskFormat
	ContainerFormat types.ContainerFormat
	Size            int64
	MinDisk         int64
	MinRAM          int64
	IsPublic        bool
	Protected       bool
	Properties      map[string]string
	Tags            []string
	// Location, when set, creates the image directly in status active
	// with a preset location, skipping the
	// queued→saving→active upload flow.
	Location string
}

// CreateImage validates input and inserts the row via
// pkg/catalog. Submitted attribute names are checked against the
// readonly/reserved lists; submitted formats are checked against the
// recognized enums and the ami/ari/aki agreement invariant.
func (s *Service) CreateImage(ctx types.RequestContext, in CreateInput) (*types.Image, error) {
	for name := range in.Properties {
		if reservedPropertyNames[name] {
			return nil, errReservedPropertyName(name)
		}
		if readonlyAttributes[name] {
			return nil, errReadonlyAttribute(name)
		}
	}
	if err := validateAttributes(in.Name, in.Size, in.MinDisk, in.MinRAM); err != nil {
		return nil, err
	}

	img := &types.Image{
		ID:              in.ID,
		Name:            in.Name,
		DiskFormat:      in.DiskFormat,
		ContainerFormat: in.ContainerFormat,
		Size:            in.Size,
		MinDisk:         in.MinDisk,
		MinRAM:          in.MinRAM,
		Owner:           ctx.Owner(),
		IsPublic:        in.IsPublic,
		Protected:       in.Protected,
		Properties:      propertiesFromMap(in.Properties),
		Tags:            tagsFromSlice(in.Tags),
	}

	if in.Location != "" {
		img.Status = types.StatusActive
	} else {
		img.Status = types.StatusQueued
	}

	if err := validateFormats(img); err != nil {
		return nil, err
	}

	if img.Status == types.StatusActive {
		if img.DiskFormat == "" || img.ContainerFormat == "" {
			return nil, regerr.New(regerr.Invalid, "disk_format and container_format are required to create an active image")
		}
	}

	out, err := s.store.ImageCreate(img)
	if err != nil {
		return nil, err
	}

	if in.Location != "" {
		if _, err := s.store.LocationAdd(out.ID, in.Location, nil); err != nil {
			return nil, err
		}
		out, err = s.store.ImageGet(out.ID, catalog.VisCtx(ctx))
		if err != nil {
			return nil, err
		}
	}

	s.logger.Info().Str("image_id", out.ID).Str("status", string(out.Status)).Msg("image created")
	return out, nil
}

// UpdateInput carries the subset of fields a PATCH/PUT may change.
// Pointer/nil-slice fields distinguish "not mentioned in this request"
// from "set to the zero value".
type UpdateInput struct {
	Name            *string
	DiskFormat      *types.DiskFormat
	ContainerFormat *types.ContainerFormat
	MinDisk         *int64
	MinRAM          *int64
	IsPublic        *bool
	Protected       *bool
	Properties      map[string]string // nil = not mentioned
	Tags            []string          // nil = not mentioned
	Location        *string
}

// UpdateImage resolves id, authorizes via visibility.Mutable, merges in
// the submitted fields, validates, and applies the result along with
// property reconciliation.
func (s *Service) UpdateImage(ctx types.RequestContext, id string, in UpdateInput, purgeProperties bool) (*types.Image, error) {
	for name := range in.Properties {
		if reservedPropertyNames[name] {
			return nil, errReservedPropertyName(name)
		}
	}

	img, err := s.getAuthorized(ctx, id, mutableCheck)
	if err != nil {
		return nil, err
	}
	if img.Deleted {
		return nil, regerr.New(regerr.Forbidden, "cannot update a deleted image")
	}

	if in.Location != nil && img.Status == types.StatusActive && !ctx.IsAdmin {
		return nil, regerr.New(regerr.Forbidden, "only an admin may change the location of an active image")
	}

	if in.Name != nil {
		img.Name = *in.Name
	}
	if in.DiskFormat != nil {
		img.DiskFormat = *in.DiskFormat
	}
	if in.ContainerFormat != nil {
		img.ContainerFormat = *in.ContainerFormat
	}
	if in.MinDisk != nil {
		img.MinDisk = *in.MinDisk
	}
	if in.MinRAM != nil {
		img.MinRAM = *in.MinRAM
	}
	if in.IsPublic != nil {
		img.IsPublic = *in.IsPublic
	}
	if in.Protected != nil {
		img.Protected = *in.Protected
	}
	if in.Properties != nil {
		img.Properties = propertiesFromMap(in.Properties)
	} else {
		img.Properties = nil
	}
	if in.Tags != nil {
		img.Tags = tagsFromSlice(in.Tags)
	}

	if err := validateFormats(img); err != nil {
		return nil, err
	}
	if err := validateAttributes(img.Name, img.Size, img.MinDisk, img.MinRAM); err != nil {
		return nil, err
	}

	out, err := s.store.ImageUpdate(img, purgeProperties)
	if err != nil {
		return nil, err
	}

	if in.Location != nil {
		if _, err := s.store.LocationAdd(out.ID, *in.Location, nil); err != nil {
			return nil, err
		}
		out, err = s.store.ImageGet(out.ID, catalog.VisCtx(ctx))
		if err != nil {
			return nil, err
		}
	}

	s.logger.Info().Str("image_id", out.ID).Msg("image updated")
	return out, nil
}

// AuthorizeDelete checks that ctx may delete id (visibility.Mutable plus
// the protected-image guard, the same rule visibility.CanDelete
// expresses) and returns the current row
// — including its locations — without mutating anything. pkg/lifecycle
// calls this before deleting backing-store bodies, so a denial never
// causes a body to be removed out from under a row that was never going
// to be deleted.
func (s *Service) AuthorizeDelete(ctx types.RequestContext, id string) (*types.Image, error) {
	img, err := s.getAuthorized(ctx, id, mutableCheck)
	if err != nil {
		return nil, err
	}
	if img.Protected {
		return nil, regerr.New(regerr.ProtectedImageDelete, "image is protected and cannot be deleted")
	}
	if img.Deleted {
		return nil, regerr.New(regerr.Forbidden, "image already deleted")
	}
	return img, nil
}

// DeleteImage authorizes via AuthorizeDelete and soft-deletes the
// catalog row. It does not touch the backing store body; pkg/lifecycle
// orchestrates that, calling AuthorizeDelete itself first so it can
// delete bodies before this call finalizes the row.
func (s *Service) DeleteImage(ctx types.RequestContext, id string) (*types.Image, error) {
	if _, err := s.AuthorizeDelete(ctx, id); err != nil {
		return nil, err
	}
	if err := s.store.ImageDestroy(id); err != nil {
		return nil, err
	}
	out, err := s.store.ImageGet(id, catalog.VisCtxAfterOwnDelete(ctx))
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("image_id", id).Msg("image deleted")
	return out, nil
}

// MarkPendingDelete is the delayed-delete variant of DeleteImage, used
// by the lifecycle controller when delayed_delete=true. The row is soft-deleted immediately —
// invisible to callers without show_deleted — but its locations and
// backing bodies stay intact until the scrubber drains them.
func (s *Service) MarkPendingDelete(ctx types.RequestContext, id string) (*types.Image, error) {
	if _, err := s.AuthorizeDelete(ctx, id); err != nil {
		return nil, err
	}
	if err := s.store.ImageMarkPendingDelete(id); err != nil {
		return nil, err
	}
	out, err := s.store.ImageGet(id, catalog.VisCtxAfterOwnDelete(ctx))
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("image_id", id).Msg("image marked pending_delete")
	return out, nil
}

// BeginUpload transitions id from queued to saving, under the same Mutable authorization every other write
// requires. It is called by pkg/lifecycle immediately before it starts
// streaming a body to the object store; transports never call it
// directly.
func (s *Service) BeginUpload(ctx types.RequestContext, id string) (*types.Image, error) {
	img, err := s.getAuthorized(ctx, id, mutableCheck)
	if err != nil {
		return nil, err
	}
	if img.Status != types.StatusQueued {
		return nil, regerr.Newf(regerr.Invalid, "image %s is not in queued state (status=%s)", id, img.Status)
	}
	img.Status = types.StatusSaving
	out, err := s.store.ImageUpdate(img, false)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("image_id", id).Msg("image saving")
	return out, nil
}

// CompleteUpload transitions id from saving to active, recording the
// final location, byte count and checksum.
func (s *Service) CompleteUpload(ctx types.RequestContext, id, location string, size int64, checksum string) (*types.Image, error) {
	img, err := s.getAuthorized(ctx, id, mutableCheck)
	if err != nil {
		return nil, err
	}
	img.Status = types.StatusActive
	img.Size = size
	img.Checksum = checksum
	out, err := s.store.ImageUpdate(img, false)
	if err != nil {
		return nil, err
	}
	if location != "" {
		if _, err := s.store.LocationAdd(id, location, nil); err != nil {
			return nil, err
		}
		out, err = s.store.ImageGet(id, catalog.VisCtx(ctx))
		if err != nil {
			return nil, err
		}
	}
	s.logger.Info().Str("image_id", id).Msg("image active")
	return out, nil
}

// FailUpload transitions id from saving to killed: checksum mismatch, size cap exceeded, or a disagreeing
// declared size all land here. bytesWritten, when positive, is recorded
// as the row's size so the killed record reflects how much of the body
// actually reached the store before the upload was rejected.
func (s *Service) FailUpload(ctx types.RequestContext, id string, bytesWritten int64) (*types.Image, error) {
	img, err := s.getAuthorized(ctx, id, mutableCheck)
	if err != nil {
		return nil, err
	}
	img.Status = types.StatusKilled
	if bytesWritten > 0 {
		img.Size = bytesWritten
	}
	out, err := s.store.ImageUpdate(img, false)
	if err != nil {
		return nil, err
	}
	s.logger.Warn().Str("image_id", id).Msg("image killed")
	return out, nil
}

// MarkLocationFailed records that locationID could not serve a body
// read, so later downloads skip it in favor of the next location in
// the image's ordered list.
func (s *Service) MarkLocationFailed(locationID int64) error {
	return s.store.LocationSetStatus(locationID, types.LocationStatusFailed)
}

// GetImage fetches one image, enforcing visibility.Visible so an
// invisible or absent row both surface as regerr.NotFound.
func (s *Service) GetImage(ctx types.RequestContext, id string) (*types.Image, error) {
	return s.getAuthorized(ctx, id, visibility.Visible)
}

// mutableCheck adapts visibility.Mutable's 2-arg signature to the
// 3-arg check shape getAuthorized expects; Mutable itself takes no
// membership parameter, so the
// membership getAuthorized resolves for it is simply unused here.
func mutableCheck(ctx types.RequestContext, img *types.Image, _ *types.Membership) bool {
	return visibility.Mutable(ctx, img)
}

// getAuthorized fetches id and applies check (Visible, Mutable via
// mutableCheck, or Sharable), returning regerr.NotFound on denial
// (regerr.ForbiddenPublicImage when the denied image is public) and on
// a soft-deleted row the context isn't permitted to see.
func (s *Service) getAuthorized(ctx types.RequestContext, id string, check func(types.RequestContext, *types.Image, *types.Membership) bool) (*types.Image, error) {
	img, err := s.store.ImageGet(id, catalog.VisCtx(ctx))
	if err != nil {
		return nil, err
	}
	if img.Deleted && !visibility.ShowDeleted(ctx) {
		return nil, regerr.Newf(regerr.NotFound, "image %s not found", id)
	}

	var membership *types.Membership
	if ctx.Owner() != "" {
		rows, err := s.store.MemberFind(id, ctx.Owner(), false)
		if err != nil {
			return nil, err
		}
		if len(rows) > 0 {
			membership = rows[0]
		}
	}

	if !check(ctx, img, membership) {
		if img.IsPublic {
			return nil, regerr.New(regerr.ForbiddenPublicImage, "cannot modify a public image you do not own")
		}
		return nil, regerr.Newf(regerr.NotFound, "image %s not found", id)
	}
	return img, nil
}

// ListImages lists images matching opts, honoring ctx's show-deleted
// permission: the explicit-show-deleted bit on opts.Filters is kept
// only when visibility.ShowDeleted allows it for ctx, and a
// changes-since listing shows deleted rows exactly when
// visibility.ShowDeleted does, so
// a non-admin, non-show-deleted caller can never see soft-deleted rows
// regardless of what ListOptions.Filters.ShowDeleted a transport layer
// bug might set.
func (s *Service) ListImages(ctx types.RequestContext, opts catalog.ListOptions) ([]*types.Image, error) {
	opts.Filters.ShowDeleted = opts.Filters.ShowDeleted && visibility.ShowDeleted(ctx)
	if !opts.Filters.ChangesSince.IsZero() {
		opts.Filters.ShowDeleted = visibility.ShowDeleted(ctx) || opts.Filters.ShowDeleted
	}
	return s.store.ImageGetAll(opts, catalog.VisCtx(ctx))
}

// AddTag attaches a single tag to id, authorized like any other
// mutation. Adding a tag that is already present is a no-op.
func (s *Service) AddTag(ctx types.RequestContext, id, value string) error {
	if _, err := s.getAuthorized(ctx, id, mutableCheck); err != nil {
		return err
	}
	if value == "" || len(value) > 255 {
		return regerr.New(regerr.Invalid, "tag must be between 1 and 255 characters")
	}
	return s.store.TagAdd(id, value)
}

// RemoveTag detaches a single tag from id, surfacing regerr.NotFound
// when the tag was not present.
func (s *Service) RemoveTag(ctx types.RequestContext, id, value string) error {
	if _, err := s.getAuthorized(ctx, id, mutableCheck); err != nil {
		return err
	}
	return s.store.TagRemove(id, value)
}

// UpdateAllMembers replaces the membership set on id in one transaction
//. incoming maps member tenant to an
// optional can_share override; nil means "leave can_share at its
// previous value, or false for a new grant" exactly as
// catalog.MemberReplaceAll implements it.
func (s *Service) UpdateAllMembers(ctx types.RequestContext, id string, incoming map[string]*bool) error {
	img, err := s.getAuthorized(ctx, id, visibility.Sharable)
	if err != nil {
		return err
	}
	return s.store.MemberReplaceAll(img.ID, incoming)
}

// AddMember upserts a single membership grant (PUT .../members/<member>).
func (s *Service) AddMember(ctx types.RequestContext, id, member string, canShare bool) (*types.Membership, error) {
	if _, err := s.getAuthorized(ctx, id, visibility.Sharable); err != nil {
		return nil, err
	}
	existing, err := s.store.MemberFind(id, member, true)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		share := &canShare
		if err := s.store.MemberUpdate(existing[0].ID, share, types.MembershipPending); err != nil {
			return nil, err
		}
		rows, err := s.store.MemberFind(id, member, true)
		if err != nil {
			return nil, err
		}
		return rows[0], nil
	}
	return s.store.MemberCreate(id, member, canShare)
}

// RemoveMember revokes a single membership grant.
func (s *Service) RemoveMember(ctx types.RequestContext, id, member string) error {
	if _, err := s.getAuthorized(ctx, id, visibility.Sharable); err != nil {
		return err
	}
	rows, err := s.store.MemberFind(id, member, false)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return regerr.Newf(regerr.NotFound, "membership for %s not found", member)
	}
	return s.store.MemberDelete(rows[0].ID)
}

// ListMembers returns the live memberships on id.
func (s *Service) ListMembers(ctx types.RequestContext, id string) ([]*types.Membership, error) {
	if _, err := s.getAuthorized(ctx, id, visibility.Visible); err != nil {
		return nil, err
	}
	return s.store.MemberFind(id, "", false)
}

// SharedImages lists images shared with member (GET /shared-images/<member>).
// Each image is still filtered through visibility.Visible for the
// calling context, so asking about another tenant's grants never
// reveals an image the caller couldn't fetch directly.
func (s *Service) SharedImages(ctx types.RequestContext, member string) ([]*types.Image, error) {
	memberships, err := s.store.MemberFind("", member, false)
	if err != nil {
		return nil, err
	}
	images := make([]*types.Image, 0, len(memberships))
	for _, m := range memberships {
		img, err := s.store.ImageGet(m.ImageID, catalog.VisCtx(ctx))
		if err != nil {
			if regerr.Is(err, regerr.NotFound) {
				continue
			}
			return nil, err
		}
		if img.Deleted {
			continue
		}
		membership := m
		if ctx.Owner() != member {
			membership = nil
			if ctx.Owner() != "" {
				own, err := s.store.MemberFind(img.ID, ctx.Owner(), false)
				if err != nil {
					return nil, err
				}
				if len(own) > 0 {
					membership = own[0]
				}
			}
		}
		if !visibility.Visible(ctx, img, membership) {
			continue
		}
		images = append(images, img)
	}
	return images, nil
}

func validateAttributes(name string, size, minDisk, minRAM int64) error {
	if len(name) > 255 {
		return regerr.New(regerr.Invalid, "image name exceeds 255 characters")
	}
	if size < 0 {
		return regerr.New(regerr.Invalid, "size must be non-negative")
	}
	if minDisk < 0 || minRAM < 0 {
		return regerr.New(regerr.Invalid, "min_disk and min_ram must be non-negative")
	}
	return nil
}

func validateFormats(img *types.Image) error {
	if img.DiskFormat != "" && !types.ValidDiskFormats[img.DiskFormat] {
		return regerr.Newf(regerr.Invalid, "invalid disk_format %q", img.DiskFormat)
	}
	if img.ContainerFormat != "" && !types.ValidContainerFormats[img.ContainerFormat] {
		return regerr.Newf(regerr.Invalid, "invalid container_format %q", img.ContainerFormat)
	}
	if img.DiskFormat != "" && img.ContainerFormat != "" && !types.FormatsAgree(img.DiskFormat, img.ContainerFormat) {
		return regerr.New(regerr.Invalid, "disk_format and container_format must agree when either is ami, ari, or aki")
	}
	return nil
}

func propertiesFromMap(m map[string]string) []*types.Property {
	if m == nil {
		return nil
	}
	props := make([]*types.Property, 0, len(m))
	for name, value := range m {
		props = append(props, &types.Property{Name: name, Value: value})
	}
	return props
}

func tagsFromSlice(values []string) []*types.Tag {
	tags := make([]*types.Tag, 0, len(values))
	for _, v := range values {
		tags = append(tags, &types.Tag{Value: v})
	}
	return tags
}
