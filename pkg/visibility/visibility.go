// Package visibility implements the access predicates that decide
// whether a request context may see, change, or reshare a given image.
// Every function here is pure: it takes plain values and returns a
// bool, with no catalog access of its own, so the registry service can
// compose them freely and unit test them without a database.
package visibility

import (
	"github.com/cuemby/glacier/pkg/types"
)

// Visible reports whether img is visible to ctx. membership is the
// caller's own membership row on img, or nil if none exists; passing it
// explicitly (rather than having this package query the catalog) keeps
// the function pure and lets callers batch the membership lookup.
func Visible(ctx types.RequestContext, img *types.Image, membership *types.Membership) bool {
	if ctx.IsAdmin {
		return true
	}
	if img.Owner == "" {
		return true
	}
	if img.IsPublic {
		return true
	}
	if ctx.Owner() != "" {
		if ctx.Owner() == img.Owner {
			return true
		}
		if membership != nil {
			return !membership.Deleted
		}
	}
	return false
}

// Mutable reports whether ctx may change img's fields or delete it.
func Mutable(ctx types.RequestContext, img *types.Image) bool {
	if ctx.IsAdmin {
		return true
	}
	if img.Owner == "" || ctx.Owner() == "" {
		return false
	}
	return img.Owner == ctx.Owner()
}

// Sharable reports whether ctx may grant or revoke memberships on img.
// membership is ctx's own membership row on img, or nil if none exists.
func Sharable(ctx types.RequestContext, img *types.Image, membership *types.Membership) bool {
	if ctx.IsAdmin {
		return true
	}
	if ctx.Owner() == "" {
		return false
	}
	if ctx.Owner() == img.Owner {
		return true
	}
	if membership == nil {
		return false
	}
	return membership.CanShare
}

// ShowDeleted reports whether ctx is permitted to see soft-deleted rows
// in listings: true for an admin context, or when the context explicitly
// requested it.
func ShowDeleted(ctx types.RequestContext) bool {
	return ctx.IsAdmin || ctx.ShowDeleted
}

// CanDelete reports whether ctx may delete img outright, folding in the
// protected-image guard: a protected image cannot be deleted by anyone,
// including an admin, until it is unprotected first.
func CanDelete(ctx types.RequestContext, img *types.Image) bool {
	if img.Protected {
		return false
	}
	return Mutable(ctx, img)
}
