package visibility

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/glacier/pkg/types"
)

func TestVisible(t *testing.T) {
	owner := types.RequestContext{TenantID: "tenant-a"}
	stranger := types.RequestContext{TenantID: "tenant-b"}
	admin := types.RequestContext{TenantID: "tenant-b", IsAdmin: true}

	img := &types.Image{Owner: "tenant-a", IsPublic: false}

	assert.True(t, Visible(owner, img, nil))
	assert.False(t, Visible(stranger, img, nil))
	assert.True(t, Visible(admin, img, nil))

	img.IsPublic = true
	assert.True(t, Visible(stranger, img, nil))
}

func TestVisibleViaMembership(t *testing.T) {
	ctx := types.RequestContext{TenantID: "tenant-b"}
	img := &types.Image{Owner: "tenant-a", IsPublic: false}

	assert.False(t, Visible(ctx, img, nil))
	assert.True(t, Visible(ctx, img, &types.Membership{Deleted: false}))
	assert.False(t, Visible(ctx, img, &types.Membership{Deleted: true}))
}

func TestMutable(t *testing.T) {
	owner := types.RequestContext{TenantID: "tenant-a"}
	stranger := types.RequestContext{TenantID: "tenant-b"}
	admin := types.RequestContext{IsAdmin: true}

	img := &types.Image{Owner: "tenant-a"}

	assert.True(t, Mutable(owner, img))
	assert.False(t, Mutable(stranger, img))
	assert.True(t, Mutable(admin, img))
}

func TestSharable(t *testing.T) {
	owner := types.RequestContext{TenantID: "tenant-a"}
	member := types.RequestContext{TenantID: "tenant-b"}

	img := &types.Image{Owner: "tenant-a"}

	assert.True(t, Sharable(owner, img, nil))
	assert.False(t, Sharable(member, img, nil))
	assert.False(t, Sharable(member, img, &types.Membership{CanShare: false}))
	assert.True(t, Sharable(member, img, &types.Membership{CanShare: true}))
}

func TestCanDeleteBlocksProtected(t *testing.T) {
	owner := types.RequestContext{TenantID: "tenant-a", IsAdmin: true}
	img := &types.Image{Owner: "tenant-a", Protected: true}

	assert.False(t, CanDelete(owner, img))

	img.Protected = false
	assert.True(t, CanDelete(owner, img))
}
