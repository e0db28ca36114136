package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/glacier/pkg/catalog"
	"github.com/cuemby/glacier/pkg/regerr"
	"github.com/cuemby/glacier/pkg/types"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	store, err := catalog.Open(dsn, catalog.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store)
}

func ownerCtx(tenant string) types.RequestContext {
	return types.RequestContext{TenantID: tenant}
}

func adminCtx() types.RequestContext {
	return types.RequestContext{TenantID: "admin", IsAdmin: true}
}

func TestCreateImageRejectsReservedProperty(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.CreateImage(ownerCtx("tenant-a"), CreateInput{
		Name:       "cirros",
		Properties: map[string]string{"owner": "someone-else"},
	})
	require.Error(t, err)
	assert.Equal(t, regerr.Invalid, regerr.KindOf(err))
}

func TestCreateImageDefaultsToQueued(t *testing.T) {
	svc := newTestService(t)

	img, err := svc.CreateImage(ownerCtx("tenant-a"), CreateInput{Name: "cirros"})
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, img.Status)
	assert.Equal(t, "tenant-a", img.Owner)
}

func TestCreateImageWithLocationGoesActive(t *testing.T) {
	svc := newTestService(t)

	img, err := svc.CreateImage(ownerCtx("tenant-a"), CreateInput{
		Name:            "cirros",
		DiskFormat:      types.DiskFormatQCOW2,
		ContainerFormat: types.ContainerFormatBare,
		Location:        "file:///tmp/cirros.qcow2",
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, img.Status)
	require.Len(t, img.Locations, 1)
	assert.Equal(t, "file:///tmp/cirros.qcow2", img.Locations[0].URL)
}

func TestCreateImageRejectsBadFormatPair(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.CreateImage(ownerCtx("tenant-a"), CreateInput{
		Name:            "kernel",
		DiskFormat:      types.DiskFormatAMI,
		ContainerFormat: types.ContainerFormatBare,
	})
	require.Error(t, err)
	assert.Equal(t, regerr.Invalid, regerr.KindOf(err))
}

func TestGetImageHidesPrivateFromOtherTenant(t *testing.T) {
	svc := newTestService(t)

	img, err := svc.CreateImage(ownerCtx("tenant-a"), CreateInput{Name: "private"})
	require.NoError(t, err)

	_, err = svc.GetImage(ownerCtx("tenant-b"), img.ID)
	require.Error(t, err)
	assert.Equal(t, regerr.NotFound, regerr.KindOf(err))

	got, err := svc.GetImage(ownerCtx("tenant-a"), img.ID)
	require.NoError(t, err)
	assert.Equal(t, img.ID, got.ID)
}

func TestUpdateImageRejectsNonOwner(t *testing.T) {
	svc := newTestService(t)

	img, err := svc.CreateImage(ownerCtx("tenant-a"), CreateInput{Name: "cirros"})
	require.NoError(t, err)

	newName := "renamed"
	_, err = svc.UpdateImage(ownerCtx("tenant-b"), img.ID, UpdateInput{Name: &newName}, false)
	require.Error(t, err)
}

func TestUpdateImageAppliesFields(t *testing.T) {
	svc := newTestService(t)

	img, err := svc.CreateImage(ownerCtx("tenant-a"), CreateInput{Name: "cirros"})
	require.NoError(t, err)

	newName := "renamed"
	updated, err := svc.UpdateImage(ownerCtx("tenant-a"), img.ID, UpdateInput{Name: &newName}, false)
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
}

func TestDeleteImageRejectsProtected(t *testing.T) {
	svc := newTestService(t)

	img, err := svc.CreateImage(ownerCtx("tenant-a"), CreateInput{Name: "cirros", Protected: true})
	require.NoError(t, err)

	_, err = svc.DeleteImage(ownerCtx("tenant-a"), img.ID)
	require.Error(t, err)
	assert.Equal(t, regerr.ProtectedImageDelete, regerr.KindOf(err))
}

func TestDeleteImageSoftDeletes(t *testing.T) {
	svc := newTestService(t)

	img, err := svc.CreateImage(ownerCtx("tenant-a"), CreateInput{Name: "cirros"})
	require.NoError(t, err)

	deleted, err := svc.DeleteImage(ownerCtx("tenant-a"), img.ID)
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)

	_, err = svc.GetImage(ownerCtx("tenant-a"), img.ID)
	require.Error(t, err)
	assert.Equal(t, regerr.NotFound, regerr.KindOf(err))

	got, err := svc.GetImage(types.RequestContext{TenantID: "tenant-a", ShowDeleted: true}, img.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
}

func TestDeleteImageTwice(t *testing.T) {
	svc := newTestService(t)

	img, err := svc.CreateImage(ownerCtx("tenant-a"), CreateInput{Name: "cirros"})
	require.NoError(t, err)

	_, err = svc.DeleteImage(ownerCtx("tenant-a"), img.ID)
	require.NoError(t, err)

	// A repeat delete by a caller who can no longer see the row is a
	// NotFound; a caller who can still see it gets Forbidden. Neither
	// changes the row.
	_, err = svc.DeleteImage(ownerCtx("tenant-a"), img.ID)
	require.Error(t, err)
	assert.Equal(t, regerr.NotFound, regerr.KindOf(err))

	_, err = svc.DeleteImage(adminCtx(), img.ID)
	require.Error(t, err)
	assert.Equal(t, regerr.Forbidden, regerr.KindOf(err))
}

func TestAddAndRemoveTag(t *testing.T) {
	svc := newTestService(t)

	img, err := svc.CreateImage(ownerCtx("tenant-a"), CreateInput{Name: "cirros"})
	require.NoError(t, err)

	require.NoError(t, svc.AddTag(ownerCtx("tenant-a"), img.ID, "base"))
	require.Error(t, svc.AddTag(ownerCtx("tenant-b"), img.ID, "sneaky"),
		"a non-owner must not be able to tag someone else's image")

	got, err := svc.GetImage(ownerCtx("tenant-a"), img.ID)
	require.NoError(t, err)
	require.Len(t, got.Tags, 1)
	assert.Equal(t, "base", got.Tags[0].Value)

	require.NoError(t, svc.RemoveTag(ownerCtx("tenant-a"), img.ID, "base"))
	err = svc.RemoveTag(ownerCtx("tenant-a"), img.ID, "base")
	require.Error(t, err)
	assert.Equal(t, regerr.NotFound, regerr.KindOf(err))
}

func TestListImagesFiltersPrivateFromOtherTenant(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.CreateImage(ownerCtx("tenant-a"), CreateInput{Name: "mine"})
	require.NoError(t, err)
	_, err = svc.CreateImage(ownerCtx("tenant-b"), CreateInput{Name: "theirs"})
	require.NoError(t, err)

	images, err := svc.ListImages(ownerCtx("tenant-a"), catalog.ListOptions{})
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, "mine", images[0].Name)

	asAdmin, err := svc.ListImages(adminCtx(), catalog.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, asAdmin, 2)
}

func TestMembershipReconciliation(t *testing.T) {
	svc := newTestService(t)

	img, err := svc.CreateImage(ownerCtx("tenant-a"), CreateInput{Name: "shared"})
	require.NoError(t, err)

	_, err = svc.AddMember(ownerCtx("tenant-a"), img.ID, "tenant-b", false)
	require.NoError(t, err)

	members, err := svc.ListMembers(ownerCtx("tenant-a"), img.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "tenant-b", members[0].Member)

	seen, err := svc.GetImage(ownerCtx("tenant-b"), img.ID)
	require.NoError(t, err)
	assert.Equal(t, img.ID, seen.ID)

	err = svc.RemoveMember(ownerCtx("tenant-a"), img.ID, "tenant-b")
	require.NoError(t, err)

	_, err = svc.GetImage(ownerCtx("tenant-b"), img.ID)
	require.Error(t, err)
}

func TestUpdateAllMembersReplacesSet(t *testing.T) {
	svc := newTestService(t)

	img, err := svc.CreateImage(ownerCtx("tenant-a"), CreateInput{Name: "shared"})
	require.NoError(t, err)

	_, err = svc.AddMember(ownerCtx("tenant-a"), img.ID, "tenant-b", false)
	require.NoError(t, err)

	canShare := true
	err = svc.UpdateAllMembers(ownerCtx("tenant-a"), img.ID, map[string]*bool{"tenant-c": &canShare})
	require.NoError(t, err)

	members, err := svc.ListMembers(ownerCtx("tenant-a"), img.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "tenant-c", members[0].Member)
	assert.True(t, members[0].CanShare)
}
