package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/glacier/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	s, err := Open(dsn, DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestImageCreateAndGet(t *testing.T) {
	s := newTestStore(t)

	img := &types.Image{
		Name:            "cirros",
		Status:          types.StatusQueued,
		DiskFormat:      types.DiskFormatQCOW2,
		ContainerFormat: types.ContainerFormatBare,
		Owner:           "tenant-a",
		Properties:      []*types.Property{{Name: "arch", Value: "x86_64"}},
		Tags:            []*types.Tag{{Value: "base"}},
	}

	created, err := s.ImageCreate(img)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)

	got, err := s.ImageGet(created.ID, visibleCtx{owner: "tenant-a", isAdmin: true})
	require.NoError(t, err)
	assert.Equal(t, "cirros", got.Name)
	assert.Len(t, got.Properties, 1)
	assert.Equal(t, "arch", got.Properties[0].Name)
	assert.Len(t, got.Tags, 1)
	assert.Equal(t, "base", got.Tags[0].Value)
}

func TestImageCreateDuplicateID(t *testing.T) {
	s := newTestStore(t)

	img := &types.Image{ID: "fixed-id", Status: types.StatusQueued}
	_, err := s.ImageCreate(img)
	require.NoError(t, err)

	_, err = s.ImageCreate(&types.Image{ID: "fixed-id", Status: types.StatusQueued})
	require.Error(t, err)
}

func TestImageGetNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.ImageGet("missing", visibleCtx{isAdmin: true})
	require.Error(t, err)
}

func TestImageUpdatePurgesDroppedProperties(t *testing.T) {
	s := newTestStore(t)

	img, err := s.ImageCreate(&types.Image{
		Status: types.StatusActive,
		Properties: []*types.Property{
			{Name: "a", Value: "1"},
			{Name: "b", Value: "2"},
		},
	})
	require.NoError(t, err)

	img.Properties = []*types.Property{{Name: "a", Value: "99"}}
	updated, err := s.ImageUpdate(img, true)
	require.NoError(t, err)

	require.Len(t, updated.Properties, 1)
	assert.Equal(t, "99", updated.Properties[0].Value)
}

func TestImageUpdatePreservesPropertiesWithoutPurge(t *testing.T) {
	s := newTestStore(t)

	img, err := s.ImageCreate(&types.Image{
		Status: types.StatusActive,
		Properties: []*types.Property{
			{Name: "a", Value: "1"},
			{Name: "b", Value: "2"},
		},
	})
	require.NoError(t, err)

	img.Properties = []*types.Property{{Name: "a", Value: "99"}}
	updated, err := s.ImageUpdate(img, false)
	require.NoError(t, err)

	require.Len(t, updated.Properties, 2)
}

func TestImageDestroySoftDeletes(t *testing.T) {
	s := newTestStore(t)

	img, err := s.ImageCreate(&types.Image{Status: types.StatusActive})
	require.NoError(t, err)

	require.NoError(t, s.ImageDestroy(img.ID))

	_, err = s.ImageGet(img.ID, visibleCtx{isAdmin: true})
	require.Error(t, err, "soft-deleted image should not be visible without show_deleted")
}

func TestImageGetAllFiltersByOwner(t *testing.T) {
	s := newTestStore(t)

	for _, owner := range []string{"tenant-a", "tenant-a", "tenant-b"} {
		_, err := s.ImageCreate(&types.Image{Status: types.StatusActive, Owner: owner, IsPublic: true})
		require.NoError(t, err)
	}

	images, err := s.ImageGetAll(ListOptions{Filters: Filters{Owner: "tenant-a"}}, visibleCtx{isAdmin: true})
	require.NoError(t, err)
	assert.Len(t, images, 2)
}

func TestImageGetAllKeysetPagination(t *testing.T) {
	s := newTestStore(t)

	var ids []string
	for i := 0; i < 5; i++ {
		img, err := s.ImageCreate(&types.Image{Status: types.StatusActive, Name: "img", IsPublic: true})
		require.NoError(t, err)
		ids = append(ids, img.ID)
	}

	firstPage, err := s.ImageGetAll(ListOptions{
		SortKeys: []string{"created_at"},
		SortDirs: []SortDir{SortAsc},
		Limit:    2,
	}, visibleCtx{isAdmin: true})
	require.NoError(t, err)
	require.Len(t, firstPage, 2)

	secondPage, err := s.ImageGetAll(ListOptions{
		SortKeys: []string{"created_at"},
		SortDirs: []SortDir{SortAsc},
		Marker:   firstPage[len(firstPage)-1].ID,
		Limit:    2,
	}, visibleCtx{isAdmin: true})
	require.NoError(t, err)
	require.Len(t, secondPage, 2)

	seen := map[string]bool{}
	for _, img := range firstPage {
		seen[img.ID] = true
	}
	for _, img := range secondPage {
		assert.False(t, seen[img.ID], "second page must not repeat a row from the first page")
	}
}

func TestImageGetAllMinDiskEqualityAndRange(t *testing.T) {
	s := newTestStore(t)

	for _, minDisk := range []int64{10, 20, 40} {
		_, err := s.ImageCreate(&types.Image{Status: types.StatusActive, IsPublic: true, MinDisk: minDisk})
		require.NoError(t, err)
	}

	twenty := int64(20)
	images, err := s.ImageGetAll(ListOptions{Filters: Filters{MinDisk: &twenty}}, visibleCtx{isAdmin: true})
	require.NoError(t, err)
	require.Len(t, images, 1, "a bare min_disk filter matches exactly, not >=")
	assert.EqualValues(t, 20, images[0].MinDisk)

	images, err = s.ImageGetAll(ListOptions{Filters: Filters{MinDiskMin: &twenty}}, visibleCtx{isAdmin: true})
	require.NoError(t, err)
	assert.Len(t, images, 2, "min_disk_min is the inclusive lower bound")

	images, err = s.ImageGetAll(ListOptions{Filters: Filters{MinDiskMax: &twenty}}, visibleCtx{isAdmin: true})
	require.NoError(t, err)
	assert.Len(t, images, 2, "min_disk_max is the inclusive upper bound")
}

func TestImageGetAllRejectsUnknownSortKey(t *testing.T) {
	s := newTestStore(t)

	_, err := s.ImageGetAll(ListOptions{SortKeys: []string{"not_a_real_column"}}, visibleCtx{isAdmin: true})
	require.Error(t, err)
}

func TestTagAddAndRemove(t *testing.T) {
	s := newTestStore(t)

	img, err := s.ImageCreate(&types.Image{Status: types.StatusActive})
	require.NoError(t, err)

	require.NoError(t, s.TagAdd(img.ID, "fresh"))
	tags, err := s.loadTags(img.ID)
	require.NoError(t, err)
	require.Len(t, tags, 1)

	require.NoError(t, s.TagRemove(img.ID, "fresh"))
	tags, err = s.loadTags(img.ID)
	require.NoError(t, err)
	assert.Empty(t, tags)

	require.Error(t, s.TagRemove(img.ID, "fresh"), "removing an absent tag should not silently succeed")
}

func TestMemberReplaceAllReconciles(t *testing.T) {
	s := newTestStore(t)

	img, err := s.ImageCreate(&types.Image{Status: types.StatusActive})
	require.NoError(t, err)

	trueVal := true
	require.NoError(t, s.MemberReplaceAll(img.ID, map[string]*bool{
		"tenant-b": nil,
		"tenant-c": &trueVal,
	}))

	members, err := s.MemberFind(img.ID, "", false)
	require.NoError(t, err)
	require.Len(t, members, 2)

	require.NoError(t, s.MemberReplaceAll(img.ID, map[string]*bool{
		"tenant-c": nil,
	}))

	members, err = s.MemberFind(img.ID, "", false)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "tenant-c", members[0].Member)
	assert.True(t, members[0].CanShare, "can_share should persist across replace when not explicitly overwritten")
}
