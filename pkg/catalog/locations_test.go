package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/glacier/pkg/types"
)

// TestLocationAddEncryptsAtRest checks location encryption at rest:
// with a key configured, the stored url column must not contain the
// plaintext location, but reading the image back must still yield it.
func TestLocationAddEncryptsAtRest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LocationKey = []byte("0123456789abcdef")
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	s, err := Open(dsn, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	img := &types.Image{
		Name:            "cirros",
		Status:          types.StatusActive,
		DiskFormat:      types.DiskFormatQCOW2,
		ContainerFormat: types.ContainerFormatBare,
		Owner:           "tenant-a",
	}
	created, err := s.ImageCreate(img)
	require.NoError(t, err)

	const plaintextURL = "file:///var/lib/glacier/images/abc123"
	_, err = s.LocationAdd(created.ID, plaintextURL, nil)
	require.NoError(t, err)

	var rawURL string
	err = s.db.QueryRow(`SELECT url FROM image_locations WHERE image_id = ?`, created.ID).Scan(&rawURL)
	require.NoError(t, err)
	assert.NotEqual(t, plaintextURL, rawURL, "location url must not be persisted in plaintext once a key is configured")

	got, err := s.ImageGet(created.ID, visibleCtx{owner: "tenant-a", isAdmin: true})
	require.NoError(t, err)
	require.Len(t, got.Locations, 1)
	assert.Equal(t, plaintextURL, got.Locations[0].URL)
}

// TestLocationAddPlaintextFallback checks that rows written before
// encryption was enabled (or under a different key) still decode to
// something usable: Decode falls back to the raw string rather than
// erroring.
func TestLocationAddPlaintextFallback(t *testing.T) {
	s := newTestStore(t)

	img := &types.Image{
		Name:            "cirros",
		Status:          types.StatusActive,
		DiskFormat:      types.DiskFormatQCOW2,
		ContainerFormat: types.ContainerFormatBare,
		Owner:           "tenant-a",
	}
	created, err := s.ImageCreate(img)
	require.NoError(t, err)

	const plaintextURL = "file:///var/lib/glacier/images/abc123"
	_, err = s.LocationAdd(created.ID, plaintextURL, nil)
	require.NoError(t, err)

	got, err := s.ImageGet(created.ID, visibleCtx{owner: "tenant-a", isAdmin: true})
	require.NoError(t, err)
	require.Len(t, got.Locations, 1)
	assert.Equal(t, plaintextURL, got.Locations[0].URL)
}
