package client_test

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/glacier/pkg/api"
	"github.com/cuemby/glacier/pkg/catalog"
	"github.com/cuemby/glacier/pkg/client"
	"github.com/cuemby/glacier/pkg/events"
	"github.com/cuemby/glacier/pkg/lifecycle"
	"github.com/cuemby/glacier/pkg/regerr"
	"github.com/cuemby/glacier/pkg/registry"
	"github.com/cuemby/glacier/pkg/store"
)

type fakeDriver struct {
	mu     sync.Mutex
	bodies map[string][]byte
	next   int
}

func newFakeDriver() *fakeDriver { return &fakeDriver{bodies: map[string][]byte{}} }

func (f *fakeDriver) Get(_ context.Context, location string) (io.ReadCloser, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bodies[location]
	if !ok {
		return nil, 0, regerr.Newf(regerr.NotFound, "no body at %s", location)
	}
	return io.NopCloser(bytes.NewReader(b)), int64(len(b)), nil
}

func (f *fakeDriver) Put(_ context.Context, imageID string, body io.Reader, _ int64) (string, int64, string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", 0, "", err
	}
	f.mu.Lock()
	f.next++
	location := fmt.Sprintf("fake://%s/%d", imageID, f.next)
	f.bodies[location] = data
	f.mu.Unlock()
	sum := md5.Sum(data)
	return location, int64(len(data)), hex.EncodeToString(sum[:]), nil
}

func (f *fakeDriver) Delete(_ context.Context, location string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.bodies, location)
	return nil
}

func newTestHTTPServer(t *testing.T) *httptest.Server {
	t.Helper()
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	cs, err := catalog.Open(dsn, catalog.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })

	reg := registry.New(cs)
	dispatcher := store.NewDispatcher(map[string]store.Driver{"fake": newFakeDriver()})
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	lcCfg := lifecycle.DefaultConfig()
	lcCfg.DefaultScheme = "fake"
	lc := lifecycle.New(reg, dispatcher, broker, lcCfg)

	srv := api.NewServer(reg, lc, api.DefaultConfig())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

// TestClientRoundTrip exercises create, upload, download, and list
// through the real HTTP wire format, as an admin caller.
func TestClientRoundTrip(t *testing.T) {
	ts := newTestHTTPServer(t)
	c := client.NewClient(ts.URL, "")

	created, err := c.CreateImage(context.Background(), client.CreateOptions{
		Name:            "cirros",
		DiskFormat:      "qcow2",
		ContainerFormat: "bare",
		Properties:      map[string]string{"distro": "cirros"},
	})
	require.NoError(t, err)
	assert.Equal(t, "queued", created.Status)
	assert.Equal(t, "cirros", created.Properties["distro"])

	body := []byte("a fake disk image")
	sum := md5.Sum(body)
	wantChecksum := hex.EncodeToString(sum[:])

	uploaded, err := c.UploadImageBody(context.Background(), created.ID, bytes.NewReader(body), int64(len(body)), "")
	require.NoError(t, err)
	assert.Equal(t, "active", uploaded.Status)
	assert.Equal(t, wantChecksum, uploaded.Checksum)

	fetched, err := c.GetImage(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, wantChecksum, fetched.Checksum)

	stream, meta, err := c.DownloadImageBody(context.Background(), created.ID)
	require.NoError(t, err)
	defer stream.Close()
	assert.Equal(t, "active", meta.Status)
	got, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, body, got)

	images, err := c.ListImages(context.Background(), client.ListOptions{})
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, created.ID, images[0].ID)
}

// TestClientMembershipRoundTrip exercises the membership endpoints.
func TestClientMembershipRoundTrip(t *testing.T) {
	ts := newTestHTTPServer(t)
	c := client.NewClient(ts.URL, "")

	created, err := c.CreateImage(context.Background(), client.CreateOptions{
		Name:            "shared-image",
		DiskFormat:      "raw",
		ContainerFormat: "bare",
		Location:        "fake://pre/1",
	})
	require.NoError(t, err)

	require.NoError(t, c.AddMember(context.Background(), created.ID, "tenant-b", true))

	members, err := c.ListMembers(context.Background(), created.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "tenant-b", members[0].MemberID)
	assert.True(t, members[0].CanShare)

	require.NoError(t, c.RemoveMember(context.Background(), created.ID, "tenant-b"))
	members, err = c.ListMembers(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Len(t, members, 0)
}

// TestClientDeleteProtectedFails exercises the error path: a 403
// response from the server surfaces as a *client.ResponseError.
func TestClientDeleteProtectedFails(t *testing.T) {
	ts := newTestHTTPServer(t)
	c := client.NewClient(ts.URL, "")

	protectedTrue := true
	created, err := c.CreateImage(context.Background(), client.CreateOptions{
		Name:            "locked",
		DiskFormat:      "raw",
		ContainerFormat: "bare",
		Location:        "fake://pre/1",
		Protected:       protectedTrue,
	})
	require.NoError(t, err)

	err = c.DeleteImage(context.Background(), created.ID, false)
	require.Error(t, err)
	var respErr *client.ResponseError
	require.ErrorAs(t, err, &respErr)
	assert.Equal(t, 403, respErr.StatusCode)
}
