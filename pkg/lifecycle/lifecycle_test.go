package lifecycle

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/glacier/pkg/catalog"
	"github.com/cuemby/glacier/pkg/events"
	"github.com/cuemby/glacier/pkg/regerr"
	"github.com/cuemby/glacier/pkg/registry"
	"github.com/cuemby/glacier/pkg/store"
	"github.com/cuemby/glacier/pkg/types"
)

// fakeDriver is an in-memory store.Driver implemented as a hand-rolled
// fake rather than a mock, so tests exercise real read/write paths.
type fakeDriver struct {
	mu     sync.Mutex
	bodies map[string][]byte
	next   int
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{bodies: map[string][]byte{}}
}

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

func newTestController(t *testing.T) (*Controller, *fakeDriver) {
	t.Helper()
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	cs, err := catalog.Open(dsn, catalog.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })

	reg := registry.New(cs)
	drv := newFakeDriver()
	dispatcher := store.NewDispatcher(map[string]store.Driver{"fake": drv})
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	cfg := DefaultConfig()
	cfg.DefaultScheme = "fake"
	return New(reg, dispatcher, broker, cfg), drv
}

func ctx(tenant string) types.RequestContext {
	return types.RequestContext{TenantID: tenant}
}

func TestUploadBodySucceeds(t *testing.T) {
	c, _ := newTestController(t)

	img, err := c.Reserve(ctx("tenant-a"), registry.CreateInput{
		Name: "cirros", DiskFormat: types.DiskFormatQCOW2, ContainerFormat: types.ContainerFormatBare,
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusQueued, img.Status)

	body := []byte("chunk00000remainder")
	sum := md5.Sum(body)
	expected := hex.EncodeToString(sum[:])

	out, err := c.UploadBody(context.Background(), ctx("tenant-a"), img.ID, bytes.NewReader(body), int64(len(body)), "")
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, out.Status)
	assert.Equal(t, int64(len(body)), out.Size)
	assert.Equal(t, expected, out.Checksum)
	require.Len(t, out.Locations, 1)
}

func TestUploadBodyBadChecksumKillsImage(t *testing.T) {
	c, _ := newTestController(t)

	img, err := c.Reserve(ctx("tenant-a"), registry.CreateInput{Name: "cirros"})
	require.NoError(t, err)

	body := []byte("chunk00000remainder")
	out, err := c.UploadBody(context.Background(), ctx("tenant-a"), img.ID, bytes.NewReader(body), int64(len(body)), "0badc0de00000000000000000000000")
	require.Error(t, err)
	assert.Equal(t, regerr.BadRequest, regerr.KindOf(err))
	require.NotNil(t, out)
	assert.Equal(t, types.StatusKilled, out.Status)
	assert.Equal(t, int64(len(body)), out.Size, "the killed row records the bytes actually written")
}

func TestUploadBodyExceedsCap(t *testing.T) {
	c, drv := newTestController(t)
	c.cfg.MaxBodySize = 4
	_ = drv

	img, err := c.Reserve(ctx("tenant-a"), registry.CreateInput{Name: "cirros"})
	require.NoError(t, err)

	body := []byte("this body is far too long")
	out, err := c.UploadBody(context.Background(), ctx("tenant-a"), img.ID, bytes.NewReader(body), 0, "")
	require.Error(t, err)
	require.NotNil(t, out)
	assert.Equal(t, types.StatusKilled, out.Status)
}

// TestUploadBodyAtExactCapSucceeds checks the cap boundary: a body whose length equals MaxBodySize
// exactly must complete normally, not be killed.
func TestUploadBodyAtExactCapSucceeds(t *testing.T) {
	c, _ := newTestController(t)
	body := []byte("exactly4")
	c.cfg.MaxBodySize = int64(len(body))

	img, err := c.Reserve(ctx("tenant-a"), registry.CreateInput{Name: "cirros"})
	require.NoError(t, err)

	sum := md5.Sum(body)
	expected := hex.EncodeToString(sum[:])

	out, err := c.UploadBody(context.Background(), ctx("tenant-a"), img.ID, bytes.NewReader(body), int64(len(body)), "")
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, out.Status)
	assert.Equal(t, int64(len(body)), out.Size)
	assert.Equal(t, expected, out.Checksum)
}

func TestDownloadEmitsSendEvent(t *testing.T) {
	c, _ := newTestController(t)
	sub := c.broker.Subscribe()
	defer c.broker.Unsubscribe(sub)

	img, err := c.Reserve(ctx("tenant-a"), registry.CreateInput{Name: "cirros"})
	require.NoError(t, err)
	body := []byte("hello world")
	_, err = c.UploadBody(context.Background(), ctx("tenant-a"), img.ID, bytes.NewReader(body), int64(len(body)), "")
	require.NoError(t, err)

	rc, size, got, err := c.Download(context.Background(), ctx("tenant-a"), img.ID, DownloadInfo{ReceiverUserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), size)
	assert.Equal(t, img.ID, got.ID)

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, body, data)
	require.NoError(t, rc.Close())

	var sendEvent *events.Event
	deadline := time.After(2 * time.Second)
	for sendEvent == nil {
		select {
		case e := <-sub:
			if e.Type == events.EventImageSend {
				sendEvent = e
			}
		case <-deadline:
			t.Fatal("timed out waiting for image.send event")
		}
	}
	require.NotNil(t, sendEvent)
	assert.Equal(t, int64(len(body)), sendEvent.Send.BytesSent)
	assert.Equal(t, "u1", sendEvent.Send.ReceiverUserID)
}

func TestDownloadSkipsFailedLocationInFavorOfNext(t *testing.T) {
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	cs, err := catalog.Open(dsn, catalog.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })

	reg := registry.New(cs)
	drv := newFakeDriver()
	dispatcher := store.NewDispatcher(map[string]store.Driver{"fake": drv})
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	cfg := DefaultConfig()
	cfg.DefaultScheme = "fake"
	c := New(reg, dispatcher, broker, cfg)

	img, err := c.Reserve(ctx("tenant-a"), registry.CreateInput{Name: "cirros"})
	require.NoError(t, err)

	// Insert a bogus location ahead of the one the upload will add, so
	// the ordered location list's first entry has no backing body and
	// Download must fail over to the second.
	badLocation := "fake://" + img.ID + "/ghost"
	_, err = cs.LocationAdd(img.ID, badLocation, nil)
	require.NoError(t, err)

	body := []byte("hello world")
	uploaded, err := c.UploadBody(context.Background(), ctx("tenant-a"), img.ID, bytes.NewReader(body), int64(len(body)), "")
	require.NoError(t, err)
	goodLocation := uploaded.Locations[len(uploaded.Locations)-1].URL
	require.NotEqual(t, badLocation, goodLocation)

	refreshed, err := reg.GetImage(ctx("tenant-a"), img.ID)
	require.NoError(t, err)
	require.Len(t, refreshed.Locations, 2)
	require.Equal(t, badLocation, refreshed.Locations[0].URL)

	// Each download fails over to the good location; the bad one is only
	// marked failed in the catalog once it misses the consecutive-failure
	// threshold, so run enough downloads to cross it.
	for i := 0; i < c.healthCfg.Retries; i++ {
		rc, _, _, err := c.Download(context.Background(), ctx("tenant-a"), img.ID, DownloadInfo{})
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, body, data)
		require.NoError(t, rc.Close())
	}

	final, err := reg.GetImage(ctx("tenant-a"), img.ID)
	require.NoError(t, err)
	var badStatus, goodStatus types.LocationStatus
	for _, loc := range final.Locations {
		if loc.URL == badLocation {
			badStatus = loc.Status
		}
		if loc.URL == goodLocation {
			goodStatus = loc.Status
		}
	}
	assert.Equal(t, types.LocationStatusFailed, badStatus)
	assert.Equal(t, types.LocationStatusActive, goodStatus)
}

func TestDeleteImmediateRemovesBody(t *testing.T) {
	c, drv := newTestController(t)

	img, err := c.Reserve(ctx("tenant-a"), registry.CreateInput{Name: "cirros"})
	require.NoError(t, err)
	body := []byte("hello world")
	uploaded, err := c.UploadBody(context.Background(), ctx("tenant-a"), img.ID, bytes.NewReader(body), int64(len(body)), "")
	require.NoError(t, err)
	location := uploaded.Locations[0].URL

	_, _, err = drv.Get(context.Background(), location)
	require.NoError(t, err)

	deleted, err := c.Delete(ctx("tenant-a"), img.ID, false)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDeleted, deleted.Status)

	_, _, err = drv.Get(context.Background(), location)
	require.Error(t, err)
}

func TestDeleteDelayedMarksPendingDelete(t *testing.T) {
	c, drv := newTestController(t)

	img, err := c.Reserve(ctx("tenant-a"), registry.CreateInput{Name: "cirros"})
	require.NoError(t, err)
	body := []byte("hello world")
	uploaded, err := c.UploadBody(context.Background(), ctx("tenant-a"), img.ID, bytes.NewReader(body), int64(len(body)), "")
	require.NoError(t, err)
	location := uploaded.Locations[0].URL

	pending, err := c.Delete(ctx("tenant-a"), img.ID, true)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPendingDelete, pending.Status)

	_, _, err = drv.Get(context.Background(), location)
	assert.NoError(t, err, "delayed delete must not remove the body; the scrubber does")
}

func TestDeleteProtectedImageFails(t *testing.T) {
	c, _ := newTestController(t)

	img, err := c.Reserve(ctx("tenant-a"), registry.CreateInput{Name: "cirros", Protected: true})
	require.NoError(t, err)

	_, err = c.Delete(ctx("tenant-a"), img.ID, false)
	require.Error(t, err)
	assert.Equal(t, regerr.ProtectedImageDelete, regerr.KindOf(err))
}
