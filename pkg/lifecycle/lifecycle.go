// Package lifecycle implements the Image Lifecycle Controller:
// the state machine that drives an image from reservation through
// streaming upload to active retrieval and eventual deletion, by
// orchestrating pkg/registry (the catalog row) and pkg/store (the
// backing bytes), publishing lifecycle events along the way.
package lifecycle

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/glacier/pkg/events"
	"github.com/cuemby/glacier/pkg/health"
	"github.com/cuemby/glacier/pkg/log"
	"github.com/cuemby/glacier/pkg/metrics"
	"github.com/cuemby/glacier/pkg/regerr"
	"github.com/cuemby/glacier/pkg/registry"
	"github.com/cuemby/glacier/pkg/store"
	"github.com/cuemby/glacier/pkg/types"
)

// Config controls the streaming discipline of an upload or download.
type Config struct {
	// MaxBodySize caps the number of bytes a single upload may write,
	// enforced while streaming rather than against a declared
	// Content-Length. Zero means unbounded.
	MaxBodySize int64
	// ChunkSize is the buffer size suggested to callers reading or
	// writing bodies through this controller.
	ChunkSize int
	// DefaultScheme selects which pkg/store.Driver a bare (schemeless)
	// upload is written through.
	DefaultScheme string
}

// DefaultConfig picks a 16 KiB chunk size and leaves the
// body size cap unbounded until a deployment configures one.
func DefaultConfig() Config {
	return Config{ChunkSize: 16 * 1024, DefaultScheme: "file"}
}

// Controller is the image lifecycle state machine: reserve, upload,
// download, delete.
type Controller struct {
	registry   *registry.Service
	dispatcher *store.Dispatcher
	broker     *events.Broker
	cfg        Config
	logger     zerolog.Logger

	// locHealth tracks consecutive read failures per location, so a
	// replica is only marked failed in the catalog after
	// healthCfg.Retries misses in a row rather than on the first blip.
	healthMu  sync.Mutex
	healthCfg health.Config
	locHealth map[int64]*health.Status
}

// New builds a Controller over reg and dispatcher. broker may be nil, in
// which case lifecycle events are simply not published.
func New(reg *registry.Service, dispatcher *store.Dispatcher, broker *events.Broker, cfg Config) *Controller {
	return &Controller{
		registry:   reg,
		dispatcher: dispatcher,
		broker:     broker,
		cfg:        cfg,
		logger:     log.WithComponent("lifecycle"),
		healthCfg:  health.DefaultConfig(),
		locHealth:  make(map[int64]*health.Status),
	}
}

// Reserve creates a catalog row, going straight to active when in.Location
// is set or to queued awaiting a body otherwise
//.
func (c *Controller) Reserve(ctx types.RequestContext, in registry.CreateInput) (*types.Image, error) {
	img, err := c.registry.CreateImage(ctx, in)
	if err != nil {
		return nil, err
	}
	c.publish(events.EventImageQueued, img.ID, "")
	if img.Status == types.StatusActive {
		c.publish(events.EventImageActive, img.ID, "")
	}
	return img, nil
}

// UploadBody streams body into the object store for imageID, verifying
// the result against declaredSize and expectedChecksum (case-insensitive
// hex) and driving the saving→active or
// saving→killed transition. ioCtx is the context threaded into the store Put call so a
// client disconnect (caller cancels ioCtx) is treated exactly like a
// size-cap or checksum failure.
func (c *Controller) UploadBody(ioCtx context.Context, rctx types.RequestContext, imageID string, body io.Reader, declaredSize int64, expectedChecksum string) (*types.Image, error) {
	img, err := c.registry.BeginUpload(rctx, imageID)
	if err != nil {
		return nil, err
	}
	c.publish(events.EventImageSaving, img.ID, "")

	limited := body
	if c.cfg.MaxBodySize > 0 {
		limited = &cappedReader{r: body, limit: c.cfg.MaxBodySize}
	}
	cancelAware := &ctxReader{ctx: ioCtx, r: limited}

	scheme := c.cfg.DefaultScheme
	timer := metrics.NewTimer()
	location, written, checksum, putErr := c.dispatcher.Put(ioCtx, scheme, img.ID, cancelAware, declaredSize)
	timer.ObserveDurationVec(metrics.DispatcherPutDuration, scheme)

	if putErr == nil && declaredSize > 0 && written != declaredSize {
		putErr = regerr.Newf(regerr.BadRequest, "declared size %d does not match %d bytes written", declaredSize, written)
	}
	if putErr == nil && expectedChecksum != "" && !strings.EqualFold(expectedChecksum, checksum) {
		putErr = regerr.Newf(regerr.BadRequest, "checksum mismatch: expected %s, computed %s", expectedChecksum, checksum)
	}

	if putErr != nil {
		if location != "" {
			if delErr := c.dispatcher.Delete(context.Background(), location); delErr != nil && !regerr.Is(delErr, regerr.StoreDeleteNotSupported) {
				imgLogger := log.WithImageID(img.ID)
				imgLogger.Warn().Err(delErr).Msg("failed to remove partially written body")
			}
		}
		killed, killErr := c.registry.FailUpload(rctx, img.ID, written)
		if killErr != nil {
			return nil, killErr
		}
		c.publish(events.EventImageKilled, img.ID, putErr.Error())
		return killed, putErr
	}

	metrics.DispatcherBytesWrittenTotal.WithLabelValues(scheme).Add(float64(written))

	final, err := c.registry.CompleteUpload(rctx, img.ID, location, written, checksum)
	if err != nil {
		return nil, err
	}
	c.publish(events.EventImageActive, img.ID, "")
	return final, nil
}

// DownloadInfo carries the receiver identity fields the image.send event
// reports; it is supplied by the transport, which
// is the only layer that knows the receiving tenant/user/IP.
type DownloadInfo struct {
	ReceiverTenantID string
	ReceiverUserID   string
	DestinationIP    string
}

// Download opens the body of imageID's active location and wraps it so
// that, once the caller finishes reading (or abandons) the stream, an
// image.send event is published with the actual byte count.
func (c *Controller) Download(ctx context.Context, rctx types.RequestContext, imageID string, info DownloadInfo) (io.ReadCloser, int64, *types.Image, error) {
	img, err := c.registry.GetImage(rctx, imageID)
	if err != nil {
		return nil, 0, nil, err
	}
	if img.Status != types.StatusActive {
		return nil, 0, nil, regerr.Newf(regerr.Invalid, "image %s has no body to download (status=%s)", imageID, img.Status)
	}

	var (
		location string
		body     io.ReadCloser
		size     int64
	)
	for _, loc := range img.Locations {
		if loc.Status != types.LocationStatusActive {
			continue
		}
		if schemeOf(loc.URL) == "http" && !c.locationReachable(ctx, loc.URL) {
			c.noteLocationFailure(loc.ID, imageID, "health probe failed")
			continue
		}
		b, s, err := c.dispatcher.Get(ctx, loc.URL)
		if err != nil {
			c.noteLocationFailure(loc.ID, imageID, err.Error())
			continue
		}
		c.noteLocationSuccess(loc.ID)
		location, body, size = loc.URL, b, s
		break
	}
	if body == nil {
		return nil, 0, nil, regerr.Newf(regerr.NotFound, "image %s has no reachable location", imageID)
	}

	scheme := schemeOf(location)
	wrapped := &trackingReadCloser{
		ReadCloser: body,
		onClose: func(n int64, closeErr error) {
			metrics.DispatcherBytesReadTotal.WithLabelValues(scheme).Add(float64(n))
			c.publishSend(img, info, n, closeErr != nil && closeErr != io.EOF)
		},
	}
	return wrapped, size, img, nil
}

// Delete removes imageID: delayedDelete marks
// the row pending_delete for the scrubber to finish; otherwise the
// bodies are removed synchronously before the row is marked deleted.
func (c *Controller) Delete(ctx types.RequestContext, imageID string, delayedDelete bool) (*types.Image, error) {
	if delayedDelete {
		img, err := c.registry.MarkPendingDelete(ctx, imageID)
		if err != nil {
			return nil, err
		}
		c.publish(events.EventImagePendingDelete, img.ID, "")
		return img, nil
	}

	img, err := c.registry.AuthorizeDelete(ctx, imageID)
	if err != nil {
		return nil, err
	}
	for _, loc := range img.Locations {
		if loc.Status == types.LocationStatusDeleted {
			continue
		}
		if err := c.dispatcher.Delete(context.Background(), loc.URL); err != nil && !regerr.Is(err, regerr.StoreDeleteNotSupported) {
			return nil, err
		}
	}

	final, err := c.registry.DeleteImage(ctx, imageID)
	if err != nil {
		return nil, err
	}
	c.publish(events.EventImageDeleted, final.ID, "")
	return final, nil
}

func (c *Controller) publish(t events.EventType, imageID, message string) {
	if c.broker == nil {
		return
	}
	c.broker.Publish(&events.Event{Type: t, Timestamp: time.Now().UTC(), ImageID: imageID, Message: message})
}

func (c *Controller) publishSend(img *types.Image, info DownloadInfo, bytesSent int64, errored bool) {
	if c.broker == nil {
		return
	}
	c.broker.Publish(&events.Event{
		Type:      events.EventImageSend,
		Timestamp: time.Now().UTC(),
		ImageID:   img.ID,
		Send: &events.SendInfo{
			BytesSent:        bytesSent,
			ImageID:          img.ID,
			OwnerID:          img.Owner,
			ReceiverTenantID: info.ReceiverTenantID,
			ReceiverUserID:   info.ReceiverUserID,
			DestinationIP:    info.DestinationIP,
			Error:            errored,
		},
	})
}

// locationReachable runs a quick HTTP health probe ahead of streaming an
// http-scheme location's body, so a location whose backend has gone
// dark is skipped in favor of the next one rather than making every
// caller wait out a slow dial-and-fail.
func (c *Controller) locationReachable(ctx context.Context, url string) bool {
	checker := health.NewHTTPChecker(url)
	checker.Method = http.MethodHead
	// Any response at all means the host is up; a non-2xx on a HEAD
	// (method not allowed, no auth without a body) doesn't mean the
	// GET this location will actually serve would fail the same way.
	checker.WithStatusRange(100, 499)
	return checker.Check(ctx).Healthy
}

// noteLocationFailure records a failed read against locationID's health
// status and, once the consecutive-failure threshold is crossed, marks
// the location failed in the catalog so later downloads skip it without
// probing. The image as a whole is not killed: other locations may
// still serve the body.
func (c *Controller) noteLocationFailure(locationID int64, imageID, reason string) {
	now := time.Now()
	c.healthMu.Lock()
	st, ok := c.locHealth[locationID]
	if !ok {
		st = health.NewStatus()
		c.locHealth[locationID] = st
	}
	st.Update(health.Result{Healthy: false, Message: reason, CheckedAt: now}, c.healthCfg)
	unhealthy := !st.Healthy
	c.healthMu.Unlock()

	imgLogger := log.WithImageID(imageID)
	imgLogger.Warn().Str("reason", reason).Int64("location_id", locationID).Msg("skipping unreachable location")
	if !unhealthy {
		return
	}
	if err := c.registry.MarkLocationFailed(locationID); err != nil {
		imgLogger.Warn().Err(err).Msg("failed to mark location failed")
	}
}

// noteLocationSuccess resets locationID's consecutive-failure count
// after a good read.
func (c *Controller) noteLocationSuccess(locationID int64) {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	if st, ok := c.locHealth[locationID]; ok {
		st.Update(health.Result{Healthy: true, CheckedAt: time.Now()}, c.healthCfg)
	}
}

func schemeOf(location string) string {
	if i := strings.Index(location, "://"); i >= 0 {
		return location[:i]
	}
	return ""
}
