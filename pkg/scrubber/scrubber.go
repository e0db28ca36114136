package scrubber

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/glacier/pkg/catalog"
	"github.com/cuemby/glacier/pkg/events"
	"github.com/cuemby/glacier/pkg/log"
	"github.com/cuemby/glacier/pkg/metrics"
	"github.com/cuemby/glacier/pkg/regerr"
	"github.com/cuemby/glacier/pkg/store"
	"github.com/cuemby/glacier/pkg/types"
)

// Config controls the scrubber's cadence and retry bound. GracePeriod
// is deliberately configuration rather than a fixed constant.
type Config struct {
	// Interval is how often a sweep runs.
	Interval time.Duration
	// GracePeriod is how long an image must have sat in pending_delete
	// before the scrubber will touch it.
	GracePeriod time.Duration
	// MaxAttempts bounds how many sweeps may fail to fully reap a given
	// image before the scrubber gives up and only logs a warning
	//.
	MaxAttempts int
}

// DefaultConfig picks a one-minute sweep interval, no grace period
// (scrub as soon as an image is marked pending_delete), and a generous
// retry bound.
func DefaultConfig() Config {
	return Config{Interval: time.Minute, GracePeriod: 0, MaxAttempts: 10}
}

// Scrubber is the background worker that completes delayed deletes.
type Scrubber struct {
	store      *catalog.Store
	dispatcher *store.Dispatcher
	broker     *events.Broker
	cfg        Config
	logger     zerolog.Logger

	mu       sync.Mutex
	stopCh   chan struct{}
	attempts map[string]int
}

// New builds a Scrubber over catalogStore and dispatcher. broker may be
// nil, in which case lifecycle events are simply not published.
func New(catalogStore *catalog.Store, dispatcher *store.Dispatcher, broker *events.Broker, cfg Config) *Scrubber {
	return &Scrubber{
		store:      catalogStore,
		dispatcher: dispatcher,
		broker:     broker,
		cfg:        cfg,
		logger:     log.WithComponent("scrubber"),
		stopCh:     make(chan struct{}),
		attempts:   make(map[string]int),
	}
}

// Start begins the periodic sweep loop in a new goroutine.
func (s *Scrubber) Start() {
	go s.run()
}

// Stop ends the sweep loop. It does not interrupt a cycle already in
// progress.
func (s *Scrubber) Stop() {
	close(s.stopCh)
}

func (s *Scrubber) run() {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.cfg.Interval).Msg("scrubber started")
	for {
		select {
		case <-ticker.C:
			if err := s.RunOnce(context.Background()); err != nil {
				s.logger.Error().Err(err).Msg("scrub cycle failed")
			}
		case <-s.stopCh:
			s.logger.Info().Msg("scrubber stopped")
			return
		}
	}
}

// RunOnce performs a single sweep: list every pending_delete image past
// the grace period, and reap each one's locations.
// Only one sweep runs at a time even if called concurrently with the
// ticker-driven loop.
func (s *Scrubber) RunOnce(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ScrubCycleDuration)
		metrics.ScrubCyclesTotal.Inc()
	}()

	cutoff := time.Now().UTC().Add(-s.cfg.GracePeriod)
	images, err := s.store.ImagesPendingDeleteBefore(cutoff)
	if err != nil {
		return err
	}

	for _, img := range images {
		s.scrubOne(ctx, img)
	}
	return nil
}

func (s *Scrubber) scrubOne(ctx context.Context, img *types.Image) {
	logger := s.logger.With().Str("image_id", img.ID).Logger()

	if s.attempts[img.ID] >= s.cfg.MaxAttempts {
		// Already gave up on this image; it stays in pending_delete.
		return
	}

	allReaped := true
	for _, loc := range img.Locations {
		if loc.Status == types.LocationStatusDeleted {
			continue
		}
		if err := s.dispatcher.Delete(ctx, loc.URL); err != nil {
			if regerr.Is(err, regerr.StoreDeleteNotSupported) {
				// Drivers that cannot delete are treated as done.
				if setErr := s.store.LocationSetStatus(loc.ID, types.LocationStatusDeleted); setErr != nil {
					logger.Warn().Err(setErr).Msg("failed to mark unsupported-delete location done")
				}
				continue
			}
			allReaped = false
			metrics.ScrubFailuresTotal.WithLabelValues("store_delete").Inc()
			logger.Warn().Err(err).Int64("location_id", loc.ID).Msg("failed to delete image body location")
			continue
		}
		if err := s.store.LocationSetStatus(loc.ID, types.LocationStatusDeleted); err != nil {
			logger.Warn().Err(err).Msg("failed to mark location deleted")
		}
	}

	if !allReaped {
		s.attempts[img.ID]++
		if s.attempts[img.ID] >= s.cfg.MaxAttempts {
			logger.Warn().Int("attempts", s.attempts[img.ID]).
				Msg("image exceeded max scrub attempts, leaving in pending_delete")
		}
		return
	}

	delete(s.attempts, img.ID)
	scrubbed, err := s.store.ImageMarkScrubbed(img.ID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to mark image deleted after scrubbing")
		metrics.ScrubFailuresTotal.WithLabelValues("mark_deleted").Inc()
		return
	}
	if !scrubbed {
		// Already scrubbed by a previous or concurrent cycle; nothing left to do.
		return
	}

	metrics.ScrubbedImagesTotal.Inc()
	logger.Info().Msg("image scrubbed")
	if s.broker != nil {
		s.broker.Publish(&events.Event{Type: events.EventImageDeleted, Timestamp: time.Now().UTC(), ImageID: img.ID})
	}
}
