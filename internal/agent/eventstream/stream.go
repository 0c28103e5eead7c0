package eventstream

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/helmsman-ai/helmsman/internal/agent/events"
	"github.com/helmsman-ai/helmsman/internal/agent/models"
	"github.com/helmsman-ai/helmsman/internal/agent/repository"
	"github.com/helmsman-ai/helmsman/internal/common/config"
	"github.com/helmsman-ai/helmsman/internal/common/logger"
	"github.com/helmsman-ai/helmsman/internal/events/bus"
)

const cleanupTimeout = 5 * time.Second

// Streamer hands out subscription streams over the durable event buffers.
// A stream replays history from a requested sequence, then tails live
// events by polling, with bus wakeups cutting the poll latency.
type Streamer struct {
	store    repository.Store
	registry *Registry
	bus      bus.EventBus
	cfg      config.EventsConfig
	log      *logger.Logger

	closed    chan struct{}
	closeOnce sync.Once
}

// NewStreamer creates a streamer over the given registry and store.
func NewStreamer(store repository.Store, registry *Registry, eventBus bus.EventBus, cfg config.EventsConfig, log *logger.Logger) *Streamer {
	if log == nil {
		log = logger.Default()
	}
	return &Streamer{
		store:    store,
		registry: registry,
		bus:      eventBus,
		cfg:      cfg,
		log:      log.WithFields(zap.String("component", "event_streamer")),
		closed:   make(chan struct{}),
	}
}

// Close ends every open stream. Readers see their channels close without a
// terminal event; the buffers stay untouched, so a later process can resume
// the same streams. Safe to call more than once.
func (s *Streamer) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// GetEventStream opens a subscription stream for an agent. Events from
// fromSequence onward are delivered in order on the returned channel;
// fromSequence <= 0 means "from the start of the replay window". The
// channel closes after the terminal event is delivered, when ctx is
// cancelled, or when the streamer shuts down. Each open stream registers a
// subscriber row whose heartbeat
// is refreshed on every poll; the sweeper expires rows whose process died
// without cleanup.
func (s *Streamer) GetEventStream(ctx context.Context, agentID string, fromSequence int64) (<-chan *events.BufferedEvent, error) {
	broadcaster, err := s.registry.GetOrCreate(ctx, agentID)
	if err != nil {
		return nil, err
	}

	sub := &models.Subscriber{
		ID:                      uuid.NewString(),
		AgentID:                 agentID,
		IsActive:                true,
		HeartbeatTimeoutSeconds: s.cfg.HeartbeatTimeout,
	}
	if err := s.store.CreateSubscriber(ctx, sub); err != nil {
		return nil, err
	}

	ch := make(chan *events.BufferedEvent)
	go s.run(ctx, broadcaster, sub, fromSequence, ch)
	return ch, nil
}

// run is the per-subscriber delivery loop: replay, then poll-and-tail.
func (s *Streamer) run(ctx context.Context, broadcaster *Broadcaster, sub *models.Subscriber, fromSequence int64, ch chan<- *events.BufferedEvent) {
	log := s.log.WithAgentID(sub.AgentID).WithFields(zap.String("subscriber_id", sub.ID))
	defer close(ch)
	defer s.cleanup(sub, log)

	// Wakeup signals collapse into a single pending slot; the poll reads
	// everything available so one signal is enough.
	wakeup := make(chan struct{}, 1)
	busSub, err := s.bus.Subscribe(bus.AgentEventsSubject(sub.AgentID), func(_ context.Context, _ *bus.Event) error {
		select {
		case wakeup <- struct{}{}:
		default:
		}
		return nil
	})
	if err != nil {
		log.WithError(err).Warn("wakeup subscription failed, falling back to plain polling")
	} else {
		defer func() { _ = busSub.Unsubscribe() }()
	}

	cursor := fromSequence
	if cursor <= 0 {
		cursor = 1
	}

	idlePolls := 0
	interval := s.cfg.PollIntervalDuration()

	for {
		batch, err := broadcaster.Buffer().EventsFrom(ctx, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("failed to read buffered events")
		}

		for _, rec := range batch {
			select {
			case ch <- rec:
			case <-ctx.Done():
				return
			case <-s.closed:
				return
			}
			cursor = rec.Sequence + 1
			if rec.Event.Terminal() {
				log.Debug("terminal event delivered, closing stream",
					zap.Int64("sequence", rec.Sequence))
				return
			}
		}

		if err := s.store.TouchSubscriber(ctx, sub.ID, time.Now().UTC()); err != nil && ctx.Err() == nil {
			log.WithError(err).Debug("failed to refresh subscriber heartbeat")
		}

		// Back off to the slow interval after a stretch of empty polls;
		// any delivery or wakeup signal snaps back to the fast interval.
		if len(batch) > 0 {
			idlePolls = 0
			interval = s.cfg.PollIntervalDuration()
		} else {
			idlePolls++
			if idlePolls >= s.cfg.IdlePollsToSlow {
				interval = s.cfg.SlowPollIntervalDuration()
			}
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.closed:
			timer.Stop()
			return
		case <-wakeup:
			timer.Stop()
			idlePolls = 0
			interval = s.cfg.PollIntervalDuration()
		case <-timer.C:
		}
	}
}

// cleanup removes the subscriber row. The caller's context is typically
// already cancelled here, so a detached context is used.
func (s *Streamer) cleanup(sub *models.Subscriber, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := s.store.DeleteSubscriber(ctx, sub.ID); err != nil {
		log.WithError(err).Warn("failed to remove subscriber")
	}
}
