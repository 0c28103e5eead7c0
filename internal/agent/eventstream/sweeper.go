package eventstream

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/helmsman-ai/helmsman/internal/agent/repository"
	"github.com/helmsman-ai/helmsman/internal/common/logger"
)

// Sweeper periodically expires subscribers whose heartbeat has gone stale.
// Streams normally delete their own row on close; the sweeper catches rows
// orphaned by crashed or partitioned readers.
type Sweeper struct {
	store    repository.SubscriberStore
	interval time.Duration
	log      *logger.Logger
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper creates a sweeper with the given sweep period.
func NewSweeper(store repository.SubscriberStore, interval time.Duration, log *logger.Logger) *Sweeper {
	if log == nil {
		log = logger.Default()
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		log:      log.WithFields(zap.String("component", "subscriber_sweeper")),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop in a background goroutine.
func (s *Sweeper) Start() {
	go s.loop()
}

// Stop terminates the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Sweeper) loop() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	expired, err := s.store.ExpireSubscribers(ctx, time.Now().UTC())
	if err != nil {
		s.log.WithError(err).Warn("subscriber sweep failed")
		return
	}
	if expired > 0 {
		s.log.Info("expired stale subscribers", zap.Int64("count", expired))
	}
}
