package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"clinicbook/internal/clock"
	"clinicbook/internal/database"
	"clinicbook/internal/metrics"
	"clinicbook/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DeliveryStore is the durable outbox the worker drains.
type DeliveryStore interface {
	GetPendingDeliveries(ctx context.Context, now time.Time, limit int) ([]database.PendingDelivery, error)
	MarkDeliveryCompleted(ctx context.Context, eventID int64, at time.Time) error
	MarkDeliveryRetry(ctx context.Context, eventID int64, retryCount int, lastErr string, nextRetryAt time.Time) error
	MarkDeliveryFailed(ctx context.Context, eventID int64, retryCount int, lastErr string, at time.Time) error
}

// Dispatcher hands one committed event to the notification collaborators.
type Dispatcher interface {
	Deliver(ctx context.Context, event *models.BookingEvent) error
}

// OutboxOptions tunes polling and retries. Zero values fall back to defaults.
type OutboxOptions struct {
	PollInterval time.Duration
	BatchSize    int
	Retry        RetryPolicy
	Clock        clock.Clock
}

// OutboxWorker delivers booking events recorded by committed transitions.
// Delivery is at-least-once: an event is marked completed only after every
// handler succeeded.
type OutboxWorker struct {
	store         DeliveryStore
	dispatcher    Dispatcher
	redis         *redis.Client
	retryPolicy   RetryPolicy
	clock         clock.Clock
	wake          chan struct{}
	deadLetterKey string
	pollInterval  time.Duration
	batchSize     int
	logger        *zerolog.Logger
}

// NewOutboxWorker builds a worker. redisClient is optional and only used for
// the dead-letter list.
func NewOutboxWorker(store DeliveryStore, dispatcher Dispatcher, redisClient *redis.Client, opts OutboxOptions, logger *zerolog.Logger) *OutboxWorker {
	retry := opts.Retry
	if retry.MaxRetries == 0 {
		retry.MaxRetries = 5
	}
	if retry.InitialDelay == 0 {
		retry.InitialDelay = 2 * time.Second
	}
	if retry.MaxDelay == 0 {
		retry.MaxDelay = time.Minute
	}
	if retry.BackoffFactor == 0 {
		retry.BackoffFactor = 2
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	return &OutboxWorker{
		store:         store,
		dispatcher:    dispatcher,
		redis:         redisClient,
		retryPolicy:   retry,
		clock:         opts.Clock,
		wake:          make(chan struct{}, 1),
		deadLetterKey: "outbox:deadletter",
		pollInterval:  opts.PollInterval,
		batchSize:     opts.BatchSize,
		logger:        logger,
	}
}

// Notify asks the worker to poll now instead of waiting for the next tick.
// It never blocks.
func (w *OutboxWorker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Start runs the delivery loop until ctx is done.
func (w *OutboxWorker) Start(ctx context.Context) {
	w.logger.Info().Dur("poll_interval", w.pollInterval).Msg("outbox worker started")
	defer w.logger.Info().Msg("outbox worker stopped")

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		// Drain full batches before sleeping again.
		for w.RunOnce(ctx) == w.batchSize {
			if ctx.Err() != nil {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.wake:
		}
	}
}

// RunOnce processes one batch of due deliveries and returns its size.
func (w *OutboxWorker) RunOnce(ctx context.Context) int {
	pending, err := w.store.GetPendingDeliveries(ctx, w.clock.Now(), w.batchSize)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error().Err(err).Msg("fetch pending deliveries")
		}
		return 0
	}

	for i := range pending {
		if ctx.Err() != nil {
			return i
		}
		w.process(ctx, &pending[i])
	}
	return len(pending)
}

func (w *OutboxWorker) process(ctx context.Context, p *database.PendingDelivery) {
	if err := w.dispatcher.Deliver(ctx, &p.Event); err != nil {
		w.retryOrFail(ctx, p, err)
		return
	}

	if err := w.store.MarkDeliveryCompleted(ctx, p.Event.ID, w.clock.Now()); err != nil {
		w.logger.Error().Err(err).Int64("event_id", p.Event.ID).Msg("mark delivery completed")
		return
	}
	metrics.IncOutbox(models.DeliveryCompleted)
	w.logger.Debug().Int64("event_id", p.Event.ID).Str("type", p.Event.Type).Msg("event delivered")
}

func (w *OutboxWorker) retryOrFail(ctx context.Context, p *database.PendingDelivery, cause error) {
	attempt := p.Delivery.RetryCount + 1
	now := w.clock.Now()
	log := w.logger.With().Int64("event_id", p.Event.ID).Str("type", p.Event.Type).Int("attempt", attempt).Logger()

	if attempt >= w.retryPolicy.MaxRetries {
		if err := w.store.MarkDeliveryFailed(ctx, p.Event.ID, attempt, cause.Error(), now); err != nil {
			log.Error().Err(err).Msg("mark delivery failed")
		}
		metrics.IncOutbox(models.DeliveryFailed)
		log.Error().Err(cause).Msg("event delivery gave up")
		w.pushDeadLetter(ctx, p, cause)
		return
	}

	next := now.Add(w.retryPolicy.NextDelay(attempt))
	if err := w.store.MarkDeliveryRetry(ctx, p.Event.ID, attempt, cause.Error(), next); err != nil {
		log.Error().Err(err).Msg("mark delivery retry")
	}
	metrics.IncOutbox(models.DeliveryRetry)
	log.Warn().Err(cause).Time("next_retry_at", next).Msg("event delivery failed, will retry")
}

type deadLetter struct {
	Event models.BookingEvent `json:"event"`
	Error string              `json:"error"`
}

func (w *OutboxWorker) pushDeadLetter(ctx context.Context, p *database.PendingDelivery, cause error) {
	if w.redis == nil {
		return
	}
	data, err := json.Marshal(deadLetter{Event: p.Event, Error: cause.Error()})
	if err != nil {
		w.logger.Error().Err(err).Int64("event_id", p.Event.ID).Msg("encode dead letter")
		return
	}
	if err := w.redis.LPush(ctx, w.deadLetterKey, data).Err(); err != nil && !errors.Is(err, context.Canceled) {
		w.logger.Error().Err(err).Int64("event_id", p.Event.ID).Msg("dead letter push")
	}
}
