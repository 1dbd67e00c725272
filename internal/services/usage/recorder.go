// Package usage persists routing attempts to the usage store. Writes are
// batched on a background worker so the request path never blocks on the
// database.
package usage

import (
	"context"
	"time"

	"github.com/lanternhq/modelgate/internal/models"
	"github.com/lanternhq/modelgate/internal/services/database"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

const (
	defaultBatchSize     = 64
	defaultFlushInterval = 5 * time.Second
	defaultQueueSize     = 4096
)

// Recorder buffers routing attempts and flushes them in batches.
type Recorder struct {
	db            *database.DB
	queue         chan models.RoutingAttempt
	done          chan struct{}
	batchSize     int
	flushInterval time.Duration
}

// NewRecorder starts the flush worker. Call Stop to drain and shut down.
func NewRecorder(db *database.DB) *Recorder {
	r := &Recorder{
		db:            db,
		queue:         make(chan models.RoutingAttempt, defaultQueueSize),
		done:          make(chan struct{}),
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
	}
	go r.run()
	return r
}

// RecordAttempt enqueues one attempt. When the queue is full the attempt is
// dropped rather than stalling the request path.
func (r *Recorder) RecordAttempt(attempt models.RoutingAttempt) {
	select {
	case r.queue <- attempt:
	default:
		fiberlog.Warnf("[%s] usage queue full, dropping attempt record", attempt.RequestID)
	}
}

// Stop drains the queue and stops the worker.
func (r *Recorder) Stop() {
	close(r.queue)
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]models.RoutingAttempt, 0, r.batchSize)
	for {
		select {
		case attempt, ok := <-r.queue:
			if !ok {
				r.flush(batch)
				return
			}
			batch = append(batch, attempt)
			if len(batch) >= r.batchSize {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (r *Recorder) flush(batch []models.RoutingAttempt) {
	if len(batch) == 0 {
		return
	}

	records := make([]models.UsageRecord, len(batch))
	for i, a := range batch {
		records[i] = models.UsageRecord{
			RequestID:    a.RequestID,
			Provider:     a.ProviderID,
			Model:        a.ModelID,
			Capability:   string(a.Capability),
			Outcome:      string(a.Outcome),
			ErrorKind:    string(a.ErrorKind),
			TokensInput:  a.Usage.InputTokens,
			TokensOutput: a.Usage.OutputTokens,
			LatencyMs:    int(a.Latency.Milliseconds()),
			Caller:       string(a.Caller),
			AttemptedAt:  a.Timestamp,
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := r.db.WithContext(ctx).Create(&records).Error; err != nil {
		fiberlog.Errorf("Usage: failed to persist %d attempt records: %v", len(records), err)
	}
}
