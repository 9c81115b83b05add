// Package worker drives the processing engine: a long-lived consumer that
// takes one message at a time from the queue and walks the referenced batch
// through received -> processing -> completed|failed.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"batch-pipeline/internal/config"
	"batch-pipeline/internal/domain"
	"batch-pipeline/internal/models"
	"batch-pipeline/internal/queue"
	"batch-pipeline/internal/telemetry"
)

// BatchStore is the persistence contract the engine needs.
type BatchStore interface {
	GetBatch(ctx context.Context, id int64) (models.Batch, error)
	SetBatchStatus(ctx context.Context, id int64, status string) error
	MarkBatchCompleted(ctx context.Context, id int64, processedPath string, at time.Time) error
	MarkBatchFailed(ctx context.Context, id int64) error
	AppendLog(ctx context.Context, batchID int64, message, category string) error
	GetProfile(ctx context.Context, id int64) (models.Profile, error)
}

// ObjectStore reads the raw file and writes the processed artifact.
type ObjectStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Delivery is one in-flight message to settle. Satisfied by queue.Delivery.
type Delivery interface {
	Payload() []byte
	Ack(ctx context.Context) error
	Nack(ctx context.Context, requeue bool) error
}

// Processor is the consumer loop.
type Processor struct {
	cfg     config.Config
	queue   *queue.RedisQueue
	store   BatchStore
	objects ObjectStore
	logger  zerolog.Logger
}

// NewProcessor wires the engine.
func NewProcessor(cfg config.Config, q *queue.RedisQueue, st BatchStore, objects ObjectStore, logger zerolog.Logger) *Processor {
	return &Processor{cfg: cfg, queue: q, store: st, objects: objects, logger: logger}
}

// Run consumes until context cancellation. Strict one-message-in-flight:
// the next dequeue never happens before the current delivery is settled.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if reclaimed, err := p.queue.RequeueExpired(ctx, time.Now(), 100); err == nil && reclaimed > 0 {
			p.logger.Warn().Int("count", reclaimed).Msg("requeued expired in-flight messages")
		}
		if depth, err := p.queue.Depth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		d, err := p.queue.Dequeue(ctx)
		if err != nil {
			p.logger.Error().Err(err).Msg("dequeue failed")
			p.sleep(ctx, p.cfg.WorkerPollInterval)
			continue
		}
		if d == nil {
			p.sleep(ctx, p.cfg.WorkerPollInterval)
			continue
		}
		p.process(ctx, d)
	}
}

// process settles exactly one delivery: ack on success or on a permanently
// unprocessable message, nack with requeue on any processing failure.
func (p *Processor) process(ctx context.Context, d Delivery) {
	var env models.Envelope
	if err := json.Unmarshal(d.Payload(), &env); err != nil {
		p.logger.Warn().Err(err).Msg("dropping malformed message")
		telemetry.MessagesDropped.Inc()
		_ = d.Nack(ctx, false)
		return
	}

	b, err := p.store.GetBatch(ctx, env.BatchID)
	if errors.Is(err, domain.ErrNotFound) {
		// A missing batch is not transient; ack and drop.
		p.logger.Warn().Int64("batch_id", env.BatchID).Msg("batch not found, dropping message")
		telemetry.MessagesDropped.Inc()
		_ = d.Ack(ctx)
		return
	}
	if err != nil {
		p.logger.Error().Err(err).Int64("batch_id", env.BatchID).Msg("batch lookup failed, requeueing")
		_ = d.Nack(ctx, true)
		return
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	if err := p.handle(ctx, env); err != nil {
		p.recordFailure(ctx, env.BatchID, err)
		_ = d.Nack(ctx, true)
		telemetry.BatchesFailed.Inc()
		return
	}

	_ = d.Ack(ctx)
	telemetry.BatchesCompleted.Inc()
	p.logger.Info().Int64("batch_id", b.ID).Msg("batch processed")
}

func (p *Processor) handle(ctx context.Context, env models.Envelope) error {
	if err := p.store.SetBatchStatus(ctx, env.BatchID, models.StatusProcessing); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	if err := p.store.AppendLog(ctx, env.BatchID, "processing started", models.LogInfo); err != nil {
		return fmt.Errorf("append log: %w", err)
	}

	data, err := p.objects.Get(ctx, env.StoragePath)
	if err != nil {
		return err
	}

	profile, err := p.store.GetProfile(ctx, env.ProfileID)
	if err != nil {
		return err
	}
	delimiter := ","
	if profile.Delimiter != nil && *profile.Delimiter != "" {
		delimiter = *profile.Delimiter
	}

	records := ParseRecords(string(data), delimiter)
	if err := p.store.AppendLog(ctx, env.BatchID, fmt.Sprintf("processed %d records", len(records)), models.LogInfo); err != nil {
		return fmt.Errorf("append log: %w", err)
	}

	artifact := RenderOutput(records)
	p.simulateRender(ctx, len(records))

	outKey := fmt.Sprintf("processed/%d/%s.out", env.BatchID, env.FileName)
	path, err := p.objects.Put(ctx, outKey, artifact, "text/plain")
	if err != nil {
		return err
	}
	if err := p.store.AppendLog(ctx, env.BatchID, fmt.Sprintf("generated %d output documents", len(records)), models.LogInfo); err != nil {
		return fmt.Errorf("append log: %w", err)
	}

	if err := p.store.MarkBatchCompleted(ctx, env.BatchID, path, time.Now().UTC()); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if err := p.store.AppendLog(ctx, env.BatchID, "processing completed", models.LogSuccess); err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

// recordFailure flips the batch to failed with an error log entry. The batch
// is re-fetched first: it may have advanced, or been deleted administratively.
func (p *Processor) recordFailure(ctx context.Context, batchID int64, cause error) {
	p.logger.Error().Err(cause).Int64("batch_id", batchID).Msg("processing failed")

	if _, err := p.store.GetBatch(ctx, batchID); err != nil {
		p.logger.Warn().Err(err).Int64("batch_id", batchID).Msg("cannot record failure")
		return
	}
	if err := p.store.MarkBatchFailed(ctx, batchID); err != nil {
		p.logger.Error().Err(err).Int64("batch_id", batchID).Msg("mark failed errored")
	}
	if err := p.store.AppendLog(ctx, batchID, fmt.Sprintf("processing error: %v", cause), models.LogError); err != nil {
		p.logger.Error().Err(err).Int64("batch_id", batchID).Msg("append error log errored")
	}
}

// simulateRender stands in for output generation time, proportional to the
// record count and capped.
func (p *Processor) simulateRender(ctx context.Context, records int) {
	delay := time.Duration(records) * p.cfg.RenderDelayPerRecord
	if delay > p.cfg.RenderDelayMax {
		delay = p.cfg.RenderDelayMax
	}
	if delay <= 0 {
		return
	}
	p.sleep(ctx, delay)
}

func (p *Processor) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
