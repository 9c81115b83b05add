// Package batch implements the submission path: validate references, persist
// the raw file, create the batch record, and hand it to the processing queue.
package batch

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"batch-pipeline/internal/domain"
	"batch-pipeline/internal/models"
	"batch-pipeline/internal/store"
)

// Store is the persistence contract the submission path needs.
type Store interface {
	GetCustomer(ctx context.Context, id int64) (models.Customer, error)
	GetProfile(ctx context.Context, id int64) (models.Profile, error)
	GetUser(ctx context.Context, id int64) (models.User, error)
	CreateBatch(ctx context.Context, p store.CreateBatchParams) (models.Batch, error)
	AppendLog(ctx context.Context, batchID int64, message, category string) error
}

// ObjectStore writes raw file bytes.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Publisher enqueues a processing envelope.
type Publisher interface {
	Publish(ctx context.Context, env models.Envelope) error
}

// Service is the submission handler.
type Service struct {
	store     Store
	objects   ObjectStore
	publisher Publisher
	logger    zerolog.Logger
}

// NewService wires the submission handler.
func NewService(st Store, objects ObjectStore, pub Publisher, logger zerolog.Logger) *Service {
	return &Service{store: st, objects: objects, publisher: pub, logger: logger}
}

// SubmitParams is one upload request.
type SubmitParams struct {
	CustomerID int64
	ProfileID  int64
	UserID     int64
	FileName   string
	FileBase64 string
}

// SubmitResult is returned to the caller once the batch is queued.
type SubmitResult struct {
	BatchID   int64     `json:"batch_id"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Submit runs the submission sequence. Reference checks and payload decoding
// happen before any side effect; after that the steps are best-effort across
// storage, database, and queue (no distributed transaction). The envelope is
// published only after the batch row is durably created.
func (s *Service) Submit(ctx context.Context, p SubmitParams) (SubmitResult, error) {
	if _, err := s.store.GetCustomer(ctx, p.CustomerID); err != nil {
		return SubmitResult{}, err
	}
	if _, err := s.store.GetProfile(ctx, p.ProfileID); err != nil {
		return SubmitResult{}, err
	}
	if _, err := s.store.GetUser(ctx, p.UserID); err != nil {
		return SubmitResult{}, err
	}
	if p.FileName == "" {
		return SubmitResult{}, domain.InvalidInput("file name is required")
	}
	data, err := base64.StdEncoding.DecodeString(p.FileBase64)
	if err != nil {
		return SubmitResult{}, domain.InvalidInput("file payload is not valid base64")
	}
	if len(data) == 0 {
		return SubmitResult{}, domain.InvalidInput("file payload is empty")
	}

	key := fmt.Sprintf("batches/%s/%s", uuid.New(), p.FileName)
	path, err := s.objects.Put(ctx, key, data, "application/octet-stream")
	if err != nil {
		return SubmitResult{}, err
	}

	b, err := s.store.CreateBatch(ctx, store.CreateBatchParams{
		CustomerID:  p.CustomerID,
		UserID:      p.UserID,
		ProfileID:   p.ProfileID,
		FileName:    p.FileName,
		StoragePath: path,
	})
	if err != nil {
		// The stored object is orphaned here; accepted best-effort gap.
		return SubmitResult{}, err
	}

	if err := s.store.AppendLog(ctx, b.ID, "upload accepted", models.LogInfo); err != nil {
		return SubmitResult{}, fmt.Errorf("append submission log: %w", err)
	}

	if err := s.publisher.Publish(ctx, models.Envelope{
		BatchID:     b.ID,
		CustomerID:  b.CustomerID,
		FileName:    b.FileName,
		StoragePath: b.StoragePath,
		ProfileID:   b.ProfileID,
	}); err != nil {
		// The batch stays in received and is never picked up; surfaced to the
		// caller so it can be resubmitted.
		s.logger.Error().Err(err).Int64("batch_id", b.ID).Msg("publish after create failed")
		return SubmitResult{}, fmt.Errorf("publish processing message: %w", err)
	}

	s.logger.Info().Int64("batch_id", b.ID).Int64("customer_id", b.CustomerID).
		Str("file", b.FileName).Msg("batch submitted")

	return SubmitResult{
		BatchID:   b.ID,
		Status:    b.Status,
		Message:   "file accepted for processing",
		CreatedAt: b.CreatedAt,
	}, nil
}
