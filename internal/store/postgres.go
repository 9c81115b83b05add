package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"batch-pipeline/internal/domain"
	"batch-pipeline/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies database connectivity for health probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateBatchParams collects inputs required to insert a batch.
type CreateBatchParams struct {
	CustomerID  int64
	UserID      int64
	ProfileID   int64
	FileName    string
	StoragePath string
}

// CreateBatch inserts a batch row in status received.
func (s *Store) CreateBatch(ctx context.Context, p CreateBatchParams) (models.Batch, error) {
	now := time.Now().UTC()
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO batches (customer_id, user_id, profile_id, file_name, storage_path, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, p.CustomerID, p.UserID, p.ProfileID, p.FileName, p.StoragePath, models.StatusReceived, now).Scan(&id)
	if err != nil {
		return models.Batch{}, fmt.Errorf("insert batch: %w", err)
	}
	return models.Batch{
		ID:          id,
		CustomerID:  p.CustomerID,
		UserID:      p.UserID,
		ProfileID:   p.ProfileID,
		FileName:    p.FileName,
		StoragePath: p.StoragePath,
		Status:      models.StatusReceived,
		CreatedAt:   now,
	}, nil
}

// GetBatch fetches a batch by id.
func (s *Store) GetBatch(ctx context.Context, id int64) (models.Batch, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, customer_id, user_id, profile_id, file_name, storage_path, processed_path, status, created_at, completed_at
		FROM batches WHERE id = $1
	`, id)
	b, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Batch{}, domain.NotFound("batch", id)
	}
	if err != nil {
		return models.Batch{}, fmt.Errorf("scan batch: %w", err)
	}
	return b, nil
}

// ListBatchesByCustomer returns a customer's batches, newest first.
func (s *Store) ListBatchesByCustomer(ctx context.Context, customerID int64) ([]models.Batch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, customer_id, user_id, profile_id, file_name, storage_path, processed_path, status, created_at, completed_at
		FROM batches WHERE customer_id = $1
		ORDER BY created_at DESC
	`, customerID)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	batches := []models.Batch{}
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// SetBatchStatus updates only the status column.
func (s *Store) SetBatchStatus(ctx context.Context, id int64, status string) error {
	_, err := s.pool.Exec(ctx, `UPDATE batches SET status = $2 WHERE id = $1`, id, status)
	return err
}

// MarkBatchCompleted records the terminal success state with its artifact path.
func (s *Store) MarkBatchCompleted(ctx context.Context, id int64, processedPath string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE batches SET status = $2, processed_path = $3, completed_at = $4 WHERE id = $1
	`, id, models.StatusCompleted, processedPath, at)
	return err
}

// MarkBatchFailed records the terminal failure state.
func (s *Store) MarkBatchFailed(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE batches SET status = $2 WHERE id = $1`, id, models.StatusFailed)
	return err
}

// AppendLog adds one immutable log entry to a batch's trail.
func (s *Store) AppendLog(ctx context.Context, batchID int64, message, category string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processing_logs (batch_id, message, category, recorded_at)
		VALUES ($1, $2, $3, NOW())
	`, batchID, message, category)
	return err
}

// ListLogs returns a batch's log trail in either chronological direction.
func (s *Store) ListLogs(ctx context.Context, batchID int64, descending bool) ([]models.ProcessingLog, error) {
	order := "ASC"
	if descending {
		order = "DESC"
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, batch_id, message, category, recorded_at
		FROM processing_logs WHERE batch_id = $1
		ORDER BY recorded_at %s, id %s
	`, order, order), batchID)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	logs := []models.ProcessingLog{}
	for rows.Next() {
		var l models.ProcessingLog
		if err := rows.Scan(&l.ID, &l.BatchID, &l.Message, &l.Category, &l.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// GetCustomer fetches a customer by id.
func (s *Store) GetCustomer(ctx context.Context, id int64) (models.Customer, error) {
	var c models.Customer
	var company pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, email, company, active, created_at FROM customers WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &c.Email, &company, &c.Active, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Customer{}, domain.NotFound("customer", id)
	}
	if err != nil {
		return models.Customer{}, fmt.Errorf("scan customer: %w", err)
	}
	c.Company = textPtr(company)
	return c, nil
}

// GetProfile fetches a processing profile by id.
func (s *Store) GetProfile(ctx context.Context, id int64) (models.Profile, error) {
	var p models.Profile
	var fileType, delimiter, templateID pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT id, customer_id, name, file_type, delimiter, template_id FROM profiles WHERE id = $1
	`, id).Scan(&p.ID, &p.CustomerID, &p.Name, &fileType, &delimiter, &templateID)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Profile{}, domain.NotFound("profile", id)
	}
	if err != nil {
		return models.Profile{}, fmt.Errorf("scan profile: %w", err)
	}
	p.FileType = textPtr(fileType)
	p.Delimiter = textPtr(delimiter)
	p.TemplateID = textPtr(templateID)
	return p, nil
}

// GetUser fetches a user by id.
func (s *Store) GetUser(ctx context.Context, id int64) (models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, email FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.Name, &u.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, domain.NotFound("user", id)
	}
	if err != nil {
		return models.User{}, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}

// Summary aggregates counts for the operations dashboard.
type Summary struct {
	CustomersTotal  int64 `json:"customers_total"`
	CustomersActive int64 `json:"customers_active"`
	BatchesTotal    int64 `json:"batches_total"`
	BatchesQueued   int64 `json:"batches_queued"`
	BatchesRunning  int64 `json:"batches_running"`
	BatchesDone     int64 `json:"batches_done"`
	BatchesFailed   int64 `json:"batches_failed"`
	LogsTotal       int64 `json:"logs_total"`
	LogsToday       int64 `json:"logs_today"`
	LogsError       int64 `json:"logs_error"`
}

// DashboardSummary computes all dashboard counts in three round trips.
func (s *Store) DashboardSummary(ctx context.Context) (Summary, error) {
	var sum Summary
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE active) FROM customers
	`).Scan(&sum.CustomersTotal, &sum.CustomersActive); err != nil {
		return Summary{}, fmt.Errorf("count customers: %w", err)
	}
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = $1),
		       COUNT(*) FILTER (WHERE status = $2),
		       COUNT(*) FILTER (WHERE status = $3),
		       COUNT(*) FILTER (WHERE status = $4)
		FROM batches
	`, models.StatusReceived, models.StatusProcessing, models.StatusCompleted, models.StatusFailed).
		Scan(&sum.BatchesTotal, &sum.BatchesQueued, &sum.BatchesRunning, &sum.BatchesDone, &sum.BatchesFailed); err != nil {
		return Summary{}, fmt.Errorf("count batches: %w", err)
	}
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE recorded_at >= date_trunc('day', NOW())),
		       COUNT(*) FILTER (WHERE category = $1)
		FROM processing_logs
	`, models.LogError).Scan(&sum.LogsTotal, &sum.LogsToday, &sum.LogsError); err != nil {
		return Summary{}, fmt.Errorf("count logs: %w", err)
	}
	return sum, nil
}

func scanBatch(row pgx.Row) (models.Batch, error) {
	var b models.Batch
	var processed pgtype.Text
	var completed pgtype.Timestamptz
	if err := row.Scan(&b.ID, &b.CustomerID, &b.UserID, &b.ProfileID, &b.FileName, &b.StoragePath,
		&processed, &b.Status, &b.CreatedAt, &completed); err != nil {
		return models.Batch{}, err
	}
	b.ProcessedPath = textPtr(processed)
	if completed.Valid {
		t := completed.Time
		b.CompletedAt = &t
	}
	return b, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
