package models

import (
	"time"
)

// BatchStatus values persisted in Postgres. A batch moves
// received -> processing -> completed|failed; a failed batch re-enters
// processing when its message is redelivered.
const (
	StatusReceived   = "received"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Log categories for processing log entries.
const (
	LogInfo    = "info"
	LogSuccess = "success"
	LogError   = "error"
)

// Batch is one submitted file and its processing lifecycle record.
type Batch struct {
	ID            int64      `json:"id"`
	CustomerID    int64      `json:"customer_id"`
	UserID        int64      `json:"user_id"`
	ProfileID     int64      `json:"profile_id"`
	FileName      string     `json:"file_name"`
	StoragePath   string     `json:"storage_path"`
	ProcessedPath *string    `json:"processed_path,omitempty"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// ProcessingLog is one immutable entry in a batch's log trail.
type ProcessingLog struct {
	ID         int64     `json:"id"`
	BatchID    int64     `json:"batch_id"`
	Message    string    `json:"message"`
	Category   string    `json:"category"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Envelope is the queue message produced once per batch at submission.
// It carries the fields the worker needs to start processing without a
// synchronous lookup.
type Envelope struct {
	BatchID     int64  `json:"batchId"`
	CustomerID  int64  `json:"customerId"`
	FileName    string `json:"fileName"`
	StoragePath string `json:"storagePath"`
	ProfileID   int64  `json:"profileId"`
}

// Customer owns processing profiles and submitted batches.
type Customer struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Company   *string   `json:"company,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Profile describes how a customer's files are parsed and rendered.
type Profile struct {
	ID         int64   `json:"id"`
	CustomerID int64   `json:"customer_id"`
	Name       string  `json:"name"`
	FileType   *string `json:"file_type,omitempty"`
	Delimiter  *string `json:"delimiter,omitempty"`
	TemplateID *string `json:"template_id,omitempty"`
}

// User is the operator who submitted a batch.
type User struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}
