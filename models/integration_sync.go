package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

const (
	SyncRunStatusQueued  = "queued"
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusFailed  = "failed"
	SyncRunStatusPartial = "partial"
	SyncRunStatusAborted = "aborted"
)

const (
	SyncTriggeredManual  = "manual"
	SyncTriggeredPolling = "polling"
	SyncTriggeredWebhook = "webhook"
	SyncTriggeredPubSub  = "pubsub"
)

// SyncRun tracks one bulk sync requested through the API or Pub/Sub.
type SyncRun struct {
	ID          uint       `gorm:"primary_key" json:"id"`
	CompanyId   string     `gorm:"size:64;index" json:"company_id"`
	Status      string     `gorm:"size:20;not null" json:"status"`
	TriggeredBy string     `gorm:"size:20" json:"triggered_by"`
	Total       int        `json:"total"`
	Synced      int        `json:"synced"`
	NotFound    int        `json:"not_found"`
	ErrorCount  int        `json:"error_count"`
	Remaining   int        `json:"remaining"`
	StartedAt   *time.Time `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at"`
	DurationMs  int64      `json:"duration_ms"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (r SyncRun) IsFinished() bool {
	switch r.Status {
	case SyncRunStatusSuccess, SyncRunStatusFailed, SyncRunStatusPartial, SyncRunStatusAborted:
		return true
	}
	return false
}

// SyncRunError is a per-order failure recorded during a bulk run.
type SyncRunError struct {
	ID        uint      `gorm:"primary_key" json:"id"`
	SyncRunId uint      `gorm:"index;not null" json:"sync_run_id"`
	OrderId   string    `gorm:"size:64" json:"order_id"`
	ErrorCode string    `gorm:"size:64" json:"error_code"`
	Message   string    `gorm:"type:text" json:"message"`
	Retryable bool      `gorm:"default:false" json:"retryable"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type SyncRunStore struct {
	db *gorm.DB
}

func NewSyncRunStore(db *gorm.DB) *SyncRunStore {
	return &SyncRunStore{db: db}
}

func (s *SyncRunStore) Create(ctx context.Context, run *SyncRun) error {
	if run.Status == "" {
		run.Status = SyncRunStatusQueued
	}
	return s.db.WithContext(ctx).Create(run).Error
}

func (s *SyncRunStore) Get(ctx context.Context, id uint) (*SyncRun, error) {
	var run SyncRun
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &run, nil
}

func (s *SyncRunStore) MarkRunning(ctx context.Context, run *SyncRun, at time.Time) error {
	run.Status = SyncRunStatusRunning
	run.StartedAt = &at
	return s.db.WithContext(ctx).Model(run).Updates(map[string]interface{}{
		"status":     run.Status,
		"started_at": at,
	}).Error
}

// Finish stores the final counters and derives the duration from StartedAt.
func (s *SyncRunStore) Finish(ctx context.Context, run *SyncRun, at time.Time) error {
	run.FinishedAt = &at
	if run.StartedAt != nil {
		run.DurationMs = at.Sub(*run.StartedAt).Milliseconds()
	}
	return s.db.WithContext(ctx).Model(run).Updates(map[string]interface{}{
		"status":      run.Status,
		"total":       run.Total,
		"synced":      run.Synced,
		"not_found":   run.NotFound,
		"error_count": run.ErrorCount,
		"remaining":   run.Remaining,
		"finished_at": at,
		"duration_ms": run.DurationMs,
	}).Error
}

func (s *SyncRunStore) RecordError(ctx context.Context, runId uint, orderId, code, message string, retryable bool) error {
	return s.db.WithContext(ctx).Create(&SyncRunError{
		SyncRunId: runId,
		OrderId:   orderId,
		ErrorCode: code,
		Message:   message,
		Retryable: retryable,
	}).Error
}

func (s *SyncRunStore) Recent(ctx context.Context, companyId string, limit int) ([]SyncRun, error) {
	var runs []SyncRun
	q := s.db.WithContext(ctx).Order("id desc").Limit(limit)
	if companyId != "" {
		q = q.Where("company_id = ?", companyId)
	}
	if err := q.Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

func (s *SyncRunStore) Errors(ctx context.Context, runId uint) ([]SyncRunError, error) {
	var errs []SyncRunError
	if err := s.db.WithContext(ctx).Where("sync_run_id = ?", runId).Order("id desc").Find(&errs).Error; err != nil {
		return nil, err
	}
	return errs, nil
}
