package models

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// SyncHistoryEntry is an immutable record of one sync attempt for an order.
type SyncHistoryEntry struct {
	ID                string         `gorm:"primary_key;size:36" json:"id"`
	OrderId           string         `gorm:"size:64;index;not null" json:"order_id"`
	CompanyId         string         `gorm:"size:64;index" json:"company_id"`
	Timestamp         time.Time      `gorm:"index;not null" json:"timestamp"`
	PreviousStatus    OrderStatus    `gorm:"size:32" json:"previous_status"`
	NewStatus         OrderStatus    `gorm:"size:32" json:"new_status"`
	PreviousERPStatus string         `gorm:"size:64" json:"previous_erp_status"`
	NewERPStatus      string         `gorm:"size:64" json:"new_erp_status"`
	Success           bool           `gorm:"not null;default:false" json:"success"`
	Message           string         `gorm:"type:text" json:"message"`
	Details           map[string]any `gorm:"serializer:json" json:"details"`
}

type HistoryStore struct {
	db *gorm.DB
}

func NewHistoryStore(db *gorm.DB) *HistoryStore {
	return &HistoryStore{db: db}
}

func (s *HistoryStore) Append(ctx context.Context, entry SyncHistoryEntry) error {
	return s.db.WithContext(ctx).Create(&entry).Error
}

// Recent returns the newest entries first.
func (s *HistoryStore) Recent(ctx context.Context, limit int) ([]SyncHistoryEntry, error) {
	var entries []SyncHistoryEntry
	q := s.db.WithContext(ctx).Order("timestamp desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *HistoryStore) Clear(ctx context.Context) error {
	return s.db.WithContext(ctx).Where("1 = 1").Delete(&SyncHistoryEntry{}).Error
}
