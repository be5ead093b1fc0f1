package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"class-mirror-backend/internal/model"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

// Store defines the interface for all database operations.
type Store interface {
	RecordChanges(ctx context.Context, records []model.ChangeRecord) error
	ListChanges(ctx context.Context, limit int) ([]model.ChangeRecord, error)
	PutSubscription(ctx context.Context, sub model.PushSubscription) error
	GetSubscription(ctx context.Context, endpoint string) (model.PushSubscription, error)
	DeleteSubscription(ctx context.Context, endpoint string) error
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

// RecordChanges appends audit entries in one transaction.
func (s *gormStore) RecordChanges(ctx context.Context, records []model.ChangeRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.CreateInBatches(&records, 100).Error; err != nil {
			return fmt.Errorf("failed to record %d changes: %w", len(records), err)
		}
		return nil
	})
}

// ListChanges returns the most recent audit entries, newest first.
func (s *gormStore) ListChanges(ctx context.Context, limit int) ([]model.ChangeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []model.ChangeRecord
	if err := s.db.WithContext(ctx).
		Order("detected_at DESC, id DESC").
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	return records, nil
}

// PutSubscription creates a subscription or replaces its keys and preferences.
func (s *gormStore) PutSubscription(ctx context.Context, sub model.PushSubscription) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "endpoint"}},
		DoUpdates: clause.AssignmentColumns([]string{"p256dh", "auth", "cancellations", "failures"}),
	}).Create(&sub).Error
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

// GetSubscription loads a subscription by endpoint.
func (s *gormStore) GetSubscription(ctx context.Context, endpoint string) (model.PushSubscription, error) {
	var sub model.PushSubscription
	err := s.db.WithContext(ctx).First(&sub, "endpoint = ?", endpoint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sub, ErrNotFound
	}
	if err != nil {
		return sub, fmt.Errorf("failed to load subscription: %w", err)
	}
	return sub, nil
}

// DeleteSubscription removes a subscription. Deleting a missing one is not an error.
func (s *gormStore) DeleteSubscription(ctx context.Context, endpoint string) error {
	if err := s.db.WithContext(ctx).Delete(&model.PushSubscription{Endpoint: endpoint}).Error; err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}
