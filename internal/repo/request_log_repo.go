// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the append-only
// RequestLog model used by the analytics sink and the admin stats endpoint.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-agent-backend/internal/domain"
)

// CreateRequestLog appends one analytics record. Records are never updated
// or deleted afterwards.
func CreateRequestLog(ctx context.Context, db *gorm.DB, rec *domain.RequestLog) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(rec).Error
}

// RequestLogTotals summarizes the request log for the admin stats endpoint.
type RequestLogTotals struct {
	Total      int64
	Successful int64
}

// CountRequestLogs returns total and successful request-log counts.
func CountRequestLogs(ctx context.Context, db *gorm.DB) (RequestLogTotals, error) {
	var t RequestLogTotals
	if err := db.WithContext(ctx).Model(&domain.RequestLog{}).Count(&t.Total).Error; err != nil {
		return t, err
	}
	err := db.WithContext(ctx).
		Model(&domain.RequestLog{}).
		Where("success = ?", true).
		Count(&t.Successful).Error
	return t, err
}

// ListRecentRequestLogs returns the latest request-log rows, newest first.
func ListRecentRequestLogs(ctx context.Context, db *gorm.DB, limit int) ([]domain.RequestLog, error) {
	if limit <= 0 {
		limit = 10
	}
	var out []domain.RequestLog
	err := db.WithContext(ctx).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
