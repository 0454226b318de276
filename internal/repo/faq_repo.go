// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides read-side repository functions for the
// FAQEntry model. Entries are administered externally; the pipeline only
// ever reads active rows in insertion order.
package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/go-agent-backend/internal/domain"
)

// ListActiveFAQEntries returns all active FAQ entries ordered by insertion
// (ID ASC). Insertion order matters: the matcher uses it as the stable
// tie-break for equal scores.
func ListActiveFAQEntries(ctx context.Context, db *gorm.DB) ([]domain.FAQEntry, error) {
	var out []domain.FAQEntry
	err := db.WithContext(ctx).
		Where("active = ?", true).
		Order("id ASC").
		Find(&out).Error
	return out, err
}

// CountActiveFAQEntries returns the number of active FAQ entries.
func CountActiveFAQEntries(ctx context.Context, db *gorm.DB) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.FAQEntry{}).
		Where("active = ?", true).
		Count(&total).Error
	return total, err
}
