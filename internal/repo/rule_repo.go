// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides read-side repository functions for the
// ModerationRule model. Rules are administered externally and consumed by
// the moderation snapshot compiler.
package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/go-agent-backend/internal/domain"
)

// ListActiveModerationRules returns all active moderation rules ordered by
// insertion (ID ASC), the order in which the moderator evaluates them.
func ListActiveModerationRules(ctx context.Context, db *gorm.DB) ([]domain.ModerationRule, error) {
	var out []domain.ModerationRule
	err := db.WithContext(ctx).
		Where("active = ?", true).
		Order("id ASC").
		Find(&out).Error
	return out, err
}
