// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Session
// model: creation, lookup, get-or-create semantics, and activity updates.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-agent-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// CreateSession inserts a new Session row. When id is empty a UUID is
// generated; callers may supply their own opaque identifier.
func CreateSession(ctx context.Context, db *gorm.DB, id, projectTag string) (*domain.Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	s := &domain.Session{
		ID:           id,
		ProjectTag:   projectTag,
		CreatedAt:    now,
		LastActivity: now,
	}
	if err := db.WithContext(ctx).Create(s).Error; err != nil {
		return nil, err
	}
	return s, nil
}

// GetSession fetches a session by ID, or ErrNotFound if missing.
func GetSession(ctx context.Context, db *gorm.DB, id string) (*domain.Session, error) {
	var s domain.Session
	err := db.WithContext(ctx).Where("id = ?", id).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetOrCreateSession returns the session with the given ID, creating it on
// first sight. A non-empty projectTag is applied only on creation; existing
// sessions keep their original tag.
func GetOrCreateSession(ctx context.Context, db *gorm.DB, id, projectTag string) (*domain.Session, bool, error) {
	if id != "" {
		s, err := GetSession(ctx, db, id)
		if err == nil {
			return s, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
	}
	s, err := CreateSession(ctx, db, id, projectTag)
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

// TouchSession bumps LastActivity to now. Sessions are otherwise immutable
// from the pipeline's point of view.
func TouchSession(db *gorm.DB, id string) error {
	return db.Model(&domain.Session{}).
		Where("id = ?", id).
		Update("last_activity", time.Now().UTC()).Error
}

// CountSessions returns the total number of sessions.
func CountSessions(ctx context.Context, db *gorm.DB) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.Session{}).Count(&total).Error
	return total, err
}
