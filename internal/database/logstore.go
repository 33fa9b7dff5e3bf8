package database

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SessionLogStore persists batched session log records. It is the
// production sink for the log batcher.
type SessionLogStore struct {
	db *gorm.DB
}

func NewSessionLogStore(db *gorm.DB) *SessionLogStore {
	return &SessionLogStore{db: db}
}

// WriteBatch inserts a batch of log records in one transaction. Records
// that already exist (same session_id and sequence) are skipped, so a
// retried batch never duplicates rows.
func (s *SessionLogStore) WriteBatch(ctx context.Context, records []SessionLog) error {
	if len(records) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&records).Error
	if err != nil {
		return fmt.Errorf("write log batch: %w", err)
	}
	return nil
}

// ListSessionLogs returns up to limit records for a session, ordered by
// sequence. Used by the diagnostics endpoint.
func ListSessionLogs(ctx context.Context, db *gorm.DB, sessionID string, limit int) ([]SessionLog, error) {
	if limit <= 0 {
		limit = 500
	}
	var logs []SessionLog
	err := db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("sequence asc").
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("list session logs: %w", err)
	}
	return logs, nil
}
