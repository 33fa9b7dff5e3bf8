package database

import "time"

// Project is a tenant record. The engine only reads projects (the
// projectExists lookup at session creation); ownership of the table
// belongs to the excluded dashboard layer.
type Project struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	Name      string    `gorm:"not null" json:"name"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// SessionLog is one persisted command/output event. Records are pushed
// at-least-once by the log batcher; the unique (session_id, sequence)
// index makes redelivery idempotent.
type SessionLog struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID string    `gorm:"not null;size:64;uniqueIndex:idx_session_seq" json:"session_id"`
	UserID    string    `gorm:"size:64" json:"user_id,omitempty"`
	Type      string    `gorm:"not null;size:16" json:"type"`
	Sequence  uint64    `gorm:"not null;uniqueIndex:idx_session_seq" json:"sequence"`
	Content   string    `gorm:"type:text" json:"content"`
	Timestamp time.Time `gorm:"not null;index" json:"timestamp"`
}
