// Package project provides the read-only tenant directory consulted at
// session creation. The engine never creates or mutates project records;
// the dashboard layer owns them.
package project

import (
	"context"
	"errors"
	"fmt"

	"github.com/sessmux/sessmux/internal/database"
	"gorm.io/gorm"
)

// Directory answers existence checks for project (tenant) identifiers.
type Directory interface {
	Exists(ctx context.Context, projectID string) (bool, error)
}

// DBDirectory looks projects up in the shared database.
type DBDirectory struct {
	db *gorm.DB
}

func NewDBDirectory(db *gorm.DB) *DBDirectory {
	return &DBDirectory{db: db}
}

func (d *DBDirectory) Exists(ctx context.Context, projectID string) (bool, error) {
	var p database.Project
	err := d.db.WithContext(ctx).Select("id").First(&p, "id = ?", projectID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("project lookup: %w", err)
	}
	return true, nil
}

// StaticDirectory is an in-memory directory for tests and single-tenant
// deployments without a seeded project table.
type StaticDirectory map[string]bool

func (d StaticDirectory) Exists(_ context.Context, projectID string) (bool, error) {
	return d[projectID], nil
}
