package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jbweber/homelab/keaport/internal/domain"
)

// SwitchRepository defines domain-specific operations for switches
type SwitchRepository interface {
	Repository[domain.Switch, int64]
	FindByHostname(ctx context.Context, hostname string) (domain.Switch, error)
}

type switchRepositoryImpl struct {
	db DBTX
}

// NewSwitchRepository creates a new switch repository
func NewSwitchRepository(db DBTX) SwitchRepository {
	return &switchRepositoryImpl{db: db}
}

// Save creates or updates a switch
func (r *switchRepositoryImpl) Save(ctx context.Context, sw domain.Switch) (domain.Switch, error) {
	sw.Hostname = strings.TrimSpace(sw.Hostname)
	if sw.Hostname == "" {
		return domain.Switch{}, fmt.Errorf("switch hostname is required: %w", ErrInvalidEntity)
	}

	if sw.ID == 0 {
		result, err := r.db.ExecContext(ctx, "INSERT INTO switches (hostname) VALUES (?)", sw.Hostname)
		if err != nil {
			if _, ok := uniqueViolation(err); ok {
				return domain.Switch{}, fmt.Errorf("switch %q: %w", sw.Hostname, ErrDuplicate)
			}
			return domain.Switch{}, fmt.Errorf("failed to create switch: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return domain.Switch{}, fmt.Errorf("failed to get switch ID: %w", err)
		}
		sw.ID = id
		return sw, nil
	}

	result, err := r.db.ExecContext(ctx,
		"UPDATE switches SET hostname = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		sw.Hostname, sw.ID)
	if err != nil {
		if _, ok := uniqueViolation(err); ok {
			return domain.Switch{}, fmt.Errorf("switch %q: %w", sw.Hostname, ErrDuplicate)
		}
		return domain.Switch{}, fmt.Errorf("failed to update switch: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return domain.Switch{}, fmt.Errorf("switch %d: %w", sw.ID, ErrNotFound)
	}
	return sw, nil
}

// FindByID finds a switch by ID
func (r *switchRepositoryImpl) FindByID(ctx context.Context, id int64) (domain.Switch, error) {
	var sw domain.Switch
	err := r.db.QueryRowContext(ctx, "SELECT id, hostname FROM switches WHERE id = ?", id).Scan(&sw.ID, &sw.Hostname)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Switch{}, fmt.Errorf("switch %d: %w", id, ErrNotFound)
		}
		return domain.Switch{}, fmt.Errorf("failed to find switch: %w", err)
	}
	return sw, nil
}

// FindByHostname finds a switch by hostname
func (r *switchRepositoryImpl) FindByHostname(ctx context.Context, hostname string) (domain.Switch, error) {
	var sw domain.Switch
	err := r.db.QueryRowContext(ctx, "SELECT id, hostname FROM switches WHERE hostname = ?", strings.TrimSpace(hostname)).Scan(&sw.ID, &sw.Hostname)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Switch{}, fmt.Errorf("switch %q: %w", hostname, ErrNotFound)
		}
		return domain.Switch{}, fmt.Errorf("failed to find switch: %w", err)
	}
	return sw, nil
}

// FindAll retrieves all switches
func (r *switchRepositoryImpl) FindAll(ctx context.Context) ([]domain.Switch, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id, hostname FROM switches ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query switches: %w", err)
	}
	defer rows.Close()

	switches := []domain.Switch{}
	for rows.Next() {
		var sw domain.Switch
		if err := rows.Scan(&sw.ID, &sw.Hostname); err != nil {
			return nil, fmt.Errorf("failed to scan switch: %w", err)
		}
		switches = append(switches, sw)
	}
	return switches, rows.Err()
}

// DeleteByID deletes a switch and, through the foreign key, its interfaces
func (r *switchRepositoryImpl) DeleteByID(ctx context.Context, id int64) error {
	if err := deleteByID(ctx, r.db, "switches", id); err != nil {
		return fmt.Errorf("failed to delete switch %d: %w", id, err)
	}
	return nil
}

// ExistsByID checks if a switch exists
func (r *switchRepositoryImpl) ExistsByID(ctx context.Context, id int64) (bool, error) {
	return existsByID(ctx, r.db, "switches", id)
}
