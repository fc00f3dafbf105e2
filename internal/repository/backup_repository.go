package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jbweber/homelab/keaport/internal/domain"
)

// BackupRepository stores topology snapshots. Backups are immutable, so
// Save only creates.
type BackupRepository interface {
	Repository[domain.Backup, int64]
	FindByServer(ctx context.Context, server string) ([]domain.Backup, error)
	DeleteAllButNewest(ctx context.Context, server string, keep int) (int64, error)
}

type backupRepositoryImpl struct {
	db DBTX
}

// NewBackupRepository creates a new backup repository
func NewBackupRepository(db DBTX) BackupRepository {
	return &backupRepositoryImpl{db: db}
}

// Save stores a new backup
func (r *backupRepositoryImpl) Save(ctx context.Context, b domain.Backup) (domain.Backup, error) {
	if b.ID != 0 {
		return domain.Backup{}, fmt.Errorf("backups cannot be updated: %w", ErrOperationNotSupported)
	}
	if b.Server == "" || b.Operation == "" {
		return domain.Backup{}, fmt.Errorf("backup server and operation are required: %w", ErrInvalidEntity)
	}
	if len(b.Payload) == 0 {
		return domain.Backup{}, fmt.Errorf("backup payload is required: %w", ErrInvalidEntity)
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	b.CreatedAt = b.CreatedAt.UTC()

	result, err := r.db.ExecContext(ctx,
		"INSERT INTO backups (server, operation, created_by, created_at, payload) VALUES (?, ?, ?, ?, ?)",
		b.Server, b.Operation, b.CreatedBy, b.CreatedAt.Format(time.RFC3339Nano), string(b.Payload))
	if err != nil {
		return domain.Backup{}, fmt.Errorf("failed to create backup: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return domain.Backup{}, fmt.Errorf("failed to get backup ID: %w", err)
	}
	b.ID = id
	return b, nil
}

func scanBackup(row interface{ Scan(...any) error }, withPayload bool) (domain.Backup, error) {
	var (
		b         domain.Backup
		createdAt string
		payload   string
	)
	var err error
	if withPayload {
		err = row.Scan(&b.ID, &b.Server, &b.Operation, &b.CreatedBy, &createdAt, &payload)
	} else {
		err = row.Scan(&b.ID, &b.Server, &b.Operation, &b.CreatedBy, &createdAt)
	}
	if err != nil {
		return domain.Backup{}, err
	}
	b.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return domain.Backup{}, fmt.Errorf("backup %d has invalid timestamp %q: %w", b.ID, createdAt, err)
	}
	if withPayload {
		b.Payload = []byte(payload)
	}
	return b, nil
}

// FindByID finds a backup including its payload
func (r *backupRepositoryImpl) FindByID(ctx context.Context, id int64) (domain.Backup, error) {
	b, err := scanBackup(r.db.QueryRowContext(ctx,
		"SELECT id, server, operation, created_by, created_at, payload FROM backups WHERE id = ?", id), true)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Backup{}, fmt.Errorf("backup %d: %w", id, ErrNotFound)
		}
		return domain.Backup{}, fmt.Errorf("failed to find backup: %w", err)
	}
	return b, nil
}

func (r *backupRepositoryImpl) list(ctx context.Context, query string, args ...any) ([]domain.Backup, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query backups: %w", err)
	}
	defer rows.Close()

	backups := []domain.Backup{}
	for rows.Next() {
		b, err := scanBackup(rows, false)
		if err != nil {
			return nil, fmt.Errorf("failed to scan backup: %w", err)
		}
		backups = append(backups, b)
	}
	return backups, rows.Err()
}

// FindAll lists every backup, newest first, without payloads
func (r *backupRepositoryImpl) FindAll(ctx context.Context) ([]domain.Backup, error) {
	return r.list(ctx, "SELECT id, server, operation, created_by, created_at FROM backups ORDER BY id DESC")
}

// FindByServer lists the backups of one server, newest first, without payloads
func (r *backupRepositoryImpl) FindByServer(ctx context.Context, server string) ([]domain.Backup, error) {
	return r.list(ctx, "SELECT id, server, operation, created_by, created_at FROM backups WHERE server = ? ORDER BY id DESC", server)
}

// DeleteAllButNewest keeps the keep most recent backups of server and
// deletes the rest, returning how many were removed.
func (r *backupRepositoryImpl) DeleteAllButNewest(ctx context.Context, server string, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM backups
		WHERE server = ?
		  AND id NOT IN (SELECT id FROM backups WHERE server = ? ORDER BY id DESC LIMIT ?)`,
		server, server, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune backups: %w", err)
	}
	return result.RowsAffected()
}

// DeleteByID deletes a backup
func (r *backupRepositoryImpl) DeleteByID(ctx context.Context, id int64) error {
	if err := deleteByID(ctx, r.db, "backups", id); err != nil {
		return fmt.Errorf("failed to delete backup %d: %w", id, err)
	}
	return nil
}

// ExistsByID checks if a backup exists
func (r *backupRepositoryImpl) ExistsByID(ctx context.Context, id int64) (bool, error) {
	return existsByID(ctx, r.db, "backups", id)
}
