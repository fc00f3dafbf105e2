package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Store groups the repositories that share one database handle.
type Store struct {
	db       *sql.DB
	q        DBTX
	Switches SwitchRepository
	Bvis     BviRepository
	Subnets  SubnetRepository
	Backups  BackupRepository
}

// NewStore creates repositories over db.
func NewStore(db *sql.DB) *Store {
	s := newStore(db)
	s.db = db
	return s
}

func newStore(db DBTX) *Store {
	return &Store{
		q:        db,
		Switches: NewSwitchRepository(db),
		Bvis:     NewBviRepository(db),
		Subnets:  NewSubnetRepository(db),
		Backups:  NewBackupRepository(db),
	}
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithTx runs fn with repositories bound to one transaction. The
// transaction commits when fn returns nil and rolls back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	if s.db == nil {
		// already inside a transaction
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(newStore(tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
