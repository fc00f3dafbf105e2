package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jbweber/homelab/keaport/internal/domain"
	"github.com/jbweber/homelab/keaport/internal/netutil"
)

// BviRepository defines domain-specific operations for BVI interfaces.
// The subnet linked to an interface is looked up through subnets, which
// hold the only reference.
type BviRepository interface {
	Repository[domain.BviInterface, int64]
	FindBySwitchID(ctx context.Context, switchID int64) ([]domain.BviInterface, error)
	FindUnlinked(ctx context.Context) ([]domain.BviInterface, error)
	LinkedSubnetID(ctx context.Context, bviID int64) (*int64, error)
}

type bviRepositoryImpl struct {
	db DBTX
}

// NewBviRepository creates a new BVI interface repository
func NewBviRepository(db DBTX) BviRepository {
	return &bviRepositoryImpl{db: db}
}

const bviColumns = "id, switch_id, interface_number, ipv6_address"

// Save creates or updates a BVI interface
func (r *bviRepositoryImpl) Save(ctx context.Context, b domain.BviInterface) (domain.BviInterface, error) {
	if b.SwitchID == 0 {
		return domain.BviInterface{}, fmt.Errorf("bvi switch is required: %w", ErrInvalidEntity)
	}
	addr, err := netutil.NormalizeAddr(b.IPv6Address)
	if err != nil {
		return domain.BviInterface{}, fmt.Errorf("bvi address: %v: %w", err, ErrInvalidEntity)
	}
	b.IPv6Address = addr
	if b.InterfaceNumber == 0 {
		b.InterfaceNumber = domain.DefaultBviNumber
	}

	if b.ID == 0 {
		result, err := r.db.ExecContext(ctx,
			"INSERT INTO bvi_interfaces (switch_id, interface_number, ipv6_address) VALUES (?, ?, ?)",
			b.SwitchID, b.InterfaceNumber, b.IPv6Address)
		if err != nil {
			return domain.BviInterface{}, r.writeError(b, err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return domain.BviInterface{}, fmt.Errorf("failed to get bvi ID: %w", err)
		}
		b.ID = id
		return b, nil
	}

	result, err := r.db.ExecContext(ctx,
		"UPDATE bvi_interfaces SET switch_id = ?, interface_number = ?, ipv6_address = ? WHERE id = ?",
		b.SwitchID, b.InterfaceNumber, b.IPv6Address, b.ID)
	if err != nil {
		return domain.BviInterface{}, r.writeError(b, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return domain.BviInterface{}, fmt.Errorf("bvi %d: %w", b.ID, ErrNotFound)
	}
	return b, nil
}

func (r *bviRepositoryImpl) writeError(b domain.BviInterface, err error) error {
	if _, ok := uniqueViolation(err); ok {
		return fmt.Errorf("bvi address %s: %w", b.IPv6Address, ErrDuplicate)
	}
	return fmt.Errorf("failed to save bvi interface: %w", err)
}

func scanBvi(row interface{ Scan(...any) error }) (domain.BviInterface, error) {
	var b domain.BviInterface
	err := row.Scan(&b.ID, &b.SwitchID, &b.InterfaceNumber, &b.IPv6Address)
	return b, err
}

// FindByID finds a BVI interface by ID
func (r *bviRepositoryImpl) FindByID(ctx context.Context, id int64) (domain.BviInterface, error) {
	b, err := scanBvi(r.db.QueryRowContext(ctx, "SELECT "+bviColumns+" FROM bvi_interfaces WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.BviInterface{}, fmt.Errorf("bvi %d: %w", id, ErrNotFound)
		}
		return domain.BviInterface{}, fmt.Errorf("failed to find bvi: %w", err)
	}
	return b, nil
}

func (r *bviRepositoryImpl) query(ctx context.Context, query string, args ...any) ([]domain.BviInterface, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bvi interfaces: %w", err)
	}
	defer rows.Close()

	bvis := []domain.BviInterface{}
	for rows.Next() {
		b, err := scanBvi(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bvi interface: %w", err)
		}
		bvis = append(bvis, b)
	}
	return bvis, rows.Err()
}

// FindAll retrieves all BVI interfaces
func (r *bviRepositoryImpl) FindAll(ctx context.Context) ([]domain.BviInterface, error) {
	return r.query(ctx, "SELECT "+bviColumns+" FROM bvi_interfaces ORDER BY id")
}

// FindBySwitchID retrieves the interfaces of one switch
func (r *bviRepositoryImpl) FindBySwitchID(ctx context.Context, switchID int64) ([]domain.BviInterface, error) {
	return r.query(ctx, "SELECT "+bviColumns+" FROM bvi_interfaces WHERE switch_id = ? ORDER BY id", switchID)
}

// FindUnlinked retrieves interfaces no subnet references
func (r *bviRepositoryImpl) FindUnlinked(ctx context.Context) ([]domain.BviInterface, error) {
	return r.query(ctx, `
		SELECT b.id, b.switch_id, b.interface_number, b.ipv6_address
		FROM bvi_interfaces b
		WHERE NOT EXISTS (SELECT 1 FROM subnets s WHERE s.bvi_interface_id = b.id)
		ORDER BY b.id`)
}

// LinkedSubnetID returns the subnet referencing bviID, or nil
func (r *bviRepositoryImpl) LinkedSubnetID(ctx context.Context, bviID int64) (*int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, "SELECT id FROM subnets WHERE bvi_interface_id = ?", bviID).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up linked subnet: %w", err)
	}
	return &id, nil
}

// DeleteByID deletes a BVI interface; linked subnets become unlinked
func (r *bviRepositoryImpl) DeleteByID(ctx context.Context, id int64) error {
	if err := deleteByID(ctx, r.db, "bvi_interfaces", id); err != nil {
		return fmt.Errorf("failed to delete bvi %d: %w", id, err)
	}
	return nil
}

// ExistsByID checks if a BVI interface exists
func (r *bviRepositoryImpl) ExistsByID(ctx context.Context, id int64) (bool, error) {
	return existsByID(ctx, r.db, "bvi_interfaces", id)
}
