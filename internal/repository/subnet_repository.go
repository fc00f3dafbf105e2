package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jbweber/homelab/keaport/internal/domain"
	"github.com/jbweber/homelab/keaport/internal/netutil"
)

// SubnetRepository defines domain-specific operations for subnets
type SubnetRepository interface {
	Repository[domain.Subnet, int64]
	FindByPrefix(ctx context.Context, prefix string) (domain.Subnet, error)
	FindByBviID(ctx context.Context, bviID int64) (domain.Subnet, error)
}

type subnetRepositoryImpl struct {
	db DBTX
}

// NewSubnetRepository creates a new subnet repository
func NewSubnetRepository(db DBTX) SubnetRepository {
	return &subnetRepositoryImpl{db: db}
}

const subnetColumns = "id, subnet, pool_start, pool_end, relay_address, ccap_core, bvi_interface_id, kea_subnet_id"

// Save creates or updates a subnet. The prefix is stored normalized, so
// two spellings of one prefix collide on the unique index.
func (r *subnetRepositoryImpl) Save(ctx context.Context, s domain.Subnet) (domain.Subnet, error) {
	normalized, err := netutil.NormalizePrefix(s.Subnet)
	if err != nil {
		return domain.Subnet{}, fmt.Errorf("subnet: %v: %w", err, ErrInvalidEntity)
	}
	s.Subnet = normalized
	if s.PoolStart == "" || s.PoolEnd == "" {
		return domain.Subnet{}, fmt.Errorf("subnet %s pool bounds are required: %w", s.Subnet, ErrInvalidEntity)
	}

	if s.ID == 0 {
		result, err := r.db.ExecContext(ctx, `
			INSERT INTO subnets (subnet, pool_start, pool_end, relay_address, ccap_core, bvi_interface_id, kea_subnet_id)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			s.Subnet, s.PoolStart, s.PoolEnd, s.RelayAddress, s.CcapCore,
			nullInt64(s.BviInterfaceID), nullInt64(s.KeaSubnetID))
		if err != nil {
			return domain.Subnet{}, r.writeError(s, err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return domain.Subnet{}, fmt.Errorf("failed to get subnet ID: %w", err)
		}
		s.ID = id
		return s, nil
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE subnets
		SET subnet = ?, pool_start = ?, pool_end = ?, relay_address = ?, ccap_core = ?,
			bvi_interface_id = ?, kea_subnet_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		s.Subnet, s.PoolStart, s.PoolEnd, s.RelayAddress, s.CcapCore,
		nullInt64(s.BviInterfaceID), nullInt64(s.KeaSubnetID), s.ID)
	if err != nil {
		return domain.Subnet{}, r.writeError(s, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return domain.Subnet{}, fmt.Errorf("subnet %d: %w", s.ID, ErrNotFound)
	}
	return s, nil
}

// writeError maps constraint failures: a second subnet on one interface is
// a conflict, a repeated prefix is a duplicate.
func (r *subnetRepositoryImpl) writeError(s domain.Subnet, err error) error {
	if cols, ok := uniqueViolation(err); ok {
		if strings.Contains(cols, "bvi_interface_id") {
			return fmt.Errorf("bvi interface %d already has a subnet: %w", derefOrZero(s.BviInterfaceID), ErrConflict)
		}
		return fmt.Errorf("subnet %s: %w", s.Subnet, ErrDuplicate)
	}
	if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
		return fmt.Errorf("subnet %s references a missing interface: %w", s.Subnet, ErrInvalidEntity)
	}
	return fmt.Errorf("failed to save subnet: %w", err)
}

func derefOrZero(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

func scanSubnet(row interface{ Scan(...any) error }) (domain.Subnet, error) {
	var (
		s     domain.Subnet
		bviID sql.NullInt64
		keaID sql.NullInt64
	)
	err := row.Scan(&s.ID, &s.Subnet, &s.PoolStart, &s.PoolEnd, &s.RelayAddress, &s.CcapCore, &bviID, &keaID)
	if err != nil {
		return domain.Subnet{}, err
	}
	s.BviInterfaceID = int64Ptr(bviID)
	s.KeaSubnetID = int64Ptr(keaID)
	return s, nil
}

func (r *subnetRepositoryImpl) findOne(ctx context.Context, what string, query string, arg any) (domain.Subnet, error) {
	s, err := scanSubnet(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Subnet{}, fmt.Errorf("subnet %s: %w", what, ErrNotFound)
		}
		return domain.Subnet{}, fmt.Errorf("failed to find subnet: %w", err)
	}
	return s, nil
}

// FindByID finds a subnet by ID
func (r *subnetRepositoryImpl) FindByID(ctx context.Context, id int64) (domain.Subnet, error) {
	return r.findOne(ctx, fmt.Sprint(id), "SELECT "+subnetColumns+" FROM subnets WHERE id = ?", id)
}

// FindByPrefix finds a subnet by any spelling of its prefix
func (r *subnetRepositoryImpl) FindByPrefix(ctx context.Context, prefix string) (domain.Subnet, error) {
	normalized, err := netutil.NormalizePrefix(prefix)
	if err != nil {
		return domain.Subnet{}, fmt.Errorf("subnet %s: %w", prefix, ErrNotFound)
	}
	return r.findOne(ctx, normalized, "SELECT "+subnetColumns+" FROM subnets WHERE subnet = ?", normalized)
}

// FindByBviID finds the subnet linked to an interface
func (r *subnetRepositoryImpl) FindByBviID(ctx context.Context, bviID int64) (domain.Subnet, error) {
	return r.findOne(ctx, fmt.Sprintf("on bvi %d", bviID), "SELECT "+subnetColumns+" FROM subnets WHERE bvi_interface_id = ?", bviID)
}

// FindAll retrieves all subnets
func (r *subnetRepositoryImpl) FindAll(ctx context.Context) ([]domain.Subnet, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+subnetColumns+" FROM subnets ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query subnets: %w", err)
	}
	defer rows.Close()

	subnets := []domain.Subnet{}
	for rows.Next() {
		s, err := scanSubnet(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subnet: %w", err)
		}
		subnets = append(subnets, s)
	}
	return subnets, rows.Err()
}

// DeleteByID deletes a subnet
func (r *subnetRepositoryImpl) DeleteByID(ctx context.Context, id int64) error {
	if err := deleteByID(ctx, r.db, "subnets", id); err != nil {
		return fmt.Errorf("failed to delete subnet %d: %w", id, err)
	}
	return nil
}

// ExistsByID checks if a subnet exists
func (r *subnetRepositoryImpl) ExistsByID(ctx context.Context, id int64) (bool, error) {
	return existsByID(ctx, r.db, "subnets", id)
}
