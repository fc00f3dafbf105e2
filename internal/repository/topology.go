package repository

import (
	"context"
	"fmt"

	"github.com/jbweber/homelab/keaport/internal/domain"
)

// ReplaceTopology deletes every switch, interface and subnet and inserts the
// given ones with their original ids. Call it inside WithTx so a failure
// leaves the previous topology in place.
func (s *Store) ReplaceTopology(ctx context.Context, switches []domain.Switch, bvis []domain.BviInterface, subnets []domain.Subnet) error {
	for _, table := range []string{"subnets", "bvi_interfaces", "switches"} {
		if _, err := s.q.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	for _, sw := range switches {
		if _, err := s.q.ExecContext(ctx, "INSERT INTO switches (id, hostname) VALUES (?, ?)", sw.ID, sw.Hostname); err != nil {
			return fmt.Errorf("failed to restore switch %q: %w", sw.Hostname, err)
		}
	}
	for _, b := range bvis {
		if _, err := s.q.ExecContext(ctx,
			"INSERT INTO bvi_interfaces (id, switch_id, interface_number, ipv6_address) VALUES (?, ?, ?, ?)",
			b.ID, b.SwitchID, b.InterfaceNumber, b.IPv6Address); err != nil {
			return fmt.Errorf("failed to restore bvi %s: %w", b.IPv6Address, err)
		}
	}
	for _, sn := range subnets {
		if _, err := s.q.ExecContext(ctx, `
			INSERT INTO subnets (id, subnet, pool_start, pool_end, relay_address, ccap_core, bvi_interface_id, kea_subnet_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sn.ID, sn.Subnet, sn.PoolStart, sn.PoolEnd, sn.RelayAddress, sn.CcapCore,
			nullInt64(sn.BviInterfaceID), nullInt64(sn.KeaSubnetID)); err != nil {
			return fmt.Errorf("failed to restore subnet %s: %w", sn.Subnet, err)
		}
	}
	return nil
}

// Snapshot reads all switches, interfaces and subnets in one transaction.
func (s *Store) Snapshot(ctx context.Context) ([]domain.Switch, []domain.BviInterface, []domain.Subnet, error) {
	var (
		switches []domain.Switch
		bvis     []domain.BviInterface
		subnets  []domain.Subnet
	)
	err := s.WithTx(ctx, func(tx *Store) error {
		var err error
		if switches, err = tx.Switches.FindAll(ctx); err != nil {
			return err
		}
		if bvis, err = tx.Bvis.FindAll(ctx); err != nil {
			return err
		}
		subnets, err = tx.Subnets.FindAll(ctx)
		return err
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return switches, bvis, subnets, nil
}
