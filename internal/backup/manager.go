// Package backup snapshots the persisted topology before destructive
// operations and restores it on request.
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jbweber/homelab/keaport/internal/domain"
	"github.com/jbweber/homelab/keaport/internal/log"
	"github.com/jbweber/homelab/keaport/internal/metrics"
	"github.com/jbweber/homelab/keaport/internal/repository"
	"github.com/rs/zerolog"
)

// SchemaVersion is written into every payload. Restore refuses payloads
// from a newer schema.
const SchemaVersion = 1

// Operations recorded by the manager and its callers.
const (
	OperationManual     = "manual"
	OperationPreRestore = "pre_restore"
)

// DefaultRetain is the number of backups kept per server
const DefaultRetain = 10

// Payload is the serialized form of a backup
type Payload struct {
	SchemaVersion int                   `json:"schema_version"`
	Switches      []domain.Switch       `json:"switches"`
	BviInterfaces []domain.BviInterface `json:"bvi_interfaces"`
	Subnets       []domain.Subnet       `json:"subnets"`
}

// Manager takes, prunes and restores backups
type Manager struct {
	store  *repository.Store
	retain int
	now    func() time.Time
	logger zerolog.Logger
}

// NewManager creates a manager that keeps retain backups per server.
func NewManager(store *repository.Store, retain int) *Manager {
	if retain < 1 {
		retain = DefaultRetain
	}
	return &Manager{
		store:  store,
		retain: retain,
		now:    time.Now,
		logger: log.WithComponent("backup"),
	}
}

// Snapshot serializes the current topology into a new backup for server and
// prunes older ones. An error means nothing destructive may proceed.
func (m *Manager) Snapshot(ctx context.Context, server, operation, actor string) (domain.Backup, error) {
	switches, bvis, subnets, err := m.store.Snapshot(ctx)
	if err != nil {
		return domain.Backup{}, fmt.Errorf("failed to read topology: %w", err)
	}

	payload, err := json.Marshal(Payload{
		SchemaVersion: SchemaVersion,
		Switches:      switches,
		BviInterfaces: bvis,
		Subnets:       subnets,
	})
	if err != nil {
		return domain.Backup{}, fmt.Errorf("failed to encode backup: %w", err)
	}

	b, err := m.store.Backups.Save(ctx, domain.Backup{
		Server:    server,
		Operation: operation,
		CreatedBy: actor,
		CreatedAt: m.now(),
		Payload:   payload,
	})
	if err != nil {
		return domain.Backup{}, fmt.Errorf("failed to store backup: %w", err)
	}
	metrics.BackupsTotal.WithLabelValues(operation).Inc()

	m.logger.Info().
		Int64("backup_id", b.ID).
		Str("server", server).
		Str("operation", operation).
		Int("subnets", len(subnets)).
		Msg("backup created")

	if _, err := m.Prune(ctx, server, m.retain); err != nil {
		// the backup itself is safe; a failed prune only delays cleanup
		m.logger.Warn().Err(err).Str("server", server).Msg("backup pruning failed")
	}

	return b, nil
}

// Prune deletes all but the retain newest backups of server.
func (m *Manager) Prune(ctx context.Context, server string, retain int) (int64, error) {
	if retain < 1 {
		return 0, fmt.Errorf("retain must be at least 1, got %d", retain)
	}
	removed, err := m.store.Backups.DeleteAllButNewest(ctx, server, retain)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		metrics.BackupsPrunedTotal.Add(float64(removed))
		m.logger.Debug().Int64("removed", removed).Str("server", server).Msg("pruned backups")
	}
	return removed, nil
}

// List returns backups of server, newest first. An empty server lists all.
func (m *Manager) List(ctx context.Context, server string) ([]domain.Backup, error) {
	if server == "" {
		return m.store.Backups.FindAll(ctx)
	}
	return m.store.Backups.FindByServer(ctx, server)
}

// Get returns one backup with its payload.
func (m *Manager) Get(ctx context.Context, id int64) (domain.Backup, error) {
	return m.store.Backups.FindByID(ctx, id)
}

// Decode parses a backup payload.
func Decode(b domain.Backup) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(b.Payload, &p); err != nil {
		return Payload{}, fmt.Errorf("backup %d payload is unreadable: %w", b.ID, err)
	}
	if p.SchemaVersion < 1 || p.SchemaVersion > SchemaVersion {
		return Payload{}, fmt.Errorf("backup %d has unsupported schema version %d", b.ID, p.SchemaVersion)
	}
	return p, nil
}

// Restore replaces the persisted topology with the content of backup id in
// one transaction. Backups themselves are never touched.
func (m *Manager) Restore(ctx context.Context, id int64) error {
	b, p, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	return m.apply(ctx, b, p)
}

// RestoreWithUndo snapshots the current topology as a pre_restore backup
// and then restores id. The target is read before the snapshot, so
// retention cannot prune it in between. The undo backup is returned.
func (m *Manager) RestoreWithUndo(ctx context.Context, id int64, server, actor string) (domain.Backup, error) {
	b, p, err := m.load(ctx, id)
	if err != nil {
		return domain.Backup{}, err
	}
	undo, err := m.Snapshot(ctx, server, OperationPreRestore, actor)
	if err != nil {
		return domain.Backup{}, err
	}
	if err := m.apply(ctx, b, p); err != nil {
		return undo, err
	}
	return undo, nil
}

func (m *Manager) load(ctx context.Context, id int64) (domain.Backup, Payload, error) {
	b, err := m.store.Backups.FindByID(ctx, id)
	if err != nil {
		return domain.Backup{}, Payload{}, err
	}
	p, err := Decode(b)
	if err != nil {
		return domain.Backup{}, Payload{}, err
	}
	return b, p, nil
}

func (m *Manager) apply(ctx context.Context, b domain.Backup, p Payload) error {
	err := m.store.WithTx(ctx, func(tx *repository.Store) error {
		return tx.ReplaceTopology(ctx, p.Switches, p.BviInterfaces, p.Subnets)
	})
	if err != nil {
		return fmt.Errorf("failed to restore backup %d: %w", b.ID, err)
	}

	m.logger.Info().Int64("backup_id", b.ID).Str("server", b.Server).Msg("backup restored")
	return nil
}
