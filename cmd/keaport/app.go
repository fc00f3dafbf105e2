package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jbweber/homelab/keaport/internal/backup"
	"github.com/jbweber/homelab/keaport/internal/config"
	"github.com/jbweber/homelab/keaport/internal/importer"
	"github.com/jbweber/homelab/keaport/internal/leases"
	"github.com/jbweber/homelab/keaport/internal/radius"
	"github.com/jbweber/homelab/keaport/internal/repository"
	"github.com/jbweber/homelab/keaport/internal/services/kea"
	"github.com/jbweber/homelab/keaport/internal/topology"
	"github.com/jbweber/homelab/keaport/pkg/clients/keaclient"
)

// app holds the collaborators a command works with
type app struct {
	cfg      *config.Config
	db       *sql.DB
	store    *repository.Store
	backups  *backup.Manager
	kea      *kea.Service
	replicas []*radius.Replica
}

// openApp opens the local store. The Kea client and RADIUS replicas are set
// up only when remote is true and they are configured.
func openApp(ctx context.Context, c *config.Config, remote bool) (*app, error) {
	db, err := c.InitializeDatabase()
	if err != nil {
		return nil, err
	}
	store := repository.NewStore(db)
	a := &app{
		cfg:     c,
		db:      db,
		store:   store,
		backups: backup.NewManager(store, c.BackupRetain),
	}
	if !remote {
		return a, nil
	}

	if c.Kea.Enabled() {
		a.kea = kea.New(keaclient.NewKeaClientFromConfig(c.Kea))
	}
	replicas, err := radius.ConnectReplicas(ctx, c.Radius.PrimaryDSN, c.Radius.SecondaryDSN)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to connect to radius: %w", err)
	}
	a.replicas = replicas
	return a, nil
}

func (a *app) Close() {
	for _, r := range a.replicas {
		r.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

func (a *app) snapshot(ctx context.Context) (topology.Snapshot, error) {
	switches, bvis, subnets, err := a.store.Snapshot(ctx)
	if err != nil {
		return topology.Snapshot{}, err
	}
	return topology.Snapshot{Switches: switches, Bvis: bvis, Subnets: subnets}, nil
}

// executor builds an import executor over the configured destinations.
func (a *app) executor() *importer.Executor {
	var publisher importer.SubnetPublisher
	if a.kea != nil {
		publisher = a.kea
	}
	syncers := make([]importer.ClientSyncer, 0, len(a.replicas))
	for _, r := range a.replicas {
		syncers = append(syncers, r)
	}
	return importer.NewExecutor(a.store, a.backups, publisher, syncers, importer.Config{
		Server:          a.cfg.ServerName,
		ExternalTimeout: a.cfg.ExternalTimeout,
		RadiusSecret:    a.cfg.Radius.Secret,
	})
}

// reconciler returns a lease reconciler, or nil when Kea is not configured.
func (a *app) reconciler() *leases.Reconciler {
	if a.kea == nil {
		return nil
	}
	return leases.NewReconciler(a.store.Subnets, a.kea, a.cfg.ExternalTimeout)
}
