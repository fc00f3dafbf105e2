package migrations

import "database/sql"

// All returns every schema migration in version order.
func All() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_topology_tables",
			Up:      createTopologyTables,
			Down: func(tx *sql.Tx) error {
				return execAll(tx,
					"DROP TABLE IF EXISTS subnets",
					"DROP TABLE IF EXISTS bvi_interfaces",
					"DROP TABLE IF EXISTS switches",
				)
			},
		},
		{
			Version: 2,
			Name:    "create_backups_table",
			Up:      createBackupsTable,
			Down: func(tx *sql.Tx) error {
				return execAll(tx, "DROP TABLE IF EXISTS backups")
			},
		},
		{
			Version: 3,
			Name:    "add_lookup_indexes",
			Up:      addLookupIndexes,
			Down: func(tx *sql.Tx) error {
				return execAll(tx,
					"DROP INDEX IF EXISTS idx_bvi_interfaces_switch_id",
					"DROP INDEX IF EXISTS idx_subnets_kea_subnet_id",
					"DROP INDEX IF EXISTS idx_backups_server_id",
				)
			},
		},
	}
}

func execAll(tx *sql.Tx, statements ...string) error {
	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// The linked subnet of an interface is not stored on the interface. It is
// derived from subnets.bvi_interface_id, which the partial unique index keeps
// to at most one subnet per interface.
func createTopologyTables(tx *sql.Tx) error {
	return execAll(tx,
		`CREATE TABLE switches (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			hostname TEXT NOT NULL UNIQUE,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE bvi_interfaces (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			switch_id INTEGER NOT NULL,
			interface_number INTEGER NOT NULL DEFAULT 100,
			ipv6_address TEXT NOT NULL UNIQUE,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (switch_id) REFERENCES switches(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE subnets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			subnet TEXT NOT NULL UNIQUE,
			pool_start TEXT NOT NULL,
			pool_end TEXT NOT NULL,
			relay_address TEXT NOT NULL DEFAULT '',
			ccap_core TEXT NOT NULL DEFAULT '',
			bvi_interface_id INTEGER,
			kea_subnet_id INTEGER,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (bvi_interface_id) REFERENCES bvi_interfaces(id) ON DELETE SET NULL
		)`,
		`CREATE UNIQUE INDEX idx_subnets_bvi_interface_id
			ON subnets(bvi_interface_id) WHERE bvi_interface_id IS NOT NULL`,
	)
}

// created_at is stored as RFC 3339 text written by the application so that
// ordering and round trips do not depend on driver time conversion.
func createBackupsTable(tx *sql.Tx) error {
	return execAll(tx,
		`CREATE TABLE backups (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			server TEXT NOT NULL,
			operation TEXT NOT NULL,
			created_by TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			payload TEXT NOT NULL
		)`,
	)
}

func addLookupIndexes(tx *sql.Tx) error {
	return execAll(tx,
		"CREATE INDEX IF NOT EXISTS idx_bvi_interfaces_switch_id ON bvi_interfaces(switch_id)",
		"CREATE INDEX IF NOT EXISTS idx_subnets_kea_subnet_id ON subnets(kea_subnet_id)",
		"CREATE INDEX IF NOT EXISTS idx_backups_server_id ON backups(server, id)",
	)
}
