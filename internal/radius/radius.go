package radius

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Client is one row of the FreeRADIUS nas table.
type Client struct {
	NASName     string
	ShortName   string
	Secret      string
	Description string
}

// Execer is the part of pgxpool.Pool a Replica needs.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Replica writes RADIUS clients to one PostgreSQL database.
type Replica struct {
	name  string
	db    Execer
	close func()
}

// NewReplica wraps an existing connection.
func NewReplica(name string, db Execer) *Replica {
	return &Replica{name: name, db: db}
}

// Connect opens a connection pool for dsn. The pool connects lazily, so an
// unreachable replica surfaces on the first write rather than here.
func Connect(ctx context.Context, name, dsn string) (*Replica, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("radius %s: empty dsn", name)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to radius %s: %w", name, err)
	}
	return &Replica{name: name, db: pool, close: pool.Close}, nil
}

// Name identifies the replica in results and logs.
func (r *Replica) Name() string {
	return r.name
}

// Close releases the pool, if Connect opened one.
func (r *Replica) Close() {
	if r.close != nil {
		r.close()
	}
}

// UpsertClient creates or updates the nas row keyed by c.NASName.
func (r *Replica) UpsertClient(ctx context.Context, c Client) error {
	if c.NASName == "" {
		return errors.New("radius client has no nasname")
	}
	if c.ShortName == "" {
		c.ShortName = c.NASName
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE nas SET shortname = $2, secret = $3, description = $4 WHERE nasname = $1`,
		c.NASName, c.ShortName, c.Secret, c.Description)
	if err != nil {
		return fmt.Errorf("failed to update radius client %s on %s: %w", c.NASName, r.name, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := r.db.Exec(ctx,
		`INSERT INTO nas (nasname, shortname, type, secret, description) VALUES ($1, $2, 'other', $3, $4)`,
		c.NASName, c.ShortName, c.Secret, c.Description); err != nil {
		return fmt.Errorf("failed to insert radius client %s on %s: %w", c.NASName, r.name, err)
	}
	return nil
}

// ConnectReplicas opens the primary and secondary replicas. Empty DSNs are
// skipped.
func ConnectReplicas(ctx context.Context, primaryDSN, secondaryDSN string) ([]*Replica, error) {
	var out []*Replica
	for _, rc := range []struct{ name, dsn string }{
		{"radius-primary", primaryDSN},
		{"radius-secondary", secondaryDSN},
	} {
		if rc.dsn == "" {
			continue
		}
		r, err := Connect(ctx, rc.name, rc.dsn)
		if err != nil {
			for _, opened := range out {
				opened.Close()
			}
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
