// Package importer executes validated import plans against the local store,
// the Kea control agent and the RADIUS replicas.
package importer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jbweber/homelab/keaport/internal/domain"
	"github.com/jbweber/homelab/keaport/internal/log"
	"github.com/jbweber/homelab/keaport/internal/metrics"
	"github.com/jbweber/homelab/keaport/internal/planner"
	"github.com/jbweber/homelab/keaport/internal/radius"
	"github.com/jbweber/homelab/keaport/internal/repository"
	"github.com/jbweber/homelab/keaport/internal/services/kea"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Destination names used in outcomes and details.
const (
	DestinationLocal = "local"
	DestinationKea   = "kea"
)

// Detail kinds
const (
	KindConflict   = "conflict"
	KindExternal   = "external"
	KindValidation = "validation"
	KindInternal   = "internal"
)

// BackupOperation labels the snapshot taken before each batch.
const BackupOperation = "import_config"

// Snapshotter takes the pre-import backup.
type Snapshotter interface {
	Snapshot(ctx context.Context, server, operation, actor string) (domain.Backup, error)
}

// SubnetPublisher pushes subnets to the Kea control agent.
type SubnetPublisher interface {
	Subnet6Add(ctx context.Context, sub kea.Subnet6) (int64, error)
	ReservationAdd(ctx context.Context, subnetID int64, r domain.Reservation) error
	ConfigWrite(ctx context.Context) error
}

// ClientSyncer registers relay addresses as RADIUS clients.
type ClientSyncer interface {
	Name() string
	UpsertClient(ctx context.Context, c radius.Client) error
}

// Config holds executor settings
type Config struct {
	Server          string
	ExternalTimeout time.Duration
	RadiusSecret    string
}

// Detail explains why one item did not import cleanly
type Detail struct {
	Subnet      string `json:"subnet"`
	Kind        string `json:"kind"`
	Destination string `json:"destination,omitempty"`
	Message     string `json:"message"`
}

// Outcome is the result of one destination write for one item
type Outcome struct {
	Subnet      string `json:"subnet"`
	Destination string `json:"destination"`
	OK          bool   `json:"ok"`
	Error       string `json:"error,omitempty"`
}

// Result summarizes one Execute call. Every item is counted exactly once
// in Imported, Skipped or Errors.
type Result struct {
	Imported int       `json:"imported"`
	Skipped  int       `json:"skipped"`
	Errors   int       `json:"errors"`
	Details  []Detail  `json:"details"`
	Outcomes []Outcome `json:"outcomes,omitempty"`
	BackupID int64     `json:"backup_id,omitempty"`
	Warnings []string  `json:"warnings,omitempty"`
}

// Total is the number of items the result accounts for.
func (r *Result) Total() int {
	return r.Imported + r.Skipped + r.Errors
}

// Executor runs import plans
type Executor struct {
	store   *repository.Store
	backups Snapshotter
	kea     SubnetPublisher
	radius  []ClientSyncer
	cfg     Config
	locks   *prefixLocks
	logger  zerolog.Logger
}

// NewExecutor creates an executor. kea may be nil when no control agent is
// configured; radius may be empty.
func NewExecutor(store *repository.Store, backups Snapshotter, keaSvc SubnetPublisher, replicas []ClientSyncer, cfg Config) *Executor {
	if cfg.ExternalTimeout <= 0 {
		cfg.ExternalTimeout = 10 * time.Second
	}
	return &Executor{
		store:   store,
		backups: backups,
		kea:     keaSvc,
		radius:  replicas,
		cfg:     cfg,
		locks:   newPrefixLocks(),
		logger:  log.WithComponent("importer"),
	}
}

// localWrite is what the local transaction created for one item.
type localWrite struct {
	subnet domain.Subnet
	sw     *domain.Switch
	bvi    *domain.BviInterface
}

// Execute runs plan in order. A non-nil error is always a *FatalError and
// means nothing was written. The batch is not cancelled when ctx is.
func (e *Executor) Execute(ctx context.Context, plan *planner.Plan, actor string) (*Result, error) {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	defer func() { metrics.ImportDuration.Observe(time.Since(start).Seconds()) }()

	res := &Result{Details: []Detail{}}
	if plan == nil || len(plan.Items) == 0 {
		return res, nil
	}

	if needsWrite(plan) {
		b, err := e.backups.Snapshot(ctx, e.cfg.Server, BackupOperation, actor)
		if err != nil {
			e.logger.Error().Err(err).Msg("pre-import backup failed")
			return nil, &FatalError{Op: "backup", Err: err}
		}
		res.BackupID = b.ID
	}

	keaAdded := false
	for _, item := range plan.Items {
		if e.executeItem(ctx, item, res) {
			keaAdded = true
		}
	}

	if keaAdded {
		wctx, cancel := context.WithTimeout(ctx, e.cfg.ExternalTimeout)
		err := e.kea.ConfigWrite(wctx)
		cancel()
		if err != nil {
			metrics.DestinationFailuresTotal.WithLabelValues(DestinationKea).Inc()
			e.logger.Warn().Err(err).Msg("kea config-write failed")
			res.Warnings = append(res.Warnings, fmt.Sprintf("config-write: %v", err))
		}
	}

	e.logger.Info().
		Int("imported", res.Imported).
		Int("skipped", res.Skipped).
		Int("errors", res.Errors).
		Int64("backup_id", res.BackupID).
		Str("actor", actor).
		Msg("import finished")
	return res, nil
}

func needsWrite(plan *planner.Plan) bool {
	for _, it := range plan.Items {
		if it.Action != planner.ActionSkip {
			return true
		}
	}
	return false
}

// executeItem processes one item and reports whether Kea accepted a subnet.
func (e *Executor) executeItem(ctx context.Context, item planner.Item, res *Result) bool {
	prefix := item.Parsed.Subnet
	logger := e.logger.With().Str("subnet", prefix).Str("action", string(item.Action)).Logger()

	if item.Action == planner.ActionSkip {
		res.Skipped++
		metrics.ImportItemsTotal.WithLabelValues("skipped").Inc()
		return false
	}

	written, err := e.writeLocal(ctx, item)
	if err != nil {
		res.Errors++
		res.Outcomes = append(res.Outcomes, Outcome{Subnet: prefix, Destination: DestinationLocal, Error: err.Error()})
		kind := KindInternal
		switch {
		case isConflict(err):
			kind = KindConflict
			err = &ConflictError{Subnet: prefix, Err: err}
		case errors.Is(err, repository.ErrInvalidEntity):
			kind = KindValidation
		}
		res.Details = append(res.Details, Detail{Subnet: prefix, Kind: kind, Destination: DestinationLocal, Message: err.Error()})
		metrics.ImportItemsTotal.WithLabelValues("error").Inc()
		logger.Warn().Err(err).Msg("local write failed")
		return false
	}
	res.Outcomes = append(res.Outcomes, Outcome{Subnet: prefix, Destination: DestinationLocal, OK: true})

	outcomes, keaAdded := e.fanOut(ctx, item, written)
	res.Outcomes = append(res.Outcomes, outcomes...)

	var failed []string
	var messages []string
	for _, o := range outcomes {
		if o.OK {
			continue
		}
		failed = append(failed, o.Destination)
		callErr := &ExternalCallError{Destination: o.Destination, Err: errors.New(o.Error)}
		messages = append(messages, callErr.Error())
		metrics.DestinationFailuresTotal.WithLabelValues(o.Destination).Inc()
	}
	if len(failed) > 0 {
		res.Errors++
		res.Details = append(res.Details, Detail{
			Subnet:      prefix,
			Kind:        KindExternal,
			Destination: strings.Join(failed, ","),
			Message:     strings.Join(messages, "; "),
		})
		metrics.ImportItemsTotal.WithLabelValues("error").Inc()
		logger.Warn().Strs("destinations", failed).Msg("remote write failed, local write kept")
		return keaAdded
	}

	res.Imported++
	metrics.ImportItemsTotal.WithLabelValues("imported").Inc()
	logger.Debug().Int64("subnet_id", written.subnet.ID).Msg("subnet imported")
	return keaAdded
}

// writeLocal performs the item's local writes in one transaction while
// holding the prefix lock.
func (e *Executor) writeLocal(ctx context.Context, item planner.Item) (localWrite, error) {
	unlock := e.locks.lock(item.Parsed.Subnet)
	defer unlock()

	var out localWrite
	err := e.store.WithTx(ctx, func(tx *repository.Store) error {
		if _, err := tx.Subnets.FindByPrefix(ctx, item.Parsed.Subnet); err == nil {
			return fmt.Errorf("subnet %s: %w", item.Parsed.Subnet, repository.ErrDuplicate)
		} else if !errors.Is(err, repository.ErrNotFound) {
			return err
		}

		subnet := domain.Subnet{
			Subnet:       item.Parsed.Subnet,
			PoolStart:    item.Parsed.PoolStart,
			PoolEnd:      item.Parsed.PoolEnd,
			RelayAddress: item.Parsed.RelayAddress,
			CcapCore:     item.Parsed.CcapCore,
		}
		if item.Parsed.KeaID > 0 {
			id := item.Parsed.KeaID
			subnet.KeaSubnetID = &id
		}

		switch item.Action {
		case planner.ActionCreate:
			sw, err := tx.Switches.FindByHostname(ctx, item.CinName)
			if errors.Is(err, repository.ErrNotFound) {
				sw, err = tx.Switches.Save(ctx, domain.Switch{Hostname: item.CinName})
			}
			if err != nil {
				return err
			}
			bvi, err := tx.Bvis.Save(ctx, domain.BviInterface{
				SwitchID:        sw.ID,
				InterfaceNumber: item.BviNumber,
				IPv6Address:     item.CinIP,
			})
			if err != nil {
				return err
			}
			subnet.BviInterfaceID = &bvi.ID
			out.sw = &sw
			out.bvi = &bvi
		case planner.ActionLink:
			id := *item.BviID
			if linked, err := tx.Bvis.LinkedSubnetID(ctx, id); err != nil {
				return err
			} else if linked != nil {
				return fmt.Errorf("bvi interface %d already has subnet %d: %w", id, *linked, repository.ErrConflict)
			}
			subnet.BviInterfaceID = &id
		}

		saved, err := tx.Subnets.Save(ctx, subnet)
		if err != nil {
			return err
		}
		out.subnet = saved
		return nil
	})
	return out, err
}

// fanOut writes the item to every remote destination in parallel. Each
// task records its outcome instead of failing the group.
func (e *Executor) fanOut(ctx context.Context, item planner.Item, w localWrite) ([]Outcome, bool) {
	type task struct {
		destination string
		run         func(ctx context.Context) error
	}
	var tasks []task
	keaAdded := false

	if e.kea != nil {
		tasks = append(tasks, task{DestinationKea, func(ctx context.Context) error {
			if err := e.publishKea(ctx, item, w); err != nil {
				return err
			}
			keaAdded = true
			return nil
		}})
	}
	if client, ok := e.radiusClient(item, w); ok {
		for _, r := range e.radius {
			tasks = append(tasks, task{r.Name(), func(ctx context.Context) error {
				return r.UpsertClient(ctx, client)
			}})
		}
	}

	outcomes := make([]Outcome, len(tasks))
	var g errgroup.Group
	for i, t := range tasks {
		g.Go(func() error {
			tctx, cancel := context.WithTimeout(ctx, e.cfg.ExternalTimeout)
			defer cancel()
			o := Outcome{Subnet: item.Parsed.Subnet, Destination: t.destination, OK: true}
			if err := t.run(tctx); err != nil {
				o.OK = false
				o.Error = err.Error()
			}
			outcomes[i] = o
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(outcomes, func(i, j int) bool {
		return destinationRank(outcomes[i].Destination) < destinationRank(outcomes[j].Destination)
	})
	return outcomes, keaAdded
}

func destinationRank(d string) int {
	if d == DestinationKea {
		return 0
	}
	return 1
}

// publishKea adds the subnet to Kea, records the assigned id locally and
// pushes the subnet's reservations.
func (e *Executor) publishKea(ctx context.Context, item planner.Item, w localWrite) error {
	sub := kea.Subnet6{
		ID:        item.Parsed.KeaID,
		Subnet:    w.subnet.Subnet,
		PoolStart: w.subnet.PoolStart,
		PoolEnd:   w.subnet.PoolEnd,
		Relay:     w.subnet.RelayAddress,
		Options:   item.Parsed.Options,
	}
	if w.subnet.CcapCore != "" {
		sub.UserContext = map[string]any{"ccap-core": w.subnet.CcapCore}
	}
	keaID, err := e.kea.Subnet6Add(ctx, sub)
	if err != nil {
		return err
	}

	if w.subnet.KeaSubnetID == nil || *w.subnet.KeaSubnetID != keaID {
		updated := w.subnet
		updated.KeaSubnetID = &keaID
		if _, err := e.store.Subnets.Save(ctx, updated); err != nil {
			return fmt.Errorf("subnet added to kea as %d but id not recorded: %w", keaID, err)
		}
	}

	var errs []error
	for _, r := range item.Parsed.Reservations {
		if err := e.kea.ReservationAdd(ctx, keaID, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// radiusClient returns the nas row a new BVI or relay address needs.
func (e *Executor) radiusClient(item planner.Item, w localWrite) (radius.Client, bool) {
	if len(e.radius) == 0 {
		return radius.Client{}, false
	}
	c := radius.Client{Secret: e.cfg.RadiusSecret, Description: "keaport " + w.subnet.Subnet}
	switch {
	case w.bvi != nil && w.sw != nil:
		c.NASName = w.bvi.IPv6Address
		c.ShortName = w.sw.Hostname
	case w.subnet.RelayAddress != "":
		c.NASName = w.subnet.RelayAddress
		c.ShortName = item.Parsed.SuggestedCinName
	default:
		return radius.Client{}, false
	}
	return c, true
}
