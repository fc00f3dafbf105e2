package importer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jbweber/homelab/keaport/internal/backup"
	"github.com/jbweber/homelab/keaport/internal/domain"
	"github.com/jbweber/homelab/keaport/internal/keaconfig"
	"github.com/jbweber/homelab/keaport/internal/planner"
	"github.com/jbweber/homelab/keaport/internal/radius"
	"github.com/jbweber/homelab/keaport/internal/repository"
	"github.com/jbweber/homelab/keaport/internal/services/kea"
	"github.com/jbweber/homelab/keaport/internal/testutil"
	"github.com/jbweber/homelab/keaport/internal/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu           sync.Mutex
	nextID       int64
	fail         map[string]error
	added        []kea.Subnet6
	reservations int
	configWrites int
	writeErr     error
}

func (f *fakePublisher) Subnet6Add(ctx context.Context, sub kea.Subnet6) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[sub.Subnet]; err != nil {
		return 0, err
	}
	f.added = append(f.added, sub)
	if sub.ID > 0 {
		return sub.ID, nil
	}
	f.nextID++
	return 1000 + f.nextID, nil
}

func (f *fakePublisher) ReservationAdd(ctx context.Context, subnetID int64, r domain.Reservation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reservations++
	return nil
}

func (f *fakePublisher) ConfigWrite(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configWrites++
	return f.writeErr
}

type fakeSyncer struct {
	name    string
	mu      sync.Mutex
	clients []radius.Client
	fail    map[string]error
}

func (f *fakeSyncer) Name() string { return f.name }

func (f *fakeSyncer) UpsertClient(ctx context.Context, c radius.Client) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[c.NASName]; err != nil {
		return err
	}
	f.clients = append(f.clients, c)
	return nil
}

type failingSnapshotter struct{}

func (failingSnapshotter) Snapshot(ctx context.Context, server, operation, actor string) (domain.Backup, error) {
	return domain.Backup{}, errors.New("disk full")
}

func newTestStore(t *testing.T) *repository.Store {
	t.Helper()
	db, cleanup := testutil.SetupTestDBWithMigrations(t, t.Name())
	t.Cleanup(cleanup)
	return repository.NewStore(db)
}

func newExecutor(store *repository.Store, pub SubnetPublisher, syncers ...ClientSyncer) *Executor {
	return NewExecutor(store, backup.NewManager(store, 10), pub, syncers, Config{
		Server:          "kea-1",
		ExternalTimeout: time.Second,
		RadiusSecret:    "radsecret",
	})
}

func parsed(prefix string) domain.ParsedSubnet {
	return domain.ParsedSubnet{
		Subnet:       prefix,
		PoolStart:    prefix[:len(prefix)-3] + "2",
		PoolEnd:      prefix[:len(prefix)-3] + "ff",
		RelayAddress: prefix[:len(prefix)-3] + "1",
	}
}

func dedicated(prefix string) planner.Item {
	return planner.Item{Parsed: parsed(prefix), Action: planner.ActionDedicated}
}

const scenarioConfig = `{
  "Dhcp6": {
    "subnet6": [
      // CIN-Building4
      {
        "subnet": "2001:db8:1::/64",
        "relay": { "ip-addresses": [ "2001:db8:1::1" ] }
      }
    ]
  }
}`

func TestExecute_CreateScenario(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	pub := &fakePublisher{}
	primary := &fakeSyncer{name: "radius-primary"}
	secondary := &fakeSyncer{name: "radius-secondary"}
	exec := newExecutor(store, pub, primary, secondary)

	cfg, err := keaconfig.Parse([]byte(scenarioConfig))
	require.NoError(t, err)
	snap := topology.Snapshot{}
	match := topology.MatchSubnets(cfg.Subnets, snap)
	require.Len(t, match.Subnets, 1)
	assert.Equal(t, "CIN-Building4", match.Subnets[0].Parsed.SuggestedCinName)
	assert.False(t, match.Subnets[0].Parsed.Exists)

	plan, verrs := planner.Build(match, []planner.Selection{{
		Subnet:  "2001:db8:1::/64",
		Action:  "create",
		CinName: match.Subnets[0].Parsed.SuggestedCinName,
		CinIP:   "2001:db8:1::1",
	}})
	require.Empty(t, verrs)

	res, err := exec.Execute(ctx, plan, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)
	assert.Equal(t, 0, res.Skipped)
	assert.Equal(t, 0, res.Errors)
	assert.Empty(t, res.Details)
	assert.NotZero(t, res.BackupID)

	switches, err := store.Switches.FindAll(ctx)
	require.NoError(t, err)
	require.Len(t, switches, 1)
	assert.Equal(t, "CIN-Building4", switches[0].Hostname)

	bvis, err := store.Bvis.FindAll(ctx)
	require.NoError(t, err)
	require.Len(t, bvis, 1)
	assert.Equal(t, 100, bvis[0].InterfaceNumber)
	assert.Equal(t, "2001:db8:1::1", bvis[0].IPv6Address)

	subnets, err := store.Subnets.FindAll(ctx)
	require.NoError(t, err)
	require.Len(t, subnets, 1)
	require.NotNil(t, subnets[0].BviInterfaceID)
	assert.Equal(t, bvis[0].ID, *subnets[0].BviInterfaceID)
	require.NotNil(t, subnets[0].KeaSubnetID, "kea id recorded after subnet6-add")
	assert.Equal(t, int64(1001), *subnets[0].KeaSubnetID)

	assert.Len(t, pub.added, 1)
	assert.Equal(t, 1, pub.configWrites)
	require.Len(t, primary.clients, 1)
	assert.Equal(t, radius.Client{
		NASName:     "2001:db8:1::1",
		ShortName:   "CIN-Building4",
		Secret:      "radsecret",
		Description: "keaport 2001:db8:1::/64",
	}, primary.clients[0])
	assert.Len(t, secondary.clients, 1)
}

func TestExecute_CreateReusesSwitchByHostname(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	exec := newExecutor(store, nil)

	create := func(prefix, ip string, number int) planner.Item {
		return planner.Item{Parsed: parsed(prefix), Action: planner.ActionCreate, CinName: "CIN-Shared", CinIP: ip, BviNumber: number}
	}
	plan := &planner.Plan{Items: []planner.Item{
		create("2001:db8:1::/64", "2001:db8:1::1", 100),
		create("2001:db8:2::/64", "2001:db8:2::1", 101),
		create("2001:db8:3::/64", "2001:db8:2::1", 102),
	}}

	res, err := exec.Execute(ctx, plan, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Imported)
	assert.Equal(t, 1, res.Errors)
	require.Len(t, res.Details, 1)
	assert.Equal(t, "2001:db8:3::/64", res.Details[0].Subnet)
	assert.Equal(t, KindConflict, res.Details[0].Kind)

	switches, err := store.Switches.FindAll(ctx)
	require.NoError(t, err)
	require.Len(t, switches, 1)
	bvis, err := store.Bvis.FindBySwitchID(ctx, switches[0].ID)
	require.NoError(t, err)
	assert.Len(t, bvis, 2)

	_, err = store.Subnets.FindByPrefix(ctx, "2001:db8:3::/64")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestExecute_CreateExistingPrefixIsConflict(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	exec := newExecutor(store, nil)

	_, err := store.Subnets.Save(ctx, domain.Subnet{Subnet: "2001:db8:1::/64", PoolStart: "2001:db8:1::2", PoolEnd: "2001:db8:1::ff"})
	require.NoError(t, err)

	plan := &planner.Plan{Items: []planner.Item{{
		Parsed:    parsed("2001:db8:1::/64"),
		Action:    planner.ActionCreate,
		CinName:   "sw-new",
		CinIP:     "2001:db8:1::1",
		BviNumber: 100,
		Exists:    true,
	}}}
	res, err := exec.Execute(ctx, plan, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Imported)
	assert.Equal(t, 1, res.Errors)
	require.Len(t, res.Details, 1)
	assert.Equal(t, KindConflict, res.Details[0].Kind)

	subnets, err := store.Subnets.FindAll(ctx)
	require.NoError(t, err)
	assert.Len(t, subnets, 1, "no second row")

	switches, err := store.Switches.FindAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, switches, "failed create leaves no switch behind")
}

func TestExecute_LinkConsumedBviIsConflict(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	exec := newExecutor(store, nil)

	sw, err := store.Switches.Save(ctx, domain.Switch{Hostname: "sw1"})
	require.NoError(t, err)
	bvi, err := store.Bvis.Save(ctx, domain.BviInterface{SwitchID: sw.ID, InterfaceNumber: 100, IPv6Address: "2001:db8:ff::1"})
	require.NoError(t, err)

	plan := &planner.Plan{Items: []planner.Item{
		{Parsed: parsed("2001:db8:1::/64"), Action: planner.ActionLink, BviID: &bvi.ID},
		{Parsed: parsed("2001:db8:2::/64"), Action: planner.ActionLink, BviID: &bvi.ID},
	}}
	res, err := exec.Execute(ctx, plan, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)
	assert.Equal(t, 1, res.Errors)
	require.Len(t, res.Details, 1)
	assert.Equal(t, "2001:db8:2::/64", res.Details[0].Subnet)
	assert.Equal(t, KindConflict, res.Details[0].Kind)

	linked, err := store.Bvis.LinkedSubnetID(ctx, bvi.ID)
	require.NoError(t, err)
	require.NotNil(t, linked)
}

func TestExecute_PartialFailureAccounting(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	pub := &fakePublisher{}
	failing := &fakeSyncer{name: "radius-secondary", fail: map[string]error{
		"2001:db8:3::1": errors.New("connection refused"),
	}}
	exec := newExecutor(store, pub, &fakeSyncer{name: "radius-primary"}, failing)

	plan := &planner.Plan{Items: []planner.Item{
		dedicated("2001:db8:1::/64"),
		dedicated("2001:db8:2::/64"),
		dedicated("2001:db8:3::/64"),
		{Parsed: parsed("2001:db8:4::/64"), Action: planner.ActionSkip, Exists: true},
		dedicated("2001:db8:5::/64"),
	}}
	res, err := exec.Execute(ctx, plan, "alice")
	require.NoError(t, err)

	assert.Equal(t, 5, res.Total())
	assert.Equal(t, 3, res.Imported)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Errors)
	require.Len(t, res.Details, 1)
	assert.Equal(t, "2001:db8:3::/64", res.Details[0].Subnet)
	assert.Equal(t, KindExternal, res.Details[0].Kind)
	assert.Equal(t, "radius-secondary", res.Details[0].Destination)
	assert.Contains(t, res.Details[0].Message, "connection refused")

	// local write for the failed item is kept
	_, err = store.Subnets.FindByPrefix(ctx, "2001:db8:3::/64")
	assert.NoError(t, err)

	var item3 []Outcome
	for _, o := range res.Outcomes {
		if o.Subnet == "2001:db8:3::/64" {
			item3 = append(item3, o)
		}
	}
	require.Len(t, item3, 4)
	assert.Equal(t, DestinationLocal, item3[0].Destination)
	assert.Equal(t, DestinationKea, item3[1].Destination)
	assert.True(t, item3[1].OK)
}

func TestExecute_MultipleFailingDestinationsJoinIntoOneDetail(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	pub := &fakePublisher{fail: map[string]error{"2001:db8:1::/64": errors.New("subnet id in use")}}
	syncer := &fakeSyncer{name: "radius-primary", fail: map[string]error{"2001:db8:1::1": errors.New("timeout")}}
	exec := newExecutor(store, pub, syncer)

	res, err := exec.Execute(ctx, &planner.Plan{Items: []planner.Item{dedicated("2001:db8:1::/64")}}, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Errors)
	require.Len(t, res.Details, 1)
	assert.Equal(t, "kea,radius-primary", res.Details[0].Destination)
	assert.Contains(t, res.Details[0].Message, "subnet id in use")
	assert.Contains(t, res.Details[0].Message, "timeout")
	assert.Equal(t, 0, pub.configWrites, "no config-write when nothing reached kea")
}

func TestExecute_ConfigWriteFailureIsWarning(t *testing.T) {
	store := newTestStore(t)
	pub := &fakePublisher{writeErr: errors.New("read-only filesystem")}
	exec := newExecutor(store, pub)

	res, err := exec.Execute(context.Background(), &planner.Plan{Items: []planner.Item{dedicated("2001:db8:1::/64")}}, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "read-only filesystem")
}

func TestExecute_SnapshotFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	exec := NewExecutor(store, failingSnapshotter{}, nil, nil, Config{Server: "kea-1"})

	res, err := exec.Execute(ctx, &planner.Plan{Items: []planner.Item{dedicated("2001:db8:1::/64")}}, "alice")
	assert.Nil(t, res)
	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, "backup", fatal.Op)

	subnets, err := store.Subnets.FindAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, subnets, "nothing written")
}

func TestExecute_SkipOnlyPlanTakesNoBackup(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	exec := NewExecutor(store, failingSnapshotter{}, nil, nil, Config{Server: "kea-1"})

	res, err := exec.Execute(ctx, &planner.Plan{Items: []planner.Item{
		{Parsed: parsed("2001:db8:1::/64"), Action: planner.ActionSkip},
	}}, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.BackupID)
}

func TestExecute_ConcurrentSamePrefix(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	exec := newExecutor(store, nil)

	const workers = 4
	results := make([]*Result, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := exec.Execute(ctx, &planner.Plan{Items: []planner.Item{dedicated("2001:db8:1::/64")}}, "alice")
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	imported, conflicts := 0, 0
	for _, r := range results {
		require.NotNil(t, r)
		imported += r.Imported
		for _, d := range r.Details {
			if d.Kind == KindConflict {
				conflicts++
			}
		}
	}
	assert.Equal(t, 1, imported)
	assert.Equal(t, workers-1, conflicts)

	subnets, err := store.Subnets.FindAll(ctx)
	require.NoError(t, err)
	assert.Len(t, subnets, 1)
	assert.Zero(t, exec.locks.size())
}

func TestExecute_ReservationsPushed(t *testing.T) {
	store := newTestStore(t)
	pub := &fakePublisher{}
	exec := newExecutor(store, pub)

	item := dedicated("2001:db8:1::/64")
	item.Parsed.KeaID = 7
	item.Parsed.Reservations = []domain.Reservation{
		{DUID: "00:01", IPAddresses: []string{"2001:db8:1::100"}},
		{HWAddress: "aa:bb:cc:dd:ee:ff"},
	}
	res, err := exec.Execute(context.Background(), &planner.Plan{Items: []planner.Item{item}}, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)
	assert.Equal(t, 2, pub.reservations)
	assert.Equal(t, int64(7), pub.added[0].ID)
}

func TestPrefixLocks(t *testing.T) {
	locks := newPrefixLocks()
	unlock := locks.lock("a")
	assert.Equal(t, 1, locks.size())

	acquired := make(chan struct{})
	go func() {
		u := locks.lock("a")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-acquired
	assert.Eventually(t, func() bool { return locks.size() == 0 }, time.Second, time.Millisecond)
}

func TestErrorTypes(t *testing.T) {
	c := &ConflictError{Subnet: "2001:db8:1::/64", Err: repository.ErrDuplicate}
	assert.ErrorIs(t, c, repository.ErrDuplicate)
	assert.True(t, isConflict(c))

	e := &ExternalCallError{Destination: "kea", Err: errors.New("boom")}
	assert.Equal(t, "kea: boom", e.Error())

	f := &FatalError{Op: "backup", Err: errors.New("disk full")}
	assert.Contains(t, f.Error(), "disk full")
}
