package leases

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jbweber/homelab/keaport/internal/domain"
	"github.com/jbweber/homelab/keaport/internal/services/kea"
	"github.com/jbweber/homelab/keaport/pkg/models/keamodels"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSubnets []domain.Subnet

func (s staticSubnets) FindAll(ctx context.Context) ([]domain.Subnet, error) {
	return s, nil
}

type fakeLeaseStore struct {
	existing map[string]bool
	reject   map[string]string
	applied  []domain.Lease
	checkErr error
}

func (f *fakeLeaseStore) Lease6Exists(ctx context.Context, address string) (bool, error) {
	if f.checkErr != nil {
		return false, f.checkErr
	}
	return f.existing[address], nil
}

func (f *fakeLeaseStore) Lease6BulkApply(ctx context.Context, leases []domain.Lease) (map[string]string, error) {
	failed := map[string]string{}
	for _, l := range leases {
		if msg, ok := f.reject[l.Address]; ok {
			failed[l.Address] = msg
			continue
		}
		f.applied = append(f.applied, l)
		if f.existing == nil {
			f.existing = map[string]bool{}
		}
		f.existing[l.Address] = true
	}
	return failed, nil
}

func int64p(n int64) *int64 { return &n }

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func persisted() staticSubnets {
	return staticSubnets{
		{ID: 1, Subnet: "2001:db8:1::/64", PoolStart: "2001:db8:1::2", PoolEnd: "2001:db8:1::ffff", KeaSubnetID: int64p(10)},
		{ID: 2, Subnet: "2001:db8:2::/64", PoolStart: "2001:db8:2::2", PoolEnd: "2001:db8:2::ffff", KeaSubnetID: int64p(20)},
		// overlapping pools make containment ambiguous for 2001:db8:3::10
		{ID: 3, Subnet: "2001:db8:3::/64", PoolStart: "2001:db8:3::2", PoolEnd: "2001:db8:3::ff"},
		{ID: 4, Subnet: "2001:db8:3::/63", PoolStart: "2001:db8:3::2", PoolEnd: "2001:db8:3::fff"},
	}
}

func newTestReconciler(store LeaseStore) *Reconciler {
	rc := NewReconciler(persisted(), store, time.Second)
	rc.now = func() time.Time { return now }
	return rc
}

const csvHeader = "address,duid,valid_lifetime,expire,subnet_id,pref_lifetime,lease_type,iaid,prefix_len,fqdn_fwd,fqdn_rev,hostname,hwaddr,state,user_context\n"

func csvLine(addr string, subnetID int64, expire int64) string {
	return fmt.Sprintf("%s,00:03:00:01:aa:bb:cc:dd:ee:ff,3600,%d,%d,1800,0,1,128,0,0,host&#x2cone,,0,\n", addr, expire, subnetID)
}

func TestImport_CSV(t *testing.T) {
	future := now.Add(time.Hour).Unix()
	past := now.Add(-time.Hour).Unix()
	data := csvHeader +
		csvLine("2001:db8:1::10", 10, future) + // ok
		csvLine("2001:DB8:1::10", 10, future) + // duplicate within file
		csvLine("2001:db8:1::11", 10, past) + // expired
		csvLine("not-an-address", 10, future) + // invalid
		csvLine("2001:db8:2::10", 99, future) + // remapped to 20
		csvLine("2001:db8:9::10", 99, future) + // no pool
		csvLine("2001:db8:3::10", 98, future) + // two pools
		csvLine("2001:db8:1::12", 10, future) // already in kea

	store := &fakeLeaseStore{existing: map[string]bool{"2001:db8:1::12": true}}
	res, err := newTestReconciler(store).Import(context.Background(), strings.NewReader(data), "leases6.csv", Options{AutoMap: true})
	require.NoError(t, err)

	assert.Equal(t, 8, res.Total)
	assert.Equal(t, 2, res.Imported)
	assert.Equal(t, 4, res.Skipped)
	assert.Equal(t, 2, res.Unmapped)
	assert.Equal(t, map[string]int{ReasonDuplicate: 2, ReasonExpired: 1, ReasonInvalid: 1}, res.SkipReasons)
	assert.Equal(t, map[int64]int64{99: 20}, res.SubnetMapping)
	assert.Equal(t, res.Total, res.Imported+res.Skipped+res.Unmapped+res.Rejected)

	require.Len(t, store.applied, 2)
	first := store.applied[0]
	assert.Equal(t, "2001:db8:1::10", first.Address)
	assert.Equal(t, "host,one", first.Hostname)
	assert.Equal(t, future-3600, first.CLTT)
	assert.Equal(t, uint32(1800), first.PreferredLifetime)
	assert.Equal(t, "IA_NA", first.Type)
	assert.Equal(t, int64(20), store.applied[1].SubnetID)

	var invalid RowError
	for _, e := range res.Errors {
		if e.Reason == ReasonInvalid {
			invalid = e
		}
	}
	assert.Equal(t, 5, invalid.Line)
}

func TestImport_WithoutAutoMapUnknownIDsAreUnmapped(t *testing.T) {
	data := csvHeader + csvLine("2001:db8:2::10", 99, now.Add(time.Hour).Unix())
	store := &fakeLeaseStore{}
	res, err := newTestReconciler(store).Import(context.Background(), strings.NewReader(data), "leases6.csv", Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unmapped)
	assert.Empty(t, res.SubnetMapping)
	assert.Empty(t, store.applied)
}

func TestImport_IdempotentPerAddress(t *testing.T) {
	data := csvHeader + csvLine("2001:db8:1::10", 10, now.Add(time.Hour).Unix())
	store := &fakeLeaseStore{}
	rc := newTestReconciler(store)

	res, err := rc.Import(context.Background(), strings.NewReader(data), "leases6.csv", Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)

	res, err = rc.Import(context.Background(), strings.NewReader(data), "leases6.csv", Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Imported)
	assert.Equal(t, 1, res.SkipReasons[ReasonDuplicate])
	assert.Len(t, store.applied, 1)
}

func TestImport_RejectedByKea(t *testing.T) {
	data := csvHeader + csvLine("2001:db8:1::10", 10, now.Add(time.Hour).Unix())
	store := &fakeLeaseStore{reject: map[string]string{"2001:db8:1::10": "lease already exists"}}
	res, err := newTestReconciler(store).Import(context.Background(), strings.NewReader(data), "leases6.csv", Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Imported)
	assert.Equal(t, 1, res.Rejected)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, ReasonRejected, res.Errors[0].Reason)
}

func TestImport_JSONShapes(t *testing.T) {
	cltt := now.Add(-time.Minute).Unix()
	lease := fmt.Sprintf(`{"ip-address":"2001:db8:1::20","duid":"00:01:02:03","iaid":5,"subnet-id":10,"cltt":%d,"valid-lft":3600,"preferred-lft":1800,"type":"IA_NA"}`, cltt)

	shapes := map[string]string{
		"array":          "[" + lease + "]",
		"leases object":  `{"leases":[` + lease + `]}`,
		"kea response":   `[{"result":0,"text":"1 lease found","arguments":{"leases":[` + lease + `]}}]`,
		"single command": `{"result":0,"arguments":{"leases":[` + lease + `]}}`,
	}
	for name, body := range shapes {
		t.Run(name, func(t *testing.T) {
			store := &fakeLeaseStore{}
			res, err := newTestReconciler(store).Import(context.Background(), strings.NewReader(body), "dump.json", Options{})
			require.NoError(t, err)
			assert.Equal(t, 1, res.Total)
			assert.Equal(t, 1, res.Imported)
			require.Len(t, store.applied, 1)
			assert.Equal(t, uint32(5), store.applied[0].IAID)
			assert.Equal(t, cltt, store.applied[0].CLTT)
		})
	}
}

func TestImport_FileErrors(t *testing.T) {
	rc := newTestReconciler(&fakeLeaseStore{})
	tests := map[string]struct {
		name string
		body string
	}{
		"empty csv":           {"leases6.csv", ""},
		"missing column":      {"leases6.csv", "address,duid\n2001:db8::1,00:01\n"},
		"broken json":         {"leases.json", `{"leases": [`},
		"json without leases": {"leases.json", `{"foo": 1}`},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := rc.Import(context.Background(), strings.NewReader(tt.body), tt.name, Options{})
			assert.ErrorIs(t, err, ErrInvalidFormat)
		})
	}
}

func TestImport_LeaseLookupFailuresAreItemized(t *testing.T) {
	future := now.Add(time.Hour).Unix()
	data := csvHeader + csvLine("2001:db8:1::10", 10, future) + csvLine("2001:db8:1::11", 10, future)
	store := &fakeLeaseStore{checkErr: errors.New("connection refused")}
	res, err := newTestReconciler(store).Import(context.Background(), strings.NewReader(data), "leases6.csv", Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Imported)
	assert.Equal(t, 2, res.Rejected)
	require.Len(t, res.Errors, 2)
	assert.Contains(t, res.Errors[0].Message, "connection refused")
	assert.Empty(t, store.applied)
}

// chunkFailingKea answers lease lookups as empty and fails the second
// lease6-bulk-apply call.
type chunkFailingKea struct {
	bulkCalls int
	written   []string
}

func (c *chunkFailingKea) Send(ctx context.Context, cmd keamodels.Request) (keamodels.Response, error) {
	switch cmd.Command {
	case "lease6-get":
		return keamodels.Response{Result: keamodels.ResultEmpty}, nil
	case "lease6-bulk-apply":
		c.bulkCalls++
		if c.bulkCalls == 2 {
			return keamodels.Response{}, errors.New("connection reset")
		}
		for _, l := range cmd.Args["leases"].([]any) {
			c.written = append(c.written, l.(map[string]any)["ip-address"].(string))
		}
		return keamodels.Response{Result: keamodels.ResultSuccess}, nil
	}
	return keamodels.Response{Result: keamodels.ResultSuccess}, nil
}

func TestImport_FailedChunkKeepsEarlierWrites(t *testing.T) {
	future := now.Add(time.Hour).Unix()
	data := csvHeader + csvLine("2001:db8:1::10", 10, future) + csvLine("2001:db8:1::11", 10, future)

	client := &chunkFailingKea{}
	service := kea.New(client)
	service.BulkChunk = 1

	res, err := newTestReconciler(service).Import(context.Background(), strings.NewReader(data), "leases6.csv", Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"2001:db8:1::10"}, client.written)
	assert.Equal(t, 1, res.Imported)
	assert.Equal(t, 1, res.Rejected)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "2001:db8:1::11", res.Errors[0].Address)
	assert.Equal(t, ReasonRejected, res.Errors[0].Reason)
	assert.Contains(t, res.Errors[0].Message, "connection reset")
	assert.Equal(t, res.Total, res.Imported+res.Skipped+res.Unmapped+res.Rejected)
}

// erroringBulkStore fails the whole write call.
type erroringBulkStore struct{ fakeLeaseStore }

func (e *erroringBulkStore) Lease6BulkApply(ctx context.Context, leases []domain.Lease) (map[string]string, error) {
	return nil, errors.New("lease backend down")
}

func TestImport_WriteErrorRejectsEveryRow(t *testing.T) {
	future := now.Add(time.Hour).Unix()
	data := csvHeader + csvLine("2001:db8:1::10", 10, future) + csvLine("2001:db8:1::11", 10, future)
	res, err := newTestReconciler(&erroringBulkStore{}).Import(context.Background(), strings.NewReader(data), "leases6.csv", Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Imported)
	assert.Equal(t, 2, res.Rejected)
	require.Len(t, res.Errors, 2)
	assert.Contains(t, res.Errors[1].Message, "lease backend down")
}

func TestDetectFormat(t *testing.T) {
	assert.Equal(t, FormatJSON, DetectFormat("x.JSON", nil))
	assert.Equal(t, FormatCSV, DetectFormat("x.csv", []byte("[")))
	assert.Equal(t, FormatJSON, DetectFormat("upload", []byte("  [ ]")))
	assert.Equal(t, FormatCSV, DetectFormat("upload", []byte("address,duid")))
}

func TestSubnetMapper(t *testing.T) {
	m := newSubnetMapper(persisted())

	tests := []struct {
		name    string
		id      int64
		address string
		autoMap bool
		want    int64
		ok      bool
	}{
		{"known id", 10, "2001:db8:9::1", false, 10, true},
		{"local id used when no kea id", 3, "2001:db8:9::1", false, 3, true},
		{"unknown without automap", 77, "2001:db8:1::10", false, 0, false},
		{"single containment", 77, "2001:db8:1::10", true, 10, true},
		{"pool bounds inclusive", 77, "2001:db8:2::ffff", true, 20, true},
		{"no containment", 77, "2001:db8:1::1", true, 0, false},
		{"ambiguous", 77, "2001:db8:3::10", true, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := domain.Lease{Address: tt.address, DUID: "00:01"}
			a, err := normalizeLease(&l)
			require.NoError(t, err)
			got, ok := m.resolve(tt.id, a, tt.autoMap)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeLease(t *testing.T) {
	tests := []struct {
		name    string
		lease   domain.Lease
		wantErr bool
	}{
		{"ok", domain.Lease{Address: "2001:DB8::1", DUID: "00:01:AB"}, false},
		{"plain hex duid", domain.Lease{Address: "2001:db8::1", DUID: "0001ab"}, false},
		{"ipv4", domain.Lease{Address: "10.0.0.1", DUID: "00:01"}, true},
		{"no duid", domain.Lease{Address: "2001:db8::1"}, true},
		{"bad duid", domain.Lease{Address: "2001:db8::1", DUID: "zz:01"}, true},
		{"bad hwaddr", domain.Lease{Address: "2001:db8::1", DUID: "00:01", HWAddress: "nope"}, true},
		{"pd without length", domain.Lease{Address: "2001:db8::", DUID: "00:01", Type: "IA_PD"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := tt.lease
			_, err := normalizeLease(&l)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, strings.ToLower(l.Address), l.Address)
		})
	}
}
