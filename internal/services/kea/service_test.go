package kea

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jbweber/homelab/keaport/internal/domain"
	"github.com/jbweber/homelab/keaport/pkg/interfaces/keainterface"
	"github.com/jbweber/homelab/keaport/pkg/models/keamodels"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKeaClient struct {
	resp keamodels.Response
	err  error
}

func (f fakeKeaClient) Send(ctx context.Context, cmd keamodels.Request) (keamodels.Response, error) {
	return f.resp, f.err
}

// scriptedKeaClient answers per command and records every request.
type scriptedKeaClient struct {
	mu        sync.Mutex
	responses map[string]keamodels.Response
	requests  []keamodels.Request
}

func (s *scriptedKeaClient) Send(ctx context.Context, cmd keamodels.Request) (keamodels.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, cmd)
	resp, ok := s.responses[cmd.Command]
	if !ok {
		return keamodels.Response{Result: keamodels.ResultSuccess}, nil
	}
	return resp, nil
}

func (s *scriptedKeaClient) commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.requests))
	for _, r := range s.requests {
		out = append(out, r.Command)
	}
	return out
}

func TestSubnet6Add_ReturnsAssignedID(t *testing.T) {
	client := &scriptedKeaClient{responses: map[string]keamodels.Response{
		"subnet6-add": {
			Result: 0,
			Arguments: map[string]any{
				"subnets": []any{map[string]any{"id": float64(42), "subnet": "2001:db8:1::/64"}},
			},
		},
	}}
	service := New(client)
	id, err := service.Subnet6Add(context.Background(), Subnet6{
		Subnet:    "2001:db8:1::/64",
		PoolStart: "2001:db8:1::2",
		PoolEnd:   "2001:db8:1::ffff:ffff:ffff:fffe",
		Relay:     "2001:db8:1::1",
		Options:   []domain.Option{{Name: "dns-servers", Data: "2001:db8::53"}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	require.Len(t, client.requests, 1)
	req := client.requests[0]
	assert.Equal(t, []string{"dhcp6"}, req.Service)
	entries := req.Args["subnet6"].([]any)
	entry := entries[0].(map[string]any)
	assert.Equal(t, "2001:db8:1::/64", entry["subnet"])
	assert.NotContains(t, entry, "id")
	pools := entry["pools"].([]any)
	assert.Equal(t, "2001:db8:1::2 - 2001:db8:1::ffff:ffff:ffff:fffe", pools[0].(map[string]any)["pool"])
	relay := entry["relay"].(map[string]any)
	assert.Equal(t, []any{"2001:db8:1::1"}, relay["ip-addresses"])
	assert.Len(t, entry["option-data"], 1)
}

func TestSubnet6Add_Failure(t *testing.T) {
	service := &Service{Client: keainterface.KeaClient(fakeKeaClient{resp: keamodels.Response{
		Result: 1,
		Text:   "subnet with the prefix of '2001:db8:1::/64' already exists",
	}})}
	_, err := service.Subnet6Add(context.Background(), Subnet6{Subnet: "2001:db8:1::/64"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestSubnet6Add_TransportError(t *testing.T) {
	boom := errors.New("connection refused")
	service := &Service{Client: keainterface.KeaClient(fakeKeaClient{err: boom})}
	_, err := service.Subnet6Add(context.Background(), Subnet6{Subnet: "2001:db8:1::/64"})
	assert.ErrorIs(t, err, boom)
}

func TestSubnet6Add_Unsupported(t *testing.T) {
	service := &Service{Client: keainterface.KeaClient(fakeKeaClient{resp: keamodels.Response{
		Result: 2,
		Text:   "'subnet6-add' command not supported.",
	}})}
	_, err := service.Subnet6Add(context.Background(), Subnet6{Subnet: "2001:db8:1::/64"})
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestSubnet6List(t *testing.T) {
	service := &Service{Client: keainterface.KeaClient(fakeKeaClient{resp: keamodels.Response{
		Result: 0,
		Arguments: map[string]any{
			"subnets": []any{
				map[string]any{"id": float64(1), "subnet": "2001:db8:1::/64"},
				map[string]any{"id": float64(2), "subnet": "2001:db8:2::/64"},
			},
		},
	}})}
	subnets, err := service.Subnet6List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []KeaSubnet{{ID: 1, Subnet: "2001:db8:1::/64"}, {ID: 2, Subnet: "2001:db8:2::/64"}}, subnets)
}

func TestSubnet6List_Empty(t *testing.T) {
	service := &Service{Client: keainterface.KeaClient(fakeKeaClient{resp: keamodels.Response{Result: 3}})}
	subnets, err := service.Subnet6List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, subnets)
}

func TestReservationAdd(t *testing.T) {
	client := &scriptedKeaClient{}
	service := New(client)
	err := service.ReservationAdd(context.Background(), 7, domain.Reservation{
		HWAddress:   "AA:BB:CC:DD:EE:FF",
		IPAddresses: []string{"2001:db8:1::100"},
		Hostname:    "modem-1",
	})
	require.NoError(t, err)
	res := client.requests[0].Args["reservation"].(map[string]any)
	assert.Equal(t, int64(7), res["subnet-id"])
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", res["hw-address"])
	assert.Equal(t, "modem-1", res["hostname"])

	err = service.ReservationAdd(context.Background(), 7, domain.Reservation{Hostname: "anon"})
	assert.Error(t, err)
}

func TestPingAndConfigWrite(t *testing.T) {
	client := &scriptedKeaClient{responses: map[string]keamodels.Response{
		"version-get":  {Result: 0, Text: "2.6.1"},
		"config-write": {Result: 1, Text: "Unable to open file"},
	}}
	service := New(client)
	version, err := service.Ping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2.6.1", version)

	err = service.ConfigWrite(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unable to open file")
}

func TestLease6Exists(t *testing.T) {
	tests := []struct {
		name    string
		result  int
		want    bool
		wantErr bool
	}{
		{"found", 0, true, false},
		{"not found", 3, false, false},
		{"error", 1, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := &Service{Client: keainterface.KeaClient(fakeKeaClient{resp: keamodels.Response{Result: tt.result}})}
			got, err := service.Lease6Exists(context.Background(), "2001:db8:1::10")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func testLeases(n int) []domain.Lease {
	out := make([]domain.Lease, n)
	for i := range out {
		out[i] = domain.Lease{
			Address:       "2001:db8:1::" + string(rune('a'+i)),
			DUID:          "00:01:02:03",
			IAID:          uint32(i + 1),
			SubnetID:      1,
			ValidLifetime: 3600,
		}
	}
	return out
}

func TestLease6BulkApply_Chunks(t *testing.T) {
	client := &scriptedKeaClient{responses: map[string]keamodels.Response{
		"lease6-bulk-apply": {
			Result: 0,
			Arguments: map[string]any{
				"failed-leases": []any{
					map[string]any{"ip-address": "2001:db8:1::b", "result": float64(1), "error-message": "subnet not found"},
				},
			},
		},
	}}
	service := New(client)
	service.BulkChunk = 2

	failed, err := service.Lease6BulkApply(context.Background(), testLeases(5))
	require.NoError(t, err)
	assert.Equal(t, []string{"lease6-bulk-apply", "lease6-bulk-apply", "lease6-bulk-apply"}, client.commands())
	assert.Equal(t, "subnet not found", failed["2001:db8:1::b"])
}

func TestLease6BulkApply_FallsBackToLease6Add(t *testing.T) {
	client := &scriptedKeaClient{responses: map[string]keamodels.Response{
		"lease6-bulk-apply": {Result: 2, Text: "'lease6-bulk-apply' command not supported."},
	}}
	service := New(client)

	failed, err := service.Lease6BulkApply(context.Background(), testLeases(3))
	require.NoError(t, err)
	assert.Empty(t, failed)
	assert.Equal(t, []string{"lease6-bulk-apply", "lease6-add", "lease6-add", "lease6-add"}, client.commands())

	args := client.requests[1].Args
	assert.Equal(t, "2001:db8:1::a", args["ip-address"])
	assert.Equal(t, "00:01:02:03", args["duid"])
}

// failingBulkClient fails the nth lease6-bulk-apply call with a transport error.
type failingBulkClient struct {
	scriptedKeaClient
	failOn int
	calls  int
}

func (f *failingBulkClient) Send(ctx context.Context, cmd keamodels.Request) (keamodels.Response, error) {
	resp, err := f.scriptedKeaClient.Send(ctx, cmd)
	if cmd.Command == "lease6-bulk-apply" {
		f.calls++
		if f.calls == f.failOn {
			return keamodels.Response{}, errors.New("connection reset")
		}
	}
	return resp, err
}

func TestLease6BulkApply_FailedChunkIsItemized(t *testing.T) {
	client := &failingBulkClient{failOn: 2}
	service := New(client)
	service.BulkChunk = 2

	leases := testLeases(5)
	failed, err := service.Lease6BulkApply(context.Background(), leases)
	require.NoError(t, err)
	assert.Equal(t, []string{"lease6-bulk-apply", "lease6-bulk-apply", "lease6-bulk-apply"}, client.commands())
	require.Len(t, failed, 2)
	assert.Contains(t, failed[leases[2].Address], "connection reset")
	assert.Contains(t, failed[leases[3].Address], "connection reset")
	assert.NotContains(t, failed, leases[4].Address)
}

func TestLease6BulkApply_CanceledContextMarksRemaining(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client := fakeKeaClient{err: context.Canceled}
	service := New(client)
	service.BulkChunk = 1

	failed, err := service.Lease6BulkApply(ctx, testLeases(3))
	require.NoError(t, err)
	assert.Len(t, failed, 3)
}
