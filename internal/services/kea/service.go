package kea

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jbweber/homelab/keaport/internal/domain"
	"github.com/jbweber/homelab/keaport/pkg/interfaces/keainterface"
	"github.com/jbweber/homelab/keaport/pkg/models/keamodels"
)

// DefaultBulkChunk is the number of leases sent per lease6-bulk-apply call.
const DefaultBulkChunk = 100

var dhcp6 = []string{"dhcp6"}

// ErrUnsupported is returned when the daemon lacks the hook library for a command.
var ErrUnsupported = errors.New("kea command not supported")

// Service wraps the Kea DHCPv6 operations used by the importers.
type Service struct {
	Client    keainterface.KeaClient
	BulkChunk int
}

func New(client keainterface.KeaClient) *Service {
	return &Service{Client: client, BulkChunk: DefaultBulkChunk}
}

// Subnet6 is the subset of a Kea subnet6 entry keaport manages.
type Subnet6 struct {
	ID          int64
	Subnet      string
	PoolStart   string
	PoolEnd     string
	Relay       string
	Options     []domain.Option
	UserContext map[string]any
}

func (s Subnet6) args() map[string]any {
	entry := map[string]any{"subnet": s.Subnet}
	if s.ID > 0 {
		entry["id"] = s.ID
	}
	if s.PoolStart != "" && s.PoolEnd != "" {
		entry["pools"] = []any{map[string]any{"pool": s.PoolStart + " - " + s.PoolEnd}}
	}
	if s.Relay != "" {
		entry["relay"] = map[string]any{"ip-addresses": []any{s.Relay}}
	}
	if len(s.Options) > 0 {
		opts := make([]any, 0, len(s.Options))
		for _, o := range s.Options {
			od := map[string]any{"data": o.Data}
			if o.Name != "" {
				od["name"] = o.Name
			}
			if o.Code > 0 {
				od["code"] = o.Code
			}
			if o.Space != "" {
				od["space"] = o.Space
			}
			opts = append(opts, od)
		}
		entry["option-data"] = opts
	}
	if len(s.UserContext) > 0 {
		entry["user-context"] = s.UserContext
	}
	return map[string]any{"subnet6": []any{entry}}
}

// KeaSubnet is one row of subnet6-list.
type KeaSubnet struct {
	ID     int64
	Subnet string
}

func (s *Service) send(ctx context.Context, command string, args map[string]any) (keamodels.Response, error) {
	req := keamodels.Request{Command: command, Service: dhcp6, Args: args}
	resp, err := s.Client.Send(ctx, req)
	if err != nil {
		return keamodels.Response{}, fmt.Errorf("kea %s: %w", command, err)
	}
	if resp.Result == keamodels.ResultUnsupported {
		return resp, fmt.Errorf("%w: %s: %s", ErrUnsupported, command, resp.Text)
	}
	return resp, nil
}

// Ping checks that the Control Agent forwards to the DHCPv6 daemon and
// returns the daemon's version string.
func (s *Service) Ping(ctx context.Context) (string, error) {
	resp, err := s.send(ctx, "version-get", nil)
	if err != nil {
		return "", err
	}
	if resp.Result != keamodels.ResultSuccess {
		return "", fmt.Errorf("kea version-get failed: %s", resp.Text)
	}
	return resp.Text, nil
}

// Subnet6Add creates a subnet in the running configuration and returns
// the id Kea assigned to it.
func (s *Service) Subnet6Add(ctx context.Context, sub Subnet6) (int64, error) {
	resp, err := s.send(ctx, "subnet6-add", sub.args())
	if err != nil {
		return 0, err
	}
	if resp.Result != keamodels.ResultSuccess {
		return 0, fmt.Errorf("kea subnet6-add failed: %s", resp.Text)
	}
	subnets, _ := resp.Arguments["subnets"].([]any)
	for _, snet := range subnets {
		m, ok := snet.(map[string]any)
		if !ok {
			continue
		}
		if id, ok := toInt64(m["id"]); ok {
			return id, nil
		}
	}
	if sub.ID > 0 {
		return sub.ID, nil
	}
	return 0, fmt.Errorf("unexpected subnet6-add response shape")
}

// Subnet6List returns all subnets of the running configuration.
func (s *Service) Subnet6List(ctx context.Context) ([]KeaSubnet, error) {
	resp, err := s.send(ctx, "subnet6-list", nil)
	if err != nil {
		return nil, err
	}
	switch resp.Result {
	case keamodels.ResultSuccess:
	case keamodels.ResultEmpty:
		return nil, nil
	default:
		return nil, fmt.Errorf("kea subnet6-list failed: %s", resp.Text)
	}
	subnets, ok := resp.Arguments["subnets"].([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected subnet6-list response shape")
	}
	out := make([]KeaSubnet, 0, len(subnets))
	for _, snet := range subnets {
		m, ok := snet.(map[string]any)
		if !ok {
			continue
		}
		id, _ := toInt64(m["id"])
		prefix, _ := m["subnet"].(string)
		out = append(out, KeaSubnet{ID: id, Subnet: prefix})
	}
	return out, nil
}

// ReservationAdd pushes a host reservation into subnetID.
func (s *Service) ReservationAdd(ctx context.Context, subnetID int64, r domain.Reservation) error {
	reservation := map[string]any{"subnet-id": subnetID}
	switch {
	case r.DUID != "":
		reservation["duid"] = r.DUID
	case r.HWAddress != "":
		reservation["hw-address"] = strings.ToLower(r.HWAddress)
	default:
		return fmt.Errorf("reservation has no identifier")
	}
	if len(r.IPAddresses) > 0 {
		reservation["ip-addresses"] = r.IPAddresses
	}
	if len(r.Prefixes) > 0 {
		reservation["prefixes"] = r.Prefixes
	}
	if r.Hostname != "" {
		reservation["hostname"] = r.Hostname
	}
	resp, err := s.send(ctx, "reservation-add", map[string]any{"reservation": reservation})
	if err != nil {
		return err
	}
	if resp.Result != keamodels.ResultSuccess {
		return fmt.Errorf("kea reservation-add failed: %s", resp.Text)
	}
	return nil
}

// ConfigWrite persists the running configuration to the daemon's config file.
func (s *Service) ConfigWrite(ctx context.Context) error {
	resp, err := s.send(ctx, "config-write", nil)
	if err != nil {
		return err
	}
	if resp.Result != keamodels.ResultSuccess {
		return fmt.Errorf("kea config-write failed: %s", resp.Text)
	}
	return nil
}

// Lease6Exists reports whether Kea already holds a lease for address.
func (s *Service) Lease6Exists(ctx context.Context, address string) (bool, error) {
	resp, err := s.send(ctx, "lease6-get", map[string]any{"ip-address": address})
	if err != nil {
		return false, err
	}
	switch resp.Result {
	case keamodels.ResultSuccess:
		return true, nil
	case keamodels.ResultEmpty:
		return false, nil
	default:
		return false, fmt.Errorf("kea lease6-get failed: %s", resp.Text)
	}
}

// Lease6Add inserts a single lease.
func (s *Service) Lease6Add(ctx context.Context, l domain.Lease) error {
	resp, err := s.send(ctx, "lease6-add", leaseArgs(l))
	if err != nil {
		return err
	}
	if resp.Result != keamodels.ResultSuccess {
		return fmt.Errorf("kea lease6-add failed for %s: %s", l.Address, resp.Text)
	}
	return nil
}

// Lease6BulkApply writes leases in chunks and returns a message per address
// that was not written. A chunk that fails as a whole marks each of its
// leases and the remaining chunks are still sent. When the lease_cmds hook
// lacks lease6-bulk-apply every lease is sent with lease6-add instead.
func (s *Service) Lease6BulkApply(ctx context.Context, leases []domain.Lease) (map[string]string, error) {
	failed := map[string]string{}
	chunk := s.BulkChunk
	if chunk <= 0 {
		chunk = DefaultBulkChunk
	}
	for start := 0; start < len(leases); start += chunk {
		end := min(start+chunk, len(leases))
		batch := leases[start:end]

		args := make([]any, 0, len(batch))
		for _, l := range batch {
			args = append(args, leaseArgs(l))
		}
		resp, err := s.send(ctx, "lease6-bulk-apply", map[string]any{"leases": args})
		if errors.Is(err, ErrUnsupported) {
			for _, l := range leases[start:] {
				if err := s.Lease6Add(ctx, l); err != nil {
					failed[l.Address] = err.Error()
				}
			}
			return failed, nil
		}
		if err == nil && resp.Result != keamodels.ResultSuccess && resp.Result != keamodels.ResultError {
			err = fmt.Errorf("kea lease6-bulk-apply failed: %s", resp.Text)
		}
		if err != nil {
			markFailed(failed, batch, err.Error())
			if ctx.Err() != nil {
				markFailed(failed, leases[end:], ctx.Err().Error())
				return failed, nil
			}
			continue
		}
		fl, _ := resp.Arguments["failed-leases"].([]any)
		for _, f := range fl {
			m, ok := f.(map[string]any)
			if !ok {
				continue
			}
			addr, _ := m["ip-address"].(string)
			msg, _ := m["error-message"].(string)
			if msg == "" {
				msg = "rejected by kea"
			}
			failed[addr] = msg
		}
		if resp.Result == keamodels.ResultError && len(fl) == 0 {
			for _, l := range batch {
				failed[l.Address] = resp.Text
			}
		}
	}
	return failed, nil
}

func markFailed(failed map[string]string, leases []domain.Lease, msg string) {
	for _, l := range leases {
		failed[l.Address] = msg
	}
}

func leaseArgs(l domain.Lease) map[string]any {
	args := map[string]any{
		"ip-address":    l.Address,
		"iaid":          l.IAID,
		"subnet-id":     l.SubnetID,
		"valid-lft":     l.ValidLifetime,
		"preferred-lft": l.PreferredLifetime,
		"expire":        l.Expire(),
	}
	if l.DUID != "" {
		args["duid"] = l.DUID
	}
	if l.HWAddress != "" {
		args["hw-address"] = l.HWAddress
	}
	if l.Hostname != "" {
		args["hostname"] = l.Hostname
	}
	if l.Type != "" {
		args["type"] = l.Type
	}
	if l.PrefixLen > 0 {
		args["prefix-len"] = l.PrefixLen
	}
	return args
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}
