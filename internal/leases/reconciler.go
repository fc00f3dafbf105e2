// Package leases imports Kea lease dumps into a running Kea server,
// remapping subnet ids to the persisted topology.
package leases

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/jbweber/homelab/keaport/internal/domain"
	"github.com/jbweber/homelab/keaport/internal/log"
	"github.com/jbweber/homelab/keaport/internal/metrics"
	"github.com/jbweber/homelab/keaport/internal/netutil"
	"github.com/rs/zerolog"
)

// Skip reasons
const (
	ReasonExpired   = "expired"
	ReasonInvalid   = "invalid"
	ReasonDuplicate = "duplicate"
	ReasonUnmapped  = "unmapped"
	ReasonRejected  = "rejected"
)

// LeaseStore is the destination lease database.
type LeaseStore interface {
	Lease6Exists(ctx context.Context, address string) (bool, error)
	Lease6BulkApply(ctx context.Context, leases []domain.Lease) (map[string]string, error)
}

// SubnetSource lists the persisted subnets leases are mapped onto.
type SubnetSource interface {
	FindAll(ctx context.Context) ([]domain.Subnet, error)
}

// Options control one import
type Options struct {
	// AutoMap remaps unknown subnet ids by pool containment.
	AutoMap bool
}

// RowError describes one row that was not imported
type RowError struct {
	Line    int    `json:"line"`
	Address string `json:"address,omitempty"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// Result summarizes one lease import. Every row is counted once: as
// imported, skipped (per reason), unmapped or rejected by the destination.
type Result struct {
	Total         int             `json:"total"`
	Imported      int             `json:"imported"`
	Skipped       int             `json:"skipped"`
	Unmapped      int             `json:"unmapped"`
	Rejected      int             `json:"rejected"`
	SubnetMapping map[int64]int64 `json:"subnet_mapping"`
	SkipReasons   map[string]int  `json:"skip_reasons"`
	Errors        []RowError      `json:"errors"`
}

func (r *Result) skip(reason string, l domain.Lease, msg string) {
	r.Skipped++
	r.SkipReasons[reason]++
	r.Errors = append(r.Errors, RowError{Line: l.Line, Address: l.Address, Reason: reason, Message: msg})
	metrics.LeaseRowsTotal.WithLabelValues(reason).Inc()
}

// reject counts a row the destination did not accept.
func (r *Result) reject(l domain.Lease, msg string) {
	r.Rejected++
	r.Errors = append(r.Errors, RowError{Line: l.Line, Address: l.Address, Reason: ReasonRejected, Message: msg})
	metrics.LeaseRowsTotal.WithLabelValues(ReasonRejected).Inc()
}

// Reconciler runs lease imports
type Reconciler struct {
	subnets SubnetSource
	leases  LeaseStore
	timeout time.Duration
	now     func() time.Time
	logger  zerolog.Logger
}

// NewReconciler creates a reconciler. timeout bounds each call to the
// lease store.
func NewReconciler(subnets SubnetSource, leases LeaseStore, timeout time.Duration) *Reconciler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Reconciler{
		subnets: subnets,
		leases:  leases,
		timeout: timeout,
		now:     time.Now,
		logger:  log.WithComponent("leases"),
	}
}

// Import reads a CSV or JSON lease dump from r and writes the usable rows
// to the lease store. name is only used to detect the format. An error is
// returned only when the file or the persisted subnets cannot be read;
// per-row problems, including lease store failures, are itemized in the
// result.
func (rc *Reconciler) Import(ctx context.Context, r io.Reader, name string, opts Options) (*Result, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read lease file: %w", err)
	}
	format := DetectFormat(name, data)
	rows, err := parseRows(format, data)
	if err != nil {
		return nil, err
	}

	persisted, err := rc.subnets.FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load subnets: %w", err)
	}
	mapper := newSubnetMapper(persisted)

	res := &Result{
		Total:         len(rows),
		SubnetMapping: map[int64]int64{},
		SkipReasons:   map[string]int{},
		Errors:        []RowError{},
	}
	now := rc.now()
	seen := make(map[string]bool, len(rows))
	var valid []domain.Lease

	for _, rw := range rows {
		l := rw.Lease
		if rw.Err != nil {
			res.skip(ReasonInvalid, l, rw.Err.Error())
			continue
		}
		addr, err := normalizeLease(&l)
		if err != nil {
			res.skip(ReasonInvalid, l, err.Error())
			continue
		}
		if rw.State == stateExpiredReclaimed || l.Expired(now) {
			res.skip(ReasonExpired, l, fmt.Sprintf("lease expired at %s", time.Unix(l.Expire(), 0).UTC().Format(time.RFC3339)))
			continue
		}
		if seen[l.Address] {
			res.skip(ReasonDuplicate, l, "address repeated in file")
			continue
		}
		seen[l.Address] = true

		target, ok := mapper.resolve(l.SubnetID, addr, opts.AutoMap)
		if !ok {
			res.Unmapped++
			msg := fmt.Sprintf("subnet id %d is not a known subnet", l.SubnetID)
			if opts.AutoMap {
				msg = fmt.Sprintf("subnet id %d is unknown and %s is not in exactly one pool", l.SubnetID, l.Address)
			}
			res.Errors = append(res.Errors, RowError{Line: l.Line, Address: l.Address, Reason: ReasonUnmapped, Message: msg})
			metrics.LeaseRowsTotal.WithLabelValues(ReasonUnmapped).Inc()
			continue
		}
		if target != l.SubnetID {
			res.SubnetMapping[l.SubnetID] = target
			l.SubnetID = target
		}

		exists, err := rc.exists(ctx, l.Address)
		if err != nil {
			res.reject(l, err.Error())
			continue
		}
		if exists {
			res.skip(ReasonDuplicate, l, "lease already present")
			continue
		}
		valid = append(valid, l)
	}

	if len(valid) > 0 {
		bctx, cancel := context.WithTimeout(ctx, rc.timeout*time.Duration(1+len(valid)/100))
		failed, err := rc.leases.Lease6BulkApply(bctx, valid)
		cancel()
		if err != nil {
			rc.logger.Warn().Err(err).Int("leases", len(valid)).Msg("lease write failed")
		}
		for _, l := range valid {
			msg, ok := failed[l.Address]
			if !ok && err != nil {
				msg, ok = fmt.Sprintf("failed to write lease: %v", err), true
			}
			if ok {
				res.reject(l, msg)
				continue
			}
			res.Imported++
			metrics.LeaseRowsTotal.WithLabelValues("imported").Inc()
		}
	}

	rc.logger.Info().
		Str("file", name).
		Str("format", string(format)).
		Int("total", res.Total).
		Int("imported", res.Imported).
		Int("skipped", res.Skipped).
		Int("unmapped", res.Unmapped).
		Int("rejected", res.Rejected).
		Msg("lease import finished")
	return res, nil
}

func (rc *Reconciler) exists(ctx context.Context, address string) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()
	exists, err := rc.leases.Lease6Exists(cctx, address)
	if err != nil {
		return false, fmt.Errorf("failed to check lease %s: %w", address, err)
	}
	return exists, nil
}

// normalizeLease validates the address and identifiers of l in place and
// returns the parsed address.
func normalizeLease(l *domain.Lease) (netip.Addr, error) {
	addr, err := netutil.ParseIPv6(l.Address)
	if err != nil {
		return netip.Addr{}, err
	}
	l.Address = addr.String()

	l.DUID = strings.ToLower(strings.TrimSpace(l.DUID))
	l.HWAddress = strings.ToLower(strings.TrimSpace(l.HWAddress))
	if l.DUID == "" {
		return netip.Addr{}, errors.New("lease has no duid")
	}
	if !validHexID(l.DUID) {
		return netip.Addr{}, fmt.Errorf("malformed duid %q", l.DUID)
	}
	if l.HWAddress != "" {
		if _, err := net.ParseMAC(l.HWAddress); err != nil {
			return netip.Addr{}, fmt.Errorf("malformed hw-address %q", l.HWAddress)
		}
	}
	if l.SubnetID < 0 {
		return netip.Addr{}, fmt.Errorf("negative subnet id %d", l.SubnetID)
	}
	if l.Type == "IA_PD" && (l.PrefixLen < 1 || l.PrefixLen > 128) {
		return netip.Addr{}, fmt.Errorf("prefix lease with prefix length %d", l.PrefixLen)
	}
	return addr, nil
}

// validHexID accepts colon separated or plain hex identifiers.
func validHexID(s string) bool {
	plain := strings.ReplaceAll(s, ":", "")
	if plain == "" || len(plain)%2 != 0 {
		return false
	}
	_, err := hex.DecodeString(plain)
	return err == nil
}

// subnetMapper resolves lease subnet ids against persisted subnets.
type subnetMapper struct {
	byKeaID map[int64]bool
	pools   []pool
}

type pool struct {
	keaID      int64
	start, end netip.Addr
}

func newSubnetMapper(subnets []domain.Subnet) *subnetMapper {
	m := &subnetMapper{byKeaID: make(map[int64]bool, len(subnets))}
	for _, s := range subnets {
		id := s.EffectiveKeaID()
		m.byKeaID[id] = true
		start, err1 := netutil.ParseIPv6(s.PoolStart)
		end, err2 := netutil.ParseIPv6(s.PoolEnd)
		if err1 != nil || err2 != nil {
			continue
		}
		m.pools = append(m.pools, pool{keaID: id, start: start, end: end})
	}
	return m
}

// resolve returns the subnet id a lease belongs to. Known ids pass
// through; with autoMap an unknown id is replaced when addr falls into
// exactly one persisted pool.
func (m *subnetMapper) resolve(subnetID int64, addr netip.Addr, autoMap bool) (int64, bool) {
	if m.byKeaID[subnetID] {
		return subnetID, true
	}
	if !autoMap {
		return 0, false
	}
	var match int64
	hits := 0
	for _, p := range m.pools {
		if netutil.InRange(addr, p.start, p.end) {
			match = p.keaID
			hits++
		}
	}
	if hits != 1 {
		return 0, false
	}
	return match, true
}
