// Package topology classifies parsed subnets against the persisted
// switch/BVI/subnet model.
package topology

import (
	"fmt"
	"net/netip"

	"github.com/jbweber/homelab/keaport/internal/domain"
	"github.com/jbweber/homelab/keaport/internal/netutil"
)

// Warning flags a parsed subnet that could not be classified cleanly
type Warning string

const (
	WarningNone              Warning = ""
	WarningOverlap           Warning = "overlap"
	WarningInvalidPrefix     Warning = "invalid_prefix"
	WarningDuplicateInUpload Warning = "duplicate_in_upload"
)

// Snapshot is a read-only view of the persisted topology
type Snapshot struct {
	Switches []domain.Switch
	Bvis     []domain.BviInterface
	Subnets  []domain.Subnet
}

// Match is the classification of one parsed subnet
type Match struct {
	Parsed        domain.ParsedSubnet `json:"parsed"`
	ExistingID    *int64              `json:"existing_id,omitempty"`
	Warning       Warning             `json:"warning,omitempty"`
	WarningDetail string              `json:"warning_detail,omitempty"`
}

// AvailableBvi is an interface no subnet references yet
type AvailableBvi struct {
	ID    int64  `json:"id"`
	Label string `json:"label"`
}

// Result is the outcome of Match
type Result struct {
	Subnets       []Match        `json:"subnets"`
	AvailableBvis []AvailableBvi `json:"available_bvis"`
}

// Find returns the match for a prefix, comparing normalized forms.
func (r Result) Find(prefix string) (Match, bool) {
	key, err := netutil.NormalizePrefix(prefix)
	if err != nil {
		key = prefix
	}
	for _, m := range r.Subnets {
		if m.Parsed.Subnet == key {
			return m, true
		}
	}
	return Match{}, false
}

// BviAvailable reports whether id is among the available interfaces.
func (r Result) BviAvailable(id int64) bool {
	for _, b := range r.AvailableBvis {
		if b.ID == id {
			return true
		}
	}
	return false
}

// MatchSubnets classifies every parsed subnet against snap. A subnet exists
// only when a persisted subnet has the identical normalized prefix; an
// overlap without equality is flagged and never treated as a match.
func MatchSubnets(parsed []domain.ParsedSubnet, snap Snapshot) Result {
	type persisted struct {
		id     int64
		prefix netip.Prefix
		text   string
	}

	byPrefix := make(map[string]int64, len(snap.Subnets))
	var known []persisted
	for _, s := range snap.Subnets {
		p, err := netutil.ParsePrefix(s.Subnet)
		if err != nil {
			continue
		}
		byPrefix[p.String()] = s.ID
		known = append(known, persisted{id: s.ID, prefix: p, text: p.String()})
	}

	result := Result{Subnets: make([]Match, 0, len(parsed))}
	seen := make(map[string]bool, len(parsed))

	for _, ps := range parsed {
		m := Match{Parsed: ps}
		m.Parsed.Exists = false

		p, err := netutil.ParsePrefix(ps.Subnet)
		if err != nil {
			m.Warning = WarningInvalidPrefix
			m.WarningDetail = err.Error()
			result.Subnets = append(result.Subnets, m)
			continue
		}
		key := p.String()
		m.Parsed.Subnet = key

		if seen[key] {
			m.Warning = WarningDuplicateInUpload
			m.WarningDetail = fmt.Sprintf("%s appears more than once in the upload", key)
		}
		seen[key] = true

		if id, ok := byPrefix[key]; ok {
			id := id
			m.Parsed.Exists = true
			m.ExistingID = &id
		} else if m.Warning == WarningNone {
			for _, k := range known {
				if k.prefix.Overlaps(p) {
					m.Warning = WarningOverlap
					m.WarningDetail = fmt.Sprintf("overlaps persisted subnet %s", k.text)
					break
				}
			}
		}

		result.Subnets = append(result.Subnets, m)
	}

	result.AvailableBvis = AvailableBvis(snap)
	return result
}

// AvailableBvis lists interfaces that no persisted subnet references,
// labelled "<switch> - BVI<n> (<address>)".
func AvailableBvis(snap Snapshot) []AvailableBvi {
	linked := make(map[int64]bool, len(snap.Subnets))
	for _, s := range snap.Subnets {
		if s.BviInterfaceID != nil {
			linked[*s.BviInterfaceID] = true
		}
	}
	hostnames := make(map[int64]string, len(snap.Switches))
	for _, sw := range snap.Switches {
		hostnames[sw.ID] = sw.Hostname
	}

	available := []AvailableBvi{}
	for _, b := range snap.Bvis {
		if linked[b.ID] {
			continue
		}
		host := hostnames[b.SwitchID]
		if host == "" {
			host = fmt.Sprintf("switch %d", b.SwitchID)
		}
		available = append(available, AvailableBvi{
			ID:    b.ID,
			Label: fmt.Sprintf("%s - BVI%d (%s)", host, b.InterfaceNumber, b.IPv6Address),
		})
	}
	return available
}

// SwitchNames maps each subnet id to the hostname of the switch that owns
// its interface. Subnets without an interface are left out.
func (s Snapshot) SwitchNames() map[int64]string {
	hostnames := make(map[int64]string, len(s.Switches))
	for _, sw := range s.Switches {
		hostnames[sw.ID] = sw.Hostname
	}
	owner := make(map[int64]int64, len(s.Bvis))
	for _, b := range s.Bvis {
		owner[b.ID] = b.SwitchID
	}

	names := make(map[int64]string)
	for _, sub := range s.Subnets {
		if sub.BviInterfaceID == nil {
			continue
		}
		if host := hostnames[owner[*sub.BviInterfaceID]]; host != "" {
			names[sub.ID] = host
		}
	}
	return names
}
