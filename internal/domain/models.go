package domain

import (
	"encoding/json"
	"time"
)

// DefaultBviNumber is the interface number used for new BVI interfaces
// when the operator does not pick one.
const DefaultBviNumber = 100

// Switch represents a CIN switch that terminates one or more subnets
type Switch struct {
	ID       int64  `json:"id"`
	Hostname string `json:"hostname"`
}

// BviInterface represents a bridge virtual interface on a switch. Whether an
// interface is linked is derived from the subnets that reference it.
type BviInterface struct {
	ID              int64  `json:"id"`
	SwitchID        int64  `json:"switch_id"`
	InterfaceNumber int    `json:"interface_number"`
	IPv6Address     string `json:"ipv6_address"`
}

// Subnet represents a persisted DHCPv6 subnet
type Subnet struct {
	ID             int64  `json:"id"`
	Subnet         string `json:"subnet"` // normalized CIDR, unique
	PoolStart      string `json:"pool_start"`
	PoolEnd        string `json:"pool_end"`
	RelayAddress   string `json:"relay_address,omitempty"`
	CcapCore       string `json:"ccap_core,omitempty"`
	BviInterfaceID *int64 `json:"bvi_interface_id,omitempty"`
	KeaSubnetID    *int64 `json:"kea_subnet_id,omitempty"`
}

// EffectiveKeaID returns the id Kea knows this subnet by. Subnets pushed
// without an explicit Kea id use their local id.
func (s Subnet) EffectiveKeaID() int64 {
	if s.KeaSubnetID != nil && *s.KeaSubnetID > 0 {
		return *s.KeaSubnetID
	}
	return s.ID
}

// Reservation is a host reservation found inside a subnet6 entry
type Reservation struct {
	DUID        string   `json:"duid,omitempty"`
	HWAddress   string   `json:"hw-address,omitempty"`
	IPAddresses []string `json:"ip-addresses,omitempty"`
	Prefixes    []string `json:"prefixes,omitempty"`
	Hostname    string   `json:"hostname,omitempty"`
}

// ParsedSubnet is one subnet6 entry extracted from an uploaded configuration
type ParsedSubnet struct {
	Subnet            string        `json:"subnet"`
	PoolStart         string        `json:"pool_start"`
	PoolEnd           string        `json:"pool_end"`
	RelayAddress      string        `json:"relay_address,omitempty"`
	CcapCore          string        `json:"ccap_core,omitempty"`
	SuggestedCinName  string        `json:"suggested_cin_name,omitempty"`
	SuggestedCcapName string        `json:"suggested_ccap_name,omitempty"`
	Exists            bool          `json:"exists"`
	KeaID             int64         `json:"kea_id,omitempty"`
	SharedNetwork     string        `json:"shared_network,omitempty"`
	Options           []Option      `json:"options,omitempty"`
	Reservations      []Reservation `json:"reservations,omitempty"`
	Line              int           `json:"line,omitempty"`
	Warnings          []string      `json:"warnings,omitempty"`
}

// Pool renders the pool as Kea's "start - end" form
func (p ParsedSubnet) Pool() string {
	if p.PoolStart == "" || p.PoolEnd == "" {
		return ""
	}
	return p.PoolStart + " - " + p.PoolEnd
}

// InfiniteLifetime is Kea's marker for a lease that never expires
const InfiniteLifetime = 0xffffffff

// Lease represents one DHCPv6 lease row from a lease dump
type Lease struct {
	Address           string `json:"ip-address"`
	DUID              string `json:"duid,omitempty"`
	HWAddress         string `json:"hw-address,omitempty"`
	IAID              uint32 `json:"iaid"`
	SubnetID          int64  `json:"subnet-id"`
	CLTT              int64  `json:"cltt"`
	ValidLifetime     uint32 `json:"valid-lft"`
	PreferredLifetime uint32 `json:"preferred-lft"`
	Hostname          string `json:"hostname,omitempty"`
	Type              string `json:"type,omitempty"`
	PrefixLen         int    `json:"prefix-len,omitempty"`
	Line              int    `json:"-"`
}

// Expire returns the absolute expiry time in unix seconds.
func (l Lease) Expire() int64 {
	return l.CLTT + int64(l.ValidLifetime)
}

// Expired reports whether the lease ended before now
func (l Lease) Expired(now time.Time) bool {
	if l.ValidLifetime == InfiniteLifetime {
		return false
	}
	return l.Expire() < now.Unix()
}

// Backup is a point-in-time snapshot of the persisted topology
type Backup struct {
	ID        int64           `json:"id"`
	Server    string          `json:"server"`
	Operation string          `json:"operation"`
	CreatedBy string          `json:"created_by"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}
