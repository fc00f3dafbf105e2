package domain

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// OptionType is the Kea data type of an option value
type OptionType string

const (
	OptionTypeIPv6Address OptionType = "ipv6-address"
	OptionTypeUint8       OptionType = "uint8"
	OptionTypeUint16      OptionType = "uint16"
	OptionTypeUint32      OptionType = "uint32"
	OptionTypeInt8        OptionType = "int8"
	OptionTypeInt16       OptionType = "int16"
	OptionTypeInt32       OptionType = "int32"
	OptionTypeString      OptionType = "string"
	OptionTypeFQDN        OptionType = "fqdn"
	OptionTypeBinary      OptionType = "binary"
	OptionTypeBoolean     OptionType = "boolean"
	OptionTypeRecord      OptionType = "record"
	OptionTypeEmpty       OptionType = "empty"
)

var integerBounds = map[OptionType][2]int64{
	OptionTypeUint8:  {0, 1<<8 - 1},
	OptionTypeUint16: {0, 1<<16 - 1},
	OptionTypeUint32: {0, 1<<32 - 1},
	OptionTypeInt8:   {-1 << 7, 1<<7 - 1},
	OptionTypeInt16:  {-1 << 15, 1<<15 - 1},
	OptionTypeInt32:  {-1 << 31, 1<<31 - 1},
}

// OptionValue is a decoded option payload. The set of implementations is
// closed; each one validates on construction and formats back to Kea's
// csv-format data string.
type OptionValue interface {
	Type() OptionType
	String() string
	optionValue()
}

// IPv6AddressValue holds one or more IPv6 addresses
type IPv6AddressValue struct {
	Addresses []netip.Addr
}

func (IPv6AddressValue) Type() OptionType { return OptionTypeIPv6Address }
func (IPv6AddressValue) optionValue()     {}

func (v IPv6AddressValue) String() string {
	parts := make([]string, len(v.Addresses))
	for i, a := range v.Addresses {
		parts[i] = a.String()
	}
	return strings.Join(parts, ", ")
}

// IntegerValue holds one or more signed or unsigned integers of a fixed width
type IntegerValue struct {
	Kind   OptionType
	Values []int64
}

func (v IntegerValue) Type() OptionType { return v.Kind }
func (IntegerValue) optionValue()       {}

func (v IntegerValue) String() string {
	parts := make([]string, len(v.Values))
	for i, n := range v.Values {
		parts[i] = strconv.FormatInt(n, 10)
	}
	return strings.Join(parts, ", ")
}

// StringValue holds free text
type StringValue struct {
	Text string
}

func (StringValue) Type() OptionType { return OptionTypeString }
func (StringValue) optionValue()     {}
func (v StringValue) String() string { return v.Text }

// FQDNValue holds one or more domain names
type FQDNValue struct {
	Names []string
}

func (FQDNValue) Type() OptionType { return OptionTypeFQDN }
func (FQDNValue) optionValue()     {}
func (v FQDNValue) String() string { return strings.Join(v.Names, ", ") }

// BinaryValue holds raw bytes given as hex
type BinaryValue struct {
	Data []byte
}

func (BinaryValue) Type() OptionType { return OptionTypeBinary }
func (BinaryValue) optionValue()     {}
func (v BinaryValue) String() string { return strings.ToUpper(hex.EncodeToString(v.Data)) }

// BooleanValue holds one or more booleans
type BooleanValue struct {
	Values []bool
}

func (BooleanValue) Type() OptionType { return OptionTypeBoolean }
func (BooleanValue) optionValue()     {}

func (v BooleanValue) String() string {
	parts := make([]string, len(v.Values))
	for i, b := range v.Values {
		parts[i] = strconv.FormatBool(b)
	}
	return strings.Join(parts, ", ")
}

// RawValue carries data whose type has no dedicated decoder (records,
// empty options and options without a known definition). It is passed
// through unchanged.
type RawValue struct {
	Kind OptionType
	Text string
}

func (v RawValue) Type() OptionType { return v.Kind }
func (RawValue) optionValue()       {}
func (v RawValue) String() string   { return v.Text }

// DecodeOptionValue validates data against t and returns the typed value.
// array allows comma-separated lists.
func DecodeOptionValue(t OptionType, data string, array bool) (OptionValue, error) {
	fields := splitOptionData(data)
	if !array && len(fields) > 1 {
		switch t {
		case OptionTypeString, OptionTypeRecord, OptionTypeEmpty, "":
		default:
			return nil, fmt.Errorf("%s option takes a single value, got %d", t, len(fields))
		}
	}

	switch t {
	case OptionTypeIPv6Address:
		if len(fields) == 0 {
			return nil, fmt.Errorf("ipv6-address option requires a value")
		}
		v := IPv6AddressValue{}
		for _, f := range fields {
			addr, err := netip.ParseAddr(f)
			if err != nil || !addr.Is6() || addr.Is4In6() || addr.Zone() != "" {
				return nil, fmt.Errorf("invalid IPv6 address %q", f)
			}
			v.Addresses = append(v.Addresses, addr)
		}
		return v, nil

	case OptionTypeUint8, OptionTypeUint16, OptionTypeUint32,
		OptionTypeInt8, OptionTypeInt16, OptionTypeInt32:
		if len(fields) == 0 {
			return nil, fmt.Errorf("%s option requires a value", t)
		}
		bounds := integerBounds[t]
		v := IntegerValue{Kind: t}
		for _, f := range fields {
			n, err := strconv.ParseInt(f, 0, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid %s value %q", t, f)
			}
			if n < bounds[0] || n > bounds[1] {
				return nil, fmt.Errorf("%s value %d out of range [%d, %d]", t, n, bounds[0], bounds[1])
			}
			v.Values = append(v.Values, n)
		}
		return v, nil

	case OptionTypeString:
		return StringValue{Text: data}, nil

	case OptionTypeFQDN:
		if len(fields) == 0 {
			return nil, fmt.Errorf("fqdn option requires a value")
		}
		v := FQDNValue{}
		for _, f := range fields {
			if !validFQDN(f) {
				return nil, fmt.Errorf("invalid domain name %q", f)
			}
			v.Names = append(v.Names, f)
		}
		return v, nil

	case OptionTypeBinary:
		clean := strings.NewReplacer(":", "", " ", "", "0x", "", "0X", "").Replace(data)
		b, err := hex.DecodeString(clean)
		if err != nil {
			return nil, fmt.Errorf("invalid binary data %q: %w", data, err)
		}
		return BinaryValue{Data: b}, nil

	case OptionTypeBoolean:
		if len(fields) == 0 {
			return nil, fmt.Errorf("boolean option requires a value")
		}
		v := BooleanValue{}
		for _, f := range fields {
			b, err := strconv.ParseBool(f)
			if err != nil {
				return nil, fmt.Errorf("invalid boolean %q", f)
			}
			v.Values = append(v.Values, b)
		}
		return v, nil

	default:
		return RawValue{Kind: t, Text: data}, nil
	}
}

func splitOptionData(data string) []string {
	var out []string
	for _, f := range strings.Split(data, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func validFQDN(name string) bool {
	name = strings.TrimSuffix(name, ".")
	if name == "" || len(name) > 253 {
		return false
	}
	for _, label := range strings.Split(name, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		for i, r := range label {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			case r == '-' && i > 0 && i < len(label)-1:
			case r == '_':
			default:
				return false
			}
		}
	}
	return true
}

// Option is one option-data entry
type Option struct {
	Name  string      `json:"name,omitempty"`
	Code  int         `json:"code,omitempty"`
	Space string      `json:"space,omitempty"`
	Type  OptionType  `json:"type,omitempty"`
	Array bool        `json:"array,omitempty"`
	Data  string      `json:"data"`
	Value OptionValue `json:"-"`
}

// UnmarshalJSON restores Value from Type and Data. Data that no longer
// decodes is kept as a RawValue.
func (o *Option) UnmarshalJSON(b []byte) error {
	type plain Option
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*o = Option(p)
	v, err := DecodeOptionValue(o.Type, o.Data, o.Array)
	if err != nil {
		v = RawValue{Kind: o.Type, Text: o.Data}
	}
	o.Value = v
	return nil
}

// OptionDef describes the type of an option within an option space
type OptionDef struct {
	Name  string     `json:"name"`
	Code  int        `json:"code"`
	Space string     `json:"space"`
	Type  OptionType `json:"type"`
	Array bool       `json:"array"`
}

// DefaultOptionSpace is the space of standard DHCPv6 options
const DefaultOptionSpace = "dhcp6"

// StandardOptionDefs lists the DHCPv6 and DOCSIS options this tool decodes.
var StandardOptionDefs = []OptionDef{
	{Name: "preference", Code: 7, Space: "dhcp6", Type: OptionTypeUint8},
	{Name: "unicast", Code: 12, Space: "dhcp6", Type: OptionTypeIPv6Address},
	{Name: "vendor-opts", Code: 17, Space: "dhcp6", Type: OptionTypeUint32},
	{Name: "sip-server-dns", Code: 21, Space: "dhcp6", Type: OptionTypeFQDN, Array: true},
	{Name: "sip-server-addr", Code: 22, Space: "dhcp6", Type: OptionTypeIPv6Address, Array: true},
	{Name: "dns-servers", Code: 23, Space: "dhcp6", Type: OptionTypeIPv6Address, Array: true},
	{Name: "domain-search", Code: 24, Space: "dhcp6", Type: OptionTypeFQDN, Array: true},
	{Name: "nis-servers", Code: 27, Space: "dhcp6", Type: OptionTypeIPv6Address, Array: true},
	{Name: "sntp-servers", Code: 31, Space: "dhcp6", Type: OptionTypeIPv6Address, Array: true},
	{Name: "information-refresh-time", Code: 32, Space: "dhcp6", Type: OptionTypeUint32},
	{Name: "ntp-server", Code: 56, Space: "dhcp6", Type: OptionTypeEmpty},
	{Name: "bootfile-url", Code: 59, Space: "dhcp6", Type: OptionTypeString},
	{Name: "tftp-servers", Code: 32, Space: "vendor-4491", Type: OptionTypeIPv6Address, Array: true},
	{Name: "config-file", Code: 33, Space: "vendor-4491", Type: OptionTypeString},
	{Name: "syslog-servers", Code: 34, Space: "vendor-4491", Type: OptionTypeIPv6Address, Array: true},
	{Name: "time-servers", Code: 37, Space: "vendor-4491", Type: OptionTypeIPv6Address, Array: true},
	{Name: "time-offset", Code: 38, Space: "vendor-4491", Type: OptionTypeInt32},
	{Name: "ccap-core", Code: 61, Space: "vendor-4491", Type: OptionTypeIPv6Address, Array: true},
}

// LookupOptionDef finds the definition for an option by name or code within
// space. custom definitions take precedence over the standard ones.
func LookupOptionDef(custom []OptionDef, name string, code int, space string) (OptionDef, bool) {
	if space == "" {
		space = DefaultOptionSpace
	}
	for _, defs := range [][]OptionDef{custom, StandardOptionDefs} {
		for _, d := range defs {
			dspace := d.Space
			if dspace == "" {
				dspace = DefaultOptionSpace
			}
			if dspace != space {
				continue
			}
			if (name != "" && d.Name == name) || (name == "" && code != 0 && d.Code == code) {
				return d, true
			}
		}
	}
	return OptionDef{}, false
}
